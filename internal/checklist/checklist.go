// Package checklist turns a research plan into trackable requirements and
// verifies each against the final report.
package checklist

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/hyperifyio/deepresearch/internal/llm"
	"github.com/hyperifyio/deepresearch/internal/paper"
	"github.com/hyperifyio/deepresearch/internal/planner"
	"github.com/hyperifyio/deepresearch/internal/report"
)

// Status is the verification state of one checklist item.
type Status string

const (
	StatusPending           Status = "pending"
	StatusInProgress        Status = "in_progress"
	StatusVerified          Status = "verified"
	StatusPartiallyVerified Status = "partially_verified"
	StatusFailed            Status = "failed"
	StatusNotApplicable     Status = "not_applicable"
)

// Item is one trackable requirement.
type Item struct {
	ID           string   `json:"id"`
	Requirement  string   `json:"requirement"`
	Criteria     string   `json:"criteria"`
	Priority     string   `json:"priority"` // high|medium|low
	Category     string   `json:"category"`
	Status       Status   `json:"status"`
	Evidence     []string `json:"evidence,omitempty"`
	SourceIDs    []string `json:"sourceIds,omitempty"`
}

// Checklist aggregates items with progress counters.
type Checklist struct {
	SessionID       string  `json:"sessionId"`
	Items           []Item  `json:"items"`
	Verified        int     `json:"verified"`
	Partial         int     `json:"partial"`
	Failed          int     `json:"failed"`
	Pending         int     `json:"pending"`
	OverallProgress float64 `json:"overallProgress"`
}

// progress weights: verified 1.0, partially verified 0.5, everything else 0.
func (c *Checklist) Recompute() {
	c.Verified, c.Partial, c.Failed, c.Pending = 0, 0, 0, 0
	var weight float64
	for _, it := range c.Items {
		switch it.Status {
		case StatusVerified:
			c.Verified++
			weight += 1
		case StatusPartiallyVerified:
			c.Partial++
			weight += 0.5
		case StatusFailed:
			c.Failed++
		case StatusPending, StatusInProgress:
			c.Pending++
		}
	}
	if len(c.Items) > 0 {
		c.OverallProgress = weight * 100 / float64(len(c.Items))
	} else {
		c.OverallProgress = 0
	}
}

// Builder creates and verifies checklists with the LLM.
type Builder struct {
	Client        llm.Client
	Model         string
	FallbackModel string
}

// Build generates 8-15 requirement items from the plan plus three fixed core
// items. On LLM failure a minimal checklist is synthesized from the first
// five sub-questions.
func (b *Builder) Build(ctx context.Context, plan *planner.Plan, query, sessionID string) (*Checklist, error) {
	var out struct {
		Items []Item `json:"items"`
	}
	err := llm.Structured(ctx, b.Client, llm.StructuredCall{
		System: "You turn research plans into verification checklists. Respond with strict JSON only: {\"items\":[{\"requirement\": string, \"criteria\": string, \"priority\": \"high|medium|low\", \"category\": string}]}. Produce 8-15 items covering every sub-question, methodology expectations, and citation quality.",
		User:   buildPrompt(plan, query),
		Model:  b.Model, FallbackModel: b.FallbackModel,
		Temperature: 0.1,
		Validate: func(raw json.RawMessage) error {
			var v struct {
				Items []Item `json:"items"`
			}
			if err := json.Unmarshal(raw, &v); err != nil {
				return err
			}
			if n := len(v.Items); n < 8 || n > 15 {
				return fmt.Errorf("item count out of range: %d", n)
			}
			return nil
		},
	}, &out)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Warn().Err(err).Msg("checklist generation failed; using minimal skeleton")
		out.Items = skeletonItems(plan)
	}

	cl := &Checklist{SessionID: sessionID}
	for i, it := range out.Items {
		it.ID = fmt.Sprintf("item-%d", i+1)
		it.Status = StatusPending
		cl.Items = append(cl.Items, it)
	}
	for i, core := range coreItems() {
		core.ID = fmt.Sprintf("core-%d", i+1)
		cl.Items = append(cl.Items, core)
	}
	cl.Recompute()
	return cl, nil
}

// coreItems are always present regardless of the generated set.
func coreItems() []Item {
	return []Item{
		{Requirement: "All factual claims carry citations", Criteria: "every non-trivial claim has an inline reference", Priority: "high", Category: "citations", Status: StatusPending},
		{Requirement: "The conclusion answers the main research question", Criteria: "conclusion section directly addresses the stated question", Priority: "high", Category: "structure", Status: StatusPending},
		{Requirement: "At least 60% of citations are from the last 5 years", Criteria: "citation year distribution skews recent", Priority: "medium", Category: "recency", Status: StatusPending},
	}
}

// skeletonItems derives a minimal checklist from the first five
// sub-questions.
func skeletonItems(plan *planner.Plan) []Item {
	var out []Item
	for i, q := range plan.SubQuestions {
		if i == 5 {
			break
		}
		out = append(out, Item{
			Requirement: "Report addresses: " + q,
			Criteria:    "the report discusses this sub-question with cited evidence",
			Priority:    "high",
			Category:    "coverage",
		})
	}
	return out
}

func buildPrompt(plan *planner.Plan, query string) string {
	var sb strings.Builder
	sb.WriteString("Research question: ")
	sb.WriteString(query)
	sb.WriteString("\nMain question: ")
	sb.WriteString(plan.MainQuestion)
	sb.WriteString("\nSub-questions:\n")
	for _, q := range plan.SubQuestions {
		sb.WriteString("- ")
		sb.WriteString(q)
		sb.WriteString("\n")
	}
	return sb.String()
}

// itemVerdict is the LLM's answer for one item.
type itemVerdict struct {
	Status   Status   `json:"status"`
	Evidence []string `json:"evidence"`
	Sources  []string `json:"sourceIds"`
}

// VerifyItem checks one item against the report, updating status, appending
// evidence, and unioning source ids.
func (b *Builder) VerifyItem(ctx context.Context, item *Item, rep *report.Report, papers []*paper.Paper) error {
	var out itemVerdict
	err := llm.Structured(ctx, b.Client, llm.StructuredCall{
		System: "You verify report requirements. Respond with strict JSON only: {\"status\": \"verified|partially_verified|failed|not_applicable\", \"evidence\": string[], \"sourceIds\": string[]}. Evidence entries are short excerpts from the report that satisfy the requirement.",
		User:   verifyItemPrompt(item, rep),
		Model:  b.Model, FallbackModel: b.FallbackModel,
		Temperature: 0.0,
		Validate: func(raw json.RawMessage) error {
			var v itemVerdict
			if err := json.Unmarshal(raw, &v); err != nil {
				return err
			}
			switch v.Status {
			case StatusVerified, StatusPartiallyVerified, StatusFailed, StatusNotApplicable:
				return nil
			}
			return fmt.Errorf("invalid status %q", v.Status)
		},
	}, &out)
	if err != nil {
		return err
	}
	item.Status = out.Status
	item.Evidence = append(item.Evidence, out.Evidence...)
	item.SourceIDs = unionStrings(item.SourceIDs, out.Sources)
	return nil
}

func verifyItemPrompt(item *Item, rep *report.Report) string {
	var sb strings.Builder
	sb.WriteString("Requirement: ")
	sb.WriteString(item.Requirement)
	sb.WriteString("\nCriteria: ")
	sb.WriteString(item.Criteria)
	sb.WriteString("\n\nReport:\n\n")
	sb.WriteString(rep.Content)
	return sb.String()
}

// Verify iterates pending items; a per-item error marks that item failed and
// verification continues.
func (b *Builder) Verify(ctx context.Context, cl *Checklist, rep *report.Report, papers []*paper.Paper) error {
	for i := range cl.Items {
		if err := ctx.Err(); err != nil {
			return err
		}
		item := &cl.Items[i]
		if item.Status != StatusPending && item.Status != StatusInProgress {
			continue
		}
		item.Status = StatusInProgress
		if err := b.VerifyItem(ctx, item, rep, papers); err != nil {
			log.Warn().Err(err).Str("item", item.ID).Msg("checklist item verification failed")
			item.Status = StatusFailed
		}
	}
	cl.Recompute()
	return nil
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]struct{}, len(a))
	for _, s := range a {
		seen[s] = struct{}{}
	}
	for _, s := range b {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		a = append(a, s)
	}
	return a
}
