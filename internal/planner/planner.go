// Package planner turns a research question into a structured plan and
// refines it from critic feedback. All LLM calls enforce a strict-JSON
// contract with a deterministic fallback so planning always makes progress.
package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/hyperifyio/deepresearch/internal/llm"
)

// Planner produces and refines research plans.
type Planner struct {
	Client           llm.Client
	Model            string
	FallbackModel    string
	LightweightModel string
}

// CreatePlan asks the model for a structured plan: 3-5 sub-questions, 3-6
// search strategies, and an ordered section outline. On schema failure after
// retry and fallback, a deterministic plan is synthesized from the query.
func (p *Planner) CreatePlan(ctx context.Context, query string) (*Plan, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errors.New("empty research query")
	}
	var plan Plan
	err := llm.Structured(ctx, p.Client, llm.StructuredCall{
		System: planSystemMessage,
		User:   "Research question: " + query,
		Model:  p.Model, FallbackModel: p.FallbackModel,
		Temperature: 0.1,
		Validate:    validatePlanSchema,
	}, &plan)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Warn().Err(err).Msg("plan synthesis failed; using fallback plan")
		return fallbackPlan(query), nil
	}
	sanitizePlan(&plan, query)
	return &plan, nil
}

const planSystemMessage = "You are a research planning assistant. Respond with strict JSON only, no narration. Schema: {\"mainQuestion\": string, \"subQuestions\": string[3..5], \"searchStrategies\": [{\"query\": string, \"reasoning\": string}][3..6], \"expectedSections\": string[4..8]}. Sub-questions must decompose the main question into distinct facets. Search strategies must be concise keyword queries suitable for academic search engines, covering all sub-questions. Expected sections are report headings in reading order."

func validatePlanSchema(raw json.RawMessage) error {
	var plan Plan
	if err := json.Unmarshal(raw, &plan); err != nil {
		return err
	}
	if strings.TrimSpace(plan.MainQuestion) == "" {
		return errors.New("mainQuestion required")
	}
	if n := len(plan.SubQuestions); n < 3 || n > 5 {
		return fmt.Errorf("subQuestions out of range: %d", n)
	}
	if len(plan.SearchStrategies) < 1 {
		return errors.New("at least one search strategy required")
	}
	return nil
}

func sanitizePlan(plan *Plan, query string) {
	if strings.TrimSpace(plan.MainQuestion) == "" {
		plan.MainQuestion = query
	}
	plan.SubQuestions = dedupeStrings(plan.SubQuestions)
	strategies := plan.SearchStrategies[:0]
	seen := map[string]struct{}{}
	for _, s := range plan.SearchStrategies {
		q := strings.TrimSpace(s.Query)
		if q == "" {
			continue
		}
		key := strings.ToLower(q)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		s.Query = q
		strategies = append(strategies, s)
	}
	plan.SearchStrategies = strategies
	if len(plan.ExpectedSections) == 0 {
		plan.ExpectedSections = defaultSections
	}
}

var defaultSections = []string{"Introduction", "Background", "Findings", "Discussion", "Limitations", "Conclusion"}

// fallbackPlan builds a deterministic plan when the LLM is unavailable or
// returns invalid output.
func fallbackPlan(query string) *Plan {
	facets := []struct{ sub, suffix string }{
		{"What is the current state of research on this topic?", "survey"},
		{"What methods and approaches are used?", "methods"},
		{"What are the main findings and their limitations?", "limitations"},
		{"What open problems remain?", "open problems"},
	}
	plan := &Plan{MainQuestion: query, ExpectedSections: defaultSections}
	for _, f := range facets {
		plan.SubQuestions = append(plan.SubQuestions, f.sub)
		plan.SearchStrategies = append(plan.SearchStrategies, SearchStrategy{
			Query:     query + " " + f.suffix,
			Reasoning: "deterministic fallback strategy",
		})
	}
	return plan
}

// RoundStats summarizes a previous round for query refinement.
type RoundStats struct {
	Query        string
	ResultCount  int
	RelevantHits int
}

// RefineSearchQuery derives a better query from a previous round's outcome
// using the lightweight model, falling back to a keyword-trimmed variant.
func (p *Planner) RefineSearchQuery(ctx context.Context, original SearchQuery, prev RoundStats, hint string) (SearchQuery, error) {
	model := p.LightweightModel
	if model == "" {
		model = p.Model
	}
	var out struct {
		Query string `json:"query"`
	}
	err := llm.Structured(ctx, p.Client, llm.StructuredCall{
		System: "You refine academic search queries. Respond with strict JSON only: {\"query\": string}. Produce one improved query: broaden when the previous query found too little, narrow when results were off-topic.",
		User: fmt.Sprintf("Original query: %s\nPrevious results: %d (%d relevant)\nContext: %s",
			original.Query, prev.ResultCount, prev.RelevantHits, hint),
		Model:       model,
		Temperature: 0.2,
	}, &out)
	if err != nil || strings.TrimSpace(out.Query) == "" {
		if ctx.Err() != nil {
			return original, ctx.Err()
		}
		// Deterministic fallback: drop the last keyword to broaden.
		words := strings.Fields(original.Query)
		if len(words) > 2 {
			return SearchQuery{Query: strings.Join(words[:len(words)-1], " "), Filters: original.Filters}, nil
		}
		return original, nil
	}
	return SearchQuery{Query: strings.TrimSpace(out.Query), Filters: original.Filters}, nil
}

// FeedbackContext carries the critic's view into plan refinement.
type FeedbackContext struct {
	Gaps         []string
	Feedback     string
	OverallScore float64
}

// RefinePlanFromFeedback expands the plan to close identified gaps. When no
// gaps exist and the overall score is already >= 80 the refinement is empty.
func (p *Planner) RefinePlanFromFeedback(ctx context.Context, plan *Plan, fb FeedbackContext, existingTitles []string) (Refinement, error) {
	if len(fb.Gaps) == 0 && fb.OverallScore >= 80 {
		return Refinement{}, nil
	}
	var out Refinement
	err := llm.Structured(ctx, p.Client, llm.StructuredCall{
		System: "You refine research plans from reviewer feedback. Respond with strict JSON only. Schema: {\"additionalSubQuestions\": string[], \"additionalSearchStrategies\": [{\"query\": string, \"reasoning\": string}], \"refinedSections\": string[], \"reasoning\": string, \"gapMappings\": {gap: string[]}}. Every identified gap must map to at least one new search query. Do not repeat existing strategies or paper titles.",
		User:   refineUserPrompt(plan, fb, existingTitles),
		Model:  p.Model, FallbackModel: p.FallbackModel,
		Temperature: 0.2,
	}, &out)
	if err != nil {
		if ctx.Err() != nil {
			return Refinement{}, ctx.Err()
		}
		log.Warn().Err(err).Msg("plan refinement failed; synthesizing gap queries")
		return fallbackRefinement(plan, fb), nil
	}
	out.AdditionalSubQuestions = dedupeStrings(out.AdditionalSubQuestions)
	return out, nil
}

func refineUserPrompt(plan *Plan, fb FeedbackContext, titles []string) string {
	var sb strings.Builder
	sb.WriteString("Main question: ")
	sb.WriteString(plan.MainQuestion)
	sb.WriteString("\nCurrent sub-questions:\n")
	for _, q := range plan.SubQuestions {
		sb.WriteString("- ")
		sb.WriteString(q)
		sb.WriteString("\n")
	}
	sb.WriteString("Current strategies:\n")
	for _, s := range plan.SearchStrategies {
		sb.WriteString("- ")
		sb.WriteString(s.Query)
		sb.WriteString("\n")
	}
	if len(fb.Gaps) > 0 {
		sb.WriteString("Gaps identified by the reviewer:\n")
		for _, g := range fb.Gaps {
			sb.WriteString("- ")
			sb.WriteString(g)
			sb.WriteString("\n")
		}
	}
	if fb.Feedback != "" {
		sb.WriteString("Reviewer feedback: ")
		sb.WriteString(fb.Feedback)
		sb.WriteString("\n")
	}
	sb.WriteString(fmt.Sprintf("Overall score: %.0f\n", fb.OverallScore))
	if len(titles) > 0 {
		sb.WriteString("Papers already collected:\n")
		for i, t := range titles {
			if i == 30 {
				break
			}
			sb.WriteString("- ")
			sb.WriteString(t)
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

func fallbackRefinement(plan *Plan, fb FeedbackContext) Refinement {
	out := Refinement{GapMappings: map[string][]string{}, Reasoning: "deterministic refinement from gaps"}
	for _, gap := range fb.Gaps {
		q := strings.TrimSpace(plan.MainQuestion + " " + gap)
		out.AdditionalSearchStrategies = append(out.AdditionalSearchStrategies, SearchStrategy{Query: q, Reasoning: "gap: " + gap})
		out.GapMappings[gap] = []string{q}
	}
	return out
}

// ApplyRefinement folds a refinement into the plan: sub-questions and
// strategies append (deduplicated), refined sections replace the outline
// when present. Plan mutation stays inside this package.
func ApplyRefinement(plan *Plan, ref Refinement) {
	plan.SubQuestions = dedupeStrings(append(plan.SubQuestions, ref.AdditionalSubQuestions...))
	existing := map[string]struct{}{}
	for _, s := range plan.SearchStrategies {
		existing[strings.ToLower(strings.TrimSpace(s.Query))] = struct{}{}
	}
	for _, s := range ref.AdditionalSearchStrategies {
		key := strings.ToLower(strings.TrimSpace(s.Query))
		if key == "" {
			continue
		}
		if _, ok := existing[key]; ok {
			continue
		}
		existing[key] = struct{}{}
		plan.SearchStrategies = append(plan.SearchStrategies, s)
	}
	if len(ref.RefinedSections) > 0 {
		plan.ExpectedSections = ref.RefinedSections
	}
}

func dedupeStrings(in []string) []string {
	out := make([]string, 0, len(in))
	seen := map[string]struct{}{}
	for _, s := range in {
		v := strings.TrimSpace(s)
		if v == "" {
			continue
		}
		key := strings.ToLower(v)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, v)
	}
	return out
}
