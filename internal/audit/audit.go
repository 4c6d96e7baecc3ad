// Package audit verifies every evidence-requiring claim in a report against
// the papers it cites, flags hallucinations, and aggregates an overall
// grounding score.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/hyperifyio/deepresearch/internal/llm"
	"github.com/hyperifyio/deepresearch/internal/paper"
	"github.com/hyperifyio/deepresearch/internal/report"
)

// VerificationStatus is the outcome of checking one claim against one paper.
type VerificationStatus string

const (
	StatusVerified     VerificationStatus = "verified"
	StatusUncertain    VerificationStatus = "uncertain"
	StatusContradicted VerificationStatus = "contradicted"
	StatusUnsupported  VerificationStatus = "unsupported"
)

// HallucinationCategory classifies why an ungrounded claim is wrong.
type HallucinationCategory string

const (
	CategoryFabrication    HallucinationCategory = "fabrication"
	CategoryExaggeration   HallucinationCategory = "exaggeration"
	CategoryMisattribution HallucinationCategory = "misattribution"
	CategoryContradiction  HallucinationCategory = "contradiction"
)

// Claim is one factual assertion extracted from the report.
type Claim struct {
	Text             string `json:"text"`
	CitationRefs     []int  `json:"citationRefs"`
	RequiresEvidence bool   `json:"requiresEvidence"`
}

// Evidence is one verified excerpt backing (or failing to back) a claim.
type Evidence struct {
	PaperID    string             `json:"paperId"`
	Excerpt    string             `json:"excerpt,omitempty"`
	Relevance  float64            `json:"relevance"`
	Confidence float64            `json:"confidence"`
	Status     VerificationStatus `json:"verificationStatus"`
	Reasoning  string             `json:"reasoning,omitempty"`
}

// HallucinationFinding records an ungrounded claim with its category.
type HallucinationFinding struct {
	Claim    string                `json:"claim"`
	Category HallucinationCategory `json:"category"`
	Severity string                `json:"severity"`
}

// ClaimBinding links a claim to its citations and evidence.
type ClaimBinding struct {
	Claim          Claim              `json:"claim"`
	CitationIDs    []string           `json:"citationIds"`
	Evidence       []Evidence         `json:"evidence"`
	Status         VerificationStatus `json:"status"`
	GroundingScore float64            `json:"groundingScore"`
	IsGrounded     bool               `json:"isGrounded"`
}

// Result aggregates the audit.
type Result struct {
	SessionID             string                 `json:"sessionId"`
	Claims                []ClaimBinding         `json:"claims"`
	TotalClaims           int                    `json:"totalClaims"`
	Grounded              int                    `json:"grounded"`
	Uncertain             int                    `json:"uncertain"`
	Unsupported           int                    `json:"unsupported"`
	Contradicted          int                    `json:"contradicted"`
	OverallGroundingScore float64                `json:"overallGroundingScore"`
	Hallucinations        []HallucinationFinding `json:"hallucinations"`
	CriticalIssues        []string               `json:"criticalIssues"`
	Recommendations       []string               `json:"recommendations"`
}

// maxPapersPerClaim bounds the verification fan-out per claim.
const maxPapersPerClaim = 5

// Auditor drives claim extraction and verification.
type Auditor struct {
	Client        llm.Client
	Model         string
	FallbackModel string
	// FallbackTopK papers are consulted for claims with no resolvable refs.
	FallbackTopK int
}

// ExtractClaims pulls factual claims and their inline citation refs from the
// report. Claims not requiring evidence (opinions, common knowledge) are
// filtered out. On LLM failure a deterministic sentence scan is used.
func (a *Auditor) ExtractClaims(ctx context.Context, content string, citations []report.Citation) ([]Claim, error) {
	var out struct {
		Claims []Claim `json:"claims"`
	}
	err := llm.Structured(ctx, a.Client, llm.StructuredCall{
		System: "You extract factual claims from research reports. Respond with strict JSON only: {\"claims\":[{\"text\": string, \"citationRefs\": int[], \"requiresEvidence\": bool}]}. Extract 5-20 claims. citationRefs are the bracketed numbers cited inline, e.g. [3]. Mark opinions and common knowledge with requiresEvidence=false.",
		User:   "Report:\n\n" + content,
		Model:  a.Model, FallbackModel: a.FallbackModel,
		Temperature: 0.0,
	}, &out)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Warn().Err(err).Msg("claim extraction failed; using deterministic scan")
		out.Claims = fallbackExtractClaims(content)
	}
	kept := out.Claims[:0]
	for _, c := range out.Claims {
		if c.RequiresEvidence && strings.TrimSpace(c.Text) != "" {
			kept = append(kept, c)
		}
	}
	return kept, nil
}

var citeRe = regexp.MustCompile(`\[(\d+)\]`)

// fallbackExtractClaims keeps cited sentences of reasonable length.
func fallbackExtractClaims(content string) []Claim {
	var out []Claim
	for _, s := range strings.FieldsFunc(content, func(r rune) bool { return r == '.' || r == '\n' }) {
		s = strings.TrimSpace(s)
		if len(s) < 40 || len(out) >= 20 {
			continue
		}
		refs := parseRefs(s)
		if len(refs) == 0 {
			continue
		}
		out = append(out, Claim{Text: s, CitationRefs: refs, RequiresEvidence: true})
	}
	return out
}

func parseRefs(s string) []int {
	var out []int
	seen := map[int]bool{}
	for _, m := range citeRe.FindAllStringSubmatch(s, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

// verdict is the LLM's per-claim-per-paper answer.
type verdict struct {
	IsSupported     bool               `json:"isSupported"`
	RelevanceScore  float64            `json:"relevanceScore"`
	Confidence      float64            `json:"confidence"`
	Status          VerificationStatus `json:"status"`
	RelevantExcerpt string             `json:"relevantExcerpt"`
	Reasoning       string             `json:"reasoning"`
}

// VerifyClaim checks one claim against one paper.
func (a *Auditor) VerifyClaim(ctx context.Context, claim Claim, p *paper.Paper) (Evidence, error) {
	var v verdict
	err := llm.Structured(ctx, a.Client, llm.StructuredCall{
		System: "You verify whether a paper supports a claim. Respond with strict JSON only: {\"isSupported\": bool, \"relevanceScore\": 0-100, \"confidence\": 0-100, \"status\": \"verified|uncertain|contradicted|unsupported\", \"relevantExcerpt\": string, \"reasoning\": string}. Use only the paper content given.",
		User:   verifyPrompt(claim, p),
		Model:  a.Model, FallbackModel: a.FallbackModel,
		Temperature: 0.0,
		Validate: func(raw json.RawMessage) error {
			var vv verdict
			if err := json.Unmarshal(raw, &vv); err != nil {
				return err
			}
			switch vv.Status {
			case StatusVerified, StatusUncertain, StatusContradicted, StatusUnsupported:
				return nil
			}
			return fmt.Errorf("invalid status %q", vv.Status)
		},
	}, &v)
	if err != nil {
		if ctx.Err() != nil {
			return Evidence{}, ctx.Err()
		}
		// Unreachable verifier keeps the claim uncertain rather than failing
		// the audit.
		return Evidence{PaperID: p.ID, Status: StatusUncertain, Relevance: 0, Reasoning: "verifier unavailable"}, nil
	}
	return Evidence{
		PaperID:    p.ID,
		Excerpt:    v.RelevantExcerpt,
		Relevance:  v.RelevanceScore,
		Confidence: v.Confidence,
		Status:     v.Status,
		Reasoning:  v.Reasoning,
	}, nil
}

func verifyPrompt(claim Claim, p *paper.Paper) string {
	var sb strings.Builder
	sb.WriteString("Claim: ")
	sb.WriteString(claim.Text)
	sb.WriteString("\n\nPaper: ")
	sb.WriteString(p.Title)
	if p.Abstract != "" {
		sb.WriteString("\nAbstract: ")
		sb.WriteString(p.Abstract)
	}
	if p.FullText != "" {
		body := p.FullText
		if len(body) > 8000 {
			body = body[:8000]
		}
		sb.WriteString("\nContent:\n")
		sb.WriteString(body)
	}
	return sb.String()
}

// AuditEvidence runs the full audit: extract claims, verify each against up
// to five cited papers (falling back to the top-k given papers when no ref
// resolves), reduce per-claim status, flag hallucinations, and aggregate.
func (a *Auditor) AuditEvidence(ctx context.Context, rep *report.Report, citations []report.Citation, papers []*paper.Paper, sessionID string) (*Result, error) {
	claims, err := a.ExtractClaims(ctx, rep.Content, citations)
	if err != nil {
		return nil, err
	}
	byRef := make(map[int]*paper.Paper)
	paperByID := make(map[string]*paper.Paper, len(papers))
	for _, p := range papers {
		paperByID[p.ID] = p
	}
	// Citations arrive in order of first appearance, so the ref number must
	// come from the in-text mark itself, not the slice position.
	for _, c := range citations {
		m := citeRe.FindStringSubmatch(c.InTextRef)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		if p, ok := paperByID[c.PaperID]; ok {
			byRef[n] = p
		}
	}

	res := &Result{SessionID: sessionID}
	var scoreSum float64
	for _, claim := range claims {
		binding, err := a.auditClaim(ctx, claim, byRef, papers)
		if err != nil {
			return nil, err
		}
		res.Claims = append(res.Claims, binding)
		scoreSum += binding.GroundingScore
		switch binding.Status {
		case StatusVerified:
			res.Grounded++
		case StatusUncertain:
			res.Uncertain++
		case StatusContradicted:
			res.Contradicted++
		default:
			res.Unsupported++
		}
		if binding.Status == StatusUnsupported || binding.Status == StatusContradicted {
			res.Hallucinations = append(res.Hallucinations, a.classifyHallucination(ctx, claim, binding))
		}
	}
	res.TotalClaims = len(res.Claims)
	if res.TotalClaims == 0 {
		res.OverallGroundingScore = 100
	} else {
		res.OverallGroundingScore = scoreSum / float64(res.TotalClaims)
	}
	res.finishSummary()
	return res, nil
}

func (a *Auditor) auditClaim(ctx context.Context, claim Claim, byRef map[int]*paper.Paper, all []*paper.Paper) (ClaimBinding, error) {
	binding := ClaimBinding{Claim: claim}

	var targets []*paper.Paper
	for _, ref := range claim.CitationRefs {
		if p, ok := byRef[ref]; ok {
			targets = append(targets, p)
		}
	}
	if len(targets) == 0 {
		// No resolvable refs: consult the top-k papers instead.
		k := a.FallbackTopK
		if k <= 0 {
			k = 3
		}
		for _, p := range all {
			targets = append(targets, p)
			if len(targets) == k {
				break
			}
		}
	}
	if len(targets) > maxPapersPerClaim {
		targets = targets[:maxPapersPerClaim]
	}

	for _, p := range targets {
		binding.CitationIDs = append(binding.CitationIDs, p.ID)
		ev, err := a.VerifyClaim(ctx, claim, p)
		if err != nil {
			return binding, err
		}
		binding.Evidence = append(binding.Evidence, ev)
	}
	reduceClaim(&binding)
	return binding, nil
}

// reduceClaim folds per-paper evidence into the claim's overall status:
// verified if any paper verifies it; else contradicted if any contradicts;
// else uncertain at half the best uncertain confidence; else unsupported.
func reduceClaim(b *ClaimBinding) {
	var bestUncertain float64
	hasVerified, hasContradicted, hasUncertain := false, false, false
	for _, e := range b.Evidence {
		switch e.Status {
		case StatusVerified:
			hasVerified = true
		case StatusContradicted:
			hasContradicted = true
		case StatusUncertain:
			hasUncertain = true
			if e.Confidence > bestUncertain {
				bestUncertain = e.Confidence
			}
		}
	}
	switch {
	case hasVerified:
		b.Status = StatusVerified
		b.GroundingScore = 100
		b.IsGrounded = true
	case hasContradicted:
		b.Status = StatusContradicted
		b.GroundingScore = 0
	case hasUncertain:
		b.Status = StatusUncertain
		b.GroundingScore = bestUncertain * 0.5
		b.IsGrounded = bestUncertain >= 50
	default:
		b.Status = StatusUnsupported
		b.GroundingScore = 0
	}
}

// classifyHallucination categorizes an ungrounded claim. The LLM is asked
// once; on failure contradiction/fabrication defaults apply.
func (a *Auditor) classifyHallucination(ctx context.Context, claim Claim, binding ClaimBinding) HallucinationFinding {
	var out struct {
		Category HallucinationCategory `json:"category"`
		Severity string                `json:"severity"`
	}
	err := llm.Structured(ctx, a.Client, llm.StructuredCall{
		System: "You categorize ungrounded research claims. Respond with strict JSON only: {\"category\": \"fabrication|exaggeration|misattribution|contradiction\", \"severity\": \"low|medium|high|critical\"}.",
		User:   "Claim: " + claim.Text + "\nVerification status: " + string(binding.Status),
		Model:  a.Model, FallbackModel: a.FallbackModel,
		Temperature: 0.0,
	}, &out)
	if err != nil || out.Category == "" {
		if binding.Status == StatusContradicted {
			out.Category = CategoryContradiction
			out.Severity = "high"
		} else {
			out.Category = CategoryFabrication
			out.Severity = "medium"
		}
	}
	return HallucinationFinding{Claim: claim.Text, Category: out.Category, Severity: out.Severity}
}

func (r *Result) finishSummary() {
	if r.TotalClaims == 0 {
		return
	}
	unsupportedShare := float64(r.Unsupported+r.Contradicted) / float64(r.TotalClaims)
	if unsupportedShare > 0.3 {
		r.CriticalIssues = append(r.CriticalIssues,
			fmt.Sprintf("over 30%% of claims lack evidence (%d of %d)", r.Unsupported+r.Contradicted, r.TotalClaims))
		r.Recommendations = append(r.Recommendations, "re-verify unsupported claims against additional sources or remove them")
	}
	if r.Contradicted > 0 {
		r.CriticalIssues = append(r.CriticalIssues, fmt.Sprintf("%d claims contradicted by their own citations", r.Contradicted))
		r.Recommendations = append(r.Recommendations, "rewrite contradicted claims to match the cited evidence")
	}
	if r.Uncertain > r.TotalClaims/2 {
		r.Recommendations = append(r.Recommendations, "enrich cited papers to full text for stronger verification")
	}
}

// PassesThreshold reports whether the audit clears the configured floor.
func PassesThreshold(r *Result, minGrounding float64, maxContradictions int) bool {
	return r.OverallGroundingScore >= minGrounding && r.Contradicted <= maxContradictions
}
