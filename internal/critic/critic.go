// Package critic analyzes a generated report with a structured LLM call,
// computes deterministic quality metrics, and decides pass/iterate/fail at
// the quality gate.
package critic

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/hyperifyio/deepresearch/internal/llm"
	"github.com/hyperifyio/deepresearch/internal/planner"
	"github.com/hyperifyio/deepresearch/internal/report"
)

// Severity grades a hallucination finding. Only non-low severities feed the
// iterate decision.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Hallucination is one unsupported assertion found by the critic.
type Hallucination struct {
	Claim    string   `json:"claim"`
	Severity Severity `json:"severity"`
	Reason   string   `json:"reason,omitempty"`
}

// Scores are the critic's 0-100 assessments.
type Scores struct {
	Overall          float64 `json:"overall"`
	Coverage         float64 `json:"coverage"`
	CitationAccuracy float64 `json:"citationAccuracy"`
	Coherence        float64 `json:"coherence"`
	Depth            float64 `json:"depth"`
}

// Analysis is the critic's structured verdict on one report iteration.
type Analysis struct {
	Scores            Scores          `json:"scores"`
	GapsIdentified    []string        `json:"gapsIdentified"`
	Hallucinations    []Hallucination `json:"hallucinations"`
	Strengths         []string        `json:"strengths"`
	Weaknesses        []string        `json:"weaknesses"`
	ShouldIterate     bool            `json:"shouldIterate"`
	Feedback          string          `json:"feedback"`
	SuggestedSearches []string        `json:"suggestedSearches"`
}

// Critic runs the LLM review.
type Critic struct {
	Client        llm.Client
	Model         string
	FallbackModel string
}

const analysisSystem = "You are a rigorous peer reviewer of research reports. Respond with strict JSON only. Schema: {\"scores\": {\"overall\": 0-100, \"coverage\": 0-100, \"citationAccuracy\": 0-100, \"coherence\": 0-100, \"depth\": 0-100}, \"gapsIdentified\": string[], \"hallucinations\": [{\"claim\": string, \"severity\": \"low|medium|high|critical\", \"reason\": string}], \"strengths\": string[], \"weaknesses\": string[], \"shouldIterate\": bool, \"feedback\": string, \"suggestedSearches\": string[]}. Judge only against the listed sources; flag claims without citation support as hallucinations."

// AnalyzeReport produces the critic analysis in a single structured call.
// On schema failure after retry and fallback it synthesizes a neutral
// analysis with shouldIterate=false so the workflow can finish.
func (c *Critic) AnalyzeReport(ctx context.Context, rep *report.Report, plan *planner.Plan, metrics report.QualityMetrics) (*Analysis, error) {
	var out Analysis
	err := llm.Structured(ctx, c.Client, llm.StructuredCall{
		System: analysisSystem,
		User:   analysisPrompt(rep, plan, metrics),
		Model:  c.Model, FallbackModel: c.FallbackModel,
		Temperature: 0.0,
		Validate:    validateAnalysis,
	}, &out)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Warn().Err(err).Msg("critic analysis failed; synthesizing neutral analysis")
		return neutralAnalysis(metrics), nil
	}
	normalizeAnalysis(&out)
	return &out, nil
}

func validateAnalysis(raw json.RawMessage) error {
	var a Analysis
	if err := json.Unmarshal(raw, &a); err != nil {
		return err
	}
	s := a.Scores
	for _, v := range []float64{s.Overall, s.Coverage, s.CitationAccuracy, s.Coherence, s.Depth} {
		if v < 0 || v > 100 {
			return fmt.Errorf("score out of range: %f", v)
		}
	}
	for _, h := range a.Hallucinations {
		switch h.Severity {
		case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		default:
			return fmt.Errorf("invalid severity %q", h.Severity)
		}
	}
	return nil
}

func normalizeAnalysis(a *Analysis) {
	trim := func(in []string) []string {
		out := in[:0]
		for _, s := range in {
			if v := strings.TrimSpace(s); v != "" {
				out = append(out, v)
			}
		}
		return out
	}
	a.GapsIdentified = trim(a.GapsIdentified)
	a.SuggestedSearches = trim(a.SuggestedSearches)
}

// neutralAnalysis is the safe default when the critic cannot be reached:
// scores mirror the deterministic metrics and never trigger iteration.
func neutralAnalysis(m report.QualityMetrics) *Analysis {
	return &Analysis{
		Scores: Scores{
			Overall:          m.Coverage,
			Coverage:         m.Coverage,
			CitationAccuracy: 50,
			Coherence:        50,
			Depth:            50,
		},
		ShouldIterate: false,
		Feedback:      "automated review unavailable; metrics-only assessment",
	}
}

func analysisPrompt(rep *report.Report, plan *planner.Plan, m report.QualityMetrics) string {
	var sb strings.Builder
	sb.WriteString("Main question: ")
	sb.WriteString(plan.MainQuestion)
	sb.WriteString("\nSub-questions:\n")
	for _, q := range plan.SubQuestions {
		sb.WriteString("- ")
		sb.WriteString(q)
		sb.WriteString("\n")
	}
	fmt.Fprintf(&sb, "\nDeterministic metrics: %d words, %.1f citations/500 words, %d unique sources, coverage %.0f%%.\n",
		m.WordCount, m.CitationDensity, m.UniqueSourcesUsed, m.Coverage)
	sb.WriteString("\nReport:\n\n")
	sb.WriteString(rep.Content)
	return sb.String()
}

// Decision is the quality-gate outcome.
type Decision string

const (
	DecisionPass    Decision = "pass"
	DecisionIterate Decision = "iterate"
	DecisionFail    Decision = "fail"
)

// GateConfig carries the gate thresholds.
type GateConfig struct {
	MinOverallScore    float64
	MinCoverageScore   float64
	MinCitationDensity float64
	MinUniqueSources   int
	MaxIterations      int
}

// DefaultGateConfig mirrors the documented defaults.
func DefaultGateConfig() GateConfig {
	return GateConfig{
		MinOverallScore:    70,
		MinCoverageScore:   60,
		MinCitationDensity: 2,
		MinUniqueSources:   5,
		MaxIterations:      3,
	}
}

// GateResult is the gate's full verdict.
type GateResult struct {
	Passed        bool                  `json:"passed"`
	Metrics       report.QualityMetrics `json:"metrics"`
	Analysis      *Analysis             `json:"analysis"`
	Iteration     int                   `json:"iteration"`
	MaxIterations int                   `json:"maxIterations"`
	Decision      Decision              `json:"decision"`
	Reason        string                `json:"reason"`
	Issues        []string              `json:"issues,omitempty"`
}

// EvaluateQuality applies the decision table in order:
//  1. iteration budget exhausted -> pass
//  2. critically low overall score -> fail
//  3. shouldIterate with any triggering issue and budget left -> iterate
//  4. otherwise -> pass
//
// Invariant: decision is never iterate once iteration >= maxIterations.
func EvaluateQuality(metrics report.QualityMetrics, analysis *Analysis, iteration int, cfg GateConfig) GateResult {
	res := GateResult{
		Metrics:       metrics,
		Analysis:      analysis,
		Iteration:     iteration,
		MaxIterations: cfg.MaxIterations,
	}

	if iteration >= cfg.MaxIterations {
		res.Decision = DecisionPass
		res.Passed = true
		res.Reason = "max iterations reached"
		return res
	}
	if analysis.Scores.Overall < cfg.MinOverallScore*0.5 {
		res.Decision = DecisionFail
		res.Reason = fmt.Sprintf("overall score %.0f critically low (minimum %.0f)", analysis.Scores.Overall, cfg.MinOverallScore)
		return res
	}

	var issues []string
	if analysis.Scores.Overall < cfg.MinOverallScore {
		issues = append(issues, fmt.Sprintf("overall score %.0f below %.0f", analysis.Scores.Overall, cfg.MinOverallScore))
	}
	if analysis.Scores.Coverage < cfg.MinCoverageScore {
		issues = append(issues, fmt.Sprintf("coverage %.0f below %.0f", analysis.Scores.Coverage, cfg.MinCoverageScore))
	}
	if metrics.CitationDensity < cfg.MinCitationDensity {
		issues = append(issues, fmt.Sprintf("citation density %.1f below %.1f", metrics.CitationDensity, cfg.MinCitationDensity))
	}
	if metrics.UniqueSourcesUsed < cfg.MinUniqueSources {
		issues = append(issues, fmt.Sprintf("%d unique sources below %d", metrics.UniqueSourcesUsed, cfg.MinUniqueSources))
	}
	if len(analysis.GapsIdentified) > 0 {
		issues = append(issues, fmt.Sprintf("%d coverage gaps identified", len(analysis.GapsIdentified)))
	}
	if n := nonLowHallucinations(analysis.Hallucinations); n > 0 {
		issues = append(issues, fmt.Sprintf("%d non-low hallucinations", n))
	}

	if analysis.ShouldIterate && len(issues) > 0 {
		res.Decision = DecisionIterate
		res.Issues = issues
		res.Reason = strings.Join(issues, "; ")
		return res
	}
	res.Decision = DecisionPass
	res.Passed = true
	res.Reason = "quality thresholds satisfied"
	return res
}

func nonLowHallucinations(hs []Hallucination) int {
	n := 0
	for _, h := range hs {
		if h.Severity != SeverityLow {
			n++
		}
	}
	return n
}
