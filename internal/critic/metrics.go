package critic

import (
	"regexp"
	"strings"
	"time"

	"github.com/hyperifyio/deepresearch/internal/paper"
	"github.com/hyperifyio/deepresearch/internal/planner"
	"github.com/hyperifyio/deepresearch/internal/report"
)

var citationRe = regexp.MustCompile(`\[\d+(,\s*\d+)*\]`)

// CalculateQualityMetrics derives all metrics deterministically from the
// report text, citations, cited papers and the plan. No LLM involved.
func CalculateQualityMetrics(rep *report.Report, papers map[string]*paper.Paper, plan *planner.Plan) report.QualityMetrics {
	m := report.QualityMetrics{}
	words := strings.Fields(rep.Content)
	m.WordCount = len(words)

	// Citation density per 500 words.
	citationHits := len(citationRe.FindAllString(rep.Content, -1))
	if m.WordCount > 0 {
		m.CitationDensity = float64(citationHits) * 500 / float64(m.WordCount)
	}

	// Unique cited papers and per-paper derived stats.
	unique := map[string]*paper.Paper{}
	for _, c := range rep.Citations {
		if _, ok := unique[c.PaperID]; ok {
			continue
		}
		unique[c.PaperID] = papers[c.PaperID]
	}
	m.UniqueSourcesUsed = len(unique)

	yearSum, yearCount, oaCount, cited := 0, 0, 0, 0
	for _, p := range unique {
		if p == nil {
			continue
		}
		cited++
		if p.Year > 0 {
			yearSum += p.Year
			yearCount++
		}
		if p.OpenAccess {
			oaCount++
		}
	}
	if yearCount > 0 {
		m.AverageCitationYear = float64(yearSum) / float64(yearCount)
		age := float64(time.Now().Year()) - m.AverageCitationYear
		over := age - 3
		if over < 0 {
			over = 0
		}
		m.RecencyScore = clamp(100-over*10, 0, 100)
	}
	if cited > 0 {
		m.OpenAccessPercentage = float64(oaCount) * 100 / float64(cited)
	}

	// Sub-question coverage: a sub-question counts as covered when at least
	// 30% of its >=5-char keywords appear in the report.
	if plan != nil {
		m.SubQuestionsTotal = len(plan.SubQuestions)
		lower := strings.ToLower(rep.Content)
		for _, q := range plan.SubQuestions {
			if subQuestionCovered(q, lower) {
				m.SubQuestionsCovered++
			}
		}
		if m.SubQuestionsTotal > 0 {
			m.Coverage = float64(m.SubQuestionsCovered) * 100 / float64(m.SubQuestionsTotal)
		}
	}
	return m
}

func subQuestionCovered(question, lowerReport string) bool {
	keywords := 0
	found := 0
	for _, w := range strings.Fields(strings.ToLower(question)) {
		w = strings.Trim(w, ".,;:?!()\"'")
		if len(w) < 5 {
			continue
		}
		keywords++
		if strings.Contains(lowerReport, w) {
			found++
		}
	}
	if keywords == 0 {
		return false
	}
	return float64(found)/float64(keywords) >= 0.3
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
