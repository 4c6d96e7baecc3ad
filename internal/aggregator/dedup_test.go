package aggregator

import (
	"testing"

	"github.com/hyperifyio/deepresearch/internal/paper"
	"github.com/hyperifyio/deepresearch/internal/source"
)

func TestDedupe_DOIExact(t *testing.T) {
	a := mk("oa-1", "A study of things", "10.1/X", 2020, 3)
	b := mk("s2-2", "A Study of Things (preprint)", "10.1/x", 2020, 9)
	out, suppressed := dedupe([]*paper.Paper{a, b})
	if len(out) != 1 || suppressed != 1 {
		t.Fatalf("len=%d suppressed=%d", len(out), suppressed)
	}
	if out[0].ID != "oa-1" || out[0].CitationCount != 9 {
		t.Fatalf("canonical must be first-seen with max citations: %+v", out[0])
	}
}

func TestDedupe_FuzzyTitle(t *testing.T) {
	a := mk("oa-1", "Attention is all you need", "", 2017, 1000)
	b := mk("arxiv-2", "Attention is all you need.", "", 2017, 900)
	c := mk("core-3", "A completely different survey of graph networks", "", 2019, 10)
	out, suppressed := dedupe([]*paper.Paper{a, b, c})
	if len(out) != 2 || suppressed != 1 {
		t.Fatalf("len=%d suppressed=%d", len(out), suppressed)
	}
}

func TestDedupe_DistinctDOIsNeverMerge(t *testing.T) {
	a := mk("oa-1", "Nearly identical title about transformers", "10.1/a", 2020, 5)
	b := mk("oa-2", "Nearly identical title about transformers", "10.1/b", 2021, 6)
	out, suppressed := dedupe([]*paper.Paper{a, b})
	if len(out) != 2 || suppressed != 0 {
		t.Fatalf("distinct DOIs must survive fuzzy title match: len=%d suppressed=%d", len(out), suppressed)
	}
}

func TestDedupe_NoPairAboveThresholdRemains(t *testing.T) {
	papers := []*paper.Paper{
		mk("oa-1", "Deep learning for code summarization", "", 2021, 1),
		mk("oa-2", "Deep learning for code summarisation", "", 2021, 2),
		mk("oa-3", "Graph neural networks in chemistry", "", 2020, 3),
	}
	out, _ := dedupe(papers)
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[i].DOI != "" || out[j].DOI != "" {
				continue
			}
			sim := titleSimilarity(paper.NormalizeTitle(out[i].Title), paper.NormalizeTitle(out[j].Title))
			if sim >= titleSimilarityThreshold {
				t.Fatalf("pair %q/%q above threshold survived (%.2f)", out[i].Title, out[j].Title, sim)
			}
		}
	}
}

func TestTitleSimilarity(t *testing.T) {
	if got := titleSimilarity("abc", "abc"); got != 1 {
		t.Fatalf("identical=1, got %f", got)
	}
	if got := titleSimilarity("abcd", "abce"); got != 0.75 {
		t.Fatalf("expected 0.75, got %f", got)
	}
	if got := titleSimilarity("", ""); got != 1 {
		t.Fatalf("empty/empty treated as identical, got %f", got)
	}
}

func TestSortPapers_CitationsWithSecondary(t *testing.T) {
	far := mk("oa-1", "far ahead", "", 2018, 100)
	closeA := mk("oa-2", "close low availability", "", 2020, 52)
	closeB := mk("oa-3", "close high availability", "", 2020, 50)
	closeB.Abstract = "abs"
	closeB.Normalize()
	papers := []*paper.Paper{closeA, closeB, far}
	sortPapers(papers, source.SortCitations, false)
	if papers[0] != far {
		t.Fatalf("primary citation order violated: %v", papers[0].Title)
	}
	if papers[1] != closeB {
		t.Fatalf("within window, availability must decide: got %q", papers[1].Title)
	}
}

func TestSortPapers_DateThenAvailability(t *testing.T) {
	a := mk("oa-1", "older", "", 2019, 0)
	b := mk("oa-2", "newer plain", "", 2022, 0)
	c := mk("oa-3", "newer with abstract", "", 2022, 0)
	c.Abstract = "abs"
	c.Normalize()
	papers := []*paper.Paper{a, b, c}
	sortPapers(papers, source.SortDate, false)
	if papers[0] != c || papers[1] != b || papers[2] != a {
		t.Fatalf("order: %q %q %q", papers[0].Title, papers[1].Title, papers[2].Title)
	}
}

func TestFilterMinCitations(t *testing.T) {
	papers := []*paper.Paper{mk("oa-1", "low", "", 2020, 1), mk("oa-2", "high", "", 2020, 10)}
	out := filterMinCitations(papers, 5)
	if len(out) != 1 || out[0].Title != "high" {
		t.Fatalf("filter failed: %+v", out)
	}
}
