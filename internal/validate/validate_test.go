package validate

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hyperifyio/deepresearch/internal/paper"
	"github.com/hyperifyio/deepresearch/internal/report"
)

type fakeCrossref struct {
	rec *CrossrefRecord
	err error
}

func (f *fakeCrossref) Lookup(context.Context, string) (*CrossrefRecord, error) {
	return f.rec, f.err
}

func TestTrigramJaccard(t *testing.T) {
	if got := TrigramJaccard("attention is all you need", "attention is all you need"); got != 1 {
		t.Fatalf("identical: %f", got)
	}
	if got := TrigramJaccard("attention is all you need", "graph neural networks"); got > 0.2 {
		t.Fatalf("unrelated titles too similar: %f", got)
	}
	if TrigramJaccard("", "") != 1 {
		t.Fatalf("both empty treated as match")
	}
}

func TestValidateCitation_MatchingRecord(t *testing.T) {
	p := &paper.Paper{ID: "oa-1", Title: "Attention Is All You Need", Year: 2017, DOI: "10.1/abc"}
	v := &Validator{Crossref: &fakeCrossref{rec: &CrossrefRecord{Title: "Attention is all you need", Year: 2017}}}
	out := v.ValidateCitation(context.Background(), report.Citation{PaperID: "oa-1"}, p, "")
	if !out.DOIResolved || !out.TitleMatch || !out.YearMatch || !out.Valid {
		t.Fatalf("expected valid: %+v", out)
	}
}

func TestValidateCitation_TitleMismatch(t *testing.T) {
	p := &paper.Paper{ID: "oa-1", Title: "Attention Is All You Need", Year: 2017, DOI: "10.1/abc"}
	v := &Validator{Crossref: &fakeCrossref{rec: &CrossrefRecord{Title: "A Totally Different Paper About Fish", Year: 2017}}}
	out := v.ValidateCitation(context.Background(), report.Citation{PaperID: "oa-1"}, p, "")
	if out.TitleMatch || out.Valid {
		t.Fatalf("title mismatch must invalidate: %+v", out)
	}
}

func TestValidateCitation_YearTolerance(t *testing.T) {
	p := &paper.Paper{ID: "oa-1", Title: "Some Work", Year: 2020, DOI: "10.1/abc"}
	v := &Validator{Crossref: &fakeCrossref{rec: &CrossrefRecord{Title: "Some Work", Year: 2021}}}
	out := v.ValidateCitation(context.Background(), report.Citation{PaperID: "oa-1"}, p, "")
	if !out.YearMatch {
		t.Fatalf("plus/minus one year must match: %+v", out)
	}
	v = &Validator{Crossref: &fakeCrossref{rec: &CrossrefRecord{Title: "Some Work", Year: 2023}}}
	out = v.ValidateCitation(context.Background(), report.Citation{PaperID: "oa-1"}, p, "")
	if out.YearMatch {
		t.Fatalf("three years off must not match: %+v", out)
	}
}

func TestValidateCitation_UnknownPaper(t *testing.T) {
	v := &Validator{}
	out := v.ValidateCitation(context.Background(), report.Citation{PaperID: "oa-99"}, nil, "")
	if out.Valid {
		t.Fatalf("unknown paper must be invalid: %+v", out)
	}
}

func TestValidateCitation_NoDOIIsValid(t *testing.T) {
	p := &paper.Paper{ID: "arxiv-1", Title: "Preprint"}
	v := &Validator{}
	out := v.ValidateCitation(context.Background(), report.Citation{PaperID: "arxiv-1"}, p, "")
	if !out.Valid {
		t.Fatalf("no DOI means nothing to refute: %+v", out)
	}
}

func TestHTTPCrossrefClient_Lookup(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"message":{"title":["A Work"],"issued":{"date-parts":[[2019,5]]}}}`))
	}))
	defer ts.Close()
	c := &HTTPCrossrefClient{BaseURL: ts.URL}
	rec, err := c.Lookup(context.Background(), "10.1/abc")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if rec.Title != "A Work" || rec.Year != 2019 {
		t.Fatalf("record: %+v", rec)
	}
}

func TestHTTPCrossrefClient_NotFound(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer ts.Close()
	c := &HTTPCrossrefClient{BaseURL: ts.URL}
	rec, err := c.Lookup(context.Background(), "10.1/missing")
	if err != nil || rec != nil {
		t.Fatalf("404 must be nil, nil: %v %v", rec, err)
	}
}
