package memory

import (
	"testing"

	"github.com/hyperifyio/deepresearch/internal/paper"
)

func TestAddPapers_SetSemantics(t *testing.T) {
	m := New("s1")
	added := m.AddPapers([]*paper.Paper{
		{ID: "oa-1", Title: "A"},
		{ID: "oa-2", Title: "B"},
	})
	if added != 2 || m.PaperCount() != 2 {
		t.Fatalf("added=%d count=%d", added, m.PaperCount())
	}
	// Same id merges instead of duplicating.
	added = m.AddPapers([]*paper.Paper{{ID: "oa-1", Title: "A long canonical title", Abstract: "abs"}})
	if added != 0 || m.PaperCount() != 2 {
		t.Fatalf("duplicate id must merge, added=%d count=%d", added, m.PaperCount())
	}
	p, ok := m.GetPaper("oa-1")
	if !ok || p.Abstract != "abs" || p.Title != "A long canonical title" {
		t.Fatalf("merge lost fields: %+v", p)
	}
}

func TestSearchRounds_AppendOnly(t *testing.T) {
	m := New("s1")
	m.AddSearchRound(SearchRound{ID: "r1", Query: "q1"})
	m.AddSearchRound(SearchRound{ID: "r2", Query: "q2"})
	rounds := m.SearchRounds()
	if len(rounds) != 2 || rounds[0].ID != "r1" || rounds[1].ID != "r2" {
		t.Fatalf("rounds must keep insertion order: %+v", rounds)
	}
	if rounds[0].Timestamp.IsZero() {
		t.Fatalf("timestamp must be stamped")
	}
	// Mutating the returned slice must not affect memory.
	rounds[0].Query = "mutated"
	if m.SearchRounds()[0].Query != "q1" {
		t.Fatalf("returned slice must be a copy")
	}
}

func TestGaps_OrderedUnique(t *testing.T) {
	m := New("s1")
	m.AddGap("a")
	m.AddGap("b")
	m.AddGap("a")
	m.AddGap("")
	gaps := m.Gaps()
	if len(gaps) != 2 || gaps[0] != "a" || gaps[1] != "b" {
		t.Fatalf("gaps must be ordered unique: %+v", gaps)
	}
}

func TestIterationCount_Monotonic(t *testing.T) {
	m := New("s1")
	if m.IncrementIteration() != 1 || m.IncrementIteration() != 2 {
		t.Fatalf("iteration must increase monotonically")
	}
	if m.IterationCount() != 2 {
		t.Fatalf("count=%d", m.IterationCount())
	}
}
