// Package memory is the per-session accumulator for plan, search rounds,
// papers, gaps, insights and report versions. One coordinator writes; the
// server may read concurrently, so access is guarded.
package memory

import (
	"sync"
	"time"

	"github.com/hyperifyio/deepresearch/internal/paper"
	"github.com/hyperifyio/deepresearch/internal/planner"
	"github.com/hyperifyio/deepresearch/internal/report"
)

// SearchRound records one executed query and the papers it produced.
// Rounds are append-only.
type SearchRound struct {
	ID        string    `json:"id"`
	Query     string    `json:"query"`
	Reasoning string    `json:"reasoning,omitempty"`
	PaperIDs  []string  `json:"paperIds"`
	Timestamp time.Time `json:"timestamp"`
}

// Memory owns everything a session accumulates. Entities do not outlive it.
type Memory struct {
	SessionID string

	mu             sync.RWMutex
	plan           *planner.Plan
	rounds         []SearchRound
	papers         map[string]*paper.Paper
	paperOrder     []string
	gaps           []string
	insights       []string
	reportVersions []*report.Report
	iterationCount int
}

func New(sessionID string) *Memory {
	return &Memory{
		SessionID: sessionID,
		papers:    make(map[string]*paper.Paper),
	}
}

// SetPlan stores the (possibly refined) plan.
func (m *Memory) SetPlan(p *planner.Plan) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plan = p
}

// Plan returns the current plan, nil before planning.
func (m *Memory) Plan() *planner.Plan {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.plan
}

// AddSearchRound appends a round. Rounds are never mutated afterwards.
func (m *Memory) AddSearchRound(r SearchRound) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}
	m.rounds = append(m.rounds, r)
}

// SearchRounds returns a copy of the round list.
func (m *Memory) SearchRounds() []SearchRound {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]SearchRound, len(m.rounds))
	copy(out, m.rounds)
	return out
}

// AddPapers merges papers into the canonical set keyed by id. An already
// known id is merged field-wise into the canonical record. Returns how many
// were new.
func (m *Memory) AddPapers(papers []*paper.Paper) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	added := 0
	for _, p := range papers {
		if p == nil || p.ID == "" {
			continue
		}
		if existing, ok := m.papers[p.ID]; ok {
			paper.Merge(existing, p)
			continue
		}
		m.papers[p.ID] = p
		m.paperOrder = append(m.paperOrder, p.ID)
		added++
	}
	return added
}

// GetPaper is an O(1) lookup by canonical id.
func (m *Memory) GetPaper(id string) (*paper.Paper, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.papers[id]
	return p, ok
}

// Papers returns papers in insertion order.
func (m *Memory) Papers() []*paper.Paper {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*paper.Paper, 0, len(m.paperOrder))
	for _, id := range m.paperOrder {
		out = append(out, m.papers[id])
	}
	return out
}

// PaperCount returns the size of the canonical set.
func (m *Memory) PaperCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.papers)
}

// AddGap records an identified coverage gap, keeping order and uniqueness.
func (m *Memory) AddGap(gap string) {
	if gap == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, g := range m.gaps {
		if g == gap {
			return
		}
	}
	m.gaps = append(m.gaps, gap)
}

// Gaps returns the ordered unique gap list.
func (m *Memory) Gaps() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.gaps))
	copy(out, m.gaps)
	return out
}

// AddInsight appends a free-form insight.
func (m *Memory) AddInsight(s string) {
	if s == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insights = append(m.insights, s)
}

// Insights returns the ordered insight list.
func (m *Memory) Insights() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.insights))
	copy(out, m.insights)
	return out
}

// IncrementIteration bumps the monotonic iteration counter and returns the
// new value.
func (m *Memory) IncrementIteration() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.iterationCount++
	return m.iterationCount
}

// IterationCount returns the current iteration number.
func (m *Memory) IterationCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.iterationCount
}

// SaveReportVersion appends a report version.
func (m *Memory) SaveReportVersion(r *report.Report) {
	if r == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reportVersions = append(m.reportVersions, r)
}

// ReportVersions returns all saved versions, oldest first.
func (m *Memory) ReportVersions() []*report.Report {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*report.Report, len(m.reportVersions))
	copy(out, m.reportVersions)
	return out
}

// LatestReport returns the newest version, nil when none.
func (m *Memory) LatestReport() *report.Report {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.reportVersions) == 0 {
		return nil
	}
	return m.reportVersions[len(m.reportVersions)-1]
}
