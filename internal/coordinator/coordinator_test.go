package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"github.com/hyperifyio/deepresearch/internal/aggregator"
	"github.com/hyperifyio/deepresearch/internal/audit"
	"github.com/hyperifyio/deepresearch/internal/checklist"
	"github.com/hyperifyio/deepresearch/internal/critic"
	"github.com/hyperifyio/deepresearch/internal/enrich"
	"github.com/hyperifyio/deepresearch/internal/events"
	"github.com/hyperifyio/deepresearch/internal/llm"
	"github.com/hyperifyio/deepresearch/internal/paper"
	"github.com/hyperifyio/deepresearch/internal/planner"
	"github.com/hyperifyio/deepresearch/internal/source"
	"github.com/hyperifyio/deepresearch/internal/writer"
)

// fakeLLM routes chat calls by a substring of the system prompt, consuming
// queued responses in order. Streams replay a scripted document.
type fakeLLM struct {
	mu        sync.Mutex
	routes    map[string][]string
	streamDoc string
}

func (f *fakeLLM) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	system := req.Messages[0].Content
	for key, queue := range f.routes {
		if !strings.Contains(system, key) {
			continue
		}
		if len(queue) == 0 {
			return openai.ChatCompletionResponse{}, fmt.Errorf("route %q exhausted", key)
		}
		resp := queue[0]
		if len(queue) > 1 {
			f.routes[key] = queue[1:]
		}
		return openai.ChatCompletionResponse{Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: resp}}}}, nil
	}
	return openai.ChatCompletionResponse{}, errors.New("no route for: " + system[:min(40, len(system))])
}

func (f *fakeLLM) CreateChatCompletionStream(context.Context, openai.ChatCompletionRequest) (llm.ChatStream, error) {
	return &docStream{doc: f.streamDoc}, nil
}

type docStream struct {
	doc string
	pos int
}

func (s *docStream) Recv() (openai.ChatCompletionStreamResponse, error) {
	if s.pos >= len(s.doc) {
		return openai.ChatCompletionStreamResponse{}, io.EOF
	}
	end := s.pos + 40
	if end > len(s.doc) {
		end = len(s.doc)
	}
	chunk := s.doc[s.pos:end]
	s.pos = end
	return openai.ChatCompletionStreamResponse{Choices: []openai.ChatCompletionStreamChoice{{Delta: openai.ChatCompletionStreamChoiceDelta{Content: chunk}}}}, nil
}

func (s *docStream) Close() error { return nil }

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// scriptedAdapter returns fixed papers for every search.
type scriptedAdapter struct {
	name   string
	papers []*paper.Paper
	block  chan struct{} // when set, Search waits for ctx
	calls  int
	mu     sync.Mutex
}

func (a *scriptedAdapter) Name() string                     { return a.name }
func (a *scriptedAdapter) IsAvailable(context.Context) bool { return true }
func (a *scriptedAdapter) GetPaper(_ context.Context, id string) (*paper.Paper, error) {
	return nil, nil
}

func (a *scriptedAdapter) Search(ctx context.Context, _ source.SearchOptions) (*source.SearchResult, error) {
	a.mu.Lock()
	a.calls++
	a.mu.Unlock()
	if a.block != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-a.block:
		}
	}
	return &source.SearchResult{Papers: a.papers, TotalHits: len(a.papers), Source: a.name}, nil
}

func testPapers(n int) []*paper.Paper {
	out := make([]*paper.Paper, 0, n)
	for i := 0; i < n; i++ {
		p := &paper.Paper{
			ID:            fmt.Sprintf("oa-%d", i+1),
			Title:         fmt.Sprintf("Paper number %d about transformers and code summarization", i+1),
			// Titles differ only by the number, so they would fuzzy-merge; a
			// distinct DOI per paper keeps them distinct under dedup.
			DOI:           fmt.Sprintf("10.1000/test.%d", i+1),
			Abstract:      "An abstract about transformer architectures applied to code summarization tasks.",
			Year:          2021,
			CitationCount: 10 + i,
			OpenAccess:    true,
			SourceOrigin:  []string{source.OpenAlex},
		}
		p.Normalize()
		out = append(out, p)
	}
	return out
}

const planJSON = `{
	"mainQuestion": "Impact of transformer architectures on code summarization",
	"subQuestions": ["transformer architectures used", "evaluation of summarization quality", "datasets and benchmarks"],
	"searchStrategies": [
		{"query": "transformer code summarization", "reasoning": "direct"},
		{"query": "code summarization evaluation", "reasoning": "evaluation"}
	],
	"expectedSections": ["Introduction", "Findings", "Conclusion"]
}`

func passCritic(score float64) string {
	return fmt.Sprintf(`{"scores":{"overall":%f,"coverage":85,"citationAccuracy":80,"coherence":80,"depth":75},"gapsIdentified":[],"hallucinations":[],"strengths":[],"weaknesses":[],"shouldIterate":false,"feedback":"good","suggestedSearches":[]}`, score)
}

func iterateCritic() string {
	return `{"scores":{"overall":62,"coverage":60,"citationAccuracy":70,"coherence":70,"depth":60},"gapsIdentified":["evaluation on industrial code"],"hallucinations":[],"strengths":[],"weaknesses":["thin coverage"],"shouldIterate":true,"feedback":"cover industrial evaluation","suggestedSearches":["industrial code summarization"]}`
}

const refineJSON = `{"additionalSubQuestions":["industrial evaluation"],"additionalSearchStrategies":[{"query":"industrial code summarization evaluation","reasoning":"gap"}],"reasoning":"close gap","gapMappings":{"evaluation on industrial code":["industrial code summarization evaluation"]}}`

// streamDoc builds a report that cites the first two registry papers.
const streamDoc = "# Transformers for Code Summarization\n\n## Abstract\nTransformer models dominate code summarization benchmarks [1].\n\n## Findings\nEvaluation methodology varies widely across studies [2]. Transformer architectures outperform recurrent baselines on standard datasets [1].\n\n## Conclusion\nTransformers substantially improved code summarization quality [1][2].\n"

func newHarness(t *testing.T, llmClient *fakeLLM, adapters ...source.Adapter) (*Coordinator, Config) {
	t.Helper()
	reg := source.NewRegistry(adapters...)
	agg := aggregator.New(aggregator.Config{}, reg)
	cfg := Defaults()
	off := false
	cfg.EnableCitationValidation = &off
	cfg.EnableVerifiableChecklist = &off
	cfg.EnableEvidenceAudit = &off
	deps := Deps{
		Planner:    &planner.Planner{Client: llmClient, Model: "m"},
		Aggregator: agg,
		Enricher:   enrich.New(enrich.Config{}, reg, nil),
		Writer:     &writer.Writer{Client: llmClient, Model: "m"},
		Critic:     &critic.Critic{Client: llmClient, Model: "m"},
		Auditor:    &audit.Auditor{Client: llmClient, Model: "m"},
		Checklist:  &checklist.Builder{Client: llmClient, Model: "m"},
		LLM:        llmClient,
		LLMModel:   "m",
	}
	return New(cfg, deps), cfg
}

func runSession(t *testing.T, c *Coordinator, query string) (*Session, []events.Event) {
	t.Helper()
	s := c.NewSession(query)
	done := make(chan struct{})
	var collected []events.Event
	go func() {
		for ev := range s.Emitter.Events() {
			collected = append(collected, ev)
		}
		close(done)
	}()
	c.Run(context.Background(), s)
	<-done
	return s, collected
}

func TestRun_HappyPath(t *testing.T) {
	llmClient := &fakeLLM{
		routes: map[string][]string{
			"research planning assistant": {planJSON},
			"peer reviewer":               {passCritic(82)},
			"enough coverage":             {`{"continue": false}`},
		},
		streamDoc: streamDoc,
	}
	adapter := &scriptedAdapter{name: source.OpenAlex, papers: testPapers(21)}
	c, _ := newHarness(t, llmClient, adapter)
	s, evs := runSession(t, c, "Impact of transformer architectures on code summarization, 2019-2024")

	if s.State() != StateComplete {
		t.Fatalf("state: %v", s.State())
	}
	last := evs[len(evs)-1]
	if last.Type != events.TypeSessionComplete {
		t.Fatalf("terminal event: %v", last.Type)
	}
	completeSeen := false
	for _, ev := range evs {
		if ev.Type == events.TypeComplete {
			completeSeen = true
		}
	}
	if !completeSeen {
		t.Fatalf("complete primitive must precede session-complete")
	}
	if s.Memory.PaperCount() < 20 {
		t.Fatalf("papers: %d", s.Memory.PaperCount())
	}
	rep := s.Memory.LatestReport()
	if rep == nil || len(rep.Citations) == 0 {
		t.Fatalf("report missing citations: %+v", rep)
	}
	// Every emitted citation resolves in memory.
	for _, cit := range rep.Citations {
		if _, ok := s.Memory.GetPaper(cit.PaperID); !ok {
			t.Fatalf("citation to paper unknown to memory: %q", cit.PaperID)
		}
	}
	if !strings.Contains(rep.Content, "## References") {
		t.Fatalf("references block missing")
	}
	if rep.IterationCount != 1 {
		t.Fatalf("iterations: %d", rep.IterationCount)
	}
	// Timestamps strictly monotonic; exactly one terminal.
	terminals := 0
	for i, ev := range evs {
		if i > 0 && !ev.Timestamp.After(evs[i-1].Timestamp) {
			t.Fatalf("timestamps not strictly monotonic at %d", i)
		}
		if ev.Type.Terminal() {
			terminals++
		}
	}
	if terminals != 1 {
		t.Fatalf("terminal events: %d", terminals)
	}
}

func TestRun_IterateOnThinCoverage(t *testing.T) {
	llmClient := &fakeLLM{
		routes: map[string][]string{
			"research planning assistant": {planJSON},
			"peer reviewer":               {iterateCritic(), passCritic(81)},
			"refine research plans":       {refineJSON},
			"enough coverage":             {`{"continue": false}`},
		},
		streamDoc: streamDoc,
	}
	adapter := &scriptedAdapter{name: source.OpenAlex, papers: testPapers(12)}
	c, _ := newHarness(t, llmClient, adapter)
	s, evs := runSession(t, c, "transformer code summarization")

	if s.State() != StateComplete {
		t.Fatalf("state: %v", s.State())
	}
	if s.Memory.IterationCount() != 2 {
		t.Fatalf("iterations: %d", s.Memory.IterationCount())
	}
	// Plan must have gained the refinement strategy.
	plan := s.Memory.Plan()
	found := false
	for _, strat := range plan.SearchStrategies {
		if strat.Query == "industrial code summarization evaluation" {
			found = true
		}
	}
	if !found {
		t.Fatalf("refinement strategy missing: %+v", plan.SearchStrategies)
	}
	// A gap search round must have run.
	gapRound := false
	for _, r := range s.Memory.SearchRounds() {
		if r.Reasoning == "gap search" {
			gapRound = true
		}
	}
	if !gapRound {
		t.Fatalf("gap search round missing: %+v", s.Memory.SearchRounds())
	}
	// quality_gate_result for iteration 1 precedes all iteration-2 events.
	gate1, write2 := -1, -1
	for i, ev := range evs {
		if ev.Type == events.TypeQualityGate && gate1 < 0 {
			gate1 = i
		}
		if ev.Type == events.TypeWritingStart && ev.Data["iteration"] == 2 && write2 < 0 {
			write2 = i
		}
	}
	if gate1 < 0 || write2 >= 0 && gate1 > write2 {
		t.Fatalf("gate for iteration 1 must precede iteration 2 events: gate=%d write2=%d", gate1, write2)
	}
}

func TestRun_NoPapersTerminatesWithError(t *testing.T) {
	llmClient := &fakeLLM{
		routes: map[string][]string{
			"research planning assistant": {planJSON},
			"enough coverage":             {`{"continue": false}`},
		},
		streamDoc: streamDoc,
	}
	adapter := &scriptedAdapter{name: source.OpenAlex, papers: nil}
	c, _ := newHarness(t, llmClient, adapter)
	s, evs := runSession(t, c, "obscure topic with no literature")

	if s.State() != StateError {
		t.Fatalf("state: %v", s.State())
	}
	last := evs[len(evs)-1]
	if last.Type != events.TypeSessionError {
		t.Fatalf("terminal: %v", last.Type)
	}
	errorSeen := false
	for _, ev := range evs {
		if ev.Type == events.TypeError {
			errorSeen = true
		}
		if ev.Type == events.TypeComplete || ev.Type == events.TypeWritingStart {
			t.Fatalf("no report phases may run with zero papers")
		}
	}
	if !errorSeen {
		t.Fatalf("error primitive must precede session-error")
	}
}

func TestRun_CancellationMidSearch(t *testing.T) {
	llmClient := &fakeLLM{
		routes: map[string][]string{
			"research planning assistant": {planJSON},
		},
		streamDoc: streamDoc,
	}
	adapter := &scriptedAdapter{name: source.OpenAlex, papers: testPapers(5), block: make(chan struct{})}
	c, _ := newHarness(t, llmClient, adapter)

	s := c.NewSession("query")
	done := make(chan struct{})
	var evs []events.Event
	go func() {
		for ev := range s.Emitter.Events() {
			evs = append(evs, ev)
			if ev.Type == events.TypeStatus && ev.Data["state"] == string(StateSearching) {
				s.Stop()
			}
		}
		close(done)
	}()
	c.Run(context.Background(), s)
	<-done

	if s.State() != StateError {
		t.Fatalf("state after cancel: %v", s.State())
	}
	last := evs[len(evs)-1]
	if last.Type != events.TypeSessionError {
		t.Fatalf("terminal: %v", last.Type)
	}
	if cause, _ := last.Data["cause"].(string); cause != "aborted" {
		t.Fatalf("cancellation cause: %v", last.Data)
	}
	for _, ev := range evs {
		if ev.Type == events.TypeComplete || ev.Type == events.TypeSessionComplete {
			t.Fatalf("no complete after cancellation")
		}
	}
}

func TestRun_PlanApprovalCheckpointPausesWorkflow(t *testing.T) {
	llmClient := &fakeLLM{
		routes: map[string][]string{
			"research planning assistant": {planJSON},
			"peer reviewer":               {passCritic(82)},
			"enough coverage":             {`{"continue": false}`},
		},
		streamDoc: streamDoc,
	}
	adapter := &scriptedAdapter{name: source.OpenAlex, papers: testPapers(21)}
	c, _ := newHarness(t, llmClient, adapter)
	c.cfg.RequirePlanApproval = true

	s := c.NewSession("query")
	done := make(chan struct{})
	var evs []events.Event
	go func() {
		for ev := range s.Emitter.Events() {
			evs = append(evs, ev)
			if ev.Type == events.TypeDataCheckpoint {
				if status, _ := ev.Data["status"].(string); status == "pending" {
					id, _ := ev.Data["id"].(string)
					if err := s.RespondCheckpoint(id, CheckpointResponse{Action: "approve"}); err != nil {
						t.Errorf("respond checkpoint: %v", err)
					}
				}
			}
		}
		close(done)
	}()
	c.Run(context.Background(), s)
	<-done

	if s.State() != StateComplete {
		t.Fatalf("state: %v", s.State())
	}
	pausedAt, resolvedAt, searchAt := -1, -1, -1
	for i, ev := range evs {
		switch {
		case ev.Type == events.TypeAgentPaused && pausedAt < 0:
			pausedAt = i
		case ev.Type == events.TypeDataCheckpoint && ev.Data["status"] == "resolved" && resolvedAt < 0:
			resolvedAt = i
		case ev.Type == events.TypeSearchStart || ev.Type == events.TypeParallelSearch:
			if searchAt < 0 {
				searchAt = i
			}
		}
	}
	if pausedAt < 0 || resolvedAt < 0 {
		t.Fatalf("agent-paused and resolution must be emitted: paused=%d resolved=%d", pausedAt, resolvedAt)
	}
	if searchAt >= 0 && searchAt < resolvedAt {
		t.Fatalf("search must not start before the checkpoint resolves: search=%d resolved=%d", searchAt, resolvedAt)
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}
	cfg.Normalize()
	if cfg.MaxSearchRounds != 5 || cfg.MaxIterations != 3 || cfg.MinPapersRequired != 8 || cfg.MaxPapersPerRound != 20 {
		t.Fatalf("defaults: %+v", cfg)
	}
	if !cfg.MultiSource() || !cfg.ParallelSearch() || cfg.SemanticSearch() {
		t.Fatalf("toggle defaults wrong")
	}
	if cfg.QualityGate.MinOverallScore != 70 || cfg.QualityGate.MaxIterations != 3 {
		t.Fatalf("gate defaults: %+v", cfg.QualityGate)
	}
}
