// Package coordinator drives the research workflow state machine: plan,
// search, analyze, write, audit, review, iterate, validate. One session is
// one run of the machine emitting a totally ordered event stream.
package coordinator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/hyperifyio/deepresearch/internal/aggregator"
	"github.com/hyperifyio/deepresearch/internal/audit"
	"github.com/hyperifyio/deepresearch/internal/checklist"
	"github.com/hyperifyio/deepresearch/internal/cite"
	"github.com/hyperifyio/deepresearch/internal/critic"
	"github.com/hyperifyio/deepresearch/internal/enrich"
	"github.com/hyperifyio/deepresearch/internal/events"
	"github.com/hyperifyio/deepresearch/internal/failure"
	"github.com/hyperifyio/deepresearch/internal/llm"
	"github.com/hyperifyio/deepresearch/internal/memory"
	"github.com/hyperifyio/deepresearch/internal/paper"
	"github.com/hyperifyio/deepresearch/internal/planner"
	"github.com/hyperifyio/deepresearch/internal/report"
	"github.com/hyperifyio/deepresearch/internal/source"
	"github.com/hyperifyio/deepresearch/internal/validate"
	"github.com/hyperifyio/deepresearch/internal/writer"
)

// State names the workflow states.
type State string

const (
	StateInitializing State = "initializing"
	StatePlanning     State = "planning"
	StateSearching    State = "searching"
	StateAnalyzing    State = "analyzing"
	StateWriting      State = "writing"
	StateReviewing    State = "reviewing"
	StateIterating    State = "iterating"
	StateValidating   State = "validating"
	StateComplete     State = "complete"
	StateError        State = "error"
)

// Deps are the collaborating components, injected so tests can fake any of
// them.
type Deps struct {
	Planner    *planner.Planner
	Aggregator *aggregator.Aggregator
	Enricher   *enrich.Enricher
	Writer     *writer.Writer
	Critic     *critic.Critic
	Auditor    *audit.Auditor
	Checklist  *checklist.Builder
	Validator  *validate.Validator
	LLM        llm.Client
	LLMModel   string
}

// Session is one research run: one query, one memory, one event stream.
type Session struct {
	ID      string
	Query   string
	Memory  *memory.Memory
	Emitter *events.Emitter

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc

	checkpointMu sync.Mutex
	checkpoints  map[string]chan CheckpointResponse
}

// CheckpointResponse resolves a pending checkpoint.
type CheckpointResponse struct {
	Action string
	Data   map[string]any
}

// State returns the current workflow state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	s.Emitter.Emit(events.TypeStatus, "", map[string]any{"state": string(st)})
}

// Stop cancels the in-flight work at its next suspension point.
func (s *Session) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// registerCheckpoint creates the response channel a blocked workflow waits
// on.
func (s *Session) registerCheckpoint(id string) chan CheckpointResponse {
	ch := make(chan CheckpointResponse, 1)
	s.checkpointMu.Lock()
	s.checkpoints[id] = ch
	s.checkpointMu.Unlock()
	return ch
}

// RespondCheckpoint resolves a pending checkpoint; unknown ids are an error.
func (s *Session) RespondCheckpoint(id string, resp CheckpointResponse) error {
	s.checkpointMu.Lock()
	ch, ok := s.checkpoints[id]
	if ok {
		delete(s.checkpoints, id)
	}
	s.checkpointMu.Unlock()
	if !ok {
		return fmt.Errorf("unknown checkpoint %q", id)
	}
	ch <- resp
	return nil
}

// Coordinator builds and runs sessions.
type Coordinator struct {
	cfg  Config
	deps Deps
}

func New(cfg Config, deps Deps) *Coordinator {
	cfg.Normalize()
	return &Coordinator{cfg: cfg, deps: deps}
}

// NewSession creates the session shell; Run drives it.
func (c *Coordinator) NewSession(query string) *Session {
	id := uuid.NewString()
	return &Session{
		ID:          id,
		Query:       query,
		Memory:      memory.New(id),
		Emitter:     events.NewEmitter(64),
		state:       StateInitializing,
		checkpoints: make(map[string]chan CheckpointResponse),
	}
}

// Run executes the workflow to its terminal event. It never panics across
// the boundary: all failures become a typed error event.
func (c *Coordinator) Run(ctx context.Context, s *Session) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	defer cancel()

	if err := c.run(ctx, s); err != nil {
		c.fail(s, err)
		return
	}
}

func (c *Coordinator) fail(s *Session, err error) {
	s.mu.Lock()
	s.state = StateError
	s.mu.Unlock()
	cause := failure.CauseOf(err)
	log.Error().Err(err).Str("session", s.ID).Str("cause", string(cause)).Msg("workflow failed")
	data := map[string]any{
		"sessionId": s.ID,
		"message":   failure.UserMessage(err),
		"cause":     string(cause),
		"detail":    err.Error(),
	}
	s.Emitter.Emit(events.TypeError, "", data)
	s.Emitter.Emit(events.TypeSessionError, "", data)
}

func (c *Coordinator) run(ctx context.Context, s *Session) error {
	s.setState(StateInitializing)

	// 1) Planning.
	s.setState(StatePlanning)
	plan, err := c.planPhase(ctx, s)
	if err != nil {
		return err
	}

	// Plan approval gate (optional): the workflow pauses until the client
	// resolves the checkpoint.
	if c.cfg.RequirePlanApproval {
		if _, err := c.awaitCheckpoint(ctx, s, events.Checkpoint{
			ID:             "checkpoint-plan",
			Type:           "plan_approval",
			Title:          "Approve the research plan",
			Description:    "Review the generated plan before searching begins.",
			CardID:         "plan",
			Options:        []string{"approve", "iterate"},
			RequiredAction: "approve",
			CreatedAt:      time.Now().UTC(),
			Data:           map[string]any{"mainQuestion": plan.MainQuestion},
		}); err != nil {
			return err
		}
	}

	// 2) Verifiable checklist (optional).
	var cl *checklist.Checklist
	if c.cfg.VerifiableChecklist() && c.deps.Checklist != nil {
		cl, err = c.deps.Checklist.Build(ctx, plan, s.Query, s.ID)
		if err != nil {
			return err
		}
		s.Emitter.Emit(events.TypeDataTodo, "checklist", map[string]any{"items": len(cl.Items)})
	}

	// 3) Search phase.
	s.setState(StateSearching)
	if err := c.searchPhase(ctx, s, plan); err != nil {
		return err
	}
	if s.Memory.PaperCount() == 0 {
		return failure.Newf(failure.KindAggregationInsufficient, "no papers found across all sources")
	}
	if s.Memory.PaperCount() < c.cfg.MinPapersRequired {
		s.Emitter.Emit(events.TypeDataNotification, "", map[string]any{
			"level":   "warning",
			"message": fmt.Sprintf("only %d papers found (recommended minimum %d)", s.Memory.PaperCount(), c.cfg.MinPapersRequired),
		})
	}

	// Raise thin papers to abstract level before analysis.
	if c.deps.Enricher != nil {
		c.enrichPapers(ctx, s)
		if err := ctx.Err(); err != nil {
			return err
		}
	}

	// 4) Iteration loop.
	finalRep, gate, err := c.iterationLoop(ctx, s, plan)
	if err != nil {
		return err
	}

	// 5) Validation: checklist verification and citation checks.
	if cl != nil {
		s.setState(StateValidating)
		if err := c.deps.Checklist.Verify(ctx, cl, finalRep, s.Memory.Papers()); err != nil {
			return err
		}
	}
	if c.cfg.CitationValidation() && c.deps.Validator != nil && len(finalRep.Citations) > 0 {
		s.setState(StateValidating)
		c.validateCitations(ctx, s, finalRep)
	}

	// 6) Finalization.
	c.finalize(s, finalRep, gate, cl)
	return nil
}

// planPhase creates the plan and stores it in memory.
func (c *Coordinator) planPhase(ctx context.Context, s *Session) (*planner.Plan, error) {
	ev := events.AgentEvent{
		ID: events.EventID(events.StagePlanning, "create_plan", 0), Stage: events.StagePlanning,
		StepType: "create_plan", TitleEn: "Creating research plan", Status: "running", StartTime: time.Now().UTC(),
	}
	s.Emitter.EmitAgent(events.TypeAgentEventStart, ev)

	plan, err := c.deps.Planner.CreatePlan(ctx, s.Query)
	if err != nil {
		return nil, err
	}
	s.Memory.SetPlan(plan)

	ev.Status = "complete"
	ev.Meta = map[string]any{
		"strategies":   len(plan.SearchStrategies),
		"subQuestions": len(plan.SubQuestions),
	}
	s.Emitter.EmitAgent(events.TypeAgentEventComplete, ev)
	s.Emitter.Emit(events.TypeDataPlan, "plan", map[string]any{"plan": plan})
	s.Emitter.Emit(events.TypePlan, "", map[string]any{"mainQuestion": plan.MainQuestion})
	return plan, nil
}

// awaitCheckpoint emits the checkpoint and the agent-paused lifecycle event,
// then blocks until the client responds or the session is cancelled. The
// resolution is emitted as a reconciliation update on the checkpoint id.
func (c *Coordinator) awaitCheckpoint(ctx context.Context, s *Session, cp events.Checkpoint) (CheckpointResponse, error) {
	ch := s.registerCheckpoint(cp.ID)
	s.Emitter.Emit(events.TypeDataCheckpoint, cp.ID, map[string]any{
		"id": cp.ID, "type": cp.Type, "title": cp.Title, "description": cp.Description,
		"cardId": cp.CardID, "options": cp.Options, "requiredAction": cp.RequiredAction,
		"createdAt": cp.CreatedAt, "data": cp.Data, "status": "pending",
	})
	s.Emitter.Emit(events.TypeAgentPaused, "", map[string]any{"checkpointId": cp.ID})
	select {
	case <-ctx.Done():
		return CheckpointResponse{}, ctx.Err()
	case resp := <-ch:
		s.Emitter.Emit(events.TypeDataCheckpoint, cp.ID, map[string]any{
			"id": cp.ID, "status": "resolved", "action": resp.Action,
		})
		return resp, nil
	}
}

// searchPhase runs the initial parallel fan-out and then iterative rounds
// until the continue heuristic says stop.
func (c *Coordinator) searchPhase(ctx context.Context, s *Session, plan *planner.Plan) error {
	consumed := 0
	rounds := 0

	if c.cfg.ParallelSearch() && len(plan.SearchStrategies) > 1 {
		if err := c.parallelInitialSearch(ctx, s, plan); err != nil {
			return err
		}
		consumed = len(plan.SearchStrategies)
		rounds = 1
	}

	for rounds < c.cfg.MaxSearchRounds {
		if err := ctx.Err(); err != nil {
			return err
		}
		cont, err := c.shouldContinueSearching(ctx, s, rounds)
		if err != nil {
			return err
		}
		if !cont {
			break
		}

		var query planner.SearchQuery
		var reasoning string
		if consumed < len(plan.SearchStrategies) {
			strat := plan.SearchStrategies[consumed]
			consumed++
			query = planner.SearchQuery{Query: strat.Query, Filters: strat.Filters}
			reasoning = strat.Reasoning
		} else {
			// No strategies left: refine from the first gap, or broaden the
			// first strategy.
			seed := plan.SearchStrategies[0].Query
			hint := "no unconsumed strategies"
			if gaps := s.Memory.Gaps(); len(gaps) > 0 {
				seed = gaps[0]
				hint = "targeting gap"
			}
			refined, err := c.deps.Planner.RefineSearchQuery(ctx,
				planner.SearchQuery{Query: seed},
				planner.RoundStats{Query: seed, ResultCount: s.Memory.PaperCount()}, hint)
			if err != nil {
				return err
			}
			query = refined
			reasoning = hint
		}

		rounds++
		if err := c.searchRound(ctx, s, query, reasoning, rounds, c.cfg.MaxPapersPerRound); err != nil {
			if failure.KindOf(err) == failure.KindAggregationInsufficient && s.Memory.PaperCount() > 0 {
				// Earlier rounds already produced papers; a failed extra
				// round is not fatal.
				log.Warn().Err(err).Int("round", rounds).Msg("search round failed; continuing with existing papers")
				continue
			}
			return err
		}
	}
	return nil
}

// parallelInitialSearch fans all initial strategies out concurrently and
// records the merged result as one round.
func (c *Coordinator) parallelInitialSearch(ctx context.Context, s *Session, plan *planner.Plan) error {
	strategies := plan.SearchStrategies
	perStrategy := c.cfg.MaxPapersPerRound / len(strategies)
	if perStrategy < 3 {
		perStrategy = 3
	}

	ev := events.AgentEvent{
		ID: events.EventID(events.StageSearching, "parallel_search", 0), Stage: events.StageSearching,
		StepType: "parallel_search", TitleEn: "Parallel search across strategies", Status: "running",
		StartTime: time.Now().UTC(),
		Meta:      map[string]any{"strategies": len(strategies)},
	}
	s.Emitter.EmitAgent(events.TypeAgentEventStart, ev)

	results := make([][]*paper.Paper, len(strategies))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.ParallelSearchConcurrency)
	for i, strat := range strategies {
		i, strat := i, strat
		g.Go(func() error {
			res, err := c.search(gctx, s, c.searchOptions(strat.Query, strat.Filters, perStrategy))
			if err != nil {
				// A failed strategy inside the batch is a partial failure.
				log.Warn().Err(err).Str("query", strat.Query).Msg("parallel strategy failed")
				return nil
			}
			results[i] = res.Papers
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var batch []*paper.Paper
	var queries []string
	for i, papers := range results {
		batch = append(batch, papers...)
		queries = append(queries, strategies[i].Query)
	}
	added := s.Memory.AddPapers(batch)
	ids := make([]string, 0, len(batch))
	for _, p := range batch {
		ids = append(ids, p.ID)
	}
	s.Memory.AddSearchRound(memory.SearchRound{
		ID:        uuid.NewString(),
		Query:     strings.Join(queries, " | "),
		Reasoning: "initial parallel fan-out",
		PaperIDs:  dedupeIDs(ids),
	})

	ev.Status = "complete"
	ev.Meta = map[string]any{"strategies": len(strategies), "papers": added}
	s.Emitter.EmitAgent(events.TypeAgentEventComplete, ev)
	s.Emitter.Emit(events.TypeParallelSearch, "", map[string]any{"strategies": len(strategies), "papersFound": added})
	s.Emitter.Emit(events.TypePapersFound, "", map[string]any{"count": s.Memory.PaperCount()})
	return nil
}

// searchRound executes one query and merges its papers into memory.
func (c *Coordinator) searchRound(ctx context.Context, s *Session, q planner.SearchQuery, reasoning string, iteration, limit int) error {
	ev := events.AgentEvent{
		ID: events.EventID(events.StageSearching, "search_round", iteration), Stage: events.StageSearching,
		StepType: "search_round", TitleEn: "Search round", Status: "running",
		Iteration: iteration, StartTime: time.Now().UTC(),
		Meta: map[string]any{"query": q.Query},
	}
	s.Emitter.EmitAgent(events.TypeAgentEventStart, ev)
	s.Emitter.Emit(events.TypeSearchStart, "", map[string]any{"query": q.Query, "round": iteration})

	res, err := c.search(ctx, s, c.searchOptions(q.Query, q.Filters, limit))
	if err != nil {
		ev.Status = "failed"
		s.Emitter.EmitAgent(events.TypeAgentEventComplete, ev)
		return err
	}
	added := s.Memory.AddPapers(res.Papers)
	ids := make([]string, 0, len(res.Papers))
	for _, p := range res.Papers {
		ids = append(ids, p.ID)
	}
	s.Memory.AddSearchRound(memory.SearchRound{
		ID: uuid.NewString(), Query: q.Query, Reasoning: reasoning, PaperIDs: ids,
	})

	ev.Status = "complete"
	ev.Meta = map[string]any{"query": q.Query, "papers": added, "deduped": res.DedupedCount, "fromCache": res.Metadata.FromCache}
	s.Emitter.EmitAgent(events.TypeAgentEventComplete, ev)
	s.Emitter.Emit(events.TypePapersFound, "", map[string]any{"count": s.Memory.PaperCount(), "round": iteration})
	s.Emitter.Emit(events.TypeDataPaperList, "papers", map[string]any{"count": s.Memory.PaperCount()})
	return nil
}

// search routes through the full aggregator, or a single adapter when
// multi-source search is disabled for the session.
func (c *Coordinator) search(ctx context.Context, s *Session, opts source.SearchOptions) (*aggregator.Result, error) {
	if !c.cfg.MultiSource() {
		return c.deps.Aggregator.SearchSource(ctx, "", opts, s.ID)
	}
	return c.deps.Aggregator.Search(ctx, opts, s.ID)
}

func (c *Coordinator) searchOptions(query string, f planner.SearchFilters, limit int) source.SearchOptions {
	return source.SearchOptions{
		Query:      query,
		Limit:      limit,
		YearFrom:   f.YearFrom,
		YearTo:     f.YearTo,
		OpenAccess: f.OpenAccess,
		SortBy:     source.SortRelevance,
	}
}

// enrichPapers raises metadata-only papers toward abstract level with the
// configured concurrency cap. Per-paper failures only log.
func (c *Coordinator) enrichPapers(ctx context.Context, s *Session) {
	var thin []*paper.Paper
	for _, p := range s.Memory.Papers() {
		if p.Availability < paper.WithAbstract {
			thin = append(thin, p)
		}
	}
	if len(thin) == 0 {
		return
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.ParallelSearchConcurrency)
	enriched := 0
	var mu sync.Mutex
	for _, p := range thin {
		p := p
		g.Go(func() error {
			res, err := c.deps.Enricher.Enrich(gctx, p, paper.WithAbstract)
			if err != nil {
				return nil
			}
			if res.Enriched {
				mu.Lock()
				enriched++
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	if enriched > 0 {
		s.Emitter.Emit(events.TypeStatus, "", map[string]any{"state": string(StateSearching), "enriched": enriched})
	}
}

// shouldContinueSearching: stop after 5 rounds, stop at 20 relevant papers,
// otherwise ask the model when coverage is thin.
func (c *Coordinator) shouldContinueSearching(ctx context.Context, s *Session, rounds int) (bool, error) {
	if rounds >= 5 || rounds >= c.cfg.MaxSearchRounds {
		return false, nil
	}
	if s.Memory.PaperCount() >= 20 {
		return false, nil
	}
	if rounds == 0 || s.Memory.PaperCount() < c.cfg.MinPapersRequired {
		return true, nil
	}
	if c.deps.LLM == nil || c.deps.LLMModel == "" {
		return true, nil
	}
	var out struct {
		Continue bool `json:"continue"`
	}
	err := llm.Structured(ctx, c.deps.LLM, llm.StructuredCall{
		System: "You decide whether an academic search has gathered enough coverage. Respond with strict JSON only: {\"continue\": bool}.",
		User: fmt.Sprintf("Rounds completed: %d. Papers collected: %d. Question: %s",
			rounds, s.Memory.PaperCount(), s.Query),
		Model:       c.deps.LLMModel,
		Temperature: 0.0,
	}, &out)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return true, nil
	}
	return out.Continue, nil
}

// iterationLoop runs analyze -> write -> audit -> review until the gate
// passes or the iteration budget is spent.
func (c *Coordinator) iterationLoop(ctx context.Context, s *Session, plan *planner.Plan) (*report.Report, *critic.GateResult, error) {
	style := cite.ParseStyle(c.cfg.CitationStyle)
	var feedback string
	var finalRep *report.Report
	var finalGate *critic.GateResult

	for {
		iteration := s.Memory.IncrementIteration()

		// Analyze.
		s.setState(StateAnalyzing)
		sources, candidates := c.analyzePhase(ctx, s, iteration)
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		// Write.
		s.setState(StateWriting)
		rep, err := c.writePhase(ctx, s, plan, candidates, sources, feedback, iteration, style)
		if err != nil {
			return nil, nil, err
		}
		s.Memory.SaveReportVersion(rep)

		// Evidence audit (optional).
		if c.cfg.EvidenceAudit() && c.deps.Auditor != nil && len(rep.Citations) > 0 {
			auditRes, err := c.deps.Auditor.AuditEvidence(ctx, rep, rep.Citations, candidates, s.ID)
			if err != nil {
				return nil, nil, err
			}
			s.Emitter.Emit(events.TypeValidation, events.EventID(events.StageValidating, "evidence_audit", iteration), map[string]any{
				"groundingScore": auditRes.OverallGroundingScore,
				"grounded":       auditRes.Grounded,
				"unsupported":    auditRes.Unsupported,
				"contradicted":   auditRes.Contradicted,
				"totalClaims":    auditRes.TotalClaims,
			})
		}

		// Review.
		s.setState(StateReviewing)
		gate, err := c.reviewPhase(ctx, s, rep, plan, iteration)
		if err != nil {
			return nil, nil, err
		}
		finalRep, finalGate = rep, gate

		// Decide.
		if gate.Decision != critic.DecisionIterate || iteration >= c.cfg.MaxIterations {
			if gate.Decision == critic.DecisionFail {
				return nil, nil, failure.Newf(failure.KindInvariant, "quality gate failed: %s", gate.Reason)
			}
			break
		}

		// Iterate: refine the plan and run targeted gap searches.
		s.setState(StateIterating)
		feedback = gate.Analysis.Feedback
		if len(gate.Analysis.GapsIdentified) > 0 || gate.Analysis.Scores.Overall < 80 {
			if err := c.refineAndSearchGaps(ctx, s, plan, gate); err != nil {
				return nil, nil, err
			}
		}
		s.setState(StateSearching)
	}
	return finalRep, finalGate, nil
}

// analyzePhase prioritizes papers and compresses their content into the
// writer's token budget.
func (c *Coordinator) analyzePhase(ctx context.Context, s *Session, iteration int) ([]enrich.FormattedPaper, []*paper.Paper) {
	papers := prioritizePapers(s.Memory.Papers())
	priority := make([]string, 0, len(papers))
	for i, p := range papers {
		if i == 10 {
			break
		}
		priority = append(priority, p.ID)
	}

	var sources []enrich.FormattedPaper
	before := 0
	for _, p := range papers {
		before += len(p.Abstract)
	}
	if c.cfg.ContextCompression() {
		sources = enrich.FormatForStage(papers, enrich.StageWriting, priority, c.cfg.ContextTokenBudget)
	} else {
		top := papers
		if len(top) > 20 {
			top = top[:20]
		}
		for _, p := range top {
			sources = append(sources, enrich.FormattedPaper{PaperID: p.ID, Content: p.Title + "\n" + p.Abstract})
		}
	}
	after := 0
	for _, f := range sources {
		after += len(f.Content)
	}
	ratio := 1.0
	if before > 0 {
		ratio = float64(after) / float64(before)
	}

	s.Emitter.EmitAgent(events.TypeAgentEventComplete, events.AgentEvent{
		ID: events.EventID(events.StageAnalyzing, "analyze_papers", iteration), Stage: events.StageAnalyzing,
		StepType: "analyze_papers", TitleEn: "Analyzing papers", Status: "complete",
		Iteration: iteration, StartTime: time.Now().UTC(),
		Meta: map[string]any{"papers": len(papers), "compressionRatio": ratio},
	})
	s.Emitter.Emit(events.TypeAnalysis, "", map[string]any{"papers": len(papers), "compressionRatio": ratio})
	return sources, papers
}

// writePhase streams the writer, forwarding parts as events.
func (c *Coordinator) writePhase(ctx context.Context, s *Session, plan *planner.Plan, candidates []*paper.Paper, sources []enrich.FormattedPaper, feedback string, iteration int, style cite.Style) (*report.Report, error) {
	s.Emitter.Emit(events.TypeWritingStart, "", map[string]any{"iteration": iteration})
	rep, err := c.deps.Writer.Write(ctx, writer.Input{
		Plan:      plan,
		Papers:    candidates,
		Sources:   sources,
		Feedback:  feedback,
		Iteration: iteration,
		Style:     style,
	}, func(part writer.Part) {
		switch {
		case part.Content != "":
			s.Emitter.Emit(events.TypeContent, "", map[string]any{"text": part.Content})
		case part.Citation != nil:
			// Citations resolve against memory by construction; anything else
			// is an invariant violation surfaced by validation.
			s.Emitter.Emit(events.TypeCitation, "", map[string]any{"citation": part.Citation})
		case part.Section != nil:
			s.Emitter.Emit(events.TypeSection, "", map[string]any{"title": part.Section.Title, "level": part.Section.Level})
		}
	})
	if err != nil {
		return nil, err
	}
	return rep, nil
}

// reviewPhase computes metrics, runs the critic, and applies the gate.
func (c *Coordinator) reviewPhase(ctx context.Context, s *Session, rep *report.Report, plan *planner.Plan, iteration int) (*critic.GateResult, error) {
	paperIndex := make(map[string]*paper.Paper)
	for _, p := range s.Memory.Papers() {
		paperIndex[p.ID] = p
	}
	metrics := critic.CalculateQualityMetrics(rep, paperIndex, plan)
	s.Emitter.Emit(events.TypeQualityMetrics, events.EventID(events.StageReviewing, "metrics", iteration), map[string]any{"metrics": metrics})

	analysis, err := c.deps.Critic.AnalyzeReport(ctx, rep, plan, metrics)
	if err != nil {
		return nil, err
	}
	s.Emitter.Emit(events.TypeCriticAnalysis, events.EventID(events.StageReviewing, "critic", iteration), map[string]any{
		"overall":       analysis.Scores.Overall,
		"shouldIterate": analysis.ShouldIterate,
		"gaps":          analysis.GapsIdentified,
	})
	for _, gap := range analysis.GapsIdentified {
		s.Memory.AddGap(gap)
		s.Emitter.Emit(events.TypeGap, "", map[string]any{"gap": gap})
	}

	gate := critic.EvaluateQuality(metrics, analysis, iteration, c.cfg.QualityGate)
	rep.Metrics = &metrics
	s.Emitter.Emit(events.TypeQualityGate, events.EventID(events.StageReviewing, "gate", iteration), map[string]any{
		"decision":  string(gate.Decision),
		"passed":    gate.Passed,
		"reason":    gate.Reason,
		"iteration": iteration,
	})
	s.Emitter.Emit(events.TypeDataQuality, "quality", map[string]any{
		"decision": string(gate.Decision), "overall": analysis.Scores.Overall, "iteration": iteration,
	})
	return &gate, nil
}

// maxGapSearches bounds targeted searches per iteration.
const maxGapSearches = 3

// refineAndSearchGaps refines the plan from critic feedback and executes up
// to three targeted gap searches.
func (c *Coordinator) refineAndSearchGaps(ctx context.Context, s *Session, plan *planner.Plan, gate *critic.GateResult) error {
	titles := make([]string, 0, s.Memory.PaperCount())
	for _, p := range s.Memory.Papers() {
		titles = append(titles, p.Title)
	}
	ref, err := c.deps.Planner.RefinePlanFromFeedback(ctx, plan, planner.FeedbackContext{
		Gaps:         gate.Analysis.GapsIdentified,
		Feedback:     gate.Analysis.Feedback,
		OverallScore: gate.Analysis.Scores.Overall,
	}, titles)
	if err != nil {
		return err
	}
	if ref.Empty() {
		return nil
	}
	planner.ApplyRefinement(plan, ref)
	s.Memory.SetPlan(plan)

	searches := 0
	for _, queries := range ref.GapMappings {
		for _, q := range queries {
			if searches == maxGapSearches {
				return nil
			}
			searches++
			res, err := c.search(ctx, s, c.searchOptions(q, planner.SearchFilters{}, c.cfg.MaxPapersPerRound/2))
			if err != nil {
				if failure.KindOf(err) == failure.KindCancelled || ctx.Err() != nil {
					return err
				}
				log.Warn().Err(err).Str("query", q).Msg("gap search failed")
				continue
			}
			added := s.Memory.AddPapers(res.Papers)
			ids := make([]string, 0, len(res.Papers))
			for _, p := range res.Papers {
				ids = append(ids, p.ID)
			}
			s.Memory.AddSearchRound(memory.SearchRound{
				ID: uuid.NewString(), Query: q, Reasoning: "gap search", PaperIDs: ids,
			})
			s.Emitter.Emit(events.TypePapersFound, "", map[string]any{"count": s.Memory.PaperCount(), "gapSearch": true, "added": added})
		}
	}
	return nil
}

// validateCitations checks each citation against Crossref and a sampled
// claim.
func (c *Coordinator) validateCitations(ctx context.Context, s *Session, rep *report.Report) {
	invalid := 0
	for _, cit := range rep.Citations {
		if err := ctx.Err(); err != nil {
			return
		}
		p, _ := s.Memory.GetPaper(cit.PaperID)
		claim := sampleClaimFor(rep.Content, cit.InTextRef)
		v := c.deps.Validator.ValidateCitation(ctx, cit, p, claim)
		if !v.Valid {
			invalid++
		}
		s.Emitter.Emit(events.TypeValidation, "", map[string]any{
			"paperId": v.PaperID, "valid": v.Valid, "titleScore": v.TitleScore, "note": v.Note,
		})
	}
	if invalid > 0 {
		s.Emitter.Emit(events.TypeDataNotification, "", map[string]any{
			"level":   "warning",
			"message": fmt.Sprintf("%d citations failed validation", invalid),
		})
	}
}

// sampleClaimFor picks the first sentence containing the in-text ref.
func sampleClaimFor(content, ref string) string {
	if ref == "" {
		return ""
	}
	for _, sentence := range strings.FieldsFunc(content, func(r rune) bool { return r == '.' || r == '\n' }) {
		if strings.Contains(sentence, ref) {
			return strings.TrimSpace(sentence)
		}
	}
	return ""
}

// finalize appends the references block, attaches metrics, emits the
// complete primitive, and closes the stream with session-complete.
func (c *Coordinator) finalize(s *Session, rep *report.Report, gate *critic.GateResult, cl *checklist.Checklist) {
	style := cite.ParseStyle(c.cfg.CitationStyle)
	cited := make([]*paper.Paper, 0, len(rep.Citations))
	seen := map[string]bool{}
	for _, cit := range rep.Citations {
		if seen[cit.PaperID] {
			continue
		}
		seen[cit.PaperID] = true
		if p, ok := s.Memory.GetPaper(cit.PaperID); ok {
			cited = append(cited, p)
		}
	}
	if block := cite.ReferencesBlock(style, cited); block != "" && !strings.Contains(rep.Content, "## References") {
		rep.Content = strings.TrimRight(rep.Content, "\n") + "\n\n" + block
	}
	rep.IterationCount = s.Memory.IterationCount()
	if gate != nil {
		rep.Metrics = &gate.Metrics
	}

	if cl != nil {
		s.Emitter.Emit(events.TypeDataTodo, "checklist", map[string]any{
			"items": len(cl.Items), "progress": cl.OverallProgress,
		})
	}
	s.Emitter.Emit(events.TypeDataDocument, "document", map[string]any{"title": rep.Title, "words": len(strings.Fields(rep.Content))})

	s.mu.Lock()
	s.state = StateComplete
	s.mu.Unlock()
	s.Emitter.Emit(events.TypeComplete, "", map[string]any{"report": rep})
	s.Emitter.Emit(events.TypeSessionComplete, "", map[string]any{
		"sessionId": s.ID, "title": rep.Title, "citations": len(rep.Citations),
	})
}

// prioritizePapers orders by citation count plus a data-availability bonus.
func prioritizePapers(papers []*paper.Paper) []*paper.Paper {
	out := make([]*paper.Paper, len(papers))
	copy(out, papers)
	score := func(p *paper.Paper) int {
		return p.CitationCount + int(p.Availability)*10
	}
	sort.SliceStable(out, func(i, j int) bool { return score(out[i]) > score(out[j]) })
	return out
}

func dedupeIDs(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
