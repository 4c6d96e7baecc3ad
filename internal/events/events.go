// Package events defines the typed event stream a session emits and the
// client-side reconciliation semantics. Events for one session are totally
// ordered; a later event with the same id is a reconciliation update, not a
// new event.
package events

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Type enumerates the event taxonomy.
type Type string

const (
	// Session lifecycle; the terminal ones close the stream.
	TypeSessionComplete Type = "session-complete"
	TypeSessionError    Type = "session-error"
	TypeAgentPaused     Type = "agent-paused"

	// Unified agent events.
	TypeAgentEventStart    Type = "agent_event_start"
	TypeAgentEventUpdate   Type = "agent_event_update"
	TypeAgentEventComplete Type = "agent_event_complete"

	// Legacy step events, kept for backward compatibility.
	TypeAgentStepStart    Type = "agent_step_start"
	TypeAgentStepUpdate   Type = "agent_step_update"
	TypeAgentStepComplete Type = "agent_step_complete"
	TypeAgentStepLog      Type = "agent_step_log"

	// Card parts; same id means update in place.
	TypeDataPlan      Type = "data-plan"
	TypeDataPaperList Type = "data-paper-list"
	TypeDataQuality   Type = "data-quality"
	TypeDataDocument  Type = "data-document"

	// Checkpoints gate the workflow until resolved.
	TypeDataCheckpoint Type = "data-checkpoint"

	// Incremental content.
	TypeDataTodo         Type = "data-todo"
	TypeDataLogLine      Type = "data-log-line"
	TypeDataSummary      Type = "data-summary"
	TypeDataNotification Type = "data-notification"

	// Research primitives.
	TypeStatus         Type = "status"
	TypePlan           Type = "plan"
	TypeSearchStart    Type = "search_start"
	TypePapersFound    Type = "papers_found"
	TypeParallelSearch Type = "parallel_search"
	TypeAnalysis       Type = "analysis"
	TypeWritingStart   Type = "writing_start"
	TypeContent        Type = "content"
	TypeCitation       Type = "citation"
	TypeSection        Type = "section"
	TypeQualityMetrics Type = "quality_metrics"
	TypeCriticAnalysis Type = "critic_analysis"
	TypeQualityGate    Type = "quality_gate_result"
	TypeGap            Type = "gap"
	TypeValidation     Type = "validation"
	TypeComplete       Type = "complete"
	TypeError          Type = "error"
)

// Terminal reports whether the type closes the stream. Only the session
// lifecycle pair is terminal: the coordinator emits `complete`/`error` as
// research primitives and follows them with the matching session event,
// which is what actually closes the stream.
func (t Type) Terminal() bool {
	switch t {
	case TypeSessionComplete, TypeSessionError:
		return true
	}
	return false
}

// Event is the wire envelope.
type Event struct {
	Type      Type           `json:"type"`
	ID        string         `json:"id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Stage names the workflow stage for unified agent events.
type Stage string

const (
	StagePlanning   Stage = "planning"
	StageSearching  Stage = "searching"
	StageAnalyzing  Stage = "analyzing"
	StageWriting    Stage = "writing"
	StageReviewing  Stage = "reviewing"
	StageValidating Stage = "validating"
)

// AgentEvent is the payload of unified agent events.
type AgentEvent struct {
	ID              string         `json:"id"`
	Stage           Stage          `json:"stage"`
	StepType        string         `json:"stepType"`
	TitleEn         string         `json:"titleEn"`
	TitleZh         string         `json:"titleZh,omitempty"`
	Status          string         `json:"status"` // running|complete|failed
	Iteration       int            `json:"iteration,omitempty"`
	TotalIterations int            `json:"totalIterations,omitempty"`
	StartTime       time.Time      `json:"startTime"`
	Meta            map[string]any `json:"meta,omitempty"`
}

// EventID builds the canonical id {stage}-{stepType}[-{iteration}].
func EventID(stage Stage, stepType string, iteration int) string {
	if iteration > 0 {
		return fmt.Sprintf("%s-%s-%d", stage, stepType, iteration)
	}
	return fmt.Sprintf("%s-%s", stage, stepType)
}

// Checkpoint is an interactive gate the client must resolve.
type Checkpoint struct {
	ID             string         `json:"id"`
	Type           string         `json:"type"`
	Title          string         `json:"title"`
	Description    string         `json:"description,omitempty"`
	CardID         string         `json:"cardId,omitempty"`
	Options        []string       `json:"options"`
	RequiredAction string         `json:"requiredAction"`
	CreatedAt      time.Time      `json:"createdAt"`
	Data           map[string]any `json:"data,omitempty"`
}

// Emitter stamps and sequences events onto a channel. Sends block when the
// consumer is slow; that backpressure is intentional. After a terminal event
// all further emissions are dropped.
type Emitter struct {
	ch chan Event

	mu       sync.Mutex
	lastTS   time.Time
	terminal bool
}

// NewEmitter creates an emitter with the given channel capacity.
func NewEmitter(buffer int) *Emitter {
	return &Emitter{ch: make(chan Event, buffer)}
}

// Events exposes the receive side of the stream.
func (e *Emitter) Events() <-chan Event { return e.ch }

// Emit stamps a strictly monotonic timestamp and sends. Returns false when
// the stream has already terminated.
func (e *Emitter) Emit(typ Type, id string, data map[string]any) bool {
	e.mu.Lock()
	if e.terminal {
		e.mu.Unlock()
		return false
	}
	ts := time.Now().UTC()
	if !ts.After(e.lastTS) {
		ts = e.lastTS.Add(time.Microsecond)
	}
	e.lastTS = ts
	if typ.Terminal() {
		e.terminal = true
	}
	e.mu.Unlock()

	e.ch <- Event{Type: typ, ID: id, Data: data, Timestamp: ts}
	if typ.Terminal() {
		close(e.ch)
	}
	return true
}

// EmitAgent emits a unified agent event and, for compatibility, the matching
// legacy step event.
func (e *Emitter) EmitAgent(typ Type, ev AgentEvent) bool {
	data := agentEventData(ev)
	if !e.Emit(typ, ev.ID, data) {
		return false
	}
	legacy := map[Type]Type{
		TypeAgentEventStart:    TypeAgentStepStart,
		TypeAgentEventUpdate:   TypeAgentStepUpdate,
		TypeAgentEventComplete: TypeAgentStepComplete,
	}[typ]
	if legacy == "" {
		return true
	}
	return e.Emit(legacy, ev.ID, data)
}

func agentEventData(ev AgentEvent) map[string]any {
	data := map[string]any{
		"id":        ev.ID,
		"stage":     string(ev.Stage),
		"stepType":  ev.StepType,
		"titleEn":   ev.TitleEn,
		"status":    ev.Status,
		"startTime": ev.StartTime,
	}
	if ev.TitleZh != "" {
		data["titleZh"] = ev.TitleZh
	}
	if ev.Iteration > 0 {
		data["iteration"] = ev.Iteration
	}
	if ev.TotalIterations > 0 {
		data["totalIterations"] = ev.TotalIterations
	}
	if len(ev.Meta) > 0 {
		data["meta"] = ev.Meta
	}
	return data
}

// MarshalJSON keeps the envelope stable for the wire.
func (ev Event) MarshalJSON() ([]byte, error) {
	type alias Event
	return json.Marshal(alias(ev))
}
