package events

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func drain(e *Emitter) []Event {
	var out []Event
	for ev := range e.Events() {
		out = append(out, ev)
	}
	return out
}

func TestEmitter_MonotonicTimestampsAndSingleTerminal(t *testing.T) {
	e := NewEmitter(16)
	e.Emit(TypeStatus, "", map[string]any{"state": "planning"})
	e.Emit(TypeComplete, "", nil) // research primitive, not terminal
	e.Emit(TypeSessionComplete, "", nil)
	if e.Emit(TypeStatus, "", nil) {
		t.Fatalf("emission after terminal must be dropped")
	}

	evs := drain(e)
	if len(evs) != 3 {
		t.Fatalf("events: %d", len(evs))
	}
	for i := 1; i < len(evs); i++ {
		if !evs[i].Timestamp.After(evs[i-1].Timestamp) {
			t.Fatalf("timestamps must be strictly monotonic")
		}
	}
	terminals := 0
	for _, ev := range evs {
		if ev.Type.Terminal() {
			terminals++
		}
	}
	if terminals != 1 {
		t.Fatalf("exactly one terminal event, got %d", terminals)
	}
}

func TestEmitAgent_AlsoEmitsLegacyShape(t *testing.T) {
	e := NewEmitter(16)
	ev := AgentEvent{
		ID: EventID(StageSearching, "search_round", 2), Stage: StageSearching,
		StepType: "search_round", TitleEn: "Search round", Status: "running",
		Iteration: 2, StartTime: time.Now(),
	}
	e.EmitAgent(TypeAgentEventStart, ev)
	e.Emit(TypeSessionComplete, "", nil)
	evs := drain(e)
	if len(evs) != 3 {
		t.Fatalf("expected unified + legacy + terminal, got %d", len(evs))
	}
	if evs[0].Type != TypeAgentEventStart || evs[1].Type != TypeAgentStepStart {
		t.Fatalf("shapes: %v %v", evs[0].Type, evs[1].Type)
	}
	if evs[0].ID != "searching-search_round-2" {
		t.Fatalf("id scheme: %q", evs[0].ID)
	}
}

func TestTerminal_OnlySessionLifecycle(t *testing.T) {
	for _, typ := range []Type{TypeSessionComplete, TypeSessionError} {
		if !typ.Terminal() {
			t.Fatalf("%v must be terminal", typ)
		}
	}
	for _, typ := range []Type{TypeComplete, TypeError, TypeAgentPaused, TypeStatus} {
		if typ.Terminal() {
			t.Fatalf("%v must not be terminal", typ)
		}
	}
}

func TestEventID(t *testing.T) {
	if EventID(StagePlanning, "create_plan", 0) != "planning-create_plan" {
		t.Fatalf("id without iteration wrong")
	}
	if EventID(StageWriting, "write", 3) != "writing-write-3" {
		t.Fatalf("id with iteration wrong")
	}
}

func TestReconciler_ShallowOverlayWithNestedMeta(t *testing.T) {
	r := NewReconciler()
	r.Apply(Event{Type: TypeAgentEventStart, ID: "a", Data: map[string]any{
		"status": "running", "meta": map[string]any{"query": "q1", "count": 1},
	}})
	r.Apply(Event{Type: TypeAgentEventComplete, ID: "a", Data: map[string]any{
		"status": "complete", "meta": map[string]any{"count": 2},
	}})
	got, ok := r.Get("a")
	if !ok {
		t.Fatalf("missing id")
	}
	want := map[string]any{
		"status": "complete",
		"meta":   map[string]any{"query": "q1", "count": 2},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("merge mismatch (-want +got):\n%s", diff)
	}
	if ids := r.IDs(); len(ids) != 1 {
		t.Fatalf("same id must not duplicate: %v", ids)
	}
}

func TestReconciler_CompleteIntoCompleteIsNoop(t *testing.T) {
	r := NewReconciler()
	data := map[string]any{"status": "complete", "meta": map[string]any{"k": "v"}}
	r.Apply(Event{Type: TypeAgentEventComplete, ID: "a", Data: data})
	before, _ := r.Get("a")
	snapshot := make(map[string]any, len(before))
	overlay(snapshot, before)
	r.Apply(Event{Type: TypeAgentEventComplete, ID: "a", Data: data})
	after, _ := r.Get("a")
	if diff := cmp.Diff(snapshot, after); diff != "" {
		t.Fatalf("re-applying identical complete must be a no-op (-want +got):\n%s", diff)
	}
}

func TestReconciler_LogsAttachToRunningEvent(t *testing.T) {
	r := NewReconciler()
	r.Apply(Event{Type: TypeAgentEventStart, ID: "searching-search_round-1", Data: map[string]any{"status": "running"}})
	r.Apply(Event{Type: TypeAgentStepLog, Data: map[string]any{"eventId": "unknown-id", "line": "fetched 10 results"}})
	logs := r.Logs("searching-search_round-1")
	if len(logs) != 1 || logs[0]["line"] != "fetched 10 results" {
		t.Fatalf("log attachment: %+v", logs)
	}

	// A log naming a known event attaches there instead.
	r.Apply(Event{Type: TypeAgentEventStart, ID: "writing-write-1", Data: map[string]any{"status": "running"}})
	r.Apply(Event{Type: TypeAgentStepLog, Data: map[string]any{"eventId": "searching-search_round-1", "line": "late log"}})
	if len(r.Logs("searching-search_round-1")) != 2 {
		t.Fatalf("known eventId must win over running event")
	}
}
