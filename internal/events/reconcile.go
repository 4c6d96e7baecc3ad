package events

// Reconciler implements the client-side merge semantics: for any event
// carrying a stable id, a later event with the same id merges into the
// earlier one by shallow overlay, with meta merged as a nested shallow
// overlay. Card parts deduplicate by id. Logs attach to the currently
// running unified event when their own eventId is unknown.
type Reconciler struct {
	byID    map[string]map[string]any
	order   []string
	logs    map[string][]map[string]any
	running string
}

func NewReconciler() *Reconciler {
	return &Reconciler{
		byID: make(map[string]map[string]any),
		logs: make(map[string][]map[string]any),
	}
}

// Apply folds one event into the reconciled view.
func (r *Reconciler) Apply(ev Event) {
	if ev.Type == TypeAgentStepLog || ev.Type == TypeDataLogLine {
		r.attachLog(ev)
		return
	}
	if ev.ID == "" {
		return
	}
	existing, known := r.byID[ev.ID]
	if !known {
		merged := make(map[string]any, len(ev.Data))
		overlay(merged, ev.Data)
		r.byID[ev.ID] = merged
		r.order = append(r.order, ev.ID)
	} else {
		overlay(existing, ev.Data)
	}
	r.trackRunning(ev)
}

func (r *Reconciler) trackRunning(ev Event) {
	switch ev.Type {
	case TypeAgentEventStart:
		r.running = ev.ID
	case TypeAgentEventComplete:
		if r.running == ev.ID {
			r.running = ""
		}
	}
}

func (r *Reconciler) attachLog(ev Event) {
	target := ""
	if id, ok := ev.Data["eventId"].(string); ok {
		if _, known := r.byID[id]; known {
			target = id
		}
	}
	if target == "" {
		target = r.running
	}
	if target == "" {
		return
	}
	r.logs[target] = append(r.logs[target], ev.Data)
}

// overlay performs a shallow merge of src into dst, except the meta key,
// which merges as a nested shallow overlay.
func overlay(dst, src map[string]any) {
	for k, v := range src {
		if k == "meta" {
			srcMeta, okSrc := v.(map[string]any)
			dstMeta, okDst := dst["meta"].(map[string]any)
			if okSrc && okDst {
				for mk, mv := range srcMeta {
					dstMeta[mk] = mv
				}
				continue
			}
			if okSrc {
				copied := make(map[string]any, len(srcMeta))
				for mk, mv := range srcMeta {
					copied[mk] = mv
				}
				dst["meta"] = copied
				continue
			}
		}
		dst[k] = v
	}
}

// Get returns the reconciled state for an id.
func (r *Reconciler) Get(id string) (map[string]any, bool) {
	v, ok := r.byID[id]
	return v, ok
}

// Logs returns logs attached to an event id.
func (r *Reconciler) Logs(id string) []map[string]any { return r.logs[id] }

// IDs returns reconciled ids in first-seen order; duplicates never appear
// twice.
func (r *Reconciler) IDs() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}
