package tasks

import (
	"sort"
	"time"
)

// SyncStatus describes how trustworthy the displayed list is.
type SyncStatus string

const (
	StatusConnecting SyncStatus = "connecting"
	StatusCached     SyncStatus = "cached"
	StatusLive       SyncStatus = "live"
	StatusDegraded   SyncStatus = "degraded"
)

// Reason labels why a command was issued.
type Reason string

const (
	ReasonBackfill  Reason = "backfill"
	ReasonArchive   Reason = "archive"
	ReasonCarryOver Reason = "carry-over"
	ReasonReorder   Reason = "reorder"
)

// CommandKind is the store primitive a command maps to.
type CommandKind string

const (
	CommandPatch CommandKind = "patch"
	CommandBatch CommandKind = "batch"
)

// Command is a store write requested by the reconciler. Commands are
// executed fire-and-forget; failures come back as WriteFailedEvent.
type Command struct {
	Kind   CommandKind
	Reason Reason
	Writes []Write
}

// IDs returns the task ids a command touches.
func (c Command) IDs() []string {
	ids := make([]string, 0, len(c.Writes))
	for _, w := range c.Writes {
		ids = append(ids, w.ID)
	}
	return ids
}

// Event is an input to Reconcile.
type Event interface {
	event()
}

// SnapshotEvent carries a full task list from the store.
type SnapshotEvent struct {
	Tasks     []Task
	FromCache bool
	At        time.Time
}

// SubscriptionErrorEvent reports a failed snapshot stream.
type SubscriptionErrorEvent struct {
	Err error
}

// DragStartEvent marks the beginning of a reorder gesture.
type DragStartEvent struct{}

// DragDropEvent carries the result of a reorder gesture.
type DragDropEvent struct {
	Drag DragResult
	At   time.Time
}

// DragSettledEvent is posted once the optimistic drop has been displayed.
type DragSettledEvent struct{}

// ManualRolloverEvent is the user finishing the day early.
type ManualRolloverEvent struct {
	At time.Time
}

// PromptResolvedEvent is the user's answer to the carry-over prompt.
type PromptResolvedEvent struct {
	Selected []string
	At       time.Time
}

// WriteFailedEvent reports that a command was rejected by the store.
type WriteFailedEvent struct {
	Command Command
	Err     error
}

func (SnapshotEvent) event()          {}
func (SubscriptionErrorEvent) event() {}
func (DragStartEvent) event()         {}
func (DragDropEvent) event()          {}
func (DragSettledEvent) event()       {}
func (ManualRolloverEvent) event()    {}
func (PromptResolvedEvent) event()    {}
func (WriteFailedEvent) event()       {}

// State is everything the reconciler knows. It is treated as a value:
// Reconcile never mutates the state it is given.
type State struct {
	// Tasks is every known task, normalized and sorted by order.
	Tasks []Task
	// Active and Completed partition the current (non-archived) tasks.
	Active    []Task
	Completed []Task
	// History holds archived tasks.
	History []Task

	Prompt       *Prompt
	DragInFlight bool
	Status       SyncStatus
	LastError    error

	// derived remembers orders computed for legacy tasks so that repeated
	// passes agree until the store reflects the backfill.
	derived map[string]float64
	// backfilled holds tasks whose order backfill has been issued.
	backfilled map[string]bool
	// inflight holds tasks in an issued archive or carry-over batch.
	inflight map[string]Reason
}

// NewState returns the state before any snapshot has arrived.
func NewState() State {
	return State{Status: StatusConnecting}
}

// Current returns the non-archived tasks in display order.
func (s State) Current() []Task {
	out := make([]Task, 0, len(s.Active)+len(s.Completed))
	for _, t := range s.Tasks {
		if !t.Archived {
			out = append(out, t)
		}
	}
	return out
}

// Pending reports whether a write for id is awaiting confirmation.
func (s State) Pending(id string) bool {
	_, ok := s.inflight[id]
	return ok
}

// Find returns the task with id.
func (s State) Find(id string) (Task, bool) {
	for _, t := range s.Tasks {
		if t.ID == id {
			return t, true
		}
	}
	return Task{}, false
}

func (s State) clone() State {
	n := s
	n.derived = make(map[string]float64, len(s.derived))
	for k, v := range s.derived {
		n.derived[k] = v
	}
	n.backfilled = make(map[string]bool, len(s.backfilled))
	for k, v := range s.backfilled {
		n.backfilled[k] = v
	}
	n.inflight = make(map[string]Reason, len(s.inflight))
	for k, v := range s.inflight {
		n.inflight[k] = v
	}
	return n
}

// Reconcile applies ev to s and returns the new state together with the
// store writes it requires.
func Reconcile(s State, ev Event, p Policy) (State, []Command) {
	switch e := ev.(type) {
	case SnapshotEvent:
		return reconcileSnapshot(s, e, p)
	case SubscriptionErrorEvent:
		n := s.clone()
		n.Status = StatusDegraded
		n.LastError = e.Err
		return n, nil
	case DragStartEvent:
		n := s.clone()
		n.DragInFlight = true
		return n, nil
	case DragDropEvent:
		return reconcileDrop(s, e)
	case DragSettledEvent:
		n := s.clone()
		n.DragInFlight = false
		return n, nil
	case ManualRolloverEvent:
		n := s.clone()
		cmds := n.rollover(p.ManualBoundary(e.At))
		return n, cmds
	case PromptResolvedEvent:
		return reconcilePrompt(s, e)
	case WriteFailedEvent:
		n := s.clone()
		n.LastError = e.Err
		if e.Command.Reason == ReasonArchive || e.Command.Reason == ReasonCarryOver {
			for _, id := range e.Command.IDs() {
				delete(n.inflight, id)
			}
		}
		return n, nil
	}
	return s, nil
}

func reconcileSnapshot(s State, e SnapshotEvent, p Policy) (State, []Command) {
	if s.DragInFlight {
		return s, nil
	}

	n := s.clone()
	var cmds []Command

	present := make(map[string]bool, len(e.Tasks))
	normalized := make([]Task, 0, len(e.Tasks))
	var backfill []Write
	for _, t := range e.Tasks {
		present[t.ID] = true
		if t.Order != nil {
			delete(n.derived, t.ID)
			delete(n.backfilled, t.ID)
			normalized = append(normalized, t)
			continue
		}
		order, ok := n.derived[t.ID]
		if !ok {
			order = LegacyOrder(t, e.At)
			n.derived[t.ID] = order
		}
		if !e.FromCache && !n.backfilled[t.ID] {
			n.backfilled[t.ID] = true
			backfill = append(backfill, Write{ID: t.ID, Fields: Fields{Order: Float(order)}})
		}
		t.Order = Float(order)
		normalized = append(normalized, t)
	}
	for id := range n.derived {
		if !present[id] {
			delete(n.derived, id)
			delete(n.backfilled, id)
		}
	}
	if len(backfill) > 0 {
		cmds = append(cmds, Command{Kind: CommandBatch, Reason: ReasonBackfill, Writes: backfill})
	}

	n.setTasks(normalized)
	n.prunePrompt()
	n.LastError = nil
	if e.FromCache {
		n.Status = StatusCached
		return n, cmds
	}
	n.Status = StatusLive

	if n.Prompt == nil {
		cmds = append(cmds, n.rollover(p.Boundary(e.At))...)
	}
	return n, cmds
}

// rollover classifies the current tasks against boundary, issues the
// archive batch and opens the prompt. n must already be a clone.
func (n *State) rollover(boundary time.Time) []Command {
	c := Classify(n.Tasks, boundary)

	eligible := make(map[string]bool, len(c.ToArchive)+len(c.Candidates))
	for _, t := range c.ToArchive {
		eligible[t.ID] = true
	}
	for _, t := range c.Candidates {
		eligible[t.ID] = true
	}
	// Anything no longer eligible has been applied by the store.
	for id := range n.inflight {
		if !eligible[id] {
			delete(n.inflight, id)
		}
	}

	var cmds []Command
	toArchive := make([]Task, 0, len(c.ToArchive))
	for _, t := range c.ToArchive {
		if _, busy := n.inflight[t.ID]; !busy {
			toArchive = append(toArchive, t)
		}
	}
	if len(toArchive) > 0 {
		for _, t := range toArchive {
			n.inflight[t.ID] = ReasonArchive
		}
		cmds = append(cmds, Command{Kind: CommandBatch, Reason: ReasonArchive, Writes: ArchiveWrites(toArchive)})
	}

	candidates := make([]Task, 0, len(c.Candidates))
	for _, t := range c.Candidates {
		if _, busy := n.inflight[t.ID]; !busy {
			candidates = append(candidates, t)
		}
	}
	if len(candidates) > 0 {
		n.Prompt = &Prompt{Candidates: candidates}
	}
	return cmds
}

func reconcileDrop(s State, e DragDropEvent) (State, []Command) {
	n := s.clone()
	// The flag stays up until DragSettledEvent so that snapshots racing the
	// drop cannot snap the list back.
	n.DragInFlight = true

	fields, ok := PlanMove(n.Active, n.Completed, e.Drag, e.At)
	if !ok {
		return n, nil
	}

	updated := make([]Task, len(n.Tasks))
	for i, t := range n.Tasks {
		if t.ID == e.Drag.TaskID {
			t = t.Apply(fields)
		}
		updated[i] = t
	}
	n.setTasks(updated)

	return n, []Command{{
		Kind:   CommandPatch,
		Reason: ReasonReorder,
		Writes: []Write{{ID: e.Drag.TaskID, Fields: fields}},
	}}
}

func reconcilePrompt(s State, e PromptResolvedEvent) (State, []Command) {
	if s.Prompt == nil {
		return s, nil
	}
	n := s.clone()
	n.prunePrompt()
	if n.Prompt == nil {
		return n, nil
	}
	writes := Resolve(n.Prompt.Candidates, e.Selected, e.At)
	n.Prompt = nil
	if len(writes) == 0 {
		return n, nil
	}
	for _, w := range writes {
		n.inflight[w.ID] = ReasonCarryOver
	}
	return n, []Command{{Kind: CommandBatch, Reason: ReasonCarryOver, Writes: writes}}
}

// prunePrompt drops candidates the store no longer holds as current tasks
// and closes the prompt once none are left.
func (n *State) prunePrompt() {
	if n.Prompt == nil {
		return
	}
	kept := make([]Task, 0, len(n.Prompt.Candidates))
	for _, c := range n.Prompt.Candidates {
		if t, ok := n.Find(c.ID); ok && !t.Archived {
			kept = append(kept, t)
		}
	}
	if len(kept) == 0 {
		n.Prompt = nil
		return
	}
	n.Prompt = &Prompt{Candidates: kept}
}

// setTasks sorts list by order, keeping the store's relative position for
// equal keys, and rebuilds the partitions.
func (n *State) setTasks(list []Task) {
	sorted := make([]Task, len(list))
	copy(sorted, list)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].SortKey() < sorted[j].SortKey()
	})

	n.Tasks = sorted
	n.Active = make([]Task, 0, len(sorted))
	n.Completed = make([]Task, 0, len(sorted))
	n.History = make([]Task, 0)
	for _, t := range sorted {
		switch {
		case t.Archived:
			n.History = append(n.History, t)
		case t.Completed:
			n.Completed = append(n.Completed, t)
		default:
			n.Active = append(n.Active, t)
		}
	}
}
