// Package session runs one user's live view of their daily list. A single
// goroutine owns the reconciler state; store snapshots, user actions,
// write failures and settle timers all reach it as events.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/CrowderSoup/daily-todo/tasks"
)

// ErrUnknownTask is returned by actions naming a task the session does not
// know, or an archived task for actions that need a current one.
var ErrUnknownTask = errors.New("unknown task")

const (
	defaultSettleDelay  = 16 * time.Millisecond
	defaultWriteTimeout = 10 * time.Second
	eventBuffer         = 64
	noticeBuffer        = 32
)

// Store is the remote document store a session reads and writes.
type Store interface {
	// Subscribe streams full snapshots until ctx ends, then closes the
	// channel. Failures arrive as Snapshot.Err.
	Subscribe(ctx context.Context, ownerID string) (<-chan tasks.Snapshot, error)
	Create(ctx context.Context, ownerID string, f tasks.Fields) (string, error)
	Patch(ctx context.Context, ownerID, id string, f tasks.Fields) error
	Delete(ctx context.Context, ownerID, id string) error
	// BatchWrite applies all writes or none.
	BatchWrite(ctx context.Context, ownerID string, writes []tasks.Write) error
}

// View is what the presentation layer renders.
type View struct {
	Active        []tasks.Task
	Completed     []tasks.Task
	History       []tasks.Task
	HistoryByDate map[string][]tasks.Task
	Prompt        *tasks.Prompt
	Status        tasks.SyncStatus
	LastError     error
}

// NoticeKind separates informational notices from failures.
type NoticeKind string

const (
	NoticeInfo  NoticeKind = "info"
	NoticeError NoticeKind = "error"
)

// Notice is a user-visible message. Text carries the input of a failed
// add so it can be restored.
type Notice struct {
	Kind    NoticeKind
	Message string
	Text    string
	Err     error
}

// Options tunes a Session. Zero values fall back to defaults.
type Options struct {
	Policy tasks.Policy
	// SettleDelay is how long snapshots stay suspended after a drop.
	SettleDelay  time.Duration
	WriteTimeout time.Duration
	Logger       *slog.Logger
	Now          func() time.Time
}

// Session is one user's live daily list.
type Session struct {
	store  Store
	owner  string
	policy tasks.Policy
	settle time.Duration
	writeT time.Duration
	logger *slog.Logger
	now    func() time.Time

	events  chan tasks.Event
	updates chan View
	notices chan Notice
	done    chan struct{}
	running sync.Once
	writes  sync.WaitGroup

	mu    sync.RWMutex
	state tasks.State
	view  View
}

// New creates a session for ownerID. Nothing happens until Run.
func New(store Store, ownerID string, opts Options) *Session {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = defaultSettleDelay
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.Policy.Location == nil {
		opts.Policy.Location = time.Local
	}

	s := &Session{
		store:   store,
		owner:   ownerID,
		policy:  opts.Policy,
		settle:  opts.SettleDelay,
		writeT:  opts.WriteTimeout,
		logger:  opts.Logger.With("owner", ownerID),
		now:     opts.Now,
		events:  make(chan tasks.Event, eventBuffer),
		updates: make(chan View, 1),
		notices: make(chan Notice, noticeBuffer),
		done:    make(chan struct{}),
		state:   tasks.NewState(),
	}
	s.view = s.buildView(s.state)
	return s
}

// Run subscribes to the store and processes events until ctx ends.
func (s *Session) Run(ctx context.Context) error {
	started := false
	s.running.Do(func() { started = true })
	if !started {
		return errors.New("session already running")
	}
	defer close(s.done)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	snaps, err := s.store.Subscribe(ctx, s.owner)
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	s.logger.Info("Session started")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Session stopped")
			return nil
		case snap, ok := <-snaps:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("subscription closed")
			}
			if snap.Err != nil {
				s.handle(tasks.SubscriptionErrorEvent{Err: snap.Err})
				continue
			}
			s.handle(tasks.SnapshotEvent{Tasks: snap.Tasks, FromCache: snap.FromCache, At: s.now()})
		case ev := <-s.events:
			s.handle(ev)
		}
	}
}

// View returns the latest rendered state.
func (s *Session) View() View {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view
}

// Updates delivers a fresh View after every accepted change. Only the
// latest undelivered view is kept.
func (s *Session) Updates() <-chan View {
	return s.updates
}

// Notices delivers user-visible messages.
func (s *Session) Notices() <-chan Notice {
	return s.notices
}

// Wait blocks until every issued write has finished.
func (s *Session) Wait() {
	s.writes.Wait()
}

// AddTask creates a task at the top of the active list. Blank text is
// rejected before anything is sent.
func (s *Session) AddTask(text string) error {
	trimmed, err := tasks.ValidateText(text)
	if err != nil {
		return err
	}

	now := s.now()
	s.mu.RLock()
	order := tasks.InsertAtTop(tasks.MinOrder(s.state.Current()), now)
	s.mu.RUnlock()

	s.write(func(ctx context.Context) error {
		_, err := s.store.Create(ctx, s.owner, tasks.NewTaskFields(trimmed, order, now))
		if err != nil {
			s.logger.Error("Failed to add task", "error", err)
			s.notify(Notice{Kind: NoticeError, Message: "Could not add task", Text: text, Err: err})
		}
		return err
	})
	return nil
}

// ToggleComplete flips a task between the active and completed lists.
func (s *Session) ToggleComplete(id string) error {
	t, ok := s.find(id)
	if !ok {
		return ErrUnknownTask
	}
	completed := !t.Completed
	s.write(func(ctx context.Context) error {
		err := s.store.Patch(ctx, s.owner, id, tasks.Fields{Completed: &completed})
		if err != nil {
			s.logger.Error("Failed to update task", "task", id, "error", err)
			s.notify(Notice{Kind: NoticeError, Message: "Could not update task", Err: err})
		}
		return err
	})
	return nil
}

// DeleteTask removes a task permanently. History entries can be deleted
// too.
func (s *Session) DeleteTask(id string) error {
	s.mu.RLock()
	_, ok := s.state.Find(id)
	s.mu.RUnlock()
	if !ok {
		return ErrUnknownTask
	}
	s.write(func(ctx context.Context) error {
		err := s.store.Delete(ctx, s.owner, id)
		if err != nil {
			s.logger.Error("Failed to delete task", "task", id, "error", err)
			s.notify(Notice{Kind: NoticeError, Message: "Could not delete task", Err: err})
		}
		return err
	})
	return nil
}

// StartDrag suspends snapshots while the user drags a task.
func (s *Session) StartDrag() {
	s.post(tasks.DragStartEvent{})
}

// Reorder applies a finished drag gesture.
func (s *Session) Reorder(drag tasks.DragResult) {
	s.post(tasks.DragDropEvent{Drag: drag, At: s.now()})
}

// ManualRollover finishes the day early.
func (s *Session) ManualRollover() {
	s.post(tasks.ManualRolloverEvent{At: s.now()})
}

// ResolveRolloverPrompt answers the carry-over prompt: selected tasks move
// into today, the rest are archived.
func (s *Session) ResolveRolloverPrompt(selected []string) {
	s.post(tasks.PromptResolvedEvent{Selected: selected, At: s.now()})
}

func (s *Session) handle(ev tasks.Event) {
	if _, ok := ev.(tasks.SnapshotEvent); ok && s.state.DragInFlight {
		s.logger.Debug("Dropped snapshot during drag")
		return
	}

	next, cmds := tasks.Reconcile(s.state, ev, s.policy)

	switch e := ev.(type) {
	case tasks.SubscriptionErrorEvent:
		s.logger.Warn("Sync degraded", "error", e.Err)
		if s.state.Status != tasks.StatusDegraded {
			s.notify(Notice{Kind: NoticeError, Message: "Sync unavailable, showing last known tasks", Err: e.Err})
		}
	case tasks.DragDropEvent:
		time.AfterFunc(s.settle, func() { s.post(tasks.DragSettledEvent{}) })
	}

	for _, cmd := range cmds {
		s.execute(cmd)
	}
	s.publish(next)
}

func (s *Session) publish(st tasks.State) {
	v := s.buildView(st)

	s.mu.Lock()
	s.state = st
	s.view = v
	s.mu.Unlock()

	select {
	case <-s.updates:
	default:
	}
	s.updates <- v
}

func (s *Session) buildView(st tasks.State) View {
	return View{
		Active:        st.Active,
		Completed:     st.Completed,
		History:       st.History,
		HistoryByDate: tasks.HistoryByDate(st.History, s.policy.Location, s.now()),
		Prompt:        st.Prompt,
		Status:        st.Status,
		LastError:     st.LastError,
	}
}

// execute issues a reconciler command without waiting for it.
func (s *Session) execute(cmd tasks.Command) {
	s.logger.Debug("Issuing write", "reason", cmd.Reason, "tasks", len(cmd.Writes))
	s.write(func(ctx context.Context) error {
		var err error
		if cmd.Kind == tasks.CommandPatch && len(cmd.Writes) == 1 {
			err = s.store.Patch(ctx, s.owner, cmd.Writes[0].ID, cmd.Writes[0].Fields)
		} else {
			err = s.store.BatchWrite(ctx, s.owner, cmd.Writes)
		}
		if err != nil {
			s.logger.Error("Failed to apply write", "reason", cmd.Reason, "tasks", len(cmd.Writes), "error", err)
			s.post(tasks.WriteFailedEvent{Command: cmd, Err: err})
			if userInitiated(cmd.Reason) {
				s.notify(Notice{Kind: NoticeError, Message: failureMessage(cmd.Reason), Err: err})
			}
			return err
		}
		if cmd.Reason == tasks.ReasonCarryOver {
			s.notify(Notice{Kind: NoticeInfo, Message: carryOverMessage(cmd.Writes)})
		}
		return nil
	})
}

// write runs fn on its own goroutine with a context that outlives the
// session.
func (s *Session) write(fn func(ctx context.Context) error) {
	s.writes.Add(1)
	go func() {
		defer s.writes.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.writeT)
		defer cancel()
		_ = fn(ctx)
	}()
}

func (s *Session) post(ev tasks.Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func (s *Session) notify(n Notice) {
	select {
	case s.notices <- n:
	default:
		s.logger.Warn("Notice dropped", "message", n.Message)
	}
}

// find returns a current, non-archived task.
func (s *Session) find(id string) (tasks.Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.state.Find(id)
	if !ok || t.Archived {
		return tasks.Task{}, false
	}
	return t, true
}

// userInitiated reports whether a command answers a user action. Rollover
// archives and order backfills fail quietly into View.LastError.
func userInitiated(r tasks.Reason) bool {
	return r == tasks.ReasonReorder || r == tasks.ReasonCarryOver
}

func failureMessage(r tasks.Reason) string {
	switch r {
	case tasks.ReasonReorder:
		return "Could not save the new order"
	case tasks.ReasonCarryOver:
		return "Could not carry over tasks"
	default:
		return "Could not update tasks"
	}
}

func carryOverMessage(writes []tasks.Write) string {
	kept := 0
	for _, w := range writes {
		if w.Fields.CreatedAt != nil {
			kept++
		}
	}
	switch kept {
	case 0:
		return "Archived yesterday's tasks"
	case 1:
		return "Carried over 1 task"
	default:
		return fmt.Sprintf("Carried over %d tasks", kept)
	}
}
