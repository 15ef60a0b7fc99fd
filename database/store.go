package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/CrowderSoup/daily-todo/tasks"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// ErrNotFound is returned when a task does not exist for the owner.
var ErrNotFound = errors.New("task not found")

const loadTimeout = 10 * time.Second

// TaskStore persists tasks in SQLite and pushes a full snapshot to every
// subscriber of an owner after each committed change.
type TaskStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time

	// loads coalesces concurrent snapshot reads of the same generation.
	loads singleflight.Group

	mu    sync.Mutex
	gens  map[string]uint64
	feeds map[string]map[*subscriber]struct{}
}

// NewTaskStore creates a store over an initialized database.
func NewTaskStore(db *sql.DB, logger *slog.Logger) *TaskStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskStore{
		db:     db,
		logger: logger,
		now:    time.Now,
		gens:   make(map[string]uint64),
		feeds:  make(map[string]map[*subscriber]struct{}),
	}
}

// List returns every task of the owner, archived ones included, in
// insertion order.
func (s *TaskStore) List(ctx context.Context, ownerID string) ([]tasks.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+taskColumns+" FROM tasks WHERE owner_id = ? ORDER BY rowid", ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	list := []tasks.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		list = append(list, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read tasks: %w", err)
	}
	return list, nil
}

// Get returns a single task of the owner.
func (s *TaskStore) Get(ctx context.Context, ownerID, id string) (tasks.Task, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+taskColumns+" FROM tasks WHERE id = ? AND owner_id = ?", id, ownerID)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return tasks.Task{}, ErrNotFound
	}
	if err != nil {
		return tasks.Task{}, fmt.Errorf("failed to query task: %w", err)
	}
	return t, nil
}

// Create inserts a task and returns its id. Missing completed/archived
// default to false, a missing createdAt to now, and a missing order to
// just above the owner's current top task.
func (s *TaskStore) Create(ctx context.Context, ownerID string, f tasks.Fields) (string, error) {
	if f.Text == nil {
		return "", tasks.ErrEmptyText
	}
	text, err := tasks.ValidateText(*f.Text)
	if err != nil {
		return "", err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := ensureUser(ctx, tx, ownerID); err != nil {
		return "", err
	}

	now := s.now()
	createdAt := now
	if f.CreatedAt != nil {
		createdAt = *f.CreatedAt
	}

	var order float64
	if f.Order != nil {
		order = *f.Order
	} else {
		var min sql.NullFloat64
		err := tx.QueryRowContext(ctx,
			"SELECT MIN(sort_order) FROM tasks WHERE owner_id = ? AND archived = 0", ownerID).Scan(&min)
		if err != nil {
			return "", fmt.Errorf("failed to query minimum order: %w", err)
		}
		var existing *float64
		if min.Valid {
			existing = &min.Float64
		}
		order = tasks.InsertAtTop(existing, now)
	}

	completed := f.Completed != nil && *f.Completed
	archived := f.Archived != nil && *f.Archived

	id := uuid.NewString()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (id, owner_id, text, completed, archived, created_at, sort_order)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, ownerID, text, completed, archived, createdAt.UnixMilli(), order)
	if err != nil {
		return "", fmt.Errorf("failed to insert task: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.notify(ownerID)
	return id, nil
}

// Patch applies a partial update to one task.
func (s *TaskStore) Patch(ctx context.Context, ownerID, id string, f tasks.Fields) error {
	return s.BatchWrite(ctx, ownerID, []tasks.Write{{ID: id, Fields: f}})
}

// Delete removes a task permanently.
func (s *TaskStore) Delete(ctx context.Context, ownerID, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM tasks WHERE id = ? AND owner_id = ?", id, ownerID)
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}

	s.notify(ownerID)
	return nil
}

// BatchWrite applies every write in one transaction. If any task is
// missing or any update fails, nothing is applied.
func (s *TaskStore) BatchWrite(ctx context.Context, ownerID string, writes []tasks.Write) error {
	if len(writes) == 0 {
		return nil
	}
	for _, w := range writes {
		if w.Fields.Text != nil {
			if _, err := tasks.ValidateText(*w.Fields.Text); err != nil {
				return fmt.Errorf("task %s: %w", w.ID, err)
			}
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, w := range writes {
		set, args := setClause(w.Fields)
		args = append(args, w.ID, ownerID)
		result, err := tx.ExecContext(ctx, "UPDATE tasks SET "+set+" WHERE id = ? AND owner_id = ?", args...)
		if err != nil {
			return fmt.Errorf("failed to update task %s: %w", w.ID, err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to update task %s: %w", w.ID, err)
		}
		if n == 0 {
			return fmt.Errorf("task %s: %w", w.ID, ErrNotFound)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.notify(ownerID)
	return nil
}

// Subscribe streams snapshots of the owner's tasks until ctx is done. The
// current state is delivered first. A slow reader only ever sees the
// latest snapshot; intermediate ones are dropped.
func (s *TaskStore) Subscribe(ctx context.Context, ownerID string) (<-chan tasks.Snapshot, error) {
	sub := &subscriber{ch: make(chan tasks.Snapshot, 1)}

	s.mu.Lock()
	if s.feeds[ownerID] == nil {
		s.feeds[ownerID] = make(map[*subscriber]struct{})
	}
	s.feeds[ownerID][sub] = struct{}{}
	gen := s.gens[ownerID]
	s.mu.Unlock()

	go s.publish(ownerID, gen, []*subscriber{sub})

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.feeds[ownerID], sub)
		if len(s.feeds[ownerID]) == 0 {
			delete(s.feeds, ownerID)
		}
		s.mu.Unlock()
		sub.close()
	}()

	return sub.ch, nil
}

// Refresh pushes a fresh snapshot to the owner's subscribers even though
// nothing changed.
func (s *TaskStore) Refresh(ownerID string) {
	s.notify(ownerID)
}

// RefreshAll pushes a fresh snapshot to every subscriber and returns the
// number of owners refreshed.
func (s *TaskStore) RefreshAll() int {
	s.mu.Lock()
	owners := make([]string, 0, len(s.feeds))
	for owner := range s.feeds {
		owners = append(owners, owner)
	}
	s.mu.Unlock()

	for _, owner := range owners {
		s.notify(owner)
	}
	return len(owners)
}

// Subscribers returns the number of open subscriptions for the owner.
func (s *TaskStore) Subscribers(ownerID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.feeds[ownerID])
}

func (s *TaskStore) notify(ownerID string) {
	s.mu.Lock()
	s.gens[ownerID]++
	gen := s.gens[ownerID]
	subs := make([]*subscriber, 0, len(s.feeds[ownerID]))
	for sub := range s.feeds[ownerID] {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	if len(subs) == 0 {
		return
	}
	go s.publish(ownerID, gen, subs)
}

// publish loads the owner's tasks as of generation gen and delivers them.
func (s *TaskStore) publish(ownerID string, gen uint64, subs []*subscriber) {
	key := fmt.Sprintf("%s@%d", ownerID, gen)
	v, err, _ := s.loads.Do(key, func() (any, error) {
		ctx, cancel := context.WithTimeout(context.Background(), loadTimeout)
		defer cancel()
		return s.List(ctx, ownerID)
	})

	snap := tasks.Snapshot{}
	if err != nil {
		s.logger.Error("Failed to load snapshot", "owner", ownerID, "error", err)
		snap.Err = err
	} else {
		snap.Tasks = v.([]tasks.Task)
	}

	for _, sub := range subs {
		sub.deliver(gen, snap)
	}
}

func ensureUser(ctx context.Context, tx *sql.Tx, ownerID string) error {
	_, err := tx.ExecContext(ctx, "INSERT OR IGNORE INTO users (email) VALUES (?)", ownerID)
	if err != nil {
		return fmt.Errorf("failed to insert user: %w", err)
	}
	return nil
}

type subscriber struct {
	mu     sync.Mutex
	ch     chan tasks.Snapshot
	gen    uint64
	seen   bool
	closed bool
}

// deliver replaces any undelivered snapshot with snap, ignoring snapshots
// older than the last one delivered.
func (sub *subscriber) deliver(gen uint64, snap tasks.Snapshot) {
	sub.mu.Lock()
	defer sub.mu.Unlock()

	if sub.closed || (sub.seen && gen < sub.gen) {
		return
	}
	sub.gen, sub.seen = gen, true

	// Each receiver gets its own slice.
	if snap.Tasks != nil {
		snap.Tasks = append([]tasks.Task(nil), snap.Tasks...)
	}

	select {
	case <-sub.ch:
	default:
	}
	select {
	case sub.ch <- snap:
	default:
	}
}

func (sub *subscriber) close() {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
}
