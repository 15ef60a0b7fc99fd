package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/CrowderSoup/daily-todo/tasks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const owner = "me@example.com"

var (
	testNow    = time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)
	today      = time.Date(2024, 3, 10, 8, 0, 0, 0, time.UTC)
	yesterday  = time.Date(2024, 3, 9, 12, 0, 0, 0, time.UTC)
	testPolicy = tasks.Policy{Hour: 4, Location: time.UTC}
)

type patchCall struct {
	ID     string
	Fields tasks.Fields
}

type fakeStore struct {
	snaps chan tasks.Snapshot

	mu       sync.Mutex
	created  []tasks.Fields
	patches  []patchCall
	deleted  []string
	batches  [][]tasks.Write
	writeErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{snaps: make(chan tasks.Snapshot, 8)}
}

func (f *fakeStore) Subscribe(ctx context.Context, ownerID string) (<-chan tasks.Snapshot, error) {
	out := make(chan tasks.Snapshot)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case snap := <-f.snaps:
				select {
				case out <- snap:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (f *fakeStore) Create(ctx context.Context, ownerID string, fields tasks.Fields) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return "", f.writeErr
	}
	f.created = append(f.created, fields)
	return "new", nil
}

func (f *fakeStore) Patch(ctx context.Context, ownerID, id string, fields tasks.Fields) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.patches = append(f.patches, patchCall{ID: id, Fields: fields})
	return nil
}

func (f *fakeStore) Delete(ctx context.Context, ownerID, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeStore) BatchWrite(ctx context.Context, ownerID string, writes []tasks.Write) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.batches = append(f.batches, writes)
	return nil
}

func (f *fakeStore) failWrites(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeErr = err
}

func (f *fakeStore) calls() (created []tasks.Fields, patches []patchCall, deleted []string, batches [][]tasks.Write) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]tasks.Fields(nil), f.created...),
		append([]patchCall(nil), f.patches...),
		append([]string(nil), f.deleted...),
		append([][]tasks.Write(nil), f.batches...)
}

func startSession(t *testing.T, store *fakeStore, settle time.Duration) *Session {
	t.Helper()
	s := New(store, owner, Options{
		Policy:      testPolicy,
		SettleDelay: settle,
		Now:         func() time.Time { return testNow },
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
		s.Wait()
	})
	return s
}

// waitView reads updates until one satisfies ok.
func waitView(t *testing.T, s *Session, ok func(View) bool) View {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case v := <-s.Updates():
			if ok(v) {
				return v
			}
		case <-timeout:
			t.Fatal("timed out waiting for view")
		}
	}
}

func waitNotice(t *testing.T, s *Session) Notice {
	t.Helper()
	select {
	case n := <-s.Notices():
		return n
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for notice")
	}
	return Notice{}
}

func ids(list []tasks.Task) []string {
	out := make([]string, 0, len(list))
	for _, t := range list {
		out = append(out, t.ID)
	}
	return out
}

func task(id string, order float64, created time.Time) tasks.Task {
	return tasks.Task{ID: id, OwnerID: owner, Text: id, CreatedAt: tasks.Time(created), Order: tasks.Float(order)}
}

func isLive(v View) bool { return v.Status == tasks.StatusLive }

func TestSnapshotBuildsView(t *testing.T) {
	store := newFakeStore()
	s := startSession(t, store, 0)
	assert.Equal(t, tasks.StatusConnecting, s.View().Status)

	done := task("done", 5, today)
	done.Completed = true
	old := task("old", 1, yesterday)
	old.Archived = true

	store.snaps <- tasks.Snapshot{FromCache: true, Tasks: []tasks.Task{task("b", 20, today), task("a", 10, today)}}
	v := waitView(t, s, func(v View) bool { return v.Status == tasks.StatusCached })
	assert.Equal(t, []string{"a", "b"}, ids(v.Active))

	store.snaps <- tasks.Snapshot{Tasks: []tasks.Task{task("b", 20, today), task("a", 10, today), done, old}}
	v = waitView(t, s, isLive)
	assert.Equal(t, []string{"a", "b"}, ids(v.Active))
	assert.Equal(t, []string{"done"}, ids(v.Completed))
	assert.Equal(t, []string{"old"}, ids(v.History))
	assert.Equal(t, []string{"old"}, ids(v.HistoryByDate["2024-03-09"]))
	assert.Nil(t, v.Prompt)
	assert.Equal(t, v.Active, s.View().Active)
}

func TestAddTask(t *testing.T) {
	store := newFakeStore()
	s := startSession(t, store, 0)

	assert.ErrorIs(t, s.AddTask("   "), tasks.ErrEmptyText)

	store.snaps <- tasks.Snapshot{Tasks: []tasks.Task{task("a", 500000, today)}}
	waitView(t, s, isLive)

	require.NoError(t, s.AddTask("  buy milk "))
	s.Wait()

	created, _, _, _ := store.calls()
	require.Len(t, created, 1)
	assert.Equal(t, "buy milk", *created[0].Text)
	assert.Equal(t, 400000.0, *created[0].Order)
	assert.False(t, *created[0].Completed)
	assert.False(t, *created[0].Archived)
	assert.True(t, testNow.Equal(*created[0].CreatedAt))
}

func TestAddTaskFailureRestoresText(t *testing.T) {
	store := newFakeStore()
	store.failWrites(errors.New("offline"))
	s := startSession(t, store, 0)

	require.NoError(t, s.AddTask("call mum"))
	n := waitNotice(t, s)
	assert.Equal(t, NoticeError, n.Kind)
	assert.Equal(t, "call mum", n.Text)
	assert.EqualError(t, n.Err, "offline")
}

func TestToggleAndDelete(t *testing.T) {
	store := newFakeStore()
	s := startSession(t, store, 0)

	assert.ErrorIs(t, s.ToggleComplete("a"), ErrUnknownTask)

	store.snaps <- tasks.Snapshot{Tasks: []tasks.Task{task("a", 1, today)}}
	waitView(t, s, isLive)

	require.NoError(t, s.ToggleComplete("a"))
	require.NoError(t, s.DeleteTask("a"))
	assert.ErrorIs(t, s.DeleteTask("zzz"), ErrUnknownTask)
	s.Wait()

	_, patches, deleted, _ := store.calls()
	require.Len(t, patches, 1)
	assert.Equal(t, "a", patches[0].ID)
	assert.True(t, *patches[0].Fields.Completed)
	assert.Equal(t, []string{"a"}, deleted)

	// Not optimistic: the view waits for the store.
	assert.Equal(t, []string{"a"}, ids(s.View().Active))
}

func TestReorderIsOptimisticAndDropsRacingSnapshots(t *testing.T) {
	store := newFakeStore()
	s := startSession(t, store, time.Hour)

	initial := []tasks.Task{task("a", 10, today), task("b", 20, today), task("c", 30, today)}
	store.snaps <- tasks.Snapshot{Tasks: initial}
	waitView(t, s, isLive)

	s.StartDrag()
	s.Reorder(tasks.DragResult{
		TaskID:      "c",
		Source:      tasks.DragLocation{List: tasks.ListActive, Index: 2},
		Destination: &tasks.DragLocation{List: tasks.ListActive, Index: 0},
	})
	v := waitView(t, s, func(v View) bool { return len(v.Active) == 3 && v.Active[0].ID == "c" })
	assert.Equal(t, []string{"c", "a", "b"}, ids(v.Active))

	// A stale snapshot arriving before the drop settles is ignored.
	store.snaps <- tasks.Snapshot{Tasks: initial}
	s.Wait()
	assert.Never(t, func() bool { return s.View().Active[0].ID != "c" }, 100*time.Millisecond, 10*time.Millisecond)

	_, patches, _, _ := store.calls()
	require.Len(t, patches, 1)
	assert.Equal(t, "c", patches[0].ID)
	assert.Equal(t, 10.0-tasks.Gap, *patches[0].Fields.Order)
}

func TestDragSettles(t *testing.T) {
	store := newFakeStore()
	s := startSession(t, store, time.Millisecond)

	store.snaps <- tasks.Snapshot{Tasks: []tasks.Task{task("a", 10, today), task("b", 20, today)}}
	waitView(t, s, isLive)

	s.StartDrag()
	s.Reorder(tasks.DragResult{
		TaskID:      "b",
		Source:      tasks.DragLocation{List: tasks.ListActive, Index: 1},
		Destination: &tasks.DragLocation{List: tasks.ListCompleted, Index: 0},
	})
	v := waitView(t, s, func(v View) bool { return len(v.Completed) == 1 })
	assert.Equal(t, []string{"b"}, ids(v.Completed))

	// Once settled, snapshots are accepted again.
	assert.Eventually(t, func() bool {
		select {
		case store.snaps <- tasks.Snapshot{Tasks: []tasks.Task{task("z", 1, today)}}:
		default:
		}
		return len(s.View().Active) == 1 && s.View().Active[0].ID == "z"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestRolloverAndPrompt(t *testing.T) {
	store := newFakeStore()
	s := startSession(t, store, 0)

	finished := task("finished", 1, yesterday)
	finished.Completed = true
	store.snaps <- tasks.Snapshot{Tasks: []tasks.Task{
		finished,
		task("keep", 2, yesterday),
		task("drop", 3, yesterday),
		task("fresh", 4, today),
	}}

	v := waitView(t, s, func(v View) bool { return v.Prompt != nil })
	assert.Equal(t, []string{"keep", "drop"}, ids(v.Prompt.Candidates))
	assert.Equal(t, []string{"keep", "drop"}, v.Prompt.DefaultSelection())

	s.Wait()
	_, _, _, batches := store.calls()
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 1)
	assert.Equal(t, "finished", batches[0][0].ID)
	assert.True(t, *batches[0][0].Fields.Archived)

	s.ResolveRolloverPrompt([]string{"keep"})
	waitView(t, s, func(v View) bool { return v.Prompt == nil })

	n := waitNotice(t, s)
	assert.Equal(t, NoticeInfo, n.Kind)
	assert.Equal(t, "Carried over 1 task", n.Message)

	_, _, _, batches = store.calls()
	require.Len(t, batches, 2)
	carry := batches[1]
	require.Len(t, carry, 2)
	assert.Equal(t, "keep", carry[0].ID)
	assert.True(t, testNow.Equal(*carry[0].Fields.CreatedAt))
	assert.Equal(t, "drop", carry[1].ID)
	assert.True(t, *carry[1].Fields.Archived)
}

func TestManualRollover(t *testing.T) {
	store := newFakeStore()
	s := startSession(t, store, 0)

	done := task("done", 1, today)
	done.Completed = true
	store.snaps <- tasks.Snapshot{Tasks: []tasks.Task{done, task("open", 2, today)}}
	waitView(t, s, isLive)
	s.Wait()
	_, _, _, batches := store.calls()
	assert.Empty(t, batches)

	s.ManualRollover()
	v := waitView(t, s, func(v View) bool { return v.Prompt != nil })
	assert.Equal(t, []string{"open"}, ids(v.Prompt.Candidates))

	s.Wait()
	_, _, _, batches = store.calls()
	require.Len(t, batches, 1)
	assert.Equal(t, "done", batches[0][0].ID)
}

func TestSubscriptionErrorDegrades(t *testing.T) {
	store := newFakeStore()
	s := startSession(t, store, 0)

	store.snaps <- tasks.Snapshot{Tasks: []tasks.Task{task("a", 1, today)}}
	waitView(t, s, isLive)

	store.snaps <- tasks.Snapshot{Err: errors.New("connection reset")}
	v := waitView(t, s, func(v View) bool { return v.Status == tasks.StatusDegraded })
	assert.Equal(t, []string{"a"}, ids(v.Active))
	assert.EqualError(t, v.LastError, "connection reset")

	n := waitNotice(t, s)
	assert.Equal(t, NoticeError, n.Kind)
}

func TestRolloverArchiveFailureIsQuiet(t *testing.T) {
	store := newFakeStore()
	store.failWrites(errors.New("permission denied"))
	s := startSession(t, store, 0)

	finished := task("finished", 1, yesterday)
	finished.Completed = true
	store.snaps <- tasks.Snapshot{Tasks: []tasks.Task{finished}}

	v := waitView(t, s, func(v View) bool { return v.LastError != nil })
	assert.EqualError(t, v.LastError, "permission denied")
	s.Wait()
	assert.Empty(t, s.Notices())
}

func TestCarryOverFailureNotifies(t *testing.T) {
	store := newFakeStore()
	s := startSession(t, store, 0)

	store.snaps <- tasks.Snapshot{Tasks: []tasks.Task{task("keep", 1, yesterday)}}
	waitView(t, s, func(v View) bool { return v.Prompt != nil })

	store.failWrites(errors.New("permission denied"))
	s.ResolveRolloverPrompt([]string{"keep"})

	n := waitNotice(t, s)
	assert.Equal(t, NoticeError, n.Kind)
	assert.Equal(t, "Could not carry over tasks", n.Message)
	assert.EqualError(t, n.Err, "permission denied")
}

func TestDeleteHistoryTask(t *testing.T) {
	store := newFakeStore()
	s := startSession(t, store, 0)

	old := task("old", 1, yesterday)
	old.Archived = true
	store.snaps <- tasks.Snapshot{Tasks: []tasks.Task{old, task("a", 2, today)}}
	waitView(t, s, isLive)

	// History entries can be deleted but not toggled.
	assert.ErrorIs(t, s.ToggleComplete("old"), ErrUnknownTask)
	require.NoError(t, s.DeleteTask("old"))
	s.Wait()

	_, patches, deleted, _ := store.calls()
	assert.Empty(t, patches)
	assert.Equal(t, []string{"old"}, deleted)
}

func TestRunStopsOnCancel(t *testing.T) {
	s := New(newFakeStore(), owner, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}

	assert.Error(t, s.Run(context.Background()))
	// Actions after shutdown do not block.
	s.StartDrag()
}
