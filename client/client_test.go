package client

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/CrowderSoup/daily-todo/config"
	"github.com/CrowderSoup/daily-todo/database"
	"github.com/CrowderSoup/daily-todo/handlers"
	"github.com/CrowderSoup/daily-todo/services"
	"github.com/CrowderSoup/daily-todo/tasks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const owner = "me@example.com"

// newServer starts a full daily server and returns its URL and a token
// for owner.
func newServer(t *testing.T) (string, string) {
	t.Helper()
	db, err := database.InitDB(filepath.Join(t.TempDir(), "daily.db"), nil)
	require.NoError(t, err)

	store := database.NewTaskStore(db, nil)
	auth := services.NewAuthService(config.AuthConfig{JWTSecret: "test-secret"}, config.SMTPConfig{}, nil)
	hub := services.NewHub(store, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(handlers.NewRouter(handlers.Routes{
		Auth:    handlers.NewAuthHandler(auth, nil),
		Tasks:   handlers.NewTaskHandler(store, nil),
		Socket:  handlers.NewSocketHandler(hub, nil),
		Protect: handlers.NewAuthMiddleware(auth),
	}))
	t.Cleanup(func() {
		cancel()
		<-hub.Done()
		srv.Close()
		db.Close()
	})

	token, err := auth.CreateJWT(owner)
	require.NoError(t, err)
	return srv.URL, token
}

func newClient(t *testing.T, serverURL, token, cachePath string) *Client {
	t.Helper()
	c, err := New(Options{
		ServerURL:      serverURL,
		Token:          token,
		CachePath:      cachePath,
		ReconnectDelay: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	return c
}

func next(t *testing.T, ch <-chan tasks.Snapshot) tasks.Snapshot {
	t.Helper()
	select {
	case snap, ok := <-ch:
		require.True(t, ok, "subscription closed")
		return snap
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for snapshot")
	}
	return tasks.Snapshot{}
}

func TestNewRejectsBadURL(t *testing.T) {
	_, err := New(Options{ServerURL: "ftp://example.com"})
	assert.Error(t, err)
	_, err = New(Options{ServerURL: "://"})
	assert.Error(t, err)
}

func TestCRUD(t *testing.T) {
	url, token := newServer(t)
	c := newClient(t, url, token, "")
	ctx := context.Background()

	email, err := c.VerifyToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, owner, email)

	created := time.Date(2024, 3, 10, 8, 0, 0, 0, time.UTC)
	id, err := c.Create(ctx, owner, tasks.NewTaskFields("water plants", 10, created))
	require.NoError(t, err)

	_, err = c.Create(ctx, owner, tasks.Fields{})
	assert.ErrorIs(t, err, tasks.ErrEmptyText)

	require.NoError(t, c.Patch(ctx, owner, id, tasks.Fields{Completed: tasks.Bool(true)}))
	list, err := c.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].Completed)
	assert.True(t, created.Equal(*list[0].CreatedAt))

	require.NoError(t, c.BatchWrite(ctx, owner, []tasks.Write{{ID: id, Fields: tasks.Fields{Archived: tasks.Bool(true)}}}))
	err = c.BatchWrite(ctx, owner, []tasks.Write{{ID: "missing", Fields: tasks.Fields{Archived: tasks.Bool(true)}}})
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, c.Delete(ctx, owner, id))
	assert.ErrorIs(t, c.Delete(ctx, owner, id), ErrNotFound)

	anon := newClient(t, url, "", "")
	_, err = anon.List(ctx)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestSubscribeServesCacheThenLive(t *testing.T) {
	url, token := newServer(t)
	cachePath := filepath.Join(t.TempDir(), "cache.json")

	cached := []tasks.Task{{ID: "old", OwnerID: owner, Text: "from cache", Order: tasks.Float(1)}}
	require.NoError(t, NewCache(cachePath).Save(owner, cached))

	c := newClient(t, url, token, cachePath)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	text := "live"
	_, err := c.Create(ctx, owner, tasks.Fields{Text: &text})
	require.NoError(t, err)

	ch, err := c.Subscribe(ctx, owner)
	require.NoError(t, err)

	snap := next(t, ch)
	assert.True(t, snap.FromCache)
	require.Len(t, snap.Tasks, 1)
	assert.Equal(t, "from cache", snap.Tasks[0].Text)

	snap = next(t, ch)
	require.NoError(t, snap.Err)
	assert.False(t, snap.FromCache)
	require.Len(t, snap.Tasks, 1)
	assert.Equal(t, "live", snap.Tasks[0].Text)

	// The live snapshot replaced the cache.
	list, ok, err := NewCache(cachePath).Load(owner)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "live", list[0].Text)

	cancel()
	assert.Eventually(t, func() bool {
		select {
		case _, open := <-ch:
			return !open
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSubscribeReportsOutage(t *testing.T) {
	srv := httptest.NewServer(nil)
	deadURL := srv.URL
	srv.Close()

	c := newClient(t, deadURL, "token", "")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := c.Subscribe(ctx, owner)
	require.NoError(t, err)
	snap := next(t, ch)
	assert.Error(t, snap.Err)

	// It keeps retrying.
	snap = next(t, ch)
	assert.Error(t, snap.Err)
}

func TestCacheIgnoresOtherOwner(t *testing.T) {
	cache := NewCache(filepath.Join(t.TempDir(), "nested", "cache.json"))

	_, ok, err := cache.Load(owner)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, cache.Save("other@example.com", []tasks.Task{{ID: "x"}}))
	_, ok, err = cache.Load(owner)
	require.NoError(t, err)
	assert.False(t, ok)
}
