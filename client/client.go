// Package client talks to a daily server over HTTP and its websocket feed.
// It satisfies session.Store, keeping the last snapshot on disk so a
// session can show something before the connection is up.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/CrowderSoup/daily-todo/tasks"
)

var (
	ErrNotFound     = errors.New("task not found")
	ErrUnauthorized = errors.New("not signed in")
)

const defaultReconnectDelay = 3 * time.Second

// Options configures a Client. An empty CachePath disables the snapshot
// cache.
type Options struct {
	ServerURL      string
	Token          string
	CachePath      string
	ReconnectDelay time.Duration
	HTTPClient     *http.Client
	Logger         *slog.Logger
}

// Client is a remote task store. The owner is implied by the token, so the
// ownerID arguments only label cache entries.
type Client struct {
	base      *url.URL
	token     string
	cache     *Cache
	reconnect time.Duration
	http      *http.Client
	logger    *slog.Logger
}

// New returns a client for the server at opts.ServerURL.
func New(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.ServerURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid server url %q: want http or https", opts.ServerURL)
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = defaultReconnectDelay
	}

	c := &Client{
		base:      base,
		token:     opts.Token,
		reconnect: opts.ReconnectDelay,
		http:      opts.HTTPClient,
		logger:    opts.Logger,
	}
	if opts.CachePath != "" {
		c.cache = NewCache(opts.CachePath)
	}
	return c, nil
}

// List fetches every task, archived ones included.
func (c *Client) List(ctx context.Context) ([]tasks.Task, error) {
	var body struct {
		Tasks []tasks.Record `json:"tasks"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/tasks", nil, &body); err != nil {
		return nil, err
	}
	return tasks.TasksFromRecords(body.Tasks), nil
}

func (c *Client) Create(ctx context.Context, ownerID string, f tasks.Fields) (string, error) {
	var body struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/tasks", tasks.FieldsRecordOf(f), &body); err != nil {
		return "", err
	}
	return body.ID, nil
}

func (c *Client) Patch(ctx context.Context, ownerID, id string, f tasks.Fields) error {
	return c.do(ctx, http.MethodPatch, "/api/tasks/"+url.PathEscape(id), tasks.FieldsRecordOf(f), nil)
}

func (c *Client) Delete(ctx context.Context, ownerID, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/tasks/"+url.PathEscape(id), nil, nil)
}

func (c *Client) BatchWrite(ctx context.Context, ownerID string, writes []tasks.Write) error {
	body := struct {
		Writes []tasks.WriteRecord `json:"writes"`
	}{Writes: tasks.WriteRecordsOf(writes)}
	return c.do(ctx, http.MethodPost, "/api/tasks/batch", body, nil)
}

// VerifyToken returns the email the token was issued to.
func (c *Client) VerifyToken(ctx context.Context) (string, error) {
	var body struct {
		Email string `json:"email"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/auth/verify", nil, &body); err != nil {
		return "", err
	}
	return body.Email, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return statusError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func statusError(resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	text := strings.TrimSpace(string(msg))
	switch resp.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, text)
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", ErrUnauthorized, text)
	case http.StatusBadRequest:
		if text == tasks.ErrEmptyText.Error() {
			return tasks.ErrEmptyText
		}
	}
	return fmt.Errorf("server returned %s: %s", resp.Status, text)
}
