package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/CrowderSoup/daily-todo/tasks"
	"github.com/gorilla/websocket"
)

type socketMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Subscribe streams snapshots from the server's websocket until ctx ends.
// A cached snapshot, if any, is sent first with FromCache set. Connection
// failures are reported as Snapshot.Err and retried after the reconnect
// delay.
func (c *Client) Subscribe(ctx context.Context, ownerID string) (<-chan tasks.Snapshot, error) {
	wsURL, err := c.socketURL()
	if err != nil {
		return nil, err
	}

	out := make(chan tasks.Snapshot)
	go func() {
		defer close(out)

		emit := func(snap tasks.Snapshot) bool {
			select {
			case out <- snap:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if c.cache != nil {
			cached, ok, err := c.cache.Load(ownerID)
			if err != nil {
				c.logger.Warn("Failed to load cache", "error", err)
			} else if ok && !emit(tasks.Snapshot{Tasks: cached, FromCache: true}) {
				return
			}
		}

		for {
			err := c.stream(ctx, wsURL, ownerID, emit)
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("Live sync lost", "error", err)
			if !emit(tasks.Snapshot{Err: err}) {
				return
			}

			select {
			case <-time.After(c.reconnect):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// stream runs one websocket connection until it fails.
func (c *Client) stream(ctx context.Context, wsURL, ownerID string, emit func(tasks.Snapshot) bool) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	c.logger.Debug("Live sync connected")
	for {
		var msg socketMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("connection closed: %w", err)
		}

		switch msg.Type {
		case "snapshot":
			var data struct {
				Tasks []tasks.Record `json:"tasks"`
			}
			if err := json.Unmarshal(msg.Data, &data); err != nil {
				c.logger.Warn("Failed to decode snapshot", "error", err)
				continue
			}
			list := tasks.TasksFromRecords(data.Tasks)
			if c.cache != nil {
				if err := c.cache.Save(ownerID, list); err != nil {
					c.logger.Warn("Failed to save cache", "error", err)
				}
			}
			if !emit(tasks.Snapshot{Tasks: list}) {
				return ctx.Err()
			}
		case "error":
			var data struct {
				Message string `json:"message"`
			}
			_ = json.Unmarshal(msg.Data, &data)
			if !emit(tasks.Snapshot{Err: errors.New(data.Message)}) {
				return ctx.Err()
			}
		}
	}
}

func (c *Client) socketURL() (string, error) {
	u := *c.base
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = u.Path + "/api/ws"
	u.RawQuery = url.Values{"token": {c.token}}.Encode()
	return u.String(), nil
}
