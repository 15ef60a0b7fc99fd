package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/CrowderSoup/daily-todo/tasks"
)

type cacheFile struct {
	Owner   string         `json:"owner"`
	SavedAt time.Time      `json:"savedAt"`
	Tasks   []tasks.Record `json:"tasks"`
}

// Cache keeps the last live snapshot of one user on disk.
type Cache struct {
	mu   sync.Mutex
	path string
}

func NewCache(path string) *Cache {
	return &Cache{path: path}
}

// Load returns the cached tasks of owner. ok is false when there is no
// cache for that owner.
func (c *Cache) Load(owner string) (list []tasks.Task, ok bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read cache: %w", err)
	}

	var f cacheFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, false, fmt.Errorf("parse cache: %w", err)
	}
	if f.Owner != owner {
		return nil, false, nil
	}
	return tasks.TasksFromRecords(f.Tasks), true, nil
}

// Save replaces the cache with list.
func (c *Cache) Save(owner string, list []tasks.Task) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := json.Marshal(cacheFile{Owner: owner, SavedAt: time.Now().UTC(), Tasks: tasks.RecordsOf(list)})
	if err != nil {
		return fmt.Errorf("encode cache: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o700); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}

	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write cache: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("write cache: %w", err)
	}
	return nil
}
