// Package tasks holds the daily task model and the rules that keep a task
// list consistent across devices: fractional ordering, the daily rollover
// policy and the snapshot reconciler.
package tasks

import (
	"errors"
	"strings"
	"time"
)

// ErrEmptyText is returned when a task label is empty or only whitespace.
var ErrEmptyText = errors.New("task text is empty")

// Task is a single entry in a user's daily list.
type Task struct {
	ID        string     `json:"id"`
	OwnerID   string     `json:"ownerId"`
	Text      string     `json:"text"`
	Completed bool       `json:"completed"`
	Archived  bool       `json:"archived"`
	CreatedAt *time.Time `json:"createdAt,omitempty"`
	Order     *float64   `json:"order,omitempty"`
}

// SortKey returns the order value used for display. Tasks without an order
// sort by creation time, and tasks with neither sort last.
func (t Task) SortKey() float64 {
	if t.Order != nil {
		return *t.Order
	}
	if t.CreatedAt != nil {
		return float64(t.CreatedAt.UnixMilli())
	}
	return maxSortKey
}

// Apply returns a copy of t with the non-nil fields of f applied.
func (t Task) Apply(f Fields) Task {
	if f.Text != nil {
		t.Text = *f.Text
	}
	if f.Completed != nil {
		t.Completed = *f.Completed
	}
	if f.Archived != nil {
		t.Archived = *f.Archived
	}
	if f.CreatedAt != nil {
		ts := *f.CreatedAt
		t.CreatedAt = &ts
	}
	if f.Order != nil {
		o := *f.Order
		t.Order = &o
	}
	return t
}

// Fields is a partial update of a task. There is deliberately no owner
// field: ownership is fixed at creation.
type Fields struct {
	Text      *string    `json:"text,omitempty"`
	Completed *bool      `json:"completed,omitempty"`
	Archived  *bool      `json:"archived,omitempty"`
	CreatedAt *time.Time `json:"createdAt,omitempty"`
	Order     *float64   `json:"order,omitempty"`
}

// Empty reports whether f changes nothing.
func (f Fields) Empty() bool {
	return f.Text == nil && f.Completed == nil && f.Archived == nil &&
		f.CreatedAt == nil && f.Order == nil
}

// Write is one element of an atomic batch update.
type Write struct {
	ID     string `json:"id"`
	Fields Fields `json:"fields"`
}

// Snapshot is a full replacement view of a user's tasks pushed by a store.
// Err is set instead of Tasks when the subscription failed.
type Snapshot struct {
	Tasks     []Task
	FromCache bool
	Err       error
}

// ValidateText trims a user supplied label and rejects blank input.
func ValidateText(text string) (string, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", ErrEmptyText
	}
	return trimmed, nil
}

// NewTaskFields builds the field set for a freshly added task.
func NewTaskFields(text string, order float64, now time.Time) Fields {
	completed := false
	archived := false
	return Fields{
		Text:      &text,
		Completed: &completed,
		Archived:  &archived,
		CreatedAt: &now,
		Order:     &order,
	}
}

// Bool, Float and Time return pointers for building Fields literals.
func Bool(v bool) *bool { return &v }

func Float(v float64) *float64 { return &v }

func Time(v time.Time) *time.Time { return &v }
