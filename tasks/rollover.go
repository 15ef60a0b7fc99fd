package tasks

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultBoundaryHour is the local hour at which a new day starts.
const DefaultBoundaryHour = 4

// Policy decides which tasks belong to "today".
type Policy struct {
	Hour     int
	Minute   int
	Location *time.Location
}

// DefaultPolicy starts each day at 04:00 local time.
func DefaultPolicy() Policy {
	return Policy{Hour: DefaultBoundaryHour, Location: time.Local}
}

// ParseBoundary parses an "HH:MM" boundary clock time.
func ParseBoundary(s string) (hour, minute int, err error) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid boundary %q: want HH:MM", s)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid boundary hour in %q", s)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid boundary minute in %q", s)
	}
	return hour, minute, nil
}

func (p Policy) loc() *time.Location {
	if p.Location == nil {
		return time.Local
	}
	return p.Location
}

// Boundary returns the most recent day boundary at or before now. Before
// the boundary clock time it is the previous calendar day's boundary.
func (p Policy) Boundary(now time.Time) time.Time {
	local := now.In(p.loc())
	b := time.Date(local.Year(), local.Month(), local.Day(), p.Hour, p.Minute, 0, 0, p.loc())
	if local.Before(b) {
		b = time.Date(local.Year(), local.Month(), local.Day()-1, p.Hour, p.Minute, 0, 0, p.loc())
	}
	return b
}

// ManualBoundary is the boundary used when the user finishes the day
// early: the start of the next calendar day, so every current task is
// eligible.
func (p Policy) ManualBoundary(now time.Time) time.Time {
	local := now.In(p.loc())
	return time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, p.loc())
}

// Classification is the result of evaluating tasks against a boundary.
type Classification struct {
	// ToArchive are completed tasks from before the boundary.
	ToArchive []Task
	// Candidates are unfinished tasks from before the boundary awaiting the
	// user's carry-over decision.
	Candidates []Task
}

// Classify sorts non-archived tasks created before boundary into those to
// archive automatically and those to offer for carry-over. Tasks without
// a creation time are left alone.
func Classify(list []Task, boundary time.Time) Classification {
	var c Classification
	for _, t := range list {
		if t.Archived || t.CreatedAt == nil {
			continue
		}
		if !t.CreatedAt.Before(boundary) {
			continue
		}
		if t.Completed {
			c.ToArchive = append(c.ToArchive, t)
		} else {
			c.Candidates = append(c.Candidates, t)
		}
	}
	return c
}

// ArchiveWrites returns the batch that archives every task in list.
func ArchiveWrites(list []Task) []Write {
	writes := make([]Write, 0, len(list))
	for _, t := range list {
		writes = append(writes, Write{ID: t.ID, Fields: Fields{Archived: Bool(true)}})
	}
	return writes
}

// Resolve turns the user's carry-over choice into one batch: selected
// candidates are renewed into today, the rest are archived. Ids that are
// not candidates are ignored.
func Resolve(candidates []Task, selectedIDs []string, now time.Time) []Write {
	selected := make(map[string]bool, len(selectedIDs))
	for _, id := range selectedIDs {
		selected[id] = true
	}

	writes := make([]Write, 0, len(candidates))
	for _, t := range candidates {
		if selected[t.ID] {
			writes = append(writes, Write{ID: t.ID, Fields: Fields{CreatedAt: Time(now)}})
		} else {
			writes = append(writes, Write{ID: t.ID, Fields: Fields{Archived: Bool(true)}})
		}
	}
	return writes
}

// Prompt is a pending carry-over question for the user.
type Prompt struct {
	Candidates []Task
}

// DefaultSelection is the pre-checked choice offered to the user: every
// candidate is carried over unless deselected.
func (p Prompt) DefaultSelection() []string {
	ids := make([]string, 0, len(p.Candidates))
	for _, t := range p.Candidates {
		ids = append(ids, t.ID)
	}
	return ids
}
