package tasks

import (
	"math"
	"time"
)

// Gap is the distance left between neighbouring order keys at the edges of
// the list, wide enough for thousands of top inserts before the float64
// keys collide.
const Gap = 100000

const maxSortKey = math.MaxFloat64

// Seed returns the time-derived order used when there are no neighbours.
func Seed(now time.Time) float64 {
	return float64(now.UnixMilli())
}

// InsertAtTop returns an order that sorts before existingMin. A nil
// existingMin means the list is empty.
func InsertAtTop(existingMin *float64, now time.Time) float64 {
	if existingMin == nil {
		return Seed(now)
	}
	return finiteOr(*existingMin-Gap, now)
}

// InsertBetween returns an order that sorts after prev and before next.
// Either neighbour may be nil. When the result is not a finite number the
// time seed is returned instead, which may misplace the task in
// pathological cases but never fails.
func InsertBetween(prev, next *float64, now time.Time) float64 {
	switch {
	case prev != nil && next != nil:
		return finiteOr((*prev+*next)/2, now)
	case next != nil:
		return finiteOr(*next-Gap, now)
	case prev != nil:
		return finiteOr(*prev+Gap, now)
	default:
		return Seed(now)
	}
}

func finiteOr(v float64, now time.Time) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return Seed(now)
	}
	return v
}

// LegacyOrder derives the order for a task stored before order keys
// existed: its creation time, or now when that is missing too.
func LegacyOrder(t Task, now time.Time) float64 {
	if t.CreatedAt != nil {
		return float64(t.CreatedAt.UnixMilli())
	}
	return Seed(now)
}

// MinOrder returns the smallest order among tasks, or nil when none has one.
func MinOrder(list []Task) *float64 {
	var min *float64
	for _, t := range list {
		if t.Order == nil {
			continue
		}
		if min == nil || *t.Order < *min {
			o := *t.Order
			min = &o
		}
	}
	return min
}

// List names one of the two drag-and-drop lists of the daily view.
type List string

const (
	ListActive    List = "active"
	ListCompleted List = "completed"
)

// Completed reports the completion state a task dropped into l takes.
func (l List) Completed() bool {
	return l == ListCompleted
}

// Valid reports whether l is a known list.
func (l List) Valid() bool {
	return l == ListActive || l == ListCompleted
}

// DragLocation is one end of a drag gesture.
type DragLocation struct {
	List  List `json:"list"`
	Index int  `json:"index"`
}

// DragResult is the raw outcome of a drag gesture. Destination is nil when
// the item was dropped outside any list.
type DragResult struct {
	TaskID      string        `json:"taskId"`
	Source      DragLocation  `json:"source"`
	Destination *DragLocation `json:"destination,omitempty"`
}

// PlanMove computes the fields to write for a drag gesture given the
// currently displayed active and completed lists. ok is false when the
// gesture changes nothing.
func PlanMove(active, completed []Task, drag DragResult, now time.Time) (Fields, bool) {
	if drag.Destination == nil || !drag.Destination.List.Valid() {
		return Fields{}, false
	}
	dst := *drag.Destination

	lists := map[List][]Task{ListActive: active, ListCompleted: completed}

	var moved *Task
	var fromList List
	for _, name := range []List{ListActive, ListCompleted} {
		for i := range lists[name] {
			if lists[name][i].ID == drag.TaskID {
				t := lists[name][i]
				moved, fromList = &t, name
				break
			}
		}
		if moved != nil {
			break
		}
	}
	if moved == nil {
		return Fields{}, false
	}

	target := withoutTask(lists[dst.List], drag.TaskID)
	if fromList == dst.List {
		current := indexOf(lists[dst.List], drag.TaskID)
		if current == dst.Index {
			return Fields{}, false
		}
	}

	idx := dst.Index
	if idx < 0 {
		idx = 0
	}
	if idx > len(target) {
		idx = len(target)
	}

	var prev, next *float64
	if idx > 0 {
		k := target[idx-1].SortKey()
		prev = &k
	}
	if idx < len(target) {
		k := target[idx].SortKey()
		next = &k
	}

	order := InsertBetween(prev, next, now)
	f := Fields{Order: &order}
	if moved.Completed != dst.List.Completed() {
		c := dst.List.Completed()
		f.Completed = &c
	}
	return f, true
}

func withoutTask(list []Task, id string) []Task {
	out := make([]Task, 0, len(list))
	for _, t := range list {
		if t.ID != id {
			out = append(out, t)
		}
	}
	return out
}

func indexOf(list []Task, id string) int {
	for i, t := range list {
		if t.ID == id {
			return i
		}
	}
	return -1
}
