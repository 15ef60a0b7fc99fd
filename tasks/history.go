package tasks

import (
	"sort"
	"time"
)

// DateLayout is the calendar-date key used to group history.
const DateLayout = "2006-01-02"

// HistoryByDate groups archived tasks by the local calendar date they were
// created on. Tasks without a creation time are grouped under today. Each
// group keeps the order of history.
func HistoryByDate(history []Task, loc *time.Location, now time.Time) map[string][]Task {
	if loc == nil {
		loc = time.Local
	}
	groups := make(map[string][]Task)
	for _, t := range history {
		day := now
		if t.CreatedAt != nil {
			day = *t.CreatedAt
		}
		key := day.In(loc).Format(DateLayout)
		groups[key] = append(groups[key], t)
	}
	return groups
}

// HistoryDates returns the keys of groups, newest first.
func HistoryDates(groups map[string][]Task) []string {
	dates := make([]string, 0, len(groups))
	for d := range groups {
		dates = append(dates, d)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(dates)))
	return dates
}

// MonthMarks returns the days of month that have at least one history entry,
// for marking a calendar.
func MonthMarks(groups map[string][]Task, year int, month time.Month) map[int]bool {
	marks := make(map[int]bool)
	for key, list := range groups {
		if len(list) == 0 {
			continue
		}
		d, err := time.Parse(DateLayout, key)
		if err != nil {
			continue
		}
		if d.Year() == year && d.Month() == month {
			marks[d.Day()] = true
		}
	}
	return marks
}
