package database

import (
	"database/sql"
	"strings"
	"time"

	"github.com/CrowderSoup/daily-todo/tasks"
)

const taskColumns = "id, owner_id, text, completed, archived, created_at, sort_order"

type scanner interface {
	Scan(dest ...any) error
}

// scanTask reads one row selected with taskColumns.
func scanTask(row scanner) (tasks.Task, error) {
	var (
		t         tasks.Task
		createdAt sql.NullInt64
		order     sql.NullFloat64
	)
	if err := row.Scan(&t.ID, &t.OwnerID, &t.Text, &t.Completed, &t.Archived, &createdAt, &order); err != nil {
		return tasks.Task{}, err
	}
	if createdAt.Valid {
		ts := time.UnixMilli(createdAt.Int64)
		t.CreatedAt = &ts
	}
	if order.Valid {
		o := order.Float64
		t.Order = &o
	}
	return t, nil
}

// setClause turns a field patch into an UPDATE SET list and its arguments.
func setClause(f tasks.Fields) (string, []any) {
	sets := []string{"updated_at = CURRENT_TIMESTAMP"}
	var args []any
	if f.Text != nil {
		sets = append(sets, "text = ?")
		args = append(args, *f.Text)
	}
	if f.Completed != nil {
		sets = append(sets, "completed = ?")
		args = append(args, *f.Completed)
	}
	if f.Archived != nil {
		sets = append(sets, "archived = ?")
		args = append(args, *f.Archived)
	}
	if f.CreatedAt != nil {
		sets = append(sets, "created_at = ?")
		args = append(args, f.CreatedAt.UnixMilli())
	}
	if f.Order != nil {
		sets = append(sets, "sort_order = ?")
		args = append(args, *f.Order)
	}
	return strings.Join(sets, ", "), args
}
