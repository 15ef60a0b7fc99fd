package tasks

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Timestamp decodes every time representation a store may hand back into a
// single canonical time.Time. It accepts RFC 3339 strings, epoch
// milliseconds, and {seconds, nanoseconds} objects; null means absent.
type Timestamp struct {
	Time  time.Time
	Valid bool
}

type secondsNanos struct {
	Seconds      *int64 `json:"seconds"`
	Nanoseconds  int64  `json:"nanoseconds"`
	USeconds     *int64 `json:"_seconds"`
	UNanoseconds int64  `json:"_nanoseconds"`
}

// UnmarshalJSON implements json.Unmarshaler.
func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	*ts = Timestamp{}
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}

	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			return nil
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			// Some writers send millis as a string.
			ms, perr := strconv.ParseInt(s, 10, 64)
			if perr != nil {
				return fmt.Errorf("invalid timestamp %q: %w", s, err)
			}
			t = time.UnixMilli(ms)
		}
		ts.Time, ts.Valid = t, true
	case '{':
		var sn secondsNanos
		if err := json.Unmarshal(data, &sn); err != nil {
			return err
		}
		switch {
		case sn.Seconds != nil:
			ts.Time, ts.Valid = time.Unix(*sn.Seconds, sn.Nanoseconds), true
		case sn.USeconds != nil:
			ts.Time, ts.Valid = time.Unix(*sn.USeconds, sn.UNanoseconds), true
		default:
			return fmt.Errorf("invalid timestamp object %s", data)
		}
	default:
		var ms float64
		if err := json.Unmarshal(data, &ms); err != nil {
			return fmt.Errorf("invalid timestamp %s: %w", data, err)
		}
		ts.Time, ts.Valid = time.UnixMilli(int64(ms)), true
	}
	return nil
}

// MarshalJSON writes the canonical RFC 3339 form, or null when absent.
func (ts Timestamp) MarshalJSON() ([]byte, error) {
	if !ts.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(ts.Time.UTC().Format(time.RFC3339Nano))
}

// Ptr returns the timestamp as an optional time.
func (ts Timestamp) Ptr() *time.Time {
	if !ts.Valid {
		return nil
	}
	t := ts.Time
	return &t
}

// Record is a task as it crosses a store boundary. CreatedAt and Order may
// be missing on legacy documents.
type Record struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"ownerId"`
	Text      string    `json:"text"`
	Completed bool      `json:"completed"`
	Archived  bool      `json:"archived"`
	CreatedAt Timestamp `json:"createdAt"`
	Order     *float64  `json:"order"`
}

// Task converts a store record into the domain model.
func (r Record) Task() Task {
	t := Task{
		ID:        r.ID,
		OwnerID:   r.OwnerID,
		Text:      r.Text,
		Completed: r.Completed,
		Archived:  r.Archived,
		CreatedAt: r.CreatedAt.Ptr(),
	}
	if r.Order != nil {
		o := *r.Order
		t.Order = &o
	}
	return t
}

// RecordOf converts a task to its wire form.
func RecordOf(t Task) Record {
	r := Record{
		ID:        t.ID,
		OwnerID:   t.OwnerID,
		Text:      t.Text,
		Completed: t.Completed,
		Archived:  t.Archived,
		Order:     t.Order,
	}
	if t.CreatedAt != nil {
		r.CreatedAt = Timestamp{Time: *t.CreatedAt, Valid: true}
	}
	return r
}

// TasksFromRecords normalizes a batch of records.
func TasksFromRecords(records []Record) []Task {
	out := make([]Task, 0, len(records))
	for _, r := range records {
		out = append(out, r.Task())
	}
	return out
}

// RecordsOf converts tasks to their wire form.
func RecordsOf(list []Task) []Record {
	out := make([]Record, 0, len(list))
	for _, t := range list {
		out = append(out, RecordOf(t))
	}
	return out
}

// FieldsRecord is a partial update as it crosses a store boundary.
type FieldsRecord struct {
	Text      *string    `json:"text,omitempty"`
	Completed *bool      `json:"completed,omitempty"`
	Archived  *bool      `json:"archived,omitempty"`
	CreatedAt *Timestamp `json:"createdAt,omitempty"`
	Order     *float64   `json:"order,omitempty"`
}

// Fields converts the wire form into a patch. A null createdAt is treated
// as absent.
func (r FieldsRecord) Fields() Fields {
	f := Fields{Text: r.Text, Completed: r.Completed, Archived: r.Archived, Order: r.Order}
	if r.CreatedAt != nil {
		f.CreatedAt = r.CreatedAt.Ptr()
	}
	return f
}

// FieldsRecordOf converts a patch to its wire form.
func FieldsRecordOf(f Fields) FieldsRecord {
	r := FieldsRecord{Text: f.Text, Completed: f.Completed, Archived: f.Archived, Order: f.Order}
	if f.CreatedAt != nil {
		r.CreatedAt = &Timestamp{Time: *f.CreatedAt, Valid: true}
	}
	return r
}

// WriteRecord is one element of a batch on the wire.
type WriteRecord struct {
	ID     string       `json:"id"`
	Fields FieldsRecord `json:"fields"`
}

// WritesFromRecords converts a wire batch.
func WritesFromRecords(records []WriteRecord) []Write {
	out := make([]Write, 0, len(records))
	for _, r := range records {
		out = append(out, Write{ID: r.ID, Fields: r.Fields.Fields()})
	}
	return out
}

// WriteRecordsOf converts a batch to its wire form.
func WriteRecordsOf(writes []Write) []WriteRecord {
	out := make([]WriteRecord, 0, len(writes))
	for _, w := range writes {
		out = append(out, WriteRecord{ID: w.ID, Fields: FieldsRecordOf(w.Fields)})
	}
	return out
}
