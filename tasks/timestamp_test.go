package tasks

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimestampUnmarshal(t *testing.T) {
	want := time.Date(2024, 3, 10, 4, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		input string
		valid bool
	}{
		{"rfc3339", `"2024-03-10T04:00:00Z"`, true},
		{"rfc3339 with offset", `"2024-03-10T13:00:00+09:00"`, true},
		{"epoch millis", `1710043200000`, true},
		{"millis string", `"1710043200000"`, true},
		{"seconds object", `{"seconds":1710043200,"nanoseconds":0}`, true},
		{"underscore object", `{"_seconds":1710043200,"_nanoseconds":0}`, true},
		{"null", `null`, false},
		{"empty string", `""`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ts Timestamp
			require.NoError(t, json.Unmarshal([]byte(tt.input), &ts))
			assert.Equal(t, tt.valid, ts.Valid)
			if tt.valid {
				assert.True(t, want.Equal(ts.Time), "got %v", ts.Time)
			} else {
				assert.Nil(t, ts.Ptr())
			}
		})
	}
}

func TestTimestampUnmarshalInvalid(t *testing.T) {
	for _, input := range []string{`"yesterday"`, `{"foo":1}`, `true`} {
		var ts Timestamp
		assert.Error(t, json.Unmarshal([]byte(input), &ts), input)
	}
}

func TestRecordRoundTrip(t *testing.T) {
	var r Record
	err := json.Unmarshal([]byte(`{
		"id": "t1",
		"ownerId": "me@example.com",
		"text": "water plants",
		"completed": true,
		"createdAt": {"seconds": 1710043200, "nanoseconds": 0}
	}`), &r)
	require.NoError(t, err)

	task := r.Task()
	assert.Equal(t, "t1", task.ID)
	assert.Equal(t, "me@example.com", task.OwnerID)
	assert.True(t, task.Completed)
	assert.False(t, task.Archived)
	assert.Nil(t, task.Order)
	require.NotNil(t, task.CreatedAt)
	assert.Equal(t, int64(1710043200), task.CreatedAt.Unix())

	data, err := json.Marshal(RecordOf(task))
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"id": "t1",
		"ownerId": "me@example.com",
		"text": "water plants",
		"completed": true,
		"archived": false,
		"createdAt": "2024-03-10T04:00:00Z",
		"order": null
	}`, string(data))
}

func TestValidateText(t *testing.T) {
	got, err := ValidateText("  buy milk \n")
	require.NoError(t, err)
	assert.Equal(t, "buy milk", got)

	for _, blank := range []string{"", "   ", "\t\n"} {
		_, err := ValidateText(blank)
		assert.ErrorIs(t, err, ErrEmptyText)
	}
}

func TestTaskApply(t *testing.T) {
	created := testNow
	base := Task{ID: "a", OwnerID: "me", Text: "x", CreatedAt: &created, Order: Float(1)}

	later := testNow.Add(time.Hour)
	got := base.Apply(Fields{Completed: Bool(true), CreatedAt: &later, Order: Float(2)})
	assert.True(t, got.Completed)
	assert.True(t, later.Equal(*got.CreatedAt))
	assert.Equal(t, 2.0, *got.Order)
	assert.Equal(t, "me", got.OwnerID)

	// The original is untouched.
	assert.False(t, base.Completed)
	assert.Equal(t, 1.0, *base.Order)
	assert.True(t, created.Equal(*base.CreatedAt))

	assert.True(t, Fields{}.Empty())
	assert.False(t, Fields{Archived: Bool(false)}.Empty())
}

func TestFieldsRecord(t *testing.T) {
	var r FieldsRecord
	require.NoError(t, json.Unmarshal([]byte(`{"completed":true,"createdAt":1710043200000,"order":2.5}`), &r))
	f := r.Fields()
	assert.Nil(t, f.Text)
	assert.Nil(t, f.Archived)
	assert.True(t, *f.Completed)
	assert.Equal(t, 2.5, *f.Order)
	assert.Equal(t, int64(1710043200), f.CreatedAt.Unix())

	var cleared FieldsRecord
	require.NoError(t, json.Unmarshal([]byte(`{"createdAt":null}`), &cleared))
	assert.True(t, cleared.Fields().Empty())

	data, err := json.Marshal(WriteRecordsOf([]Write{{ID: "a", Fields: Fields{Archived: Bool(true)}}}))
	require.NoError(t, err)
	assert.JSONEq(t, `[{"id":"a","fields":{"archived":true}}]`, string(data))

	var back []WriteRecord
	require.NoError(t, json.Unmarshal(data, &back))
	writes := WritesFromRecords(back)
	require.Len(t, writes, 1)
	assert.True(t, *writes[0].Fields.Archived)
}
