package tasks

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var seoul = time.FixedZone("KST", 9*60*60)

func at(day, hour, minute int) time.Time {
	return time.Date(2024, 3, day, hour, minute, 0, 0, seoul)
}

func TestPolicyBoundary(t *testing.T) {
	p := Policy{Hour: 4, Location: seoul}

	t.Run("before four uses previous day", func(t *testing.T) {
		assert.True(t, at(9, 4, 0).Equal(p.Boundary(at(10, 3, 59))))
	})

	t.Run("after four uses today", func(t *testing.T) {
		assert.True(t, at(10, 4, 0).Equal(p.Boundary(at(10, 4, 1))))
	})

	t.Run("exactly at boundary", func(t *testing.T) {
		assert.True(t, at(10, 4, 0).Equal(p.Boundary(at(10, 4, 0))))
	})

	t.Run("first of month", func(t *testing.T) {
		now := time.Date(2024, 3, 1, 1, 0, 0, 0, seoul)
		want := time.Date(2024, 2, 29, 4, 0, 0, 0, seoul)
		assert.True(t, want.Equal(p.Boundary(now)))
	})

	t.Run("now in another zone", func(t *testing.T) {
		// 19:30 UTC on the 9th is 04:30 on the 10th in Seoul.
		now := time.Date(2024, 3, 9, 19, 30, 0, 0, time.UTC)
		assert.True(t, at(10, 4, 0).Equal(p.Boundary(now)))
	})
}

func TestPolicyBoundaryCustomClock(t *testing.T) {
	p := Policy{Hour: 23, Minute: 30, Location: seoul}
	assert.True(t, at(9, 23, 30).Equal(p.Boundary(at(10, 23, 0))))
	assert.True(t, at(10, 23, 30).Equal(p.Boundary(at(10, 23, 45))))
}

func TestPolicyManualBoundary(t *testing.T) {
	p := Policy{Hour: 4, Location: seoul}
	assert.True(t, at(11, 0, 0).Equal(p.ManualBoundary(at(10, 21, 15))))
	assert.True(t, at(11, 0, 0).Equal(p.ManualBoundary(at(10, 2, 0))))
}

func TestParseBoundary(t *testing.T) {
	h, m, err := ParseBoundary("04:00")
	require.NoError(t, err)
	assert.Equal(t, 4, h)
	assert.Equal(t, 0, m)

	h, m, err = ParseBoundary(" 23:45 ")
	require.NoError(t, err)
	assert.Equal(t, 23, h)
	assert.Equal(t, 45, m)

	for _, bad := range []string{"", "4", "24:00", "04:60", "aa:00", "-1:00"} {
		_, _, err := ParseBoundary(bad)
		assert.Error(t, err, "input %q", bad)
	}
}

func TestClassify(t *testing.T) {
	boundary := at(10, 4, 0)
	yesterday := at(9, 15, 0)
	today := at(10, 9, 0)

	list := []Task{
		{ID: "old-done", Completed: true, CreatedAt: &yesterday},
		{ID: "old-open", CreatedAt: &yesterday},
		{ID: "new-done", Completed: true, CreatedAt: &today},
		{ID: "new-open", CreatedAt: &today},
		{ID: "archived", Archived: true, CreatedAt: &yesterday},
		{ID: "legacy-open"},
		{ID: "legacy-done", Completed: true},
		{ID: "at-boundary", CreatedAt: &boundary},
	}

	c := Classify(list, boundary)
	require.Len(t, c.ToArchive, 1)
	assert.Equal(t, "old-done", c.ToArchive[0].ID)
	require.Len(t, c.Candidates, 1)
	assert.Equal(t, "old-open", c.Candidates[0].ID)
}

func TestResolve(t *testing.T) {
	yesterday := at(9, 15, 0)
	now := at(10, 8, 0)
	candidates := []Task{
		{ID: "a", CreatedAt: &yesterday, Order: Float(1)},
		{ID: "b", CreatedAt: &yesterday, Order: Float(2)},
		{ID: "c", CreatedAt: &yesterday, Order: Float(3)},
	}

	writes := Resolve(candidates, []string{"b", "not-a-candidate"}, now)
	require.Len(t, writes, 3)

	byID := map[string]Fields{}
	for _, w := range writes {
		byID[w.ID] = w.Fields
	}
	assert.NotContains(t, byID, "not-a-candidate")

	renewed := byID["b"]
	require.NotNil(t, renewed.CreatedAt)
	assert.True(t, now.Equal(*renewed.CreatedAt))
	assert.Nil(t, renewed.Archived)
	assert.Nil(t, renewed.Order)
	assert.Nil(t, renewed.Completed)

	for _, id := range []string{"a", "c"} {
		f := byID[id]
		require.NotNil(t, f.Archived, id)
		assert.True(t, *f.Archived)
		assert.Nil(t, f.CreatedAt)
	}
}

func TestPromptDefaultSelection(t *testing.T) {
	p := Prompt{Candidates: []Task{{ID: "a"}, {ID: "b"}}}
	assert.Equal(t, []string{"a", "b"}, p.DefaultSelection())
}
