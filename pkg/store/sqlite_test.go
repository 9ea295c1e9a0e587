package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"etmapd/pkg/db"
	"etmapd/pkg/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	d, err := db.Init(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return NewSQLiteStore(d)
}

func testJob(id string) *model.Job {
	from, _ := time.ParseInLocation(model.DateLayout, "2024-03-29", time.UTC)
	return &model.Job{
		ID:              id,
		DateFrom:        from,
		DateTo:          from,
		Geometry:        "0103000000",
		OriginalRequest: `{"date_from":"2024-03-29"}`,
		Status:          model.StatusQueued,
	}
}

func TestInsertAndGet(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	j := testJob("id-1")
	require.NoError(t, st.Insert(ctx, j))

	loaded, err := st.Get(ctx, "id-1")
	require.NoError(t, err)
	assert.Equal(t, j.ID, loaded.ID)
	assert.Equal(t, "2024-03-29", loaded.DateFrom.Format(model.DateLayout))
	assert.Equal(t, j.Geometry, loaded.Geometry)
	assert.Equal(t, model.StatusQueued, loaded.Status)
	assert.False(t, loaded.CreatedAt.IsZero())
	assert.False(t, loaded.UpdatedAt.Before(loaded.CreatedAt))
}

func TestInsertDuplicateID(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.Insert(ctx, testJob("dup")))
	again := testJob("dup")
	again.Geometry = "eeee"
	err := st.Insert(ctx, again)
	assert.ErrorIs(t, err, ErrDuplicateID)
}

// The (date_from, date_to, geometry) tuple is unique: a second row with
// a fresh identifier but the same dedup key is rejected, not stored.
func TestInsertDuplicateDedupKey(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.Insert(ctx, testJob("first")))
	err := st.Insert(ctx, testJob("second"))
	assert.ErrorIs(t, err, ErrDuplicateKey)

	// A different geometry under the same dates is a different key.
	third := testJob("third")
	third.Geometry = "abcd"
	assert.NoError(t, st.Insert(ctx, third))
}

func TestUpdateStatus(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.Insert(ctx, testJob("u1")))
	before, err := st.Get(ctx, "u1")
	require.NoError(t, err)

	require.NoError(t, st.UpdateStatus(ctx, "u1", model.StatusCheckingCoverage, ""))
	after, err := st.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCheckingCoverage, after.Status)
	assert.False(t, after.UpdatedAt.Before(before.UpdatedAt))

	require.NoError(t, st.UpdateStatus(ctx, "u1", model.StatusFailed, "landsat: auth rejected"))
	failed, err := st.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "landsat: auth rejected", failed.ErrorMessage)
}

func TestUpdateStatusMissing(t *testing.T) {
	st := newTestStore(t)
	err := st.UpdateStatus(context.Background(), "ghost", model.StatusFailed, "x")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetMissing(t *testing.T) {
	st := newTestStore(t)
	_, err := st.Get(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFindByDateRange(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	a := testJob("a")
	b := testJob("b")
	b.Geometry = "ffff"
	c := testJob("c")
	c.DateTo = c.DateTo.AddDate(0, 0, 5)

	require.NoError(t, st.Insert(ctx, a))
	require.NoError(t, st.Insert(ctx, b))
	require.NoError(t, st.Insert(ctx, c))

	rows, err := st.FindByDateRange(ctx, "2024-03-29", "2024-03-29")
	require.NoError(t, err)
	require.Len(t, rows, 2)

	rows, err = st.FindByDateRange(ctx, "2024-03-29", "2024-04-03")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "c", rows[0].ID)
}

func TestListNonTerminal(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	running := testJob("running")
	require.NoError(t, st.Insert(ctx, running))
	require.NoError(t, st.UpdateStatus(ctx, "running", model.StatusNLDASStarted, ""))

	done := testJob("done")
	done.Geometry = "aaaa"
	require.NoError(t, st.Insert(ctx, done))
	require.NoError(t, st.UpdateStatus(ctx, "done", model.StatusCalcComplete, ""))

	rows, err := st.ListNonTerminal(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "running", rows[0].ID)
}
