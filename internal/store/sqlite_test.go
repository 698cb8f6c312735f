package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hftlab/rotor/internal/exec"
	"github.com/hftlab/rotor/internal/store"
)

func TestRecordAndQueryFills(t *testing.T) {
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	defer db.Close()

	base := time.Date(2026, 1, 2, 9, 30, 0, 0, time.UTC)
	fills := []exec.Fill{
		{OrderID: "ord-1", Side: exec.Buy, Price: 70_000.25, Size: 0.5, T: base},
		{OrderID: "ord-2", Side: exec.Sell, Price: 70_001.00, Size: 0.5, T: base.Add(time.Second)},
	}
	for _, f := range fills {
		require.NoError(t, db.RecordFill(f, "trace-1"))
	}

	rows, err := db.FillsSince(context.Background(), base.Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, "ord-1", rows[0].OrderID)
	assert.Equal(t, "buy", rows[0].Side)
	assert.Equal(t, 70_000.25, rows[0].Price)
	assert.Equal(t, "trace-1", rows[0].TraceID)

	// oldest first
	assert.True(t, !rows[1].FilledAt.Before(rows[0].FilledAt))
}

func TestFillsSinceFiltersByTime(t *testing.T) {
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	defer db.Close()

	base := time.Date(2026, 1, 2, 9, 30, 0, 0, time.UTC)
	require.NoError(t, db.RecordFill(exec.Fill{OrderID: "old", Side: exec.Buy, Price: 1, Size: 1, T: base}, "t"))
	require.NoError(t, db.RecordFill(exec.Fill{OrderID: "new", Side: exec.Buy, Price: 1, Size: 1, T: base.Add(time.Hour)}, "t"))

	rows, err := db.FillsSince(context.Background(), base.Add(30*time.Minute))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "new", rows[0].OrderID)
}

func TestOpenAppliesSchemaIdempotently(t *testing.T) {
	path := t.TempDir() + "/fills.db"

	db, err := store.Open(path)
	require.NoError(t, err)
	require.NoError(t, db.RecordFill(exec.Fill{OrderID: "a", Side: exec.Buy, Price: 1, Size: 1, T: time.Now().UTC()}, "t"))
	require.NoError(t, db.Close())

	// reopening must keep existing rows
	db, err = store.Open(path)
	require.NoError(t, err)
	defer db.Close()

	rows, err := db.FillsSince(context.Background(), time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}
