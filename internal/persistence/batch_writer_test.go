package persistence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/marcosuma/trading-bot-sub000/pkg/db"
)

func newTestDB(t *testing.T) *db.Database {
	t.Helper()
	database, err := db.New(filepath.Join(t.TempDir(), "bars.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	require.NoError(t, db.ApplyMigrations(database))
	return database
}

func bar(at time.Time, price, volume float64) db.Bar {
	return db.Bar{
		OperationID: "op-1",
		BarSize:     "1 min",
		Timestamp:   at,
		Open:        price,
		High:        price + 1,
		Low:         price - 1,
		Close:       price,
		Volume:      volume,
	}
}

func count(t *testing.T, database *db.Database) int {
	t.Helper()
	n, err := database.Queries().CountBars(context.Background(), "op-1", "1 min")
	require.NoError(t, err)
	return n
}

func TestBarWriterFlushesWhenFull(t *testing.T) {
	database := newTestDB(t)
	w := NewBarWriter(database, 3, time.Hour, zap.NewNop())
	defer w.Close()

	ctx := context.Background()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 2; i++ {
		require.NoError(t, w.UpsertBar(ctx, bar(start.Add(time.Duration(i)*time.Minute), 100, 1)))
	}
	assert.Equal(t, 2, w.Pending())
	assert.Equal(t, 0, count(t, database))

	require.NoError(t, w.UpsertBar(ctx, bar(start.Add(2*time.Minute), 100, 1)))
	assert.Equal(t, 0, w.Pending())
	assert.Equal(t, 3, count(t, database))

	m := w.Metrics()
	assert.Equal(t, uint64(3), m.TotalWrites)
	assert.Equal(t, uint64(1), m.TotalBatches)
	assert.Equal(t, 3, m.LastBatchSize)
}

func TestBarWriterFlushesOnInterval(t *testing.T) {
	database := newTestDB(t)
	w := NewBarWriter(database, 100, 20*time.Millisecond, zap.NewNop())
	defer w.Close()

	require.NoError(t, w.UpsertBar(context.Background(), bar(time.Now().UTC().Truncate(time.Minute), 100, 1)))
	require.Eventually(t, func() bool { return count(t, database) == 1 }, time.Second, 10*time.Millisecond)
}

func TestBarWriterCloseFlushesRemaining(t *testing.T) {
	database := newTestDB(t)
	w := NewBarWriter(database, 100, time.Hour, zap.NewNop())

	require.NoError(t, w.UpsertBar(context.Background(), bar(time.Now().UTC().Truncate(time.Minute), 100, 1)))
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	assert.Equal(t, 1, count(t, database))
}

func TestBarWriterDuplicatesMergeInOneBatch(t *testing.T) {
	database := newTestDB(t)
	w := NewBarWriter(database, 100, time.Hour, zap.NewNop())
	defer w.Close()

	ctx := context.Background()
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, w.UpsertBar(ctx, bar(at, 100, 1)))
	require.NoError(t, w.UpsertBar(ctx, bar(at, 105, 2)))
	require.NoError(t, w.Flush(ctx))

	rows, err := database.Queries().ListBars(ctx, "op-1", "1 min", 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 100.0, rows[0].Open)
	assert.Equal(t, 106.0, rows[0].High)
	assert.Equal(t, 105.0, rows[0].Close)
	assert.Equal(t, 2.0, rows[0].Volume)
}
