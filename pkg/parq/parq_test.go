package parq

import (
	"io"
	"log/slog"
	"os"
	"path"
	"testing"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRecords(n int) []*Record {
	records := make([]*Record, n)
	for i := range records {
		records[i] = &Record{
			CreatedAt: time.Now().UTC().UnixNano(),
			LocalSeq:  int64(i + 1),
			ChannelID: "ch1",
			MessageID: "m1",
			AuthorID:  "u1",
			Action:    "create",
			Content:   "hello",
		}
	}
	return records
}

func TestWriteFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	p, err := NewParq(testLogger(), dir, "messages", 100, time.Minute)
	require.NoError(t, err)

	require.NoError(t, p.WriteFile(testRecords(10)))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	rows, err := parquet.ReadFile[Record](path.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	require.Len(t, rows, 10)
	assert.Equal(t, "ch1", rows[0].ChannelID)
	assert.Equal(t, "create", rows[0].Action)
	assert.EqualValues(t, 1, rows[0].LocalSeq)
}

func TestWriterFlushesOnBatchSize(t *testing.T) {
	dir := t.TempDir()
	p, err := NewParq(testLogger(), dir, "messages", 5, time.Hour)
	require.NoError(t, err)

	p.StartWriter()
	p.EnqueueRecords(testRecords(5))

	require.Eventually(t, func() bool {
		entries, err := os.ReadDir(dir)
		return err == nil && len(entries) == 1
	}, 5*time.Second, 10*time.Millisecond)

	p.Shutdown()
}

func TestShutdownFlushesPartialBatch(t *testing.T) {
	dir := t.TempDir()
	p, err := NewParq(testLogger(), dir, "messages", 100, time.Hour)
	require.NoError(t, err)

	p.StartWriter()
	p.EnqueueRecords(testRecords(3))
	// Give the writer loop a chance to drain the queue before shutdown.
	time.Sleep(100 * time.Millisecond)
	p.Shutdown()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	rows, err := parquet.ReadFile[Record](path.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	assert.Len(t, rows, 3)
}
