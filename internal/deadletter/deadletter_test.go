package deadletter

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileRecorderAppendsJSONLines(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "dead.jsonl")
	rec, err := NewFileRecorder(path)
	require.NoError(t, err)

	failedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for _, id := range []int64{2, 7} {
		require.NoError(t, rec.Record(context.Background(), Entry{
			RunID:       "run-1",
			StationID:   id,
			StationName: "station",
			URL:         "https://example.test/m/2",
			Error:       "transport exhausted",
			FailedAt:    failedAt,
		}))
	}

	f, err := os.Open(rec.Path())
	require.NoError(t, err)
	defer f.Close()

	var got []Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Entry
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		got = append(got, e)
	}
	require.NoError(t, scanner.Err())
	require.Len(t, got, 2)
	assert.Equal(t, int64(2), got[0].StationID)
	assert.Equal(t, int64(7), got[1].StationID)
	assert.True(t, failedAt.Equal(got[1].FailedAt))

	info, err := os.Stat(rec.Path())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestNewFileRecorderRejectsBadPaths(t *testing.T) {
	t.Parallel()

	_, err := NewFileRecorder("  ")
	require.Error(t, err)

	_, err = NewFileRecorder(t.TempDir())
	require.Error(t, err)
}

func TestRecordHonorsCancelledContext(t *testing.T) {
	t.Parallel()

	rec, err := NewFileRecorder(filepath.Join(t.TempDir(), "dead.jsonl"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, rec.Record(ctx, Entry{StationID: 1}), context.Canceled)
	require.NoError(t, Nop{}.Record(ctx, Entry{}))
}
