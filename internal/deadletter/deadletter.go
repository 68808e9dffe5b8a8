// Package deadletter records stations whose measurement walk failed so operators can replay them.
package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Entry is one failed station walk or page write. URL names what failed.
type Entry struct {
	RunID       string    `json:"run_id"`
	StationID   int64     `json:"station_id"`
	StationName string    `json:"station_name"`
	URL         string    `json:"url"`
	Error       string    `json:"error"`
	FailedAt    time.Time `json:"failed_at"`
}

// Recorder persists dead-letter entries.
type Recorder interface {
	Record(ctx context.Context, entry Entry) error
}

// Nop discards every entry.
type Nop struct{}

// Record implements Recorder.
func (Nop) Record(context.Context, Entry) error { return nil }

// FileRecorder appends entries as JSON lines to a local file.
type FileRecorder struct {
	path string
	mu   sync.Mutex
}

// NewFileRecorder prepares path for appending, creating parent directories when needed.
func NewFileRecorder(path string) (*FileRecorder, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("dead-letter path is required")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create dead-letter directory: %w", err)
	}
	info, err := os.Stat(path)
	if err == nil && info.IsDir() {
		return nil, fmt.Errorf("dead-letter path %s is a directory", path)
	}
	return &FileRecorder{path: filepath.Clean(path)}, nil
}

// Path returns the file entries are appended to.
func (r *FileRecorder) Path() string { return r.path }

// Record appends entry as a single JSON line.
func (r *FileRecorder) Record(ctx context.Context, entry Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal dead-letter entry: %w", err)
	}
	line = append(line, '\n')

	r.mu.Lock()
	defer r.mu.Unlock()

	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open dead-letter file: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return fmt.Errorf("write dead-letter entry: %w", err)
	}
	return f.Close()
}
