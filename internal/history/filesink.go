package history

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// FileSink appends commands to a plain-text file, one per line, UTF-8.
// The file is owner read/write only. Other tools (shell history
// importers, sync agents) can consume it without knowing anything
// about the sqlite store.
type FileSink struct {
	logger *slog.Logger

	mu sync.Mutex
	f  *os.File

	failed atomic.Uint64
}

// NewFileSink opens path for appending, creating it and its parent
// directory as needed.
func NewFileSink(path string, logger *slog.Logger) (*FileSink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open history file: %w", err)
	}
	// The create mode only applies to new files; a pre-existing file
	// is tightened too.
	if err := f.Chmod(0o600); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to restrict history file permissions: %w", err)
	}
	return &FileSink{
		logger: logger.With("component", "history_file"),
		f:      f,
	}, nil
}

// Record appends one command line. Failures are counted and logged
// without the command text.
func (fs *FileSink) Record(command, cwd string, submittedAt time.Time) {
	line := sanitizeCommand(command)
	if line == "" || sensitiveCommand(line) {
		return
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.f == nil {
		return
	}
	if _, err := fs.f.WriteString(line + "\n"); err != nil {
		n := fs.failed.Add(1)
		fs.logger.Warn("history file write failed", "error", err, "failed_total", n)
	}
}

// Failed returns how many appends have failed.
func (fs *FileSink) Failed() uint64 { return fs.failed.Load() }

// Close closes the underlying file. Records after Close are dropped.
func (fs *FileSink) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.f == nil {
		return nil
	}
	err := fs.f.Close()
	fs.f = nil
	return err
}

// Fanout returns a sink that forwards every record to each of sinks in
// order. Nil entries are skipped.
func Fanout(sinks ...Sink) Sink {
	var live []Sink
	for _, s := range sinks {
		if s != nil {
			live = append(live, s)
		}
	}
	return fanout(live)
}

type fanout []Sink

func (f fanout) Record(command, cwd string, submittedAt time.Time) {
	for _, s := range f {
		s.Record(command, cwd, submittedAt)
	}
}
