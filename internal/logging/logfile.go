package logging

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
)

const (
	logDirPerm  os.FileMode = 0o750
	logFilePerm os.FileMode = 0o600
)

// ErrEmptyLogDirectory is returned when no log directory is given.
var ErrEmptyLogDirectory = errors.New("log directory cannot be empty")

// GenerateRunID returns a new, time-ordered run identifier.
func GenerateRunID() string {
	return ulid.Make().String()
}

// LogFile is a per-run JSON log file that counts the lines written to it.
type LogFile struct {
	path  string
	mu    sync.Mutex
	f     *os.File
	lines atomic.Int64
}

// LogFileName returns the name of the log file of a run.
func LogFileName(hostname string, started time.Time, runID string) string {
	return fmt.Sprintf("%s_%s_%s.json", hostname, started.UTC().Format("20060102T150405Z"), runID)
}

// OpenLogFile creates dir if needed and a new log file inside it.
// An existing file is never overwritten.
func OpenLogFile(dir, name string) (*LogFile, error) {
	if dir == "" {
		return nil, ErrEmptyLogDirectory
	}
	if err := os.MkdirAll(dir, logDirPerm); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", dir, err)
	}
	path := filepath.Join(dir, name)
	// #nosec G304 - path is built from the operator's log directory
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, logFilePerm)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return &LogFile{path: path, f: f}, nil
}

// Path returns the file path.
func (l *LogFile) Path() string { return l.path }

// Lines returns the number of complete lines written so far.
func (l *LogFile) Lines() int { return int(l.lines.Load()) }

func (l *LogFile) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n, err := l.f.Write(p)
	l.lines.Add(int64(bytes.Count(p[:n], []byte{'\n'})))
	return n, err
}

// Close syncs and closes the file.
func (l *LogFile) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return errors.Join(l.f.Sync(), l.f.Close())
}
