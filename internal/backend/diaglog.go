package backend

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
)

const defaultTailLines = 20

// DiagLog is the append-only diagnostic log of backend output. It also keeps
// the last few lines in memory so failures can quote them.
type DiagLog struct {
	path   string
	file   io.WriteCloser
	logger *log.Logger

	mu    sync.Mutex
	tail  []string
	limit int
}

// OpenDiagLog opens (or creates) the log file in dir
func OpenDiagLog(dir string) (*DiagLog, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	path := filepath.Join(dir, "backend.log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open diagnostic log: %w", err)
	}

	return newDiagLog(path, f), nil
}

// NewDiscardLog returns a DiagLog that only keeps the in-memory tail
func NewDiscardLog() *DiagLog {
	return newDiagLog("", nopCloser{io.Discard})
}

func newDiagLog(path string, w io.WriteCloser) *DiagLog {
	return &DiagLog{
		path:   path,
		file:   w,
		logger: log.New(w, "", log.LstdFlags|log.Lmicroseconds),
		limit:  defaultTailLines,
	}
}

// Path returns the log file location, empty for a discard log
func (d *DiagLog) Path() string {
	return d.path
}

// Printf appends one tagged line
func (d *DiagLog) Printf(tag, format string, args ...interface{}) {
	line := fmt.Sprintf(format, args...)

	d.mu.Lock()
	defer d.mu.Unlock()

	d.logger.Printf("[%s] %s", tag, line)
	if tag == "stdout" || tag == "stderr" {
		d.tail = append(d.tail, line)
		if len(d.tail) > d.limit {
			d.tail = d.tail[len(d.tail)-d.limit:]
		}
	}
}

// Tail returns a copy of the most recent output lines
func (d *DiagLog) Tail() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.tail))
	copy(out, d.tail)
	return out
}

func (d *DiagLog) resetTail() {
	d.mu.Lock()
	d.tail = nil
	d.mu.Unlock()
}

// Close closes the underlying file
func (d *DiagLog) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.file.Close()
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }
