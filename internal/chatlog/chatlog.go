// Package chatlog writes finished conversations to a JSONL log file.
//
// Writes are fire-and-forget: [Writer.Log] hands the record to a buffered
// channel and returns immediately, so the engine never blocks on disk I/O.
// A single background goroutine serializes all writes. Records are dropped
// with a warning when the buffer is full.
package chatlog

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Turn is one conversation turn in a log record.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Record is one finished conversation.
type Record struct {
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason"`
	Turns     []Turn    `json:"turns"`
}

// Writer appends conversation records to a JSONL sink.
type Writer struct {
	ch      chan Record
	done    chan struct{}
	closeFn func() error

	closeOnce sync.Once
}

const logBufferSize = 64

// New creates a Writer appending to the given file path, creating parent
// directories as needed.
func New(path string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("chatlog: create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("chatlog: open log file: %w", err)
	}
	w := NewWithSink(f)
	w.closeFn = f.Close
	return w, nil
}

// NewWithSink creates a Writer appending to an arbitrary sink. The caller
// retains ownership of the sink unless it is set up via [New].
func NewWithSink(sink io.Writer) *Writer {
	w := &Writer{
		ch:   make(chan Record, logBufferSize),
		done: make(chan struct{}),
	}
	go w.run(sink)
	return w
}

// run drains the record channel, writing one JSON line per record.
func (w *Writer) run(sink io.Writer) {
	defer close(w.done)

	enc := json.NewEncoder(sink)
	for rec := range w.ch {
		if err := enc.Encode(rec); err != nil {
			slog.Warn("chatlog write failed", "err", err)
		}
	}
}

// Log enqueues a record for writing. It never blocks; if the buffer is full
// or the writer is closed, the record is dropped with a warning.
func (w *Writer) Log(rec Record) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	defer func() {
		// Send on closed channel during shutdown races. Dropping the record
		// is acceptable for a fire-and-forget log.
		if r := recover(); r != nil {
			slog.Warn("chatlog record dropped, writer closed")
		}
	}()

	select {
	case w.ch <- rec:
	default:
		slog.Warn("chatlog buffer full, record dropped")
	}
}

// Close flushes buffered records and closes the underlying sink if owned.
// Safe to call multiple times.
func (w *Writer) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.ch)
		<-w.done
		if w.closeFn != nil {
			err = w.closeFn()
		}
	})
	return err
}
