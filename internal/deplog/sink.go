// Package deplog captures the log records belonging to the deployment in
// progress so they can be attached to a failure report.
package deplog

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
)

// Record is the on-disk and on-wire form of one deployment log line.
type Record struct {
	Level     string `json:"level"`
	Timestamp string `json:"timestamp"`
	Message   string `json:"message"`
}

// Sink is a slog.Handler that appends one JSON object per line to the
// deployment log file while enabled. Appends are safe under concurrent
// calls; Marshal may run while writes continue.
type Sink struct {
	mu      sync.Mutex
	path    string
	enabled bool
	file    *os.File
}

// NewSink returns a disabled sink backed by the given file. Nothing is
// written until Enable is called.
func NewSink(path string) *Sink {
	return &Sink{path: path}
}

// Enable truncates the backing file and starts accumulating records. It is
// called on the update-detected edge so failure reports carry only the
// current deployment's records.
func (s *Sink) Enable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil {
		s.file.Close()
	}
	f, err := os.OpenFile(s.path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	s.file = f
	s.enabled = true
	return nil
}

// Disable stops accumulating. The backing file is left in place for Marshal.
func (s *Sink) Disable() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = false
	if s.file != nil {
		s.file.Close()
		s.file = nil
	}
}

// Marshal reads the backing file, one JSON object per line. Lines that fail
// to decode are skipped with a log message; a missing file yields nil.
func (s *Sink) Marshal() []Record {
	f, err := os.Open(s.path)
	if err != nil {
		slog.Error("The deployment log file was not found", "path", s.path)
		return nil
	}
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var r Record
		if err := json.Unmarshal(scanner.Bytes(), &r); err != nil {
			slog.Error("Failed to decode a deployment log line", "error", err)
			continue
		}
		records = append(records, r)
	}
	return records
}

// Enabled implements slog.Handler.
func (s *Sink) Enabled(_ context.Context, _ slog.Level) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// Handle implements slog.Handler. When disabled it is a no-op.
func (s *Sink) Handle(_ context.Context, r slog.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled || s.file == nil {
		return nil
	}
	line, err := json.Marshal(Record{
		Level:     r.Level.String(),
		Timestamp: r.Time.UTC().Format("2006-01-02T15:04:05Z"),
		Message:   r.Message,
	})
	if err != nil {
		return err
	}
	_, err = s.file.Write(append(line, '\n'))
	return err
}

// WithAttrs implements slog.Handler. The deployment log format carries the
// message only, so attributes are dropped.
func (s *Sink) WithAttrs(_ []slog.Attr) slog.Handler { return s }

// WithGroup implements slog.Handler.
func (s *Sink) WithGroup(_ string) slog.Handler { return s }

var _ slog.Handler = (*Sink)(nil)
