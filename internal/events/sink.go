// Package events carries a job's append-only ThoughtLog stream: an ndjson
// file per job, an optional Kafka topic, and an in-process broadcast hub.
package events

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"detection-lab/internal/behavior"
)

// ErrSinkClosed is returned when emitting to a closed sink.
var ErrSinkClosed = errors.New("events: sink is closed")

// Sink consumes ThoughtLog entries.
type Sink interface {
	Emit(ctx context.Context, log behavior.ThoughtLog) error
	Close() error
}

// Multi emits to every sink and joins their errors.
type Multi []Sink

// Emit implements Sink.
func (m Multi) Emit(ctx context.Context, log behavior.ThoughtLog) error {
	var errs []error
	for _, s := range m {
		if err := s.Emit(ctx, log); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink.
func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Path returns the ndjson file of a job under dir.
func Path(dir, jobID string) string {
	return filepath.Join(dir, jobID+".ndjson")
}

// FileSink appends each entry as one JSON line to {dir}/{job}.ndjson.
type FileSink struct {
	dir string

	mu     sync.Mutex
	files  map[string]*os.File
	closed bool
}

// NewFileSink creates the directory if needed.
func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("events: failed to create %s: %w", dir, err)
	}
	return &FileSink{dir: dir, files: make(map[string]*os.File)}, nil
}

// Dir returns the directory holding the job files.
func (s *FileSink) Dir() string { return s.dir }

// Emit implements Sink.
func (s *FileSink) Emit(_ context.Context, log behavior.ThoughtLog) error {
	line, err := json.Marshal(log)
	if err != nil {
		return fmt.Errorf("events: failed to encode entry: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}
	f, ok := s.files[log.UUID]
	if !ok {
		f, err = os.OpenFile(Path(s.dir, log.UUID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("events: failed to open job file: %w", err)
		}
		s.files[log.UUID] = f
	}
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("events: failed to append entry: %w", err)
	}
	return nil
}

// CloseJob closes the file of a finished job.
func (s *FileSink) CloseJob(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[jobID]
	if !ok {
		return nil
	}
	delete(s.files, jobID)
	return f.Close()
}

// Close closes every open job file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	var errs []error
	for id, f := range s.files {
		if err := f.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(s.files, id)
	}
	return errors.Join(errs...)
}

// ReadFile decodes every entry of a job file. Malformed lines are skipped.
func ReadFile(path string) ([]behavior.ThoughtLog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []behavior.ThoughtLog
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var l behavior.ThoughtLog
		if json.Unmarshal(sc.Bytes(), &l) == nil {
			out = append(out, l)
		}
	}
	return out, sc.Err()
}
