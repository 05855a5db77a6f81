package events

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"detection-lab/internal/behavior"
)

// tailPoll is the fallback read interval when no write event arrives.
const tailPoll = time.Second

// Tail replays a job file and follows appends. fn returning false stops the
// tail. The file may not exist yet; Tail waits for it to be created.
func Tail(ctx context.Context, path string, fn func(behavior.ThoughtLog) bool) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("events: failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("events: failed to watch %s: %w", filepath.Dir(path), err)
	}

	t := &tailer{path: path, fn: fn}
	defer t.close()

	ticker := time.NewTicker(tailPoll)
	defer ticker.Stop()

	for {
		more, err := t.drain()
		if err != nil {
			return err
		}
		if !more {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(path) {
				continue
			}
			if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				t.close()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("events: watcher error: %w", err)
		case <-ticker.C:
		}
	}
}

type tailer struct {
	path    string
	fn      func(behavior.ThoughtLog) bool
	f       *os.File
	r       *bufio.Reader
	partial []byte
}

func (t *tailer) close() {
	if t.f != nil {
		t.f.Close()
		t.f, t.r, t.partial = nil, nil, nil
	}
}

// drain reads every complete line available. It reports false once fn asks
// to stop.
func (t *tailer) drain() (bool, error) {
	if t.f == nil {
		f, err := os.Open(t.path)
		if errors.Is(err, os.ErrNotExist) {
			return true, nil
		}
		if err != nil {
			return false, fmt.Errorf("events: failed to open %s: %w", t.path, err)
		}
		t.f, t.r = f, bufio.NewReader(f)
	}

	for {
		chunk, err := t.r.ReadBytes('\n')
		t.partial = append(t.partial, chunk...)
		if errors.Is(err, io.EOF) {
			return true, nil
		}
		if err != nil {
			return false, fmt.Errorf("events: failed to read %s: %w", t.path, err)
		}

		line := bytes.TrimSpace(t.partial)
		t.partial = t.partial[:0]
		if len(line) == 0 {
			continue
		}
		var entry behavior.ThoughtLog
		if json.Unmarshal(line, &entry) != nil {
			continue
		}
		if !t.fn(entry) {
			return false, nil
		}
	}
}
