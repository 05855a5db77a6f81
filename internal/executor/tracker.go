package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"detection-lab/internal/behavior"
	"detection-lab/internal/credentials"
)

// TrackedKey is one line of the key tracking file.
type TrackedKey struct {
	AccessKeyID string `json:"aws_access_key_id"`
	IsMalicious bool   `json:"is_malicious"`
}

// Tracker records every access key used through the wrapped executor.
type Tracker struct {
	next Executor

	mu   sync.Mutex
	keys map[string]bool
}

// NewTracker wraps an executor.
func NewTracker(next Executor) *Tracker {
	return &Tracker{next: next, keys: make(map[string]bool)}
}

// Execute records the key and delegates.
func (t *Tracker) Execute(ctx context.Context, cred credentials.Credential, call Call) ([]behavior.ActivityRecord, error) {
	if cred.AccessKeyID != "" {
		t.mu.Lock()
		t.keys[cred.AccessKeyID] = t.keys[cred.AccessKeyID] || cred.Compromised
		t.mu.Unlock()
	}
	return t.next.Execute(ctx, cred, call)
}

// Keys returns the tracked keys sorted by access key id.
func (t *Tracker) Keys() []TrackedKey {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]TrackedKey, 0, len(t.keys))
	for id, malicious := range t.keys {
		out = append(out, TrackedKey{AccessKeyID: id, IsMalicious: malicious})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccessKeyID < out[j].AccessKeyID })
	return out
}

// WriteFile writes the tracked keys as ndjson, replacing path.
func (t *Tracker) WriteFile(path string) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, k := range t.Keys() {
		if err := enc.Encode(k); err != nil {
			return err
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("executor: failed to create %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("executor: failed to write key tracking file: %w", err)
	}
	return nil
}
