// Package stats keeps the lab's API call counters and serves the statistics
// feeds shown on the dashboard.
package stats

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const (
	apiCallsFile   = "api_calls.json"
	actionsFile    = "action_statistics.json"
	statisticsFile = "statistics.json"

	// BadCallsKey counts calls made by compromised identities.
	BadCallsKey = "bad_api_calls_count"
)

// Feed ids served from the counter files.
const (
	StatTotalActions     = "STAT-0005"
	StatAdversaryPercent = "STAT-0006"
)

var (
	// ErrInvalidStatID is returned for ids not shaped like STAT-NNNN.
	ErrInvalidStatID = errors.New("stats: invalid stat id")

	// ErrInvalidGraphID is returned for ids not shaped like GRAPH-NNNN.
	ErrInvalidGraphID = errors.New("stats: invalid graph id")

	// ErrStatNotFound is returned when no feed matches the id.
	ErrStatNotFound = errors.New("stats: stat id not found")
)

// FeedUpdate is one statistics feed value.
type FeedUpdate struct {
	ID          string         `json:"id"`
	Title       string         `json:"title"`
	Value       float64        `json:"value"`
	Description string         `json:"description"`
	Units       string         `json:"units,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
}

// ValidStatID reports whether id has the STAT-NNNN shape.
func ValidStatID(id string) bool {
	return len(id) == 9 && strings.HasPrefix(id, "STAT-")
}

// ValidGraphID reports whether id has the GRAPH-NNNN shape.
func ValidGraphID(id string) bool {
	return len(id) == 10 && strings.HasPrefix(id, "GRAPH-")
}

// counterFile is a JSON object of counts guarded by its own lock.
type counterFile struct {
	mu   sync.Mutex
	path string
}

func (c *counterFile) read() (map[string]int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return loadCounts(c.path)
}

func (c *counterFile) update(fn func(counts map[string]int)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	counts, err := loadCounts(c.path)
	if err != nil {
		return err
	}
	fn(counts)
	return writeJSON(c.path, counts)
}

func (c *counterFile) reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return writeJSON(c.path, map[string]int{})
}

// loadCounts treats a missing or empty file as no counts.
func loadCounts(path string) (map[string]int, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]int{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stats: failed to read %s: %w", filepath.Base(path), err)
	}
	counts := map[string]int{}
	if len(strings.TrimSpace(string(data))) == 0 {
		return counts, nil
	}
	if err := json.Unmarshal(data, &counts); err != nil {
		return nil, fmt.Errorf("stats: failed to parse %s: %w", filepath.Base(path), err)
	}
	return counts, nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("stats: failed to write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("stats: failed to replace %s: %w", filepath.Base(path), err)
	}
	return nil
}

// Store owns the counter files under one directory.
type Store struct {
	dir      string
	apiCalls *counterFile
	actions  *counterFile
	metrics  *Metrics
	logger   *slog.Logger
}

// NewStore creates the directory if needed. A nil metrics disables
// Prometheus counting.
func NewStore(dir string, metrics *Metrics, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("stats: failed to create %s: %w", dir, err)
	}
	return &Store{
		dir:      dir,
		apiCalls: &counterFile{path: filepath.Join(dir, apiCallsFile)},
		actions:  &counterFile{path: filepath.Join(dir, actionsFile)},
		metrics:  metrics,
		logger:   logger.With("component", "stats"),
	}, nil
}

// Dir returns the directory holding the counter files.
func (s *Store) Dir() string { return s.dir }

// RecordAction counts one named API call. Failures are logged; counting never
// interrupts an agent.
func (s *Store) RecordAction(apiName string, compromised bool) {
	if apiName == "" {
		return
	}
	if s.metrics != nil {
		s.metrics.observeAction(apiName, compromised)
	}
	if err := s.apiCalls.update(func(c map[string]int) { c[apiName]++ }); err != nil {
		s.logger.Warn("failed to update api call counts", "action", apiName, "error", err)
	}
	err := s.actions.update(func(c map[string]int) {
		c[apiName]++
		if compromised {
			c[BadCallsKey]++
		}
	})
	if err != nil {
		s.logger.Warn("failed to update action statistics", "action", apiName, "error", err)
	}
}

// APICalls returns the per-action call counts.
func (s *Store) APICalls() (map[string]int, error) {
	return s.apiCalls.read()
}

// Feed returns the statistics feed for id.
func (s *Store) Feed(id string) (FeedUpdate, error) {
	if !ValidStatID(id) {
		return FeedUpdate{}, fmt.Errorf("%w: %q", ErrInvalidStatID, id)
	}
	switch id {
	case StatTotalActions:
		counts, err := s.apiCalls.read()
		if err != nil {
			return FeedUpdate{}, err
		}
		return FeedUpdate{
			ID:    StatTotalActions,
			Title: "Total actions taken",
			Value: float64(sum(counts)),
		}, nil
	case StatAdversaryPercent:
		counts, err := s.actions.read()
		if err != nil {
			return FeedUpdate{}, err
		}
		bad := counts[BadCallsKey]
		delete(counts, BadCallsKey)
		return FeedUpdate{
			ID:    StatAdversaryPercent,
			Title: "% of actions used by adversaries",
			Value: percent(bad, sum(counts)),
			Units: "%",
		}, nil
	}
	return s.custom(id)
}

// custom looks id up in the operator-maintained statistics.json list.
func (s *Store) custom(id string) (FeedUpdate, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, statisticsFile))
	if errors.Is(err, os.ErrNotExist) || (err == nil && len(strings.TrimSpace(string(data))) == 0) {
		return FeedUpdate{}, fmt.Errorf("%w: %s", ErrStatNotFound, id)
	}
	if err != nil {
		return FeedUpdate{}, fmt.Errorf("stats: failed to read %s: %w", statisticsFile, err)
	}
	var items []FeedUpdate
	if err := json.Unmarshal(data, &items); err != nil {
		return FeedUpdate{}, fmt.Errorf("stats: failed to parse %s: %w", statisticsFile, err)
	}
	for _, item := range items {
		if item.ID == id {
			return item, nil
		}
	}
	return FeedUpdate{}, fmt.Errorf("%w: %s", ErrStatNotFound, id)
}

// Distribution returns the api call distribution for a graph feed.
func (s *Store) Distribution(id string) (map[string]int, error) {
	if !ValidGraphID(id) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidGraphID, id)
	}
	return s.apiCalls.read()
}

// Reset clears both counter files.
func (s *Store) Reset() error {
	return errors.Join(s.apiCalls.reset(), s.actions.reset())
}

func sum(counts map[string]int) int {
	total := 0
	for _, v := range counts {
		total += v
	}
	return total
}

func percent(part, whole int) float64 {
	if whole == 0 {
		return 0
	}
	return float64(part) / float64(whole) * 100
}
