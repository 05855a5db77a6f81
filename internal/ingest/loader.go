// Package ingest loads CloudTrail activity from S3 or a local triage
// directory into the log store.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"detection-lab/internal/behavior"
	"detection-lab/internal/logstore"
	"detection-lab/internal/stats"
	"detection-lab/internal/storage/s3"
)

// ErrBucketMismatch is returned when a request names a bucket other than
// the one the object store is bound to.
var ErrBucketMismatch = errors.New("ingest: bucket does not match object store")

// IngestionError is fatal for the run that produced it.
type IngestionError struct {
	Op  string
	Key string
	Err error
}

func (e *IngestionError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("ingest: %s %s: %v", e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("ingest: %s: %v", e.Op, e.Err)
}

func (e *IngestionError) Unwrap() error { return e.Err }

// ObjectStore lists and fetches CloudTrail objects from one bucket.
type ObjectStore interface {
	List(ctx context.Context, prefix string) ([]s3.ObjectInfo, error)
	Download(ctx context.Context, key string) ([]byte, error)
	Upload(ctx context.Context, input s3.UploadInput) error
	Bucket() string
}

// Config holds loader configuration.
type Config struct {
	ListConcurrency     int `yaml:"list_concurrency"`
	DownloadConcurrency int `yaml:"download_concurrency"`
	// TriageDir receives one ndjson file per downloaded object when set.
	TriageDir string `yaml:"triage_dir"`
}

// DefaultConfig returns the default loader configuration.
func DefaultConfig() Config {
	return Config{ListConcurrency: 8, DownloadConcurrency: 16}
}

// LoadRequest describes one evaluation window.
type LoadRequest struct {
	AccountID    string
	Bucket       string
	Regions      []string
	Start        time.Time
	End          time.Time
	MaliciousIDs []string
	NormalIDs    []string
}

func (r LoadRequest) ids() []string {
	ids := make([]string, 0, len(r.MaliciousIDs)+len(r.NormalIDs))
	ids = append(ids, r.MaliciousIDs...)
	return append(ids, r.NormalIDs...)
}

// Loader builds a columnar store from CloudTrail logs.
type Loader struct {
	objects ObjectStore
	store   logstore.Store
	cfg     Config
	metrics *stats.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Loader.
type Option func(*Loader)

// WithMetrics records ingestion counters.
func WithMetrics(m *stats.Metrics) Option { return func(l *Loader) { l.metrics = m } }

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option { return func(l *Loader) { l.logger = logger } }

// WithClock overrides the clock used to name runs.
func WithClock(now func() time.Time) Option { return func(l *Loader) { l.now = now } }

// NewLoader creates a loader. objects may be nil when only LoadTriaged is
// used.
func NewLoader(objects ObjectStore, store logstore.Store, cfg Config, opts ...Option) *Loader {
	l := &Loader{
		objects: objects,
		store:   store,
		cfg:     cfg,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.cfg.ListConcurrency <= 0 {
		l.cfg.ListConcurrency = 1
	}
	if l.cfg.DownloadConcurrency <= 0 {
		l.cfg.DownloadConcurrency = 1
	}
	l.logger = l.logger.With("component", "ingest")
	return l
}

// Load lists every object under the request's prefixes, downloads and
// normalizes them, filters by window and identity and persists the result.
// An empty listing yields an empty store.
func (l *Loader) Load(ctx context.Context, req LoadRequest) (logstore.Handle, error) {
	if l.objects == nil {
		return logstore.Handle{}, &IngestionError{Op: "list", Err: errors.New("no object store configured")}
	}
	if req.Bucket != "" && req.Bucket != l.objects.Bucket() {
		return logstore.Handle{}, &IngestionError{Op: "list", Key: req.Bucket, Err: ErrBucketMismatch}
	}

	prefixes := Prefixes(req.AccountID, req.Regions, req.Start, req.End)
	l.logger.Info("enumerate cloudtrail logs",
		"account_id", req.AccountID,
		"regions", req.Regions,
		"prefixes", len(prefixes),
	)

	keys, err := l.list(ctx, prefixes)
	if err != nil {
		return logstore.Handle{}, err
	}
	l.logger.Info("found log files", "count", len(keys))

	rows, err := l.download(ctx, keys)
	if err != nil {
		return logstore.Handle{}, err
	}
	return l.persist(ctx, rows, len(keys), req)
}

func (l *Loader) list(ctx context.Context, prefixes []string) ([]string, error) {
	results := make([][]s3.ObjectInfo, len(prefixes))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.cfg.ListConcurrency)
	for i, prefix := range prefixes {
		g.Go(func() error {
			objects, err := l.objects.List(gctx, prefix)
			if err != nil {
				return &IngestionError{Op: "list", Key: prefix, Err: err}
			}
			results[i] = objects
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var keys []string
	for _, objects := range results {
		for _, obj := range objects {
			keys = append(keys, obj.Key)
		}
	}
	return keys, nil
}

func (l *Loader) download(ctx context.Context, keys []string) ([]logstore.Record, error) {
	if l.cfg.TriageDir != "" {
		if err := os.MkdirAll(l.cfg.TriageDir, 0o755); err != nil {
			return nil, &IngestionError{Op: "triage", Key: l.cfg.TriageDir, Err: err}
		}
	}

	var mu sync.Mutex
	var rows []logstore.Record
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.cfg.DownloadConcurrency)
	for _, key := range keys {
		g.Go(func() error {
			data, err := l.objects.Download(gctx, key)
			if err != nil {
				return &IngestionError{Op: "download", Key: key, Err: err}
			}
			decoded, err := Decode(data)
			if err != nil {
				return &IngestionError{Op: "decode", Key: key, Err: err}
			}
			if l.cfg.TriageDir != "" {
				if err := writeTriaged(l.cfg.TriageDir, decoded); err != nil {
					return &IngestionError{Op: "triage", Key: key, Err: err}
				}
			}
			mu.Lock()
			rows = append(rows, decoded...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return rows, nil
}

// LoadTriaged builds the store from previously triaged files in dir:
// ndjson of normalized records, or raw CloudTrail .json / .json.gz files.
func (l *Loader) LoadTriaged(ctx context.Context, dir string, req LoadRequest) (logstore.Handle, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return logstore.Handle{}, &IngestionError{Op: "triage", Key: dir, Err: err}
	}

	var rows []logstore.Record
	files := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return logstore.Handle{}, err
		}
		name := entry.Name()
		path := filepath.Join(dir, name)
		var decoded []logstore.Record
		switch {
		case strings.HasSuffix(name, ".ndjson"):
			decoded, err = readTriaged(path)
		case strings.HasSuffix(name, ".json"), strings.HasSuffix(name, ".json.gz"):
			var data []byte
			if data, err = os.ReadFile(path); err == nil {
				decoded, err = Decode(data)
			}
		default:
			continue
		}
		if err != nil {
			return logstore.Handle{}, &IngestionError{Op: "decode", Key: path, Err: err}
		}
		files++
		rows = append(rows, decoded...)
	}
	return l.persist(ctx, rows, files, req)
}

func (l *Loader) persist(ctx context.Context, rows []logstore.Record, objects int, req LoadRequest) (logstore.Handle, error) {
	l.logger.Info("filter events",
		"start", req.Start.Format(behavior.EventTimeFormat),
		"end", req.End.Format(behavior.EventTimeFormat),
		"malicious_ids", len(req.MaliciousIDs),
		"normal_ids", len(req.NormalIDs),
	)
	kept := Filter(rows, req.Start, req.End, req.ids())

	name := logstore.RunName(l.now())
	h, err := l.store.WriteRecords(ctx, name, kept)
	if err != nil {
		return logstore.Handle{}, &IngestionError{Op: "write", Key: name, Err: err}
	}
	l.metrics.Ingested(objects, len(kept))
	l.logger.Info("wrote cloudtrail logs", "location", h.Location, "rows", len(kept), "scanned", len(rows))
	return h, nil
}

// Publish uploads records as one CloudTrail log file under the day prefix
// for at and returns the object key.
func Publish(ctx context.Context, objects ObjectStore, accountID, region string, at time.Time, records []behavior.ActivityRecord) (string, error) {
	body, err := Encode(records)
	if err != nil {
		return "", err
	}
	at = at.UTC()
	key := fmt.Sprintf("%s%s_CloudTrail_%s_%s_%s.json.gz",
		Prefix(accountID, region, at), accountID, region,
		at.Format("20060102T1504Z"), strings.ReplaceAll(uuid.NewString(), "-", ""))
	if err := objects.Upload(ctx, s3.UploadInput{
		Key:             key,
		Body:            body,
		ContentType:     "application/json",
		ContentEncoding: "gzip",
	}); err != nil {
		return "", &IngestionError{Op: "publish", Key: key, Err: err}
	}
	return key, nil
}
