package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"detection-lab/internal/behavior"
	"detection-lab/internal/logstore"
	"detection-lab/internal/storage/s3"
)

type fakeObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	listErr error
	listed  []string
}

func (f *fakeObjects) List(_ context.Context, prefix string) ([]s3.ObjectInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listed = append(f.listed, prefix)
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []s3.ObjectInfo
	for key := range f.objects {
		if strings.HasPrefix(key, prefix) {
			out = append(out, s3.ObjectInfo{Key: key})
		}
	}
	return out, nil
}

func (f *fakeObjects) Download(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	if !ok {
		return nil, errors.New("no such key")
	}
	return data, nil
}

func (f *fakeObjects) Upload(_ context.Context, in s3.UploadInput) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.objects == nil {
		f.objects = make(map[string][]byte)
	}
	f.objects[in.Key] = in.Body
	return nil
}

func (f *fakeObjects) Bucket() string { return "trail" }

func record(key, name, at string) behavior.ActivityRecord {
	return behavior.ActivityRecord{
		"eventTime":         at,
		"eventName":         name,
		"eventSource":       "ec2.amazonaws.com",
		"awsRegion":         "us-east-2",
		"userIdentity":      map[string]any{"arn": "arn:aws:iam::123456789012:user/" + key, "accessKeyId": key},
		"requestParameters": map[string]any{"instanceId": "i-1"},
		"responseElements":  nil,
	}
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newTestLoader(t *testing.T, objects ObjectStore, cfg Config) (*Loader, *logstore.ParquetStore) {
	t.Helper()
	store, err := logstore.NewParquetStore(t.TempDir(), quiet())
	if err != nil {
		t.Fatal(err)
	}
	clock := func() time.Time { return time.Date(2024, 6, 2, 8, 0, 0, 0, time.UTC) }
	return NewLoader(objects, store, cfg, WithLogger(quiet()), WithClock(clock)), store
}

func TestPrefixes(t *testing.T) {
	start := time.Date(2024, 6, 1, 23, 0, 0, 0, time.UTC)
	end := time.Date(2024, 6, 2, 1, 0, 0, 0, time.UTC)
	got := Prefixes("123456789012", []string{"us-east-1", "us-east-2"}, start, end)
	if len(got) != 8 {
		t.Fatalf("Prefixes() returned %d prefixes, want 8: %v", len(got), got)
	}
	if got[0] != "AWSLogs/123456789012/CloudTrail/us-east-1/2024/05/31/" {
		t.Errorf("first prefix = %s", got[0])
	}
	if got[7] != "AWSLogs/123456789012/CloudTrail/us-east-2/2024/06/03/" {
		t.Errorf("last prefix = %s", got[7])
	}
}

func TestNormalize(t *testing.T) {
	raw := []byte(`{"eventTime":"2024-06-01T10:00:00Z","eventName":"ListBuckets",
		"userIdentity":{"arn":"arn:aws:iam::1:user/dev","accessKeyId":"AKIA-GOOD"},
		"requestParameters":{"a": 1},"responseElements":null,"readOnly":true}`)
	r, err := Normalize(raw)
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if r.ARN != "arn:aws:iam::1:user/dev" || r.AccessKeyID != "AKIA-GOOD" {
		t.Errorf("identity = %q %q", r.ARN, r.AccessKeyID)
	}
	if r.RequestParameters != `{"a":1}` || r.ResponseElements != "null" {
		t.Errorf("nested = %q %q", r.RequestParameters, r.ResponseElements)
	}
	if _, err := Normalize([]byte(`[1]`)); err == nil {
		t.Error("Normalize(array) succeeded")
	}
}

func TestFilterMonotonic(t *testing.T) {
	start := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)
	rows := []logstore.Record{
		{AccessKeyID: "A", EventTime: "2024-06-01T00:10:00Z"},
		{AccessKeyID: "B", EventTime: "2024-06-01T00:20:00Z"},
		{AccessKeyID: "C", EventTime: "2024-06-01T00:30:00Z"},
		{AccessKeyID: "A", EventTime: "2024-06-01T02:00:00Z"},
		{AccessKeyID: "A", EventTime: "garbage"},
		{AccessKeyID: "B", EventTime: "2024-06-01T01:00:00Z"},
	}

	sets := [][]string{nil, {"A"}, {"A", "B"}, {"A", "B", "C"}}
	prev := -1
	for _, ids := range sets {
		kept := Filter(rows, start, end, ids)
		if len(kept) < prev {
			t.Fatalf("Filter(%v) kept %d rows, fewer than %d", ids, len(kept), prev)
		}
		prev = len(kept)
	}
	if prev != 4 {
		t.Errorf("Filter(all) kept %d rows, want 4", prev)
	}
}

func TestLoad(t *testing.T) {
	objects := &fakeObjects{}
	ctx := context.Background()
	at := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	_, err := Publish(ctx, objects, "123456789012", "us-east-2", at, []behavior.ActivityRecord{
		record("AKIA-BAD", "GetPasswordData", "2024-06-01T10:00:00Z"),
		record("AKIA-GOOD", "ListBuckets", "2024-06-01T10:01:00Z"),
		record("AKIA-OTHER", "ListBuckets", "2024-06-01T10:02:00Z"),
		record("AKIA-BAD", "ShareImage", "2024-06-01T13:00:00Z"),
	})
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	triage := t.TempDir()
	loader, store := newTestLoader(t, objects, Config{ListConcurrency: 2, DownloadConcurrency: 2, TriageDir: triage})
	req := LoadRequest{
		AccountID:    "123456789012",
		Bucket:       "trail",
		Regions:      []string{"us-east-2"},
		Start:        at.Add(-time.Hour),
		End:          at.Add(time.Hour),
		MaliciousIDs: []string{"AKIA-BAD"},
		NormalIDs:    []string{"AKIA-GOOD"},
	}
	h, err := loader.Load(ctx, req)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if filepath.Base(h.Location) != "20240602080000.parquet" || h.Rows != 2 {
		t.Errorf("handle = %+v", h)
	}
	rows, err := store.ReadRecords(ctx, h)
	if err != nil || len(rows) != 2 {
		t.Fatalf("ReadRecords() = %v, %v", rows, err)
	}
	if len(objects.listed) != 3 {
		t.Errorf("listed %d prefixes, want 3", len(objects.listed))
	}

	again, err := loader.LoadTriaged(ctx, triage, req)
	if err != nil {
		t.Fatalf("LoadTriaged() error = %v", err)
	}
	if again.Rows != 2 {
		t.Errorf("LoadTriaged() rows = %d, want 2", again.Rows)
	}
}

func TestLoadEmptyListing(t *testing.T) {
	loader, store := newTestLoader(t, &fakeObjects{}, DefaultConfig())
	now := time.Now()
	h, err := loader.Load(context.Background(), LoadRequest{AccountID: "1", Regions: []string{"us-east-2"}, Start: now, End: now})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	rows, err := store.ReadRecords(context.Background(), h)
	if err != nil || len(rows) != 0 {
		t.Errorf("ReadRecords() = %v, %v", rows, err)
	}
}

func TestLoadErrors(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name    string
		objects *fakeObjects
		bucket  string
		op      string
	}{
		{"list failure", &fakeObjects{listErr: errors.New("access denied")}, "", "list"},
		{"bucket mismatch", &fakeObjects{}, "other", "list"},
		{"corrupt object", &fakeObjects{objects: map[string][]byte{
			Prefix("1", "us-east-2", now.UTC()) + "bad.json.gz": {0x1f, 0x8b, 0x00},
		}}, "", "decode"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loader, _ := newTestLoader(t, tt.objects, DefaultConfig())
			_, err := loader.Load(context.Background(), LoadRequest{
				AccountID: "1", Bucket: tt.bucket, Regions: []string{"us-east-2"}, Start: now, End: now,
			})
			var ingestErr *IngestionError
			if !errors.As(err, &ingestErr) {
				t.Fatalf("Load() error = %v, want *IngestionError", err)
			}
			if ingestErr.Op != tt.op {
				t.Errorf("Op = %s, want %s", ingestErr.Op, tt.op)
			}
		})
	}
}

func TestLoadTriagedRawFiles(t *testing.T) {
	dir := t.TempDir()
	body := `{"Records":[{"eventTime":"2024-06-01T10:00:00Z","eventName":"RunInstances","userIdentity":{"accessKeyId":"AKIA-BAD"}}]}`
	if err := os.WriteFile(filepath.Join(dir, "a.json"), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("skip"), 0o644); err != nil {
		t.Fatal(err)
	}
	loader, _ := newTestLoader(t, nil, DefaultConfig())
	at := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	h, err := loader.LoadTriaged(context.Background(), dir, LoadRequest{
		Start: at, End: at, MaliciousIDs: []string{"AKIA-BAD"},
	})
	if err != nil {
		t.Fatalf("LoadTriaged() error = %v", err)
	}
	if h.Rows != 1 {
		t.Errorf("rows = %d, want 1", h.Rows)
	}
}
