package logstore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"
)

func testStore(t *testing.T) *ParquetStore {
	t.Helper()
	s, err := NewParquetStore(t.TempDir(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewParquetStore() error = %v", err)
	}
	return s
}

func TestParquetRecords(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	rows := []Record{
		{AccessKeyID: "AKIA-BAD", EventTime: "2024-06-01T10:00:00Z", EventName: "GetPasswordData", RequestParameters: `{"instanceId":"i-1"}`},
		{AccessKeyID: "AKIA-GOOD", EventTime: "2024-06-01T10:05:00Z", EventName: "ListBuckets"},
	}

	name := RunName(time.Date(2024, 6, 1, 12, 30, 45, 0, time.UTC))
	h, err := s.WriteRecords(ctx, name, rows)
	if err != nil {
		t.Fatalf("WriteRecords() error = %v", err)
	}
	if filepath.Base(h.Location) != "20240601123045.parquet" || h.Rows != 2 {
		t.Errorf("handle = %+v", h)
	}

	got, err := s.ReadRecords(ctx, h)
	if err != nil {
		t.Fatalf("ReadRecords() error = %v", err)
	}
	if len(got) != 2 || got[0] != rows[0] || got[1] != rows[1] {
		t.Errorf("ReadRecords() = %+v", got)
	}
}

func TestParquetEmptyAndNested(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	h, err := s.WriteAlerts(ctx, "alerts/empty", nil)
	if err != nil {
		t.Fatalf("WriteAlerts() error = %v", err)
	}
	got, err := s.ReadAlerts(ctx, h)
	if err != nil || len(got) != 0 {
		t.Errorf("ReadAlerts() = %v, %v", got, err)
	}

	hits := []LogHit{{ID: "1", Message: "login failed"}}
	h, err = s.WriteHits(ctx, "queries/rule__20240601", hits)
	if err != nil {
		t.Fatalf("WriteHits() error = %v", err)
	}
	if h.Location != filepath.Join(s.Dir(), "queries", "rule__20240601.parquet") {
		t.Errorf("hits location = %s", h.Location)
	}
	read, err := s.ReadHits(ctx, Open(h.Location))
	if err != nil || len(read) != 1 || read[0] != hits[0] {
		t.Errorf("ReadHits() = %v, %v", read, err)
	}
}

func TestParquetReadErrors(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	_, err := s.ReadRecords(ctx, Open(filepath.Join(s.Dir(), "missing.parquet")))
	if !IsNotFound(err) {
		t.Errorf("ReadRecords(missing) error = %v, want not found", err)
	}
	var storageErr *StorageError
	if !errors.As(err, &storageErr) || storageErr.Op != "Read" {
		t.Errorf("error = %#v, want *StorageError", err)
	}

	_, err = s.ReadRecords(ctx, Handle{Backend: BackendClickHouse, Location: "run"})
	if !errors.Is(err, ErrBackendMismatch) {
		t.Errorf("ReadRecords(clickhouse handle) error = %v", err)
	}
}

func TestSplitStatements(t *testing.T) {
	tests := []struct {
		name     string
		sql      string
		expected []string
	}{
		{"single statement", "CREATE TABLE test (id INT)", []string{"CREATE TABLE test (id INT)"}},
		{"multiple statements", "CREATE TABLE a (id INT); CREATE TABLE b (id INT)", []string{"CREATE TABLE a (id INT)", "CREATE TABLE b (id INT)"}},
		{"semicolon in string", "INSERT INTO t VALUES ('hello; world')", []string{"INSERT INTO t VALUES ('hello; world')"}},
		{"escaped quote", "INSERT INTO t VALUES ('it''s; here')", []string{"INSERT INTO t VALUES ('it''s; here')"}},
		{"empty string", "", nil},
		{"trailing semicolon", "CREATE TABLE test (id INT);", []string{"CREATE TABLE test (id INT)"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := splitStatements(tt.sql)
			if len(result) != len(tt.expected) {
				t.Fatalf("splitStatements() = %q, want %q", result, tt.expected)
			}
			for i := range result {
				if result[i] != tt.expected[i] {
					t.Errorf("statement[%d] = %q, want %q", i, result[i], tt.expected[i])
				}
			}
		})
	}
}

func TestLoadMigrations(t *testing.T) {
	migrations, err := loadMigrations()
	if err != nil {
		t.Fatalf("loadMigrations() error = %v", err)
	}
	if len(migrations) != 2 {
		t.Fatalf("loadMigrations() returned %d migrations", len(migrations))
	}
	if migrations[0].Version != 1 || migrations[0].Name != "create_lab_tables" || migrations[1].Version != 2 {
		t.Errorf("migrations = %+v", migrations)
	}
	if n := len(splitStatements(migrations[0].SQL)); n != 2 {
		t.Errorf("first migration has %d statements, want 2", n)
	}
}
