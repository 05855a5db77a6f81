package logstore

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/parquet-go/parquet-go"
)

// ParquetStore writes one parquet file per dataset under a root directory.
type ParquetStore struct {
	dir    string
	logger *slog.Logger
}

// NewParquetStore creates a store rooted at dir.
func NewParquetStore(dir string, logger *slog.Logger) (*ParquetStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &StorageError{Op: "Open", Location: dir, Err: err}
	}
	return &ParquetStore{dir: dir, logger: logger.With("component", "parquet-store")}, nil
}

// Dir returns the root directory.
func (s *ParquetStore) Dir() string { return s.dir }

// Path returns the file path for a dataset name.
func (s *ParquetStore) Path(name string) string {
	return filepath.Join(s.dir, name+".parquet")
}

// Open returns a handle for an existing parquet file.
func Open(path string) Handle {
	return Handle{Backend: BackendParquet, Location: path}
}

func (s *ParquetStore) WriteRecords(ctx context.Context, name string, rows []Record) (Handle, error) {
	return writeParquet(s, name, rows)
}

func (s *ParquetStore) ReadRecords(ctx context.Context, h Handle) ([]Record, error) {
	return readParquet[Record](h)
}

func (s *ParquetStore) WriteAlerts(ctx context.Context, name string, rows []Alert) (Handle, error) {
	return writeParquet(s, name, rows)
}

func (s *ParquetStore) ReadAlerts(ctx context.Context, h Handle) ([]Alert, error) {
	return readParquet[Alert](h)
}

func (s *ParquetStore) WriteHits(ctx context.Context, name string, rows []LogHit) (Handle, error) {
	return writeParquet(s, name, rows)
}

func (s *ParquetStore) ReadHits(ctx context.Context, h Handle) ([]LogHit, error) {
	return readParquet[LogHit](h)
}

// Close is a no-op.
func (s *ParquetStore) Close() error { return nil }

func writeParquet[T any](s *ParquetStore, name string, rows []T) (Handle, error) {
	path := s.Path(name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Handle{}, &StorageError{Op: "Write", Location: path, Err: err}
	}
	tmp := path + ".tmp"
	if err := parquet.WriteFile(tmp, rows); err != nil {
		os.Remove(tmp)
		return Handle{}, &StorageError{Op: "Write", Location: path, Err: err}
	}
	if err := os.Rename(tmp, path); err != nil {
		return Handle{}, &StorageError{Op: "Write", Location: path, Err: err}
	}
	s.logger.Debug("wrote parquet file", "path", path, "rows", len(rows))
	return Handle{Backend: BackendParquet, Location: path, Rows: len(rows)}, nil
}

func readParquet[T any](h Handle) ([]T, error) {
	if h.Backend != "" && h.Backend != BackendParquet {
		return nil, ErrBackendMismatch
	}
	rows, err := parquet.ReadFile[T](h.Location)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, WrapNotFoundError("Read", h.Location)
		}
		return nil, &StorageError{Op: "Read", Location: h.Location, Err: err}
	}
	return rows, nil
}
