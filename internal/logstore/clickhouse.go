package logstore

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// ClickHouseConfig holds the configuration for ClickHouse connection.
type ClickHouseConfig struct {
	Hosts           []string      `yaml:"hosts"`
	Database        string        `yaml:"database"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	TLSEnabled      bool          `yaml:"tls_enabled"`
	DialTimeout     time.Duration `yaml:"dial_timeout"`
	Debug           bool          `yaml:"debug"`
}

// DefaultClickHouseConfig returns the default ClickHouse configuration.
func DefaultClickHouseConfig() ClickHouseConfig {
	return ClickHouseConfig{
		Hosts:           []string{"localhost:9000"},
		Database:        "lab",
		Username:        "default",
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
		DialTimeout:     10 * time.Second,
	}
}

// conn is the subset of driver.Conn used by the store and migrator.
type conn interface {
	Exec(ctx context.Context, query string, args ...any) error
	Query(ctx context.Context, query string, args ...any) (driver.Rows, error)
	PrepareBatch(ctx context.Context, query string, opts ...driver.PrepareBatchOption) (driver.Batch, error)
	Ping(ctx context.Context) error
	Close() error
}

// ClickHouseStore keeps each dataset as a run inside a shared table.
type ClickHouseStore struct {
	conn   conn
	config ClickHouseConfig
	logger *slog.Logger
}

// NewClickHouseStore connects, verifies the connection and applies
// migrations.
func NewClickHouseStore(ctx context.Context, cfg ClickHouseConfig, logger *slog.Logger) (*ClickHouseStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := &clickhouse.Options{
		Addr: cfg.Hosts,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionZSTD,
		},
		DialTimeout:     cfg.DialTimeout,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		Debug:           cfg.Debug,
	}
	if cfg.TLSEnabled {
		opts.TLS = &tls.Config{}
	}

	c, err := clickhouse.Open(opts)
	if err != nil {
		return nil, WrapConnectionError("Open", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.Ping(pingCtx); err != nil {
		c.Close()
		return nil, WrapConnectionError("Ping", err)
	}

	s := &ClickHouseStore{
		conn:   c,
		config: cfg,
		logger: logger.With("component", "clickhouse-store"),
	}
	if err := NewMigrator(c, s.logger).Run(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the ClickHouse connection.
func (s *ClickHouseStore) Close() error {
	return s.conn.Close()
}

// Ping checks if the connection is alive.
func (s *ClickHouseStore) Ping(ctx context.Context) error {
	return s.conn.Ping(ctx)
}

const (
	recordsTable = "activity_records"
	alertsTable  = "alerts"
	hitsTable    = "log_hits"
)

func (s *ClickHouseStore) WriteRecords(ctx context.Context, name string, rows []Record) (Handle, error) {
	return s.insert(ctx, recordsTable, name, len(rows), func(b driver.Batch) error {
		for _, r := range rows {
			if err := b.Append(name, r.ARN, r.AccessKeyID, r.UserIdentity, r.UserAgent,
				r.SourceIPAddress, r.EventTime, r.EventName, r.EventSource, r.AWSRegion,
				r.RequestParameters, r.ResponseElements); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *ClickHouseStore) ReadRecords(ctx context.Context, h Handle) ([]Record, error) {
	var out []Record
	err := s.query(ctx, recordsTable, h, "arn, accessKeyId, userIdentity, userAgent, sourceIPAddress, eventTime, eventName, eventSource, awsRegion, requestParameters, responseElements",
		func(rows driver.Rows) error {
			var r Record
			if err := rows.Scan(&r.ARN, &r.AccessKeyID, &r.UserIdentity, &r.UserAgent,
				&r.SourceIPAddress, &r.EventTime, &r.EventName, &r.EventSource, &r.AWSRegion,
				&r.RequestParameters, &r.ResponseElements); err != nil {
				return err
			}
			out = append(out, r)
			return nil
		})
	return out, err
}

func (s *ClickHouseStore) WriteAlerts(ctx context.Context, name string, rows []Alert) (Handle, error) {
	return s.insert(ctx, alertsTable, name, len(rows), func(b driver.Batch) error {
		for _, a := range rows {
			if err := b.Append(name, a.RuleID, a.RuleName, a.ARN, a.AccessKeyID, a.EventTime, a.Severity); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *ClickHouseStore) ReadAlerts(ctx context.Context, h Handle) ([]Alert, error) {
	var out []Alert
	err := s.query(ctx, alertsTable, h, "rule_id, rule_name, arn, accessKeyId, eventTime, severity",
		func(rows driver.Rows) error {
			var a Alert
			if err := rows.Scan(&a.RuleID, &a.RuleName, &a.ARN, &a.AccessKeyID, &a.EventTime, &a.Severity); err != nil {
				return err
			}
			out = append(out, a)
			return nil
		})
	return out, err
}

func (s *ClickHouseStore) WriteHits(ctx context.Context, name string, rows []LogHit) (Handle, error) {
	return s.insert(ctx, hitsTable, name, len(rows), func(b driver.Batch) error {
		for _, l := range rows {
			if err := b.Append(name, l.ID, l.Timestamp, l.Service, l.Host, l.Message, l.Attributes); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *ClickHouseStore) ReadHits(ctx context.Context, h Handle) ([]LogHit, error) {
	var out []LogHit
	err := s.query(ctx, hitsTable, h, "id, timestamp, service, host, message, attributes",
		func(rows driver.Rows) error {
			var l LogHit
			if err := rows.Scan(&l.ID, &l.Timestamp, &l.Service, &l.Host, &l.Message, &l.Attributes); err != nil {
				return err
			}
			out = append(out, l)
			return nil
		})
	return out, err
}

func (s *ClickHouseStore) insert(ctx context.Context, table, name string, n int, fill func(driver.Batch) error) (Handle, error) {
	h := Handle{Backend: BackendClickHouse, Location: name, Rows: n}
	if n == 0 {
		return h, nil
	}
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO "+table)
	if err != nil {
		return Handle{}, WrapBatchError("Write", table, err)
	}
	if err := fill(batch); err != nil {
		batch.Abort()
		return Handle{}, WrapBatchError("Write", table, err)
	}
	if err := batch.Send(); err != nil {
		return Handle{}, WrapBatchError("Write", table, err)
	}
	s.logger.Debug("inserted batch", "table", table, "run", name, "rows", n)
	return h, nil
}

func (s *ClickHouseStore) query(ctx context.Context, table string, h Handle, columns string, scan func(driver.Rows) error) error {
	if h.Backend != BackendClickHouse {
		return ErrBackendMismatch
	}
	q := fmt.Sprintf("SELECT %s FROM %s WHERE run = ? ORDER BY eventTime", columns, table)
	if table == hitsTable {
		q = fmt.Sprintf("SELECT %s FROM %s WHERE run = ? ORDER BY timestamp", columns, table)
	}
	rows, err := s.conn.Query(ctx, q, h.Location)
	if err != nil {
		return WrapQueryError("Read", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		if err := scan(rows); err != nil {
			return WrapQueryError("Read", table, err)
		}
	}
	if err := rows.Err(); err != nil {
		return WrapQueryError("Read", table, err)
	}
	return nil
}
