// Package logstore persists normalized activity records, SIEM alerts and
// log-search hits in a columnar form.
package logstore

import (
	"context"
	"time"
)

// NameFormat is the timestamp layout used to name ingestion runs.
const NameFormat = "20060102150405"

// Backends.
const (
	BackendParquet    = "parquet"
	BackendClickHouse = "clickhouse"
)

// Record is one normalized CloudTrail entry. Nested objects are kept as JSON
// strings.
type Record struct {
	ARN               string `parquet:"arn" json:"arn"`
	AccessKeyID       string `parquet:"accessKeyId" json:"accessKeyId"`
	UserIdentity      string `parquet:"userIdentity" json:"userIdentity"`
	UserAgent         string `parquet:"userAgent" json:"userAgent"`
	SourceIPAddress   string `parquet:"sourceIPAddress" json:"sourceIPAddress"`
	EventTime         string `parquet:"eventTime" json:"eventTime"`
	EventName         string `parquet:"eventName" json:"eventName"`
	EventSource       string `parquet:"eventSource" json:"eventSource"`
	AWSRegion         string `parquet:"awsRegion" json:"awsRegion"`
	RequestParameters string `parquet:"requestParameters" json:"requestParameters"`
	ResponseElements  string `parquet:"responseElements" json:"responseElements"`
}

// Alert is a SIEM signal reduced to the columns used for correlation.
type Alert struct {
	RuleID      string `parquet:"rule_id" json:"rule_id"`
	RuleName    string `parquet:"rule_name" json:"rule_name"`
	ARN         string `parquet:"arn" json:"arn"`
	AccessKeyID string `parquet:"accessKeyId" json:"accessKeyId"`
	EventTime   string `parquet:"eventTime" json:"eventTime"`
	Severity    string `parquet:"severity" json:"severity"`
}

// LogHit is one SIEM log matched by a candidate rule query.
type LogHit struct {
	ID         string `parquet:"id" json:"id"`
	Timestamp  string `parquet:"timestamp" json:"timestamp"`
	Service    string `parquet:"service" json:"service"`
	Host       string `parquet:"host" json:"host"`
	Message    string `parquet:"message" json:"message"`
	Attributes string `parquet:"attributes" json:"attributes"`
}

// Handle locates a written dataset. For parquet the location is a file
// path; for ClickHouse it is the run name.
type Handle struct {
	Backend  string `json:"backend"`
	Location string `json:"location"`
	Rows     int    `json:"rows"`
}

// Store writes and reads datasets by name. Names may contain a directory
// prefix such as "queries/".
type Store interface {
	WriteRecords(ctx context.Context, name string, rows []Record) (Handle, error)
	ReadRecords(ctx context.Context, h Handle) ([]Record, error)
	WriteAlerts(ctx context.Context, name string, rows []Alert) (Handle, error)
	ReadAlerts(ctx context.Context, h Handle) ([]Alert, error)
	WriteHits(ctx context.Context, name string, rows []LogHit) (Handle, error)
	ReadHits(ctx context.Context, h Handle) ([]LogHit, error)
	Close() error
}

// RunName returns the dataset name for a run started at t.
func RunName(t time.Time) string {
	return t.UTC().Format(NameFormat)
}
