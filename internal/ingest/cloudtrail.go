package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/klauspost/compress/gzip"

	"detection-lab/internal/behavior"
	"detection-lab/internal/logstore"
)

// Fields stored as JSON strings rather than flattened.
var nestedFields = []string{"userIdentity", "requestParameters", "responseElements"}

// Prefixes returns one CloudTrail prefix per region and day in
// [start-1d, end+1d].
func Prefixes(accountID string, regions []string, start, end time.Time) []string {
	first := truncateDay(start.UTC()).AddDate(0, 0, -1)
	last := truncateDay(end.UTC()).AddDate(0, 0, 1)

	var prefixes []string
	for _, region := range regions {
		for day := first; !day.After(last); day = day.AddDate(0, 0, 1) {
			prefixes = append(prefixes, Prefix(accountID, region, day))
		}
	}
	return prefixes
}

// Prefix returns the CloudTrail key prefix for one day.
func Prefix(accountID, region string, day time.Time) string {
	return fmt.Sprintf("AWSLogs/%s/CloudTrail/%s/%04d/%02d/%02d/",
		accountID, region, day.Year(), int(day.Month()), day.Day())
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

type logFile struct {
	Records []json.RawMessage `json:"Records"`
}

// Decode parses a CloudTrail log file, gzip-compressed or not, into
// normalized records.
func Decode(data []byte) ([]logstore.Record, error) {
	if len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b {
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("ingest: failed to open gzip: %w", err)
		}
		defer zr.Close()
		if data, err = io.ReadAll(zr); err != nil {
			return nil, fmt.Errorf("ingest: failed to decompress: %w", err)
		}
	}

	var file logFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("ingest: failed to decode records: %w", err)
	}
	rows := make([]logstore.Record, 0, len(file.Records))
	for _, raw := range file.Records {
		row, err := Normalize(raw)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// Normalize flattens userIdentity.arn and userIdentity.accessKeyId and
// stringifies every column.
func Normalize(raw json.RawMessage) (logstore.Record, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return logstore.Record{}, fmt.Errorf("ingest: malformed record: %w", err)
	}

	var identity struct {
		ARN         string `json:"arn"`
		AccessKeyID string `json:"accessKeyId"`
	}
	if ui, ok := fields["userIdentity"]; ok {
		// userIdentity may be null or a bare string in synthesized records
		_ = json.Unmarshal(ui, &identity)
	}

	return logstore.Record{
		ARN:               identity.ARN,
		AccessKeyID:       identity.AccessKeyID,
		UserIdentity:      column(fields, "userIdentity"),
		UserAgent:         column(fields, "userAgent"),
		SourceIPAddress:   column(fields, "sourceIPAddress"),
		EventTime:         column(fields, "eventTime"),
		EventName:         column(fields, "eventName"),
		EventSource:       column(fields, "eventSource"),
		AWSRegion:         column(fields, "awsRegion"),
		RequestParameters: column(fields, "requestParameters"),
		ResponseElements:  column(fields, "responseElements"),
	}, nil
}

func column(fields map[string]json.RawMessage, name string) string {
	raw, ok := fields[name]
	if !ok {
		return ""
	}
	if slices.Contains(nestedFields, name) {
		var buf bytes.Buffer
		if err := json.Compact(&buf, raw); err != nil {
			return string(raw)
		}
		return buf.String()
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	if string(raw) == "null" {
		return ""
	}
	return string(raw)
}

// Filter keeps rows whose access key is in ids and whose event time falls
// in [start, end]. Rows with unparseable event times are dropped.
func Filter(rows []logstore.Record, start, end time.Time, ids []string) []logstore.Record {
	allowed := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		allowed[id] = struct{}{}
	}

	var out []logstore.Record
	for _, r := range rows {
		if _, ok := allowed[r.AccessKeyID]; !ok {
			continue
		}
		t, err := time.Parse(behavior.EventTimeFormat, r.EventTime)
		if err != nil || t.Before(start) || t.After(end) {
			continue
		}
		out = append(out, r)
	}
	return out
}

// Encode renders activity records as a gzip-compressed CloudTrail log file.
func Encode(records []behavior.ActivityRecord) ([]byte, error) {
	if records == nil {
		records = []behavior.ActivityRecord{}
	}
	body, err := json.Marshal(map[string]any{"Records": records})
	if err != nil {
		return nil, fmt.Errorf("ingest: failed to encode records: %w", err)
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(body); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
