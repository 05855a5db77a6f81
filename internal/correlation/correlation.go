// Package correlation joins SIEM alerts with activity logs and scores
// detection quality.
package correlation

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"detection-lab/internal/logstore"
)

// Row is one log record with its first matching alert, if any.
type Row struct {
	AccessKeyID string  `json:"accessKeyId"`
	EventTime   string  `json:"eventTime"`
	EventName   string  `json:"eventName"`
	IsAttack    bool    `json:"is_attack"`
	RuleID      *string `json:"rule_id"`
	Severity    *string `json:"severity"`
}

// HasAlert reports whether an alert matched this row.
func (r Row) HasAlert() bool { return r.RuleID != nil }

// ConfusionMatrix holds detection counts over a correlated table.
type ConfusionMatrix struct {
	TruePositive  int `json:"true_positive"`
	FalsePositive int `json:"false_positive"`
	TrueNegative  int `json:"true_negative"`
	FalseNegative int `json:"false_negative"`
}

// Total returns the number of scored rows.
func (m ConfusionMatrix) Total() int {
	return m.TruePositive + m.FalsePositive + m.TrueNegative + m.FalseNegative
}

// Precision returns TP / (TP + FP), or 0 without alerts.
func (m ConfusionMatrix) Precision() float64 {
	if d := m.TruePositive + m.FalsePositive; d > 0 {
		return float64(m.TruePositive) / float64(d)
	}
	return 0
}

// Recall returns TP / (TP + FN), or 0 without attacks.
func (m ConfusionMatrix) Recall() float64 {
	if d := m.TruePositive + m.FalseNegative; d > 0 {
		return float64(m.TruePositive) / float64(d)
	}
	return 0
}

// EventCount is one entry of the event-name distribution.
type EventCount struct {
	EventName string  `json:"eventName"`
	Count     int     `json:"count"`
	Percent   float64 `json:"percent"`
}

type joinKey struct {
	accessKeyID string
	eventTime   string
}

// CorrelateRows left-joins logs with alerts on (accessKeyId, eventTime).
// When several alerts share a key the earliest one wins, so the result has
// exactly one row per log record.
func CorrelateRows(logs []logstore.Record, alerts []logstore.Alert, maliciousIDs []string) []Row {
	sorted := slices.Clone(alerts)
	slices.SortStableFunc(sorted, func(a, b logstore.Alert) int {
		return cmp.Compare(a.EventTime, b.EventTime)
	})
	first := make(map[joinKey]logstore.Alert, len(sorted))
	for _, a := range sorted {
		k := joinKey{a.AccessKeyID, a.EventTime}
		if _, ok := first[k]; !ok {
			first[k] = a
		}
	}

	malicious := make(map[string]struct{}, len(maliciousIDs))
	for _, id := range maliciousIDs {
		malicious[id] = struct{}{}
	}

	rows := make([]Row, 0, len(logs))
	for _, l := range logs {
		_, attack := malicious[l.AccessKeyID]
		row := Row{
			AccessKeyID: l.AccessKeyID,
			EventTime:   l.EventTime,
			EventName:   l.EventName,
			IsAttack:    attack,
		}
		if a, ok := first[joinKey{l.AccessKeyID, l.EventTime}]; ok {
			row.RuleID = &a.RuleID
			row.Severity = &a.Severity
		}
		rows = append(rows, row)
	}
	return rows
}

// Correlate reads both datasets from store and joins them.
func Correlate(ctx context.Context, store logstore.Store, alerts, logs logstore.Handle, maliciousIDs []string) ([]Row, error) {
	records, err := store.ReadRecords(ctx, logs)
	if err != nil {
		return nil, fmt.Errorf("correlation: failed to read logs: %w", err)
	}
	signals, err := store.ReadAlerts(ctx, alerts)
	if err != nil {
		return nil, fmt.Errorf("correlation: failed to read alerts: %w", err)
	}
	return CorrelateRows(records, signals, maliciousIDs), nil
}

// Score counts each row into exactly one cell of the matrix.
func Score(rows []Row) ConfusionMatrix {
	var m ConfusionMatrix
	for _, r := range rows {
		switch {
		case r.IsAttack && r.HasAlert():
			m.TruePositive++
		case !r.IsAttack && r.HasAlert():
			m.FalsePositive++
		case !r.IsAttack:
			m.TrueNegative++
		default:
			m.FalseNegative++
		}
	}
	return m
}

// EventCounts returns the event-name distribution sorted by count, then
// name.
func EventCounts(rows []Row) []EventCount {
	counts := make(map[string]int)
	for _, r := range rows {
		counts[r.EventName]++
	}
	out := make([]EventCount, 0, len(counts))
	for name, n := range counts {
		out = append(out, EventCount{
			EventName: name,
			Count:     n,
			Percent:   100 * float64(n) / float64(len(rows)),
		})
	}
	slices.SortFunc(out, func(a, b EventCount) int {
		if c := cmp.Compare(b.Count, a.Count); c != 0 {
			return c
		}
		return cmp.Compare(a.EventName, b.EventName)
	})
	return out
}
