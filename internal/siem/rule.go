package siem

import (
	"encoding/json"
	"strings"
)

// RuleTypeLogDetection is the only rule type the lab scores and tunes.
const RuleTypeLogDetection = "log_detection"

// Case generates a signal when its condition holds.
type Case struct {
	Condition     string   `json:"condition,omitempty"`
	Name          string   `json:"name,omitempty"`
	Notifications []string `json:"notifications,omitempty"`
	Status        string   `json:"status,omitempty" validate:"omitempty,oneof=info low medium high critical"`
}

// Filter requires or suppresses logs matching a query.
type Filter struct {
	Action string `json:"action,omitempty" validate:"omitempty,oneof=require suppress"`
	Query  string `json:"query,omitempty"`
}

// Query is a log detection rule query.
type Query struct {
	Aggregation    string   `json:"aggregation,omitempty"`
	DistinctFields []string `json:"distinctFields,omitempty"`
	GroupByFields  []string `json:"groupByFields,omitempty"`
	Metric         string   `json:"metric,omitempty"`
	Metrics        []string `json:"metrics,omitempty"`
	Name           string   `json:"name,omitempty"`
	Query          string   `json:"query,omitempty"`
}

// Rule is a detection rule update request. Only Queries, Filters and Cases
// are interpreted; the remaining fields are carried as-is.
type Rule struct {
	Cases                   []Case          `json:"cases,omitempty" validate:"dive"`
	ComplianceSignalOptions json.RawMessage `json:"complianceSignalOptions,omitempty"`
	Filters                 []Filter        `json:"filters,omitempty" validate:"dive"`
	HasExtendedTitle        *bool           `json:"hasExtendedTitle,omitempty"`
	IsEnabled               *bool           `json:"isEnabled,omitempty"`
	Message                 string          `json:"message,omitempty"`
	Name                    string          `json:"name,omitempty"`
	Options                 json.RawMessage `json:"options,omitempty"`
	Queries                 []Query         `json:"queries,omitempty"`
	Tags                    []string        `json:"tags,omitempty"`
	ThirdPartyCases         json.RawMessage `json:"thirdPartyCases,omitempty"`
	Type                    string          `json:"type,omitempty"`
	Version                 *int            `json:"version,omitempty"`
}

// WithMutableFrom returns r with only queries, filters and cases taken from
// candidate.
func (r Rule) WithMutableFrom(candidate Rule) Rule {
	r.Queries = candidate.Queries
	r.Filters = candidate.Filters
	r.Cases = candidate.Cases
	return r
}

// SearchQuery builds the log-search query for the rule: suppress filters
// are negated, filters are joined by spaces and followed by the rule's
// query strings.
func (r Rule) SearchQuery() string {
	var filters []string
	for _, f := range r.Filters {
		q := f.Query
		if f.Action == "suppress" && q != "" {
			q = "-" + q
		}
		if q != "" {
			filters = append(filters, q)
		}
	}
	var queries []string
	for _, q := range r.Queries {
		if q.Query != "" {
			queries = append(queries, q.Query)
		}
	}
	return strings.TrimSpace(strings.Join(filters, " ") + " " + strings.Join(queries, " "))
}

// DetectionRule is a listed rule with its tag-derived classification.
type DetectionRule struct {
	ID        string `json:"rule_id"`
	Name      string `json:"rule_name"`
	Source    string `json:"source"`
	Tactic    string `json:"tactic"`
	Technique string `json:"technique"`
	IsDefault bool   `json:"is_default"`
	IsEnabled bool   `json:"is_enabled"`
	IsDeleted bool   `json:"is_deleted"`
	Rule      Rule   `json:"rule"`
}

type ruleItem struct {
	Rule
	ID        string `json:"id"`
	IsDefault bool   `json:"isDefault"`
	IsDeleted bool   `json:"isDeleted"`
}

func (it ruleItem) detection() DetectionRule {
	d := DetectionRule{
		ID:        it.ID,
		Name:      it.Name,
		IsDefault: it.IsDefault,
		IsDeleted: it.IsDeleted,
		IsEnabled: it.IsEnabled != nil && *it.IsEnabled,
		Rule:      it.Rule,
	}
	for _, tag := range it.Tags {
		switch {
		case d.Source == "" && strings.HasPrefix(tag, "source:"):
			d.Source = strings.TrimPrefix(tag, "source:")
		case d.Tactic == "" && strings.HasPrefix(tag, "tactic:"):
			d.Tactic = strings.TrimPrefix(tag, "tactic:")
		case d.Technique == "" && strings.HasPrefix(tag, "technique:"):
			d.Technique = strings.TrimPrefix(tag, "technique:")
		}
	}
	return d
}
