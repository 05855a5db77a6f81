// Package optimizer proposes detection-rule rewrites and back-tests them
// against SIEM log search.
package optimizer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"detection-lab/internal/behavior"
	"detection-lab/internal/generator"
	"detection-lab/internal/logstore"
	"detection-lab/internal/siem"
	"detection-lab/internal/stats"
)

// Strategy selects how candidates are produced.
type Strategy string

const (
	// StrategyUserSelect enriches the prompt with CSPM evidence and leaves
	// the choice to the operator.
	StrategyUserSelect Strategy = "user_select"
	// StrategyCherryPick asks for candidates from the rule alone.
	StrategyCherryPick Strategy = "cherry_pick"
)

// ParseStrategy returns the strategy named s. An empty s is user_select.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case "", StrategyUserSelect:
		return StrategyUserSelect, nil
	case StrategyCherryPick:
		return StrategyCherryPick, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
}

// Variant identifies the SIEM dialect of a rule.
type Variant string

const (
	VariantDatadog Variant = "datadog"
	// VariantElastic is only a cache key and prompt label.
	VariantElastic Variant = "elastic"
)

var (
	// ErrUnknownStrategy is returned for an unsupported strategy name.
	ErrUnknownStrategy = errors.New("optimizer: unknown strategy")
	// ErrNoCandidates is returned when no generated candidate is usable.
	ErrNoCandidates = errors.New("optimizer: no valid candidates")
)

// Recommendation is one candidate rewrite of a rule.
type Recommendation struct {
	ID          string    `json:"id"`
	RuleID      string    `json:"rule_id"`
	Rule        siem.Rule `json:"rule"`
	Explanation string    `json:"explanation" validate:"required"`
	Changes     string    `json:"changes" validate:"required"`
}

// Result is a candidate with its back-test outcome. QueryPath is empty when
// the candidate query matched nothing.
type Result struct {
	RuleID    string         `json:"rule_id"`
	RuleRec   Recommendation `json:"rule_rec"`
	QueryPath string         `json:"query_path"`
	NAlerts   int            `json:"n_alerts"`
}

// LogSearcher runs a log search over a time window.
type LogSearcher interface {
	SearchLogs(ctx context.Context, query string, start, end time.Time) ([]logstore.LogHit, error)
}

// Config holds optimizer configuration.
type Config struct {
	// Dir holds the recommendations/, checkpoints/ and queries/ trees.
	Dir string `yaml:"dir"`
	// CSPMDir holds Prowler JSON reports.
	CSPMDir          string  `yaml:"cspm_dir"`
	Variant          Variant `yaml:"variant"`
	Choices          int     `yaml:"choices"`
	EvidencePerQuery int     `yaml:"evidence_per_query"`
	QueryConcurrency int     `yaml:"query_concurrency"`
	QueueSize        int     `yaml:"queue_size"`
}

// DefaultConfig returns the default optimizer configuration.
func DefaultConfig() Config {
	return Config{
		Dir:              "autotuner",
		CSPMDir:          "cspm",
		Variant:          VariantDatadog,
		Choices:          3,
		EvidencePerQuery: 3,
		QueryConcurrency: 3,
		QueueSize:        32,
	}
}

// Optimizer generates, caches and back-tests rule candidates.
type Optimizer struct {
	cfg      Config
	gen      generator.Generator
	searcher LogSearcher
	store    logstore.Store
	metrics  *stats.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// Option customizes an Optimizer.
type Option func(*Optimizer)

// WithMetrics records optimizer runs.
func WithMetrics(m *stats.Metrics) Option { return func(o *Optimizer) { o.metrics = m } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(o *Optimizer) { o.logger = l } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(o *Optimizer) { o.now = now } }

// New creates an Optimizer. Query hits are written to store.
func New(cfg Config, gen generator.Generator, searcher LogSearcher, store logstore.Store, opts ...Option) *Optimizer {
	if cfg.Choices <= 0 {
		cfg.Choices = 3
	}
	if cfg.EvidencePerQuery <= 0 {
		cfg.EvidencePerQuery = 3
	}
	if cfg.QueryConcurrency <= 0 {
		cfg.QueryConcurrency = 1
	}
	if cfg.Variant == "" {
		cfg.Variant = VariantDatadog
	}
	o := &Optimizer{
		cfg:      cfg,
		gen:      gen,
		searcher: searcher,
		store:    store,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("component", "optimizer")
	return o
}

// Optimize returns candidate rewrites of rule with the number of logs each
// matched over the back-test window. Candidates are not ranked.
func (o *Optimizer) Optimize(ctx context.Context, ruleID string, rule siem.Rule, strategy Strategy) (results []Result, err error) {
	defer func() { o.metrics.OptimizerRun(string(strategy), err) }()

	recs, err := o.candidates(ctx, ruleID, rule, strategy)
	if err != nil {
		return nil, err
	}

	end := o.now().UTC().Add(24 * time.Hour)
	start := end.Add(-72 * time.Hour)
	o.logger.Info("back-testing candidates", "rule_id", ruleID, "candidates", len(recs), "start", start, "end", end)

	results = make([]Result, len(recs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.QueryConcurrency)
	for i, rec := range recs {
		g.Go(func() error {
			res, err := o.backtest(gctx, i, rec, start, end)
			if err != nil {
				return fmt.Errorf("optimizer: candidate %s: %w", rec.ID, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (o *Optimizer) backtest(ctx context.Context, i int, rec Recommendation, start, end time.Time) (Result, error) {
	res := Result{RuleID: rec.RuleID, RuleRec: rec}
	query := rec.Rule.SearchQuery()
	hits, err := o.searcher.SearchLogs(ctx, query, start, end)
	if err != nil {
		return res, err
	}
	if len(hits) == 0 {
		o.logger.Info("candidate matched no logs", "rule_id", rec.RuleID, "rec_id", rec.ID)
		return res, nil
	}

	name := fmt.Sprintf("queries/%s__%s_%d", fileSafe(rec.Rule.Name), o.now().UTC().Format("20060102T150405Z"), i)
	h, err := o.store.WriteHits(ctx, name, hits)
	if err != nil {
		return res, err
	}
	res.QueryPath = h.Location
	res.NAlerts = h.Rows
	o.logger.Info("candidate matched logs", "rule_id", rec.RuleID, "rec_id", rec.ID, "n_alerts", h.Rows)
	return res, nil
}

func fileSafe(name string) string {
	name = strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == 0 {
			return '_'
		}
		return r
	}, name)
	if name == "" {
		return "rule"
	}
	return name
}

// cachePath returns the candidate cache file for a strategy.
func (o *Optimizer) cachePath(ruleID string, strategy Strategy) string {
	sub := "recommendations"
	if strategy == StrategyCherryPick {
		sub = "checkpoints"
	}
	return filepath.Join(o.cfg.Dir, sub, fmt.Sprintf("%s__%s.json", o.cfg.Variant, fileSafe(ruleID)))
}

// candidates returns cached recommendations or generates and caches new ones.
func (o *Optimizer) candidates(ctx context.Context, ruleID string, rule siem.Rule, strategy Strategy) ([]Recommendation, error) {
	path := o.cachePath(ruleID, strategy)
	if recs, err := loadCache(path); err == nil {
		o.logger.Info("loaded cached recommendations", "rule_id", ruleID, "path", path)
		return recs, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		o.logger.Warn("ignoring unreadable cache", "path", path, "error", err)
	}

	var extra map[string]string
	switch strategy {
	case StrategyUserSelect:
		evidence, err := o.evidence(ctx, ruleID, rule)
		if err != nil {
			return nil, err
		}
		extra = map[string]string{"CSPM Findings": evidence}
	case StrategyCherryPick:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}

	recs, err := o.recommend(ctx, ruleID, rule, extra)
	if err != nil {
		return nil, err
	}
	if err := saveCache(path, recs); err != nil {
		return nil, err
	}
	return recs, nil
}

const recommendSystemContext = "You are a principal security engineer working for a large enterprise. " +
	"Your KPIs for this quarter are to reduce the false positive rate of your SIEM. " +
	"You are an expert at writing and amending SIEM detection rules in order to improve the SIEM's false positive rate."

// recommend asks for N candidate rewrites and re-imposes every field other
// than queries, filters and cases from the original rule.
func (o *Optimizer) recommend(ctx context.Context, ruleID string, rule siem.Rule, extra map[string]string) ([]Recommendation, error) {
	schema, err := behavior.LoadSchema(behavior.SchemaRuleRecommendation)
	if err != nil {
		return nil, err
	}
	original, err := json.Marshal(rule)
	if err != nil {
		return nil, fmt.Errorf("optimizer: failed to encode rule: %w", err)
	}

	label := strings.ToUpper(string(o.cfg.Variant[:1])) + string(o.cfg.Variant[1:])
	var b strings.Builder
	fmt.Fprintf(&b, "Your objective is to suggest an improved %s SIEM rule.\n\n", label)
	fmt.Fprintf(&b, "Given the following original rule:\n```\n%s\n```\nwith id: %s\n\n", original, ruleID)
	if len(extra) > 0 {
		b.WriteString("And the following information about the rule:\n# Additional Context\n")
		for k, v := range extra {
			fmt.Fprintf(&b, "## %s\n%s\n\n", k, v)
		}
	}
	fmt.Fprintf(&b, "Your goal is to suggest a new %s SIEM rule that has a lower false positive rate than the original rule. ", label)
	fmt.Fprintf(&b, "The new rule will be sent to the %s SIEM to run in production.\n\n", label)
	b.WriteString("You MUST only amend the `queries`, `filters`, and `cases` fields of the rule.")

	resp, err := o.gen.Generate(ctx, generator.Request{
		Prompt:        b.String(),
		SystemContext: recommendSystemContext,
		Schema:        &schema,
		Temperature:   1,
		Shape:         generator.ShapeStructured,
		N:             o.cfg.Choices,
	})
	if err != nil {
		return nil, err
	}

	var recs []Recommendation
	for i, choice := range resp.Choices {
		var rec Recommendation
		if err := json.Unmarshal([]byte(choice), &rec); err != nil {
			o.logger.Warn("discarding malformed candidate", "rule_id", ruleID, "choice", i, "error", err)
			continue
		}
		rec.ID = "rec-" + uuid.NewString()
		rec.RuleID = ruleID
		rec.Rule = rule.WithMutableFrom(rec.Rule)
		if err := behavior.Validate(rec); err != nil {
			o.logger.Warn("discarding invalid candidate", "rule_id", ruleID, "choice", i, "error", err)
			continue
		}
		recs = append(recs, rec)
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("%w for rule %s", ErrNoCandidates, ruleID)
	}
	return recs, nil
}

const retrievalSystemContext = "You are an expert security content educator. " +
	"You are an expert at writing queries for information retrieval in a security context. " +
	"You always break down security content into concise questions that will guide an investigation."

type investigationQuery struct {
	TableName string `json:"table_name"`
	Query     string `json:"query"`
}

// evidence builds the CSPM context for a rule: generated retrieval queries,
// each answered by the top findings of the latest Prowler report.
func (o *Optimizer) evidence(ctx context.Context, ruleID string, rule siem.Rule) (string, error) {
	report, err := LatestReport(o.cfg.CSPMDir)
	if err != nil {
		return "", err
	}
	findings, err := LoadReport(report)
	if err != nil {
		return "", err
	}
	index := NewIndex(findings)

	queries, err := o.retrievalQueries(ctx, rule)
	if err != nil {
		return "", err
	}
	o.logger.Info("gathered retrieval queries", "rule_id", ruleID, "queries", len(queries), "report", filepath.Base(report))

	var b strings.Builder
	for _, q := range queries {
		table, err := findingsCSV(index.Search(q.Query, o.cfg.EvidencePerQuery))
		if err != nil {
			return "", fmt.Errorf("optimizer: failed to render evidence: %w", err)
		}
		fmt.Fprintf(&b, "### %s\n%s\n", q.Query, table)
	}
	return b.String(), nil
}

func (o *Optimizer) retrievalQueries(ctx context.Context, rule siem.Rule) ([]investigationQuery, error) {
	schema, err := behavior.LoadSchema(behavior.SchemaInvestigation)
	if err != nil {
		return nil, err
	}
	prompt := fmt.Sprintf("You have been given an alert with the following description:\n```\n%s\n```\n"+
		"Your task is to generate a list of 5-8 queries that will help determine whether the alert is a true or false positive.\n"+
		"Construct your queries under the assumption that they will retrieve information about the rule from a search index.\n"+
		"The available tables are: ['cspm_prowler'].", rule.Message)

	resp, err := o.gen.Generate(ctx, generator.Request{
		Prompt:        prompt,
		SystemContext: retrievalSystemContext,
		Schema:        &schema,
		Temperature:   0.5,
		Shape:         generator.ShapeStructured,
	})
	if err != nil {
		return nil, err
	}

	var wrapped struct {
		InvestigationQueries []investigationQuery `json:"InvestigationQueries"`
	}
	var queries []investigationQuery
	if err := resp.Decode(&wrapped); err == nil && wrapped.InvestigationQueries != nil {
		queries = wrapped.InvestigationQueries
	} else if err := resp.Decode(&queries); err != nil {
		return nil, fmt.Errorf("optimizer: malformed retrieval queries: %w", err)
	}

	kept := queries[:0]
	for _, q := range queries {
		if strings.TrimSpace(q.Query) != "" {
			kept = append(kept, q)
		}
	}
	if len(kept) > 8 {
		kept = kept[:8]
	}
	return kept, nil
}

func loadCache(path string) ([]Recommendation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var recs []Recommendation
	if err := json.Unmarshal(data, &recs); err != nil {
		return nil, fmt.Errorf("optimizer: malformed cache %s: %w", path, err)
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("optimizer: empty cache %s", path)
	}
	return recs, nil
}

func saveCache(path string, recs []Recommendation) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("optimizer: failed to create cache dir: %w", err)
	}
	data, err := json.MarshalIndent(recs, "", "    ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("optimizer: failed to write cache: %w", err)
	}
	return os.Rename(tmp, path)
}
