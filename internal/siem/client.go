// Package siem is a client for the Datadog security monitoring and log
// search APIs.
package siem

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"detection-lab/internal/behavior"
	"detection-lab/internal/logstore"
)

var (
	// ErrRateLimited is returned by a single request answered with 429.
	ErrRateLimited = errors.New("siem: rate limited")

	// ErrRateLimitExhausted is returned once the retry ceiling is hit.
	ErrRateLimitExhausted = errors.New("siem: rate limit retries exhausted")
)

// APIError is a non-2xx response other than 429.
type APIError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("siem: %s %s returned %d: %s", e.Method, e.Path, e.Status, e.Body)
}

// Config holds SIEM client configuration.
type Config struct {
	// Site is the Datadog site, e.g. datadoghq.com or us5.datadoghq.com.
	Site   string `yaml:"site"`
	APIKey string `yaml:"api_key"`
	AppKey string `yaml:"app_key"`
	// BaseURL overrides the URL derived from Site.
	BaseURL string `yaml:"base_url"`

	Timeout       time.Duration `yaml:"timeout"`
	PageLimit     int           `yaml:"page_limit"`
	MaxPages      int           `yaml:"max_pages"`
	MaxRetries    int           `yaml:"max_retries"`
	PagePause     time.Duration `yaml:"page_pause"`
	RulePageSize  int           `yaml:"rule_page_size"`
	RuleMaxPages  int           `yaml:"rule_max_pages"`
	SignalsFilter string        `yaml:"signals_filter"`
}

// DefaultConfig returns the default SIEM client configuration.
func DefaultConfig() Config {
	return Config{
		Site:          "datadoghq.com",
		Timeout:       30 * time.Second,
		PageLimit:     1000,
		MaxPages:      100,
		MaxRetries:    10,
		PagePause:     time.Second,
		RulePageSize:  100,
		RuleMaxPages:  15,
		SignalsFilter: "source:cloudtrail",
	}
}

// URL returns the API base URL.
func (c Config) URL() string {
	if c.BaseURL != "" {
		return strings.TrimRight(c.BaseURL, "/")
	}
	return "https://api." + c.Site
}

// Validate checks if the configuration is valid.
func (c Config) Validate() error {
	if c.APIKey == "" || c.AppKey == "" {
		return errors.New("siem: api key and application key are required")
	}
	if c.Site == "" && c.BaseURL == "" {
		return errors.New("siem: site is required")
	}
	return nil
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Client calls the SIEM HTTP API.
type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
	sleep      Sleeper
	logger     *slog.Logger
	metrics    *clientMetrics
}

type clientMetrics struct {
	requests    atomic.Int64
	rateLimited atomic.Int64
	failures    atomic.Int64
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.httpClient = hc } }

// WithSleeper replaces the context-aware sleep used for rate limits and
// page pauses.
func WithSleeper(s Sleeper) Option { return func(c *Client) { c.sleep = s } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(c *Client) { c.logger = l } }

// NewClient creates a new SIEM client.
func NewClient(cfg Config, opts ...Option) *Client {
	c := &Client{
		cfg:        cfg,
		baseURL:    cfg.URL(),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		sleep:      sleepCtx,
		logger:     slog.Default(),
		metrics:    &clientMetrics{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.cfg.MaxRetries <= 0 {
		c.cfg.MaxRetries = 1
	}
	c.logger = c.logger.With("component", "siem")
	return c
}

// do sends one request, sleeping X-RateLimit-Reset seconds and retrying on
// 429 up to the configured ceiling.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("siem: failed to encode request: %w", err)
		}
	}
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		wait, err := c.once(ctx, method, target, path, payload, out)
		if !errors.Is(err, ErrRateLimited) {
			return err
		}
		c.metrics.rateLimited.Add(1)
		c.logger.Info("rate limited", "path", path, "attempt", attempt+1, "wait", wait)
		if err := c.sleep(ctx, wait); err != nil {
			return err
		}
	}
	c.metrics.failures.Add(1)
	return fmt.Errorf("%w: %s %s after %d attempts", ErrRateLimitExhausted, method, path, c.cfg.MaxRetries)
}

func (c *Client) once(ctx context.Context, method, target, path string, payload []byte, out any) (time.Duration, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("DD-API-KEY", c.cfg.APIKey)
	req.Header.Set("DD-APPLICATION-KEY", c.cfg.AppKey)

	c.metrics.requests.Add(1)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.failures.Add(1)
		return 0, fmt.Errorf("siem: %s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		io.Copy(io.Discard, resp.Body)
		return resetAfter(resp.Header), ErrRateLimited
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return 0, fmt.Errorf("siem: failed to read response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		c.metrics.failures.Add(1)
		snippet := string(data)
		if len(snippet) > 512 {
			snippet = snippet[:512]
		}
		return 0, &APIError{Method: method, Path: path, Status: resp.StatusCode, Body: snippet}
	}
	if out == nil {
		return 0, nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return 0, fmt.Errorf("siem: failed to decode %s response: %w", path, err)
	}
	return 0, nil
}

func resetAfter(h http.Header) time.Duration {
	if secs, err := strconv.Atoi(strings.TrimSpace(h.Get("X-RateLimit-Reset"))); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return time.Second
}

// ListRules returns deduplicated log detection rules sorted by source,
// tactic and technique.
func (c *Client) ListRules(ctx context.Context) ([]DetectionRule, error) {
	seen := make(map[string]bool)
	var rules []DetectionRule
	for page := 0; page < c.cfg.RuleMaxPages; page++ {
		var resp struct {
			Data []ruleItem `json:"data"`
		}
		q := url.Values{}
		q.Set("page[size]", strconv.Itoa(c.cfg.RulePageSize))
		q.Set("page[number]", strconv.Itoa(page))
		if err := c.do(ctx, http.MethodGet, "/api/v2/security_monitoring/rules", q, nil, &resp); err != nil {
			return nil, err
		}
		for _, item := range resp.Data {
			if seen[item.ID] || item.Type != RuleTypeLogDetection {
				seen[item.ID] = true
				continue
			}
			seen[item.ID] = true
			rules = append(rules, item.detection())
		}
		if len(resp.Data) < c.cfg.RulePageSize {
			break
		}
	}

	slices.SortStableFunc(rules, func(a, b DetectionRule) int {
		return cmp.Or(
			cmp.Compare(a.Source, b.Source),
			cmp.Compare(a.Tactic, b.Tactic),
			cmp.Compare(a.Technique, b.Technique),
		)
	})
	c.logger.Debug("listed rules", "count", len(rules))
	return rules, nil
}

// GetRule returns one rule by id.
func (c *Client) GetRule(ctx context.Context, id string) (DetectionRule, error) {
	var item ruleItem
	if err := c.do(ctx, http.MethodGet, "/api/v2/security_monitoring/rules/"+url.PathEscape(id), nil, nil, &item); err != nil {
		return DetectionRule{}, err
	}
	return item.detection(), nil
}

// UpdateRule replaces a rule definition.
func (c *Client) UpdateRule(ctx context.Context, id string, rule Rule) (DetectionRule, error) {
	var item ruleItem
	if err := c.do(ctx, http.MethodPut, "/api/v2/security_monitoring/rules/"+url.PathEscape(id), nil, rule, &item); err != nil {
		return DetectionRule{}, err
	}
	c.logger.Info("updated rule", "rule_id", id)
	return item.detection(), nil
}

type searchFilter struct {
	Query string `json:"query"`
	From  string `json:"from"`
	To    string `json:"to"`
}

type searchPage struct {
	Limit  int    `json:"limit,omitempty"`
	Cursor string `json:"cursor,omitempty"`
}

type searchRequest struct {
	Filter searchFilter `json:"filter"`
	Page   searchPage   `json:"page"`
	Sort   string       `json:"sort,omitempty"`
}

type searchResponse struct {
	Data []json.RawMessage `json:"data"`
	Meta struct {
		Page struct {
			After string `json:"after"`
		} `json:"page"`
	} `json:"meta"`
}

const timeLayout = "2006-01-02T15:04:05+00:00"

// paginate follows meta.page.after cursors, pausing between pages, until no
// cursor or no data is returned or the page ceiling is reached.
func (c *Client) paginate(ctx context.Context, path, query string, start, end time.Time, fn func([]json.RawMessage) error) error {
	body := searchRequest{
		Filter: searchFilter{
			Query: query,
			From:  start.UTC().Format(timeLayout),
			To:    end.UTC().Format(timeLayout),
		},
		Page: searchPage{Limit: c.cfg.PageLimit},
	}
	for page := 0; ; page++ {
		if c.cfg.MaxPages > 0 && page >= c.cfg.MaxPages {
			c.logger.Warn("page ceiling reached", "path", path, "pages", page)
			return nil
		}
		if page > 0 {
			if err := c.sleep(ctx, c.cfg.PagePause); err != nil {
				return err
			}
		}
		var resp searchResponse
		if err := c.do(ctx, http.MethodPost, path, nil, body, &resp); err != nil {
			return err
		}
		if len(resp.Data) == 0 {
			return nil
		}
		if err := fn(resp.Data); err != nil {
			return err
		}
		if resp.Meta.Page.After == "" {
			return nil
		}
		body.Page.Cursor = resp.Meta.Page.After
	}
}

type signal struct {
	ID         string `json:"id"`
	Attributes struct {
		Timestamp  string `json:"timestamp"`
		Attributes struct {
			EventTime    string `json:"eventTime"`
			Status       string `json:"status"`
			UserIdentity struct {
				ARN         string `json:"arn"`
				AccessKeyID string `json:"accessKeyId"`
			} `json:"userIdentity"`
			Workflow struct {
				Rule struct {
					ID            string `json:"id"`
					DefaultRuleID string `json:"defaultRuleId"`
					Name          string `json:"name"`
				} `json:"rule"`
			} `json:"workflow"`
		} `json:"attributes"`
	} `json:"attributes"`
}

func (s signal) alert() logstore.Alert {
	inner := s.Attributes.Attributes
	ruleID := cmp.Or(inner.Workflow.Rule.DefaultRuleID, inner.Workflow.Rule.ID)
	return logstore.Alert{
		RuleID:      ruleID,
		RuleName:    inner.Workflow.Rule.Name,
		ARN:         inner.UserIdentity.ARN,
		AccessKeyID: inner.UserIdentity.AccessKeyID,
		EventTime:   eventTime(cmp.Or(inner.EventTime, s.Attributes.Timestamp)),
		Severity:    inner.Status,
	}
}

// eventTime normalizes an RFC 3339 timestamp to the CloudTrail layout.
func eventTime(s string) string {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return s
	}
	return t.UTC().Format(behavior.EventTimeFormat)
}

// SearchAlerts returns CloudTrail signals raised in [start, end].
func (c *Client) SearchAlerts(ctx context.Context, start, end time.Time) ([]logstore.Alert, error) {
	var alerts []logstore.Alert
	err := c.paginate(ctx, "/api/v2/security_monitoring/signals/search", c.cfg.SignalsFilter, start, end,
		func(items []json.RawMessage) error {
			for _, raw := range items {
				var s signal
				if err := json.Unmarshal(raw, &s); err != nil {
					return fmt.Errorf("siem: malformed signal: %w", err)
				}
				alerts = append(alerts, s.alert())
			}
			return nil
		})
	if err != nil {
		return nil, err
	}
	c.logger.Info("fetched alerts", "count", len(alerts))
	return alerts, nil
}

type logEvent struct {
	ID         string `json:"id"`
	Attributes struct {
		Timestamp  string          `json:"timestamp"`
		Service    string          `json:"service"`
		Host       string          `json:"host"`
		Message    string          `json:"message"`
		Attributes json.RawMessage `json:"attributes"`
	} `json:"attributes"`
}

// SearchLogs returns every log matching query in [start, end].
func (c *Client) SearchLogs(ctx context.Context, query string, start, end time.Time) ([]logstore.LogHit, error) {
	var hits []logstore.LogHit
	err := c.paginate(ctx, "/api/v2/logs/events/search", query, start, end,
		func(items []json.RawMessage) error {
			for _, raw := range items {
				var ev logEvent
				if err := json.Unmarshal(raw, &ev); err != nil {
					return fmt.Errorf("siem: malformed log: %w", err)
				}
				hits = append(hits, logstore.LogHit{
					ID:         ev.ID,
					Timestamp:  ev.Attributes.Timestamp,
					Service:    ev.Attributes.Service,
					Host:       ev.Attributes.Host,
					Message:    ev.Attributes.Message,
					Attributes: string(ev.Attributes.Attributes),
				})
			}
			return nil
		})
	if err != nil {
		return nil, err
	}
	c.logger.Debug("log search finished", "query", query, "hits", len(hits))
	return hits, nil
}

// Metrics contains SIEM client counters.
type Metrics struct {
	Requests    int64 `json:"requests"`
	RateLimited int64 `json:"rate_limited"`
	Failures    int64 `json:"failures"`
}

// GetMetrics returns current client metrics.
func (c *Client) GetMetrics() Metrics {
	return Metrics{
		Requests:    c.metrics.requests.Load(),
		RateLimited: c.metrics.rateLimited.Load(),
		Failures:    c.metrics.failures.Load(),
	}
}
