// Package api provides the HTTP client the TUI uses against the lab server.
package api

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Client handles API communication with the lab server
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// HealthResponse represents health check response
type HealthResponse struct {
	Status string `json:"status"`
}

// Job is a simulation job as listed by the server
type Job struct {
	ID           string     `json:"id"`
	TechniqueIDs []string   `json:"technique_ids"`
	ScenarioID   string     `json:"scenario_id,omitempty"`
	UserCount    int        `json:"user_count"`
	Status       string     `json:"status"`
	Stage        int        `json:"stage"`
	Error        string     `json:"error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// Event is one entry of a job's event stream
type Event struct {
	UUID          string          `json:"uuid"`
	UserName      string          `json:"user_name"`
	Thought       json.RawMessage `json:"thought"`
	Tag           string          `json:"tag"`
	IsCompromised bool            `json:"is_compromised"`
	Time          string          `json:"time"`
}

// Statistic is a single feed statistic
type Statistic struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Value       float64 `json:"value"`
	Description string  `json:"description"`
	Units       string  `json:"units,omitempty"`
}

// RuleScores is the confusion matrix of an evaluation
type RuleScores struct {
	TruePositive  int `json:"true_positive"`
	FalsePositive int `json:"false_positive"`
	TrueNegative  int `json:"true_negative"`
	FalseNegative int `json:"false_negative"`
}

// EventCount is one row of an evaluation's event breakdown
type EventCount struct {
	EventName string  `json:"eventName"`
	Count     int     `json:"count"`
	Percent   float64 `json:"percent"`
}

// Results is the lab evaluation report
type Results struct {
	Start       time.Time    `json:"start"`
	End         time.Time    `json:"end"`
	AccountID   string       `json:"account_id"`
	RuleScores  RuleScores   `json:"rule_scores"`
	EventCounts []EventCount `json:"event_counts"`
}

// Summary combines what the dashboard shows
type Summary struct {
	Healthy       bool
	StatusReason  string
	Actions       *Statistic
	Compromised   *Statistic
	Results       *Results
	ResultsReason string
}

// errorBody mirrors the server's error envelope
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details"`
}

// NewClient creates a new API client
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// WithAPIKey sets the key sent in the X-API-Key header
func (c *Client) WithAPIKey(key string) *Client {
	c.apiKey = key
	return c
}

func (c *Client) get(path string) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connection failed: %w", err)
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		var body errorBody
		if json.NewDecoder(resp.Body).Decode(&body) == nil && body.Details != "" {
			return nil, fmt.Errorf("%s: %s", resp.Status, body.Details)
		}
		return nil, fmt.Errorf("unexpected status: %s", resp.Status)
	}
	return resp, nil
}

func (c *Client) getJSON(path string, v any) error {
	resp, err := c.get(path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// GetHealth fetches health status
func (c *Client) GetHealth() (*HealthResponse, error) {
	var health HealthResponse
	if err := c.getJSON("/health", &health); err != nil {
		return nil, err
	}
	return &health, nil
}

// GetJobs lists simulation jobs
func (c *Client) GetJobs() ([]Job, error) {
	var jobs []Job
	if err := c.getJSON("/v1/jobs", &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// GetJobEvents replays the recorded events of a job
func (c *Client) GetJobEvents(id string) ([]Event, error) {
	resp, err := c.get("/v1/jobs/" + url.PathEscape(id) + "/events")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out []Event
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		out = append(out, ev)
	}
	if err := scanner.Err(); err != nil {
		return out, fmt.Errorf("failed to read events: %w", err)
	}
	return out, nil
}

// GetStatistic fetches one feed statistic
func (c *Client) GetStatistic(id string) (*Statistic, error) {
	var stat Statistic
	if err := c.getJSON("/v1/feed/statistics/"+url.PathEscape(id), &stat); err != nil {
		return nil, err
	}
	return &stat, nil
}

// GetResults evaluates the lab around now
func (c *Client) GetResults() (*Results, error) {
	var res Results
	if err := c.getJSON("/v1/lab", &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// GetSummary fetches combined data for the dashboard. Individual failures
// are folded into the summary rather than returned. The lab evaluation is
// only requested when withResults is set.
func (c *Client) GetSummary(withResults bool) (*Summary, error) {
	sum := &Summary{StatusReason: "Unable to connect to backend"}

	health, err := c.GetHealth()
	if err != nil {
		sum.StatusReason = err.Error()
		return sum, nil
	}
	sum.Healthy = health.Status == "ok"
	if sum.Healthy {
		sum.StatusReason = "Lab server reachable"
	} else {
		sum.StatusReason = "Server reports " + health.Status
	}

	if stat, err := c.GetStatistic("STAT-0005"); err == nil {
		sum.Actions = stat
	}
	if stat, err := c.GetStatistic("STAT-0006"); err == nil {
		sum.Compromised = stat
	}
	if !withResults {
		return sum, nil
	}
	res, err := c.GetResults()
	if err != nil {
		sum.ResultsReason = err.Error()
	} else {
		sum.Results = res
	}
	return sum, nil
}
