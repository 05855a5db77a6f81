package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"detection-lab/internal/behavior"
	"detection-lab/internal/config"
	"detection-lab/internal/coordinator"
	"detection-lab/internal/correlation"
	"detection-lab/internal/events"
	"detection-lab/internal/lab"
	"detection-lab/internal/middleware"
	"detection-lab/internal/optimizer"
	"detection-lab/internal/queue"
	"detection-lab/internal/siem"
	"detection-lab/internal/stats"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// fakeJobs emits two events per started job on the hub and finishes it.
type fakeJobs struct {
	mu   sync.Mutex
	hub  *events.Hub
	jobs map[string]coordinator.Job
	done map[string]chan struct{}
	hold chan struct{}
}

func newFakeJobs(hub *events.Hub) *fakeJobs {
	return &fakeJobs{hub: hub, jobs: map[string]coordinator.Job{}, done: map[string]chan struct{}{}}
}

func (f *fakeJobs) Start(req coordinator.Request) (coordinator.Job, error) {
	techniques, err := req.Techniques()
	if err != nil {
		return coordinator.Job{}, err
	}
	f.mu.Lock()
	id := req.UUID
	if id == "" {
		id = fmt.Sprintf("job-%d", len(f.jobs)+1)
	}
	if _, ok := f.jobs[id]; ok {
		f.mu.Unlock()
		return coordinator.Job{}, coordinator.ErrJobExists
	}
	job := coordinator.Job{ID: id, TechniqueIDs: techniques, Status: coordinator.StatusRunning}
	done := make(chan struct{})
	f.jobs[id], f.done[id] = job, done
	f.mu.Unlock()

	go func() {
		if f.hold != nil {
			<-f.hold
		}
		ctx := context.Background()
		f.hub.Emit(ctx, behavior.NewThoughtLog(id, "attacker", behavior.TagBackground, true, "red team"))
		f.hub.Emit(ctx, behavior.NewThoughtLog(id, "attacker", behavior.TagObjective, true, "steal the admin password"))
		f.mu.Lock()
		job := f.jobs[id]
		job.Status = coordinator.StatusTimedOut
		f.jobs[id] = job
		f.mu.Unlock()
		close(done)
	}()
	return job, nil
}

func (f *fakeJobs) Get(id string) (coordinator.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return job, fmt.Errorf("%w: %s", coordinator.ErrJobNotFound, id)
	}
	return job, nil
}

func (f *fakeJobs) List() []coordinator.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]coordinator.Job, 0, len(f.jobs))
	for _, j := range f.jobs {
		out = append(out, j)
	}
	return out
}

func (f *fakeJobs) Cancel(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return coordinator.ErrJobNotFound
	}
	job.Status = coordinator.StatusCancelled
	f.jobs[id] = job
	return nil
}

func (f *fakeJobs) Done(id string) (<-chan struct{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.done[id]
	if !ok {
		return nil, coordinator.ErrJobNotFound
	}
	return ch, nil
}

type fakeLab struct {
	got    lab.EvaluateRequest
	forced bool
	err    error
}

func (f *fakeLab) Evaluate(_ context.Context, req lab.EvaluateRequest) (lab.Results, error) {
	f.got = req
	if f.err != nil {
		return lab.Results{}, f.err
	}
	return lab.Results{
		Start:      req.Start,
		End:        req.End,
		RuleScores: correlation.ConfusionMatrix{TruePositive: 4, FalseNegative: 6},
	}, nil
}

func (f *fakeLab) Cleanup(_ context.Context, force bool) error {
	f.forced = force
	return nil
}

type fakeRules struct{}

func (fakeRules) ListRules(context.Context) ([]siem.DetectionRule, error) {
	return []siem.DetectionRule{{ID: "def-000-abc", Name: "EC2 password data", Source: "cloudtrail"}}, nil
}

func (fakeRules) GetRule(_ context.Context, id string) (siem.DetectionRule, error) {
	if id != "def-000-abc" {
		return siem.DetectionRule{}, &siem.APIError{Method: http.MethodGet, Path: "/rules/" + id, Status: http.StatusNotFound}
	}
	return siem.DetectionRule{ID: id, Rule: siem.Rule{Name: "EC2 password data"}}, nil
}

type fakeOptimizer struct {
	submitted []string
	full      bool
	results   map[string]optimizer.JobResult
}

func (f *fakeOptimizer) Submit(ruleID string, rule siem.Rule, strategy optimizer.Strategy) (string, error) {
	if f.full {
		return "", queue.ErrQueueFull
	}
	f.submitted = append(f.submitted, ruleID+":"+string(strategy))
	return "opt-1", nil
}

func (f *fakeOptimizer) Result(ruleID string) (optimizer.JobResult, bool) {
	r, ok := f.results[ruleID]
	return r, ok
}

func (f *fakeOptimizer) Job(jobID string) (optimizer.JobResult, bool) {
	for _, r := range f.results {
		if r.JobID == jobID {
			return r, true
		}
	}
	return optimizer.JobResult{}, false
}

type testServer struct {
	handler   http.Handler
	jobs      *fakeJobs
	lab       *fakeLab
	optimizer *fakeOptimizer
	eventsDir string
	statsDir  string
}

var fixedNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	hub := events.NewHub()
	t.Cleanup(func() { hub.Close() })

	statsStore, err := stats.NewStore(t.TempDir(), nil, quiet())
	if err != nil {
		t.Fatal(err)
	}
	ts := &testServer{
		jobs:      newFakeJobs(hub),
		lab:       &fakeLab{},
		optimizer: &fakeOptimizer{results: map[string]optimizer.JobResult{}},
		eventsDir: t.TempDir(),
		statsDir:  statsStore.Dir(),
	}
	statsStore.RecordAction("ec2:DescribeInstances", false)
	statsStore.RecordAction("ec2:GetPasswordData", true)

	cfg := config.DefaultConfig()
	srv := NewServer(cfg, Deps{
		Jobs:      ts.jobs,
		Streams:   hub,
		EventsDir: ts.eventsDir,
		Lab:       ts.lab,
		Feed:      statsStore,
		Rules:     fakeRules{},
		Optimizer: ts.optimizer,
		Metrics:   http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { io.WriteString(w, "lab_jobs_running 0\n") }),
		Logger:    quiet(),
		Now:       func() time.Time { return fixedNow },
	})
	ts.handler = srv.Handler(cfg, nil)
	return ts
}

func (ts *testServer) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, httptest.NewRequest(method, target, r))
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK || decode[map[string]string](t, rec)["status"] != "ok" {
		t.Errorf("GET /health = %d", rec.Code)
	}
	rec = ts.do(t, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "lab_jobs_running") {
		t.Errorf("GET /metrics = %d %s", rec.Code, rec.Body.String())
	}
}

func TestCreateJob(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantCode int
	}{
		{"scenario", `{"scenario_id":"ec2-brute-force","timeout":600}`, http.StatusAccepted},
		{"techniques", `{"technique_ids":["aws.exfiltration.ec2-share-ami"]}`, http.StatusAccepted},
		{"malformed", `{"scenario_id":`, http.StatusBadRequest},
		{"unknown scenario", `{"scenario_id":"nope"}`, http.StatusBadRequest},
		{"unknown technique", `{"technique_ids":["aws.nope"]}`, http.StatusBadRequest},
		{"nothing requested", `{}`, http.StatusBadRequest},
		{"timeout too large", `{"scenario_id":"ec2-brute-force","timeout":100000}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			rec := ts.do(t, http.MethodPost, "/v1/jobs", tt.body)
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.wantCode, rec.Body.String())
			}
			if tt.wantCode == http.StatusAccepted {
				if id := decode[map[string]string](t, rec)["job_id"]; id == "" {
					t.Error("missing job_id")
				}
			} else if decode[APIError](t, rec).Code != "INVALID_REQUEST" {
				t.Error("expected INVALID_REQUEST code")
			}
		})
	}
}

func TestJobLifecycle(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/v1/jobs", `{"uuid":"j-1","scenario_id":"ec2-brute-force"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("create = %d", rec.Code)
	}

	if rec := ts.do(t, http.MethodPost, "/v1/jobs", `{"uuid":"j-1","scenario_id":"ec2-brute-force"}`); rec.Code != http.StatusConflict {
		t.Errorf("duplicate create = %d, want 409", rec.Code)
	}

	rec = ts.do(t, http.MethodGet, "/v1/jobs/j-1", "")
	if rec.Code != http.StatusOK || decode[coordinator.Job](t, rec).ID != "j-1" {
		t.Errorf("get = %d", rec.Code)
	}

	rec = ts.do(t, http.MethodGet, "/v1/jobs", "")
	if jobs := decode[[]coordinator.Job](t, rec); len(jobs) != 1 {
		t.Errorf("list = %+v", jobs)
	}

	rec = ts.do(t, http.MethodDelete, "/v1/jobs/j-1", "")
	if rec.Code != http.StatusOK || decode[coordinator.Job](t, rec).Status != coordinator.StatusCancelled {
		t.Errorf("cancel = %d", rec.Code)
	}

	rec = ts.do(t, http.MethodGet, "/v1/jobs/missing", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("get missing = %d, want 404", rec.Code)
	}
}

func TestJobEventsReplay(t *testing.T) {
	ts := newTestServer(t)
	lines := `{"uuid":"j-1","tag":"background"}` + "\n" + `{"uuid":"j-1","tag":"action"}` + "\n"
	if err := os.WriteFile(filepath.Join(ts.eventsDir, "j-1.ndjson"), []byte(lines), 0o644); err != nil {
		t.Fatal(err)
	}

	rec := ts.do(t, http.MethodGet, "/v1/jobs/j-1/events", "")
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "application/x-ndjson" {
		t.Fatalf("replay = %d %s", rec.Code, rec.Header().Get("Content-Type"))
	}
	if rec.Body.String() != lines {
		t.Errorf("body = %q", rec.Body.String())
	}

	for _, id := range []string{"missing", "bad.id"} {
		if rec := ts.do(t, http.MethodGet, "/v1/jobs/"+id+"/events", ""); rec.Code != http.StatusNotFound {
			t.Errorf("replay %s = %d, want 404", id, rec.Code)
		}
	}
}

func TestJobStream(t *testing.T) {
	ts := newTestServer(t)
	ts.jobs.hold = make(chan struct{})
	srv := httptest.NewServer(ts.handler)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/jobs/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	if err := conn.WriteJSON(map[string]any{"uuid": "ws-1", "scenario_id": "ec2-brute-force", "timeout": 2}); err != nil {
		t.Fatal(err)
	}
	var created map[string]string
	if err := conn.ReadJSON(&created); err != nil || created["job_id"] != "ws-1" {
		t.Fatalf("created = %v, %v", created, err)
	}
	close(ts.jobs.hold)

	var tags []behavior.Tag
	for {
		var log behavior.ThoughtLog
		err := conn.ReadJSON(&log)
		if err != nil {
			var closeErr *websocket.CloseError
			if !errors.As(err, &closeErr) || closeErr.Code != websocket.CloseNormalClosure {
				t.Fatalf("read: %v", err)
			}
			if closeErr.Text != string(coordinator.StatusTimedOut) {
				t.Errorf("close reason = %q, want %q", closeErr.Text, coordinator.StatusTimedOut)
			}
			break
		}
		if log.UUID != "ws-1" {
			t.Errorf("event for job %s", log.UUID)
		}
		tags = append(tags, log.Tag)
	}
	if len(tags) != 2 || tags[0] != behavior.TagBackground || tags[1] != behavior.TagObjective {
		t.Errorf("streamed tags = %v", tags)
	}
}

func TestJobStreamRejectsBadRequest(t *testing.T) {
	ts := newTestServer(t)
	srv := httptest.NewServer(ts.handler)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/jobs/ws", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	conn.WriteJSON(map[string]any{"scenario_id": "nope"})

	var apiErr APIError
	if err := conn.ReadJSON(&apiErr); err != nil || apiErr.Code != "INVALID_REQUEST" {
		t.Fatalf("error reply = %+v, %v", apiErr, err)
	}
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Errorf("expected policy violation close, got %v", err)
	}
}

func TestLabResults(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/v1/lab?buffer=3600", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if !ts.lab.got.Start.Equal(fixedNow.Add(-time.Hour)) || !ts.lab.got.End.Equal(fixedNow.Add(time.Hour)) {
		t.Errorf("window = %s..%s", ts.lab.got.Start, ts.lab.got.End)
	}
	if res := decode[lab.Results](t, rec); res.RuleScores.TruePositive != 4 {
		t.Errorf("results = %+v", res)
	}

	ts.do(t, http.MethodGet, "/v1/lab", "")
	if !ts.lab.got.Start.Equal(fixedNow.Add(-6 * time.Hour)) {
		t.Errorf("default window start = %s", ts.lab.got.Start)
	}

	if rec := ts.do(t, http.MethodGet, "/v1/lab?buffer=soon", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad buffer = %d, want 400", rec.Code)
	}

	ts.do(t, http.MethodGet, "/v1/lab?account_id=123456789012&bucket_name=trail&regions=us-east-1,us-west-2&regions=eu-west-1", "")
	got := ts.lab.got
	if got.AccountID != "123456789012" || got.Bucket != "trail" {
		t.Errorf("account/bucket = %q/%q", got.AccountID, got.Bucket)
	}
	if want := []string{"us-east-1", "us-west-2", "eu-west-1"}; !slices.Equal(got.Regions, want) {
		t.Errorf("regions = %v, want %v", got.Regions, want)
	}
	ts.do(t, http.MethodGet, "/v1/lab", "")
	if ts.lab.got.AccountID != "" || ts.lab.got.Regions != nil {
		t.Errorf("defaults overridden: %+v", ts.lab.got)
	}

	ts.lab.err = fmt.Errorf("%w: evaluation", lab.ErrNotConfigured)
	if rec := ts.do(t, http.MethodGet, "/v1/lab", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("unconfigured = %d, want 503", rec.Code)
	}
}

func TestLabCleanup(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodDelete, "/v1/lab?force=true", "")
	if rec.Code != http.StatusOK || !ts.lab.forced {
		t.Errorf("cleanup = %d, forced = %v", rec.Code, ts.lab.forced)
	}
}

func TestFeed(t *testing.T) {
	ts := newTestServer(t)
	tests := []struct {
		target string
		want   int
	}{
		{"/v1/feed/statistics/STAT-0005", http.StatusOK},
		{"/v1/feed/statistics/STAT-0006", http.StatusOK},
		{"/v1/feed/statistics/STAT-9999", http.StatusNotFound},
		{"/v1/feed/statistics/bogus", http.StatusBadRequest},
		{"/v1/feed/events", http.StatusOK},
		{"/v1/feed/events?id=bogus", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			if rec := ts.do(t, http.MethodGet, tt.target, ""); rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}

	rec := ts.do(t, http.MethodGet, "/v1/feed/statistics/STAT-0006", "")
	if got := decode[stats.FeedUpdate](t, rec); got.Value != 50 {
		t.Errorf("STAT-0006 = %v, want 50", got.Value)
	}
	rec = ts.do(t, http.MethodGet, "/v1/feed/events", "")
	body := decode[struct {
		ID   string         `json:"id"`
		Data map[string]int `json:"data"`
	}](t, rec)
	if body.ID != DefaultGraphID || body.Data["ec2:GetPasswordData"] != 1 {
		t.Errorf("distribution = %+v", body)
	}
}

func TestAutotune(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/v1/autotune/rules", "")
	if rules := decode[[]siem.DetectionRule](t, rec); len(rules) != 1 {
		t.Errorf("rules = %+v", rules)
	}

	rec = ts.do(t, http.MethodGet, "/v1/autotune/rules/def-000-abc", "")
	if rec.Code != http.StatusOK || decode[siem.DetectionRule](t, rec).Rule.Name != "EC2 password data" {
		t.Errorf("GET rule = %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodGet, "/v1/autotune/rules/missing", ""); rec.Code != http.StatusNotFound {
		t.Errorf("GET missing rule = %d, want 404", rec.Code)
	}

	rec = ts.do(t, http.MethodPost, "/v1/autotune/rules/def-000-abc/optimize?strategy=cherry_pick", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("optimize = %d: %s", rec.Code, rec.Body.String())
	}
	if len(ts.optimizer.submitted) != 1 || ts.optimizer.submitted[0] != "def-000-abc:cherry_pick" {
		t.Errorf("submitted = %v", ts.optimizer.submitted)
	}

	cases := []struct {
		target string
		want   int
	}{
		{"/v1/autotune/rules/def-000-abc/optimize?strategy=random", http.StatusBadRequest},
		{"/v1/autotune/rules/missing/optimize", http.StatusNotFound},
	}
	for _, c := range cases {
		if rec := ts.do(t, http.MethodPost, c.target, ""); rec.Code != c.want {
			t.Errorf("POST %s = %d, want %d", c.target, rec.Code, c.want)
		}
	}

	ts.optimizer.full = true
	if rec := ts.do(t, http.MethodPost, "/v1/autotune/rules/def-000-abc/optimize", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("full queue = %d, want 503", rec.Code)
	}

	if rec := ts.do(t, http.MethodGet, "/v1/autotune/rules/def-000-abc/results", ""); rec.Code != http.StatusNotFound {
		t.Errorf("results before run = %d, want 404", rec.Code)
	}
	ts.optimizer.results["def-000-abc"] = optimizer.JobResult{JobID: "opt-1", RuleID: "def-000-abc", Status: optimizer.JobSucceeded}
	rec = ts.do(t, http.MethodGet, "/v1/autotune/rules/def-000-abc/results", "")
	if rec.Code != http.StatusOK || decode[optimizer.JobResult](t, rec).Status != optimizer.JobSucceeded {
		t.Errorf("results = %d", rec.Code)
	}
	rec = ts.do(t, http.MethodGet, "/v1/autotune/jobs/opt-1", "")
	if rec.Code != http.StatusOK || decode[optimizer.JobResult](t, rec).RuleID != "def-000-abc" {
		t.Errorf("job = %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodGet, "/v1/autotune/jobs/opt-2", ""); rec.Code != http.StatusNotFound {
		t.Errorf("missing job = %d, want 404", rec.Code)
	}
}

func TestUnconfiguredRoutes(t *testing.T) {
	srv := NewServer(config.DefaultConfig(), Deps{Logger: quiet()})
	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	for _, target := range []string{"/v1/jobs", "/v1/lab", "/v1/feed/events", "/v1/autotune/rules"} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("GET %s = %d, want 503", target, rec.Code)
		}
	}
}

func TestHandlerAppliesAuthAndRateLimit(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Auth = config.AuthConfig{Enabled: true, APIKeyHeader: "X-API-Key", APIKeys: []string{"secret"}}
	cfg.RateLimit = config.RateLimitConfig{Enabled: true, RequestsPerIP: 1, WindowSize: time.Minute}
	limiter := middleware.NewRateLimiter(cfg.RateLimit, quiet())
	defer limiter.Stop()

	h := NewServer(cfg, Deps{Logger: quiet()}).Handler(cfg, limiter)

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no key = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/jobs", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("second request = %d, want 429", rec.Code)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("wrap: %w", coordinator.ErrUnknownTechnique), http.StatusBadRequest},
		{coordinator.ErrJobNotFound, http.StatusNotFound},
		{siem.ErrRateLimitExhausted, http.StatusBadGateway},
		{&siem.APIError{Status: http.StatusForbidden}, http.StatusBadGateway},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got, _ := classify(tt.err); got != tt.want {
			t.Errorf("classify(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
