package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"detection-lab/internal/lab"
	"detection-lab/internal/optimizer"
	"detection-lab/internal/siem"
)

// DefaultGraphID is the api-call distribution served by /v1/feed/events.
const DefaultGraphID = "GRAPH-0001"

// handleLabResults evaluates the window now±buffer seconds. account_id,
// bucket_name and regions override the lab defaults; regions is comma
// separated or repeated.
func (s *Server) handleLabResults(w http.ResponseWriter, r *http.Request) {
	if s.deps.Lab == nil {
		unavailable(w, "lab")
		return
	}
	q := r.URL.Query()
	buffer := s.labBuffer
	if v := q.Get("buffer"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs <= 0 {
			s.writeError(w, r, fmt.Errorf("%w: buffer must be a positive number of seconds", errInvalidRequest))
			return
		}
		buffer = time.Duration(secs) * time.Second
	}
	now := s.now().UTC()
	req := lab.EvaluateRequest{
		Start:     now.Add(-buffer),
		End:       now.Add(buffer),
		AccountID: q.Get("account_id"),
		Bucket:    q.Get("bucket_name"),
		Regions:   regions(q["regions"]),
		Triage:    q.Get("triage") == "true",
	}
	res, err := s.deps.Lab.Evaluate(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func regions(values []string) []string {
	var out []string
	for _, v := range values {
		for _, region := range strings.Split(v, ",") {
			if region = strings.TrimSpace(region); region != "" {
				out = append(out, region)
			}
		}
	}
	return out
}

func (s *Server) handleLabCleanup(w http.ResponseWriter, r *http.Request) {
	if s.deps.Lab == nil {
		unavailable(w, "lab")
		return
	}
	force := r.URL.Query().Get("force") == "true"
	if err := s.deps.Lab.Cleanup(r.Context(), force); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "destroyed", "force": force})
}

func (s *Server) handleStatistic(w http.ResponseWriter, r *http.Request) {
	if s.deps.Feed == nil {
		unavailable(w, "statistics")
		return
	}
	update, err := s.deps.Feed.Feed(r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, update)
}

func (s *Server) handleEventDistribution(w http.ResponseWriter, r *http.Request) {
	if s.deps.Feed == nil {
		unavailable(w, "statistics")
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		id = DefaultGraphID
	}
	counts, err := s.deps.Feed.Distribution(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "data": counts})
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	if s.deps.Rules == nil {
		unavailable(w, "siem")
		return
	}
	rules, err := s.deps.Rules.ListRules(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if rules == nil {
		rules = []siem.DetectionRule{}
	}
	writeJSON(w, http.StatusOK, rules)
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	if s.deps.Rules == nil {
		unavailable(w, "siem")
		return
	}
	rule, err := s.deps.Rules.GetRule(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// optimizeAccepted is the reply to a queued optimization.
type optimizeAccepted struct {
	JobID    string              `json:"job_id"`
	RuleID   string              `json:"rule_id"`
	Strategy optimizer.Strategy  `json:"strategy"`
	Status   optimizer.JobStatus `json:"status"`
}

func (s *Server) handleOptimize(w http.ResponseWriter, r *http.Request) {
	if s.deps.Rules == nil || s.deps.Optimizer == nil {
		unavailable(w, "optimizer")
		return
	}
	ruleID := r.PathValue("id")
	strategy, err := optimizer.ParseStrategy(r.URL.Query().Get("strategy"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rule, err := s.deps.Rules.GetRule(r.Context(), ruleID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	jobID, err := s.deps.Optimizer.Submit(ruleID, rule.Rule, strategy)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("optimization queued", "rule_id", ruleID, "strategy", strategy, "job_id", jobID)
	writeJSON(w, http.StatusAccepted, optimizeAccepted{
		JobID:    jobID,
		RuleID:   ruleID,
		Strategy: strategy,
		Status:   optimizer.JobQueued,
	})
}

func (s *Server) handleOptimizeResults(w http.ResponseWriter, r *http.Request) {
	if s.deps.Optimizer == nil {
		unavailable(w, "optimizer")
		return
	}
	ruleID := r.PathValue("id")
	res, ok := s.deps.Optimizer.Result(ruleID)
	if !ok {
		s.writeError(w, r, fmt.Errorf("%w: no optimization for rule %s", errNotFound, ruleID))
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleOptimizeJob(w http.ResponseWriter, r *http.Request) {
	if s.deps.Optimizer == nil {
		unavailable(w, "optimizer")
		return
	}
	jobID := r.PathValue("id")
	res, ok := s.deps.Optimizer.Job(jobID)
	if !ok {
		s.writeError(w, r, fmt.Errorf("%w: no optimization job %s", errNotFound, jobID))
		return
	}
	writeJSON(w, http.StatusOK, res)
}
