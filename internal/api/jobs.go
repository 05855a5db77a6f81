package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"detection-lab/internal/behavior"
	"detection-lab/internal/coordinator"
	labErrors "detection-lab/internal/errors"
	"detection-lab/internal/events"
)

const (
	maxRequestBody = 1 << 20
	wsWriteTimeout = 10 * time.Second
	wsReadTimeout  = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// jobCreated is the reply to a job creation.
type jobCreated struct {
	JobID string `json:"job_id"`
}

func decodeJobRequest(r io.Reader) (coordinator.Request, error) {
	var req coordinator.Request
	dec := json.NewDecoder(io.LimitReader(r, maxRequestBody))
	if err := dec.Decode(&req); err != nil {
		return req, fmt.Errorf("%w: %v", errInvalidRequest, err)
	}
	if err := behavior.Validate(req); err != nil {
		return req, fmt.Errorf("%w: %v", errInvalidRequest, err)
	}
	if _, err := req.Techniques(); err != nil {
		return req, err
	}
	return req, nil
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if s.deps.Jobs == nil {
		unavailable(w, "simulation")
		return
	}
	jobs := s.deps.Jobs.List()
	if jobs == nil {
		jobs = []coordinator.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	if s.deps.Jobs == nil {
		unavailable(w, "simulation")
		return
	}
	req, err := decodeJobRequest(r.Body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	job, err := s.deps.Jobs.Start(req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("job created", "job_id", job.ID, "techniques", job.TechniqueIDs)
	writeJSON(w, http.StatusAccepted, jobCreated{JobID: job.ID})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	if s.deps.Jobs == nil {
		unavailable(w, "simulation")
		return
	}
	job, err := s.deps.Jobs.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	if s.deps.Jobs == nil {
		unavailable(w, "simulation")
		return
	}
	id := r.PathValue("id")
	if err := s.deps.Jobs.Cancel(id); err != nil {
		s.writeError(w, r, err)
		return
	}
	job, err := s.deps.Jobs.Get(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleJobEvents replays a job's event file as ndjson.
func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.deps.EventsDir == "" || !validJobID(id) {
		s.writeError(w, r, fmt.Errorf("%w: %s", coordinator.ErrJobNotFound, id))
		return
	}
	f, err := os.Open(events.Path(s.deps.EventsDir, id))
	if errors.Is(err, fs.ErrNotExist) {
		s.writeError(w, r, fmt.Errorf("%w: %s", coordinator.ErrJobNotFound, id))
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, f); err != nil {
		s.logger.Warn("event replay interrupted", "job_id", id, "error", err)
	}
}

// validJobID rejects ids that could escape the events directory.
func validJobID(id string) bool {
	if id == "" || len(id) > 128 {
		return false
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}

// handleJobStream upgrades to a WebSocket. The first client message is a
// job request; the server replies with the job id and then streams the
// job's events until it ends.
func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request) {
	if s.deps.Jobs == nil || s.deps.Streams == nil {
		unavailable(w, "simulation")
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxRequestBody)

	conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		s.logger.Debug("websocket closed before request", "error", err)
		return
	}
	conn.SetReadDeadline(time.Time{})

	req, err := decodeJobRequest(bytes.NewReader(data))
	if err != nil {
		s.closeWithError(conn, err)
		return
	}
	if req.UUID == "" {
		req.UUID = uuid.NewString()
	}

	// subscribe before starting so no event is missed
	sub := s.deps.Streams.Subscribe(req.UUID, s.wsBuffer)
	defer sub.Close()

	job, err := s.deps.Jobs.Start(req)
	if err != nil {
		s.closeWithError(conn, err)
		return
	}
	done, err := s.deps.Jobs.Done(job.ID)
	if err != nil {
		s.closeWithError(conn, err)
		return
	}
	logger := s.logger.With("job_id", job.ID)
	logger.Info("job stream opened")

	if err := s.writeWS(conn, jobCreated{JobID: job.ID}); err != nil {
		return
	}

	// the reader only notices client disconnects
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case log, ok := <-sub.C:
			if !ok {
				s.finishStream(conn, job.ID)
				return
			}
			if err := s.writeWS(conn, log); err != nil {
				logger.Debug("job stream write failed", "error", err)
				return
			}
		case <-done:
			s.drain(conn, sub)
			s.finishStream(conn, job.ID)
			return
		case <-gone:
			logger.Info("job stream client disconnected")
			return
		}
	}
}

func (s *Server) drain(conn *websocket.Conn, sub *events.Subscription) {
	for {
		select {
		case log, ok := <-sub.C:
			if !ok {
				return
			}
			if err := s.writeWS(conn, log); err != nil {
				return
			}
		default:
			return
		}
	}
}

// finishStream closes the socket normally with the job's terminal status
// as the close reason.
func (s *Server) finishStream(conn *websocket.Conn, jobID string) {
	reason := "finished"
	if job, err := s.deps.Jobs.Get(jobID); err == nil {
		reason = string(job.Status)
	}
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason))
}

func (s *Server) writeWS(conn *websocket.Conn, v any) error {
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(v)
}

func (s *Server) closeWithError(conn *websocket.Conn, err error) {
	status, code := classify(err)
	s.writeWS(conn, APIError{Code: code, Message: http.StatusText(status), Details: labErrors.SafeMessage(err)})
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, code))
}
