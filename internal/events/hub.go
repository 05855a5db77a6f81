package events

import (
	"context"
	"sync"
	"sync/atomic"

	"detection-lab/internal/behavior"
)

// DefaultSubscriberBuffer is the channel size of a subscription.
const DefaultSubscriberBuffer = 256

// Hub broadcasts entries to per-job subscribers. Delivery never blocks the
// publisher: when a subscriber's buffer is full the entry is dropped for that
// subscriber and counted.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[*Subscription]struct{}

	delivered atomic.Int64
	dropped   atomic.Int64
}

// Subscription receives the entries of one job.
type Subscription struct {
	C <-chan behavior.ThoughtLog

	ch    chan behavior.ThoughtLog
	hub   *Hub
	jobID string
	once  sync.Once
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[*Subscription]struct{})}
}

// Subscribe registers a subscriber for a job.
func (h *Hub) Subscribe(jobID string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	ch := make(chan behavior.ThoughtLog, buffer)
	s := &Subscription{C: ch, ch: ch, hub: h, jobID: jobID}

	h.mu.Lock()
	set, ok := h.subs[jobID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[jobID] = set
	}
	set[s] = struct{}{}
	h.mu.Unlock()
	return s
}

// Close unsubscribes and closes C. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		h := s.hub
		h.mu.Lock()
		if set, ok := h.subs[s.jobID]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(h.subs, s.jobID)
			}
		}
		h.mu.Unlock()
		close(s.ch)
	})
}

// Emit implements Sink.
func (h *Hub) Emit(_ context.Context, log behavior.ThoughtLog) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs[log.UUID] {
		select {
		case s.ch <- log:
			h.delivered.Add(1)
		default:
			h.dropped.Add(1)
		}
	}
	return nil
}

// CloseJob closes every subscriber of a job, unblocking their readers.
func (h *Hub) CloseJob(jobID string) {
	h.mu.RLock()
	subs := make([]*Subscription, 0, len(h.subs[jobID]))
	for s := range h.subs[jobID] {
		subs = append(subs, s)
	}
	h.mu.RUnlock()
	for _, s := range subs {
		s.Close()
	}
}

// Subscribers returns the number of subscribers for a job.
func (h *Hub) Subscribers(jobID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[jobID])
}

// Close closes every subscription.
func (h *Hub) Close() error {
	h.mu.RLock()
	jobs := make([]string, 0, len(h.subs))
	for id := range h.subs {
		jobs = append(jobs, id)
	}
	h.mu.RUnlock()
	for _, id := range jobs {
		h.CloseJob(id)
	}
	return nil
}

// HubMetrics is a snapshot of hub counters.
type HubMetrics struct {
	Delivered int64 `json:"delivered"`
	Dropped   int64 `json:"dropped"`
}

// Metrics returns the delivery counters.
func (h *Hub) Metrics() HubMetrics {
	return HubMetrics{Delivered: h.delivered.Load(), Dropped: h.dropped.Load()}
}
