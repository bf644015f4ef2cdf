package monitoring

import (
	"sync"
	"time"
)

// Stats counts what the orchestrator has done since startup.
type Stats struct {
	mu                sync.Mutex
	sessionsCreated   int64
	iterationsCharged int64
	rejectedRequests  int64
	computeFailures   int64
	startTime         time.Time
}

// StatsSnapshot is the wire form served by /api/stats.
type StatsSnapshot struct {
	SessionsCreated   int64  `json:"sessions_created"`
	IterationsCharged int64  `json:"iterations_charged"`
	RejectedRequests  int64  `json:"rejected_requests"`
	ComputeFailures   int64  `json:"compute_failures"`
	Uptime            string `json:"uptime"`
}

func NewStats() *Stats {
	return &Stats{startTime: time.Now()}
}

func (s *Stats) IncSessionsCreated() {
	s.mu.Lock()
	s.sessionsCreated++
	s.mu.Unlock()
}

func (s *Stats) IncIterationsCharged() {
	s.mu.Lock()
	s.iterationsCharged++
	s.mu.Unlock()
}

func (s *Stats) IncRejectedRequests() {
	s.mu.Lock()
	s.rejectedRequests++
	s.mu.Unlock()
}

func (s *Stats) IncComputeFailures() {
	s.mu.Lock()
	s.computeFailures++
	s.mu.Unlock()
}

func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StatsSnapshot{
		SessionsCreated:   s.sessionsCreated,
		IterationsCharged: s.iterationsCharged,
		RejectedRequests:  s.rejectedRequests,
		ComputeFailures:   s.computeFailures,
		Uptime:            time.Since(s.startTime).Round(time.Second).String(),
	}
}
