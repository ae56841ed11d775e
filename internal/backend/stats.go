package backend

import (
	"sync"
	"time"

	"github.com/keelframe/keel/internal/metrics"
)

// InferStats is the per-request timing collaborator. The scheduler marks
// dequeue and completion through the payload; accessors expose the measured
// queue and compute intervals.
type InferStats struct {
	reporter *metrics.Reporter

	mu        sync.Mutex
	enqueued  time.Time
	dequeued  time.Time
	completed time.Time
	err       error
}

// NewInferStats creates a stats handle; reporter may be nil.
func NewInferStats(reporter *metrics.Reporter) *InferStats {
	return &InferStats{reporter: reporter}
}

func (s *InferStats) MarkEnqueued(at time.Time) {
	s.mu.Lock()
	s.enqueued = at
	s.mu.Unlock()
}

func (s *InferStats) MarkDequeued(at time.Time) {
	s.mu.Lock()
	s.dequeued = at
	s.mu.Unlock()
}

func (s *InferStats) MarkCompleted(at time.Time, err error) {
	s.mu.Lock()
	s.completed = at
	s.err = err
	enqueued := s.enqueued
	s.mu.Unlock()
	if s.reporter != nil && !enqueued.IsZero() {
		s.reporter.ObserveRequest(at.Sub(enqueued), err)
	}
}

// QueueDuration is the time spent waiting before dispatch. Zero until the
// request left its queue.
func (s *InferStats) QueueDuration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enqueued.IsZero() || s.dequeued.IsZero() {
		return 0
	}
	return s.dequeued.Sub(s.enqueued)
}

// ComputeDuration is the time between dispatch and completion. Zero until
// the request completed.
func (s *InferStats) ComputeDuration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dequeued.IsZero() || s.completed.IsZero() {
		return 0
	}
	return s.completed.Sub(s.dequeued)
}

func (s *InferStats) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
