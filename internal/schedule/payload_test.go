package schedule

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keelframe/keel/internal/model"
)

func TestResultHandleFulfilledExactlyOnce(t *testing.T) {
	p := NewPayload(&model.InferenceRequest{ID: "req", BatchSize: 1}, nil)
	p.SetResponse(&model.InferenceResponse{ID: "req"})

	first := errors.New("first")
	var wg sync.WaitGroup
	for idx := 0; idx < 8; idx++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.complete(first)
		}()
	}
	wg.Wait()
	p.complete(errors.New("second"))

	resp, err := p.Handle().Wait(context.Background())
	require.ErrorIs(t, err, first)
	assert.NotNil(t, resp)
}

func TestResultHandleWaitHonorsContext(t *testing.T) {
	p := NewPayload(&model.InferenceRequest{ID: "req", BatchSize: 1}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := p.Handle().Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// A later completion still reaches a fresh waiter.
	p.complete(nil)
	_, err = p.Handle().Wait(context.Background())
	assert.NoError(t, err)
}

type recordingStats struct {
	mu        sync.Mutex
	dequeued  time.Time
	completed time.Time
	err       error
	calls     int
}

func (s *recordingStats) MarkDequeued(at time.Time) {
	s.mu.Lock()
	s.dequeued = at
	s.mu.Unlock()
}

func (s *recordingStats) MarkCompleted(at time.Time, err error) {
	s.mu.Lock()
	s.completed = at
	s.err = err
	s.calls++
	s.mu.Unlock()
}

func TestPayloadReportsStatsOnce(t *testing.T) {
	stats := &recordingStats{}
	p := NewPayload(&model.InferenceRequest{ID: "req", BatchSize: 1}, stats)

	p.markDequeued(time.Now())
	p.complete(nil)
	p.complete(errors.New("ignored"))

	stats.mu.Lock()
	defer stats.mu.Unlock()
	assert.Equal(t, 1, stats.calls)
	assert.False(t, stats.dequeued.IsZero())
	assert.NoError(t, stats.err)
}

func TestPayloadBatchSizeDefaultsToOne(t *testing.T) {
	p := NewPayload(&model.InferenceRequest{ID: "req"}, nil)
	assert.Equal(t, 1, p.BatchSize())
}
