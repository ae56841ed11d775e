package schedule

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/keelframe/keel/internal/model"
)

// For every sequence of enqueued requests, the number of completions equals
// the number of successful enqueues, batch sizes stay within bounds, and
// dispatch preserves arrival order within each priority class.
func TestPropertyEveryEnqueueCompletesExactlyOnce(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		maxBatch := rapid.IntRange(1, 8).Draw(rt, "maxBatch")
		maxPriority := rapid.IntRange(1, 4).Draw(rt, "maxPriority")
		total := rapid.IntRange(1, 40).Draw(rt, "total")

		var mu sync.Mutex
		var dispatched [][]*Payload
		cb := Callbacks{
			OnInit: func(context.Context, int) error { return nil },
			OnRun: func(_ context.Context, _ int, batch *Batch, onComplete func(error)) {
				mu.Lock()
				dispatched = append(dispatched, batch.Payloads)
				mu.Unlock()
				onComplete(nil)
			},
		}
		s, err := New(Config{
			RunnerCount:   1,
			MaxBatchSize:  maxBatch,
			MaxQueueDelay: time.Millisecond,
			MaxPriority:   uint32(maxPriority),
		}, cb)
		if err != nil {
			rt.Fatalf("New() error = %v", err)
		}
		if err := s.Init(context.Background()); err != nil {
			rt.Fatalf("Init() error = %v", err)
		}
		defer s.Stop()

		arrival := make(map[uint32][]string)
		handles := make([]*ResultHandle, 0, total)
		for idx := 0; idx < total; idx++ {
			priority := uint32(rapid.IntRange(1, maxPriority).Draw(rt, fmt.Sprintf("priority_%d", idx)))
			batchSize := rapid.IntRange(1, maxBatch).Draw(rt, fmt.Sprintf("batchSize_%d", idx))
			id := fmt.Sprintf("req-%d", idx)
			p := NewPayload(&model.InferenceRequest{ID: id, BatchSize: batchSize, Priority: priority}, nil)
			if err := s.Enqueue(p); err != nil {
				rt.Fatalf("Enqueue(%s) error = %v", id, err)
			}
			arrival[priority] = append(arrival[priority], id)
			handles = append(handles, p.Handle())
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		completed := 0
		for _, h := range handles {
			if _, err := h.Wait(ctx); err != nil {
				rt.Fatalf("handle error = %v", err)
			}
			completed++
		}
		if completed != total {
			rt.Fatalf("completed %d of %d requests", completed, total)
		}

		mu.Lock()
		defer mu.Unlock()
		order := make(map[uint32][]string)
		for _, payloads := range dispatched {
			size := 0
			for _, p := range payloads {
				size += p.BatchSize()
				order[p.priority] = append(order[p.priority], p.Request().ID)
			}
			if size < 1 || size > maxBatch {
				rt.Fatalf("batch size %d outside [1, %d]", size, maxBatch)
			}
		}
		// One dispatcher: within a priority class, dispatch order must be
		// arrival order.
		for priority, ids := range order {
			want := arrival[priority]
			if len(ids) != len(want) {
				rt.Fatalf("priority %d dispatched %d of %d requests", priority, len(ids), len(want))
			}
			for idx := range ids {
				if ids[idx] != want[idx] {
					rt.Fatalf("priority %d reordered: got %v want %v", priority, ids, want)
				}
			}
		}
	})
}
