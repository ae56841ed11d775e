package backend

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keelframe/keel/internal/compute"
	"github.com/keelframe/keel/internal/model"
	"github.com/keelframe/keel/internal/schedule"
)

func echoConfig() *model.Config {
	return &model.Config{
		Name:          "echo",
		Version:       3,
		MaxBatchSize:  4,
		InstanceCount: 2,
		MaxQueueDelay: model.Duration(time.Millisecond),
		Inputs: []model.TensorSpec{
			{Name: "x", Datatype: model.FP32, Shape: []int64{2}},
		},
		Outputs: []model.TensorSpec{
			{Name: "x", Datatype: model.FP32, Shape: []int64{2}},
		},
	}
}

func echoRequest(id string) *model.InferenceRequest {
	return &model.InferenceRequest{
		ID:        id,
		BatchSize: 1,
		Inputs: []model.Tensor{{
			Name:     "x",
			Datatype: model.FP32,
			Shape:    []int64{1, 2},
			Data:     []byte{1, 2, 3, 4, 5, 6, 7, 8},
		}},
	}
}

func readyBackend(t *testing.T) *Backend {
	t.Helper()
	b := New(nil, nil)
	cfg := echoConfig()
	require.NoError(t, b.Init(t.TempDir(), cfg, "reference"))
	engine := compute.NewReferenceEngine(b.Config(), nil)
	require.NoError(t, b.BindEngine(context.Background(), engine))
	t.Cleanup(func() { b.Scheduler().Stop() })
	return b
}

func TestBackendInitStateMachine(t *testing.T) {
	b := New(nil, nil)
	assert.Equal(t, StateUninitialized, b.State())

	require.NoError(t, b.Init(t.TempDir(), echoConfig(), "reference"))
	assert.Equal(t, StateInitializing, b.State())
	assert.Equal(t, "echo", b.Name())
	assert.Equal(t, int64(3), b.Version())
	assert.Equal(t, "reference", b.Platform())

	// Init is one-shot.
	assert.Error(t, b.Init(t.TempDir(), echoConfig(), "reference"))
}

func TestBackendInitRejectsBadConfig(t *testing.T) {
	b := New(nil, nil)
	bad := echoConfig()
	bad.MaxBatchSize = 0
	assert.Error(t, b.Init(t.TempDir(), bad, "reference"))
	assert.Equal(t, StateUnavailable, b.State())
}

func TestBackendTensorLookups(t *testing.T) {
	b := readyBackend(t)

	spec, err := b.GetInput("x")
	require.NoError(t, err)
	assert.Equal(t, model.FP32, spec.Datatype)
	_, err = b.GetInput("missing")
	assert.Error(t, err)

	_, err = b.GetOutput("x")
	assert.NoError(t, err)
	_, err = b.GetOutput("missing")
	assert.Error(t, err)

	assert.Equal(t, uint32(1), b.DefaultPriorityLevel())
	assert.Equal(t, uint32(1), b.MaxPriorityLevel())
}

func TestSetSchedulerExactlyOnce(t *testing.T) {
	b := readyBackend(t)
	assert.True(t, b.Ready())

	noopCallbacks := schedule.Callbacks{
		OnInit: func(context.Context, int) error { return nil },
		OnRun: func(_ context.Context, _ int, _ *schedule.Batch, onComplete func(error)) {
			onComplete(nil)
		},
	}
	other, err := schedule.New(schedule.Config{
		RunnerCount:  1,
		MaxBatchSize: 4,
	}, noopCallbacks)
	require.NoError(t, err)

	assert.ErrorIs(t, b.SetScheduler(other), ErrSchedulerInstalled)
	assert.ErrorIs(t, b.SetConfiguredScheduler(context.Background(), 1, noopCallbacks),
		ErrSchedulerInstalled)
}

func TestConcurrentSchedulerInstallInitsRunnersOnce(t *testing.T) {
	b := New(nil, nil)
	require.NoError(t, b.Init(t.TempDir(), echoConfig(), "reference"))

	var inits atomic.Int32
	cb := schedule.Callbacks{
		OnInit: func(context.Context, int) error {
			inits.Add(1)
			time.Sleep(20 * time.Millisecond)
			return nil
		},
		OnRun: func(_ context.Context, _ int, _ *schedule.Batch, onComplete func(error)) {
			onComplete(nil)
		},
	}

	const attempts = 4
	results := make(chan error, attempts)
	for idx := 0; idx < attempts; idx++ {
		go func() { results <- b.SetConfiguredScheduler(context.Background(), 2, cb) }()
	}
	installed := 0
	for idx := 0; idx < attempts; idx++ {
		switch err := <-results; {
		case err == nil:
			installed++
		case errors.Is(err, ErrSchedulerInstalled):
		default:
			t.Fatalf("unexpected install error: %v", err)
		}
	}
	assert.Equal(t, 1, installed)
	assert.Equal(t, int32(2), inits.Load(), "each runner context must be initialized exactly once")
	b.Scheduler().Stop()
}

func TestRunBeforeReady(t *testing.T) {
	b := New(nil, nil)
	require.NoError(t, b.Init(t.TempDir(), echoConfig(), "reference"))

	_, err := b.Run(nil, echoRequest("early"))
	assert.ErrorIs(t, err, ErrModelNotReady)
}

func TestRunRoundTrip(t *testing.T) {
	b := readyBackend(t)

	handle, err := b.Run(nil, echoRequest("round-trip"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := handle.Wait(ctx)
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, "round-trip", resp.ID)
	require.Len(t, resp.Outputs, 1)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, resp.Outputs[0].Data)
}

func TestRunRejectsInvalidRequest(t *testing.T) {
	b := readyBackend(t)

	bad := echoRequest("bad")
	bad.Inputs[0].Datatype = model.INT64
	_, err := b.Run(nil, bad)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	oversized := echoRequest("oversized")
	oversized.BatchSize = 9
	oversized.Inputs[0].Shape = []int64{9, 2}
	oversized.Inputs[0].Data = make([]byte, 9*2*4)
	_, err = b.Run(nil, oversized)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestRunAfterStop(t *testing.T) {
	b := readyBackend(t)
	b.Scheduler().Stop()

	_, err := b.Run(nil, echoRequest("late"))
	assert.ErrorIs(t, err, schedule.ErrStopped)
}

func TestRunnerInitFailureTurnsUnavailable(t *testing.T) {
	b := New(nil, nil)
	require.NoError(t, b.Init(t.TempDir(), echoConfig(), "reference"))

	err := b.SetConfiguredScheduler(context.Background(), 2, schedule.Callbacks{
		OnInit: func(_ context.Context, runnerIdx int) error {
			if runnerIdx == 1 {
				return assert.AnError
			}
			return nil
		},
		OnRun: func(_ context.Context, _ int, _ *schedule.Batch, onComplete func(error)) {
			onComplete(nil)
		},
	})
	assert.Error(t, err)
	assert.Equal(t, StateUnavailable, b.State())
}

func TestInferStatsDurations(t *testing.T) {
	stats := NewInferStats(nil)
	base := time.Now()
	stats.MarkEnqueued(base)
	stats.MarkDequeued(base.Add(10 * time.Millisecond))
	stats.MarkCompleted(base.Add(25*time.Millisecond), nil)

	assert.Equal(t, 10*time.Millisecond, stats.QueueDuration())
	assert.Equal(t, 15*time.Millisecond, stats.ComputeDuration())
	assert.NoError(t, stats.Err())
}
