package backend

import (
	"context"
	"crypto/rand"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/keelframe/keel/internal/model"
	"github.com/keelframe/keel/internal/schedule"
)

// WarmUp exercises one runner with a synthetic sample batch. It bypasses
// the priority queues and runs directly on the targeted runner, so it
// refuses to run once the backend is Ready: a live batch could otherwise
// share the runner with the warmup batch. onComplete fires exactly once
// with the warmup status.
func (b *Backend) WarmUp(ctx context.Context, runnerIdx int, sample model.WarmupSample, onComplete func(error)) error {
	b.mu.Lock()
	cfg := b.cfg
	cb := b.cb
	hasCallbacks := b.hasCallbacks
	b.mu.Unlock()

	if cfg == nil {
		return fmt.Errorf("backend is not initialized")
	}
	if b.State() == StateReady {
		return fmt.Errorf("model %q is already serving; warmup must finish before readiness", cfg.Name)
	}
	if !hasCallbacks {
		return fmt.Errorf("scheduler was installed without execution callbacks")
	}
	if runnerIdx < 0 || runnerIdx >= cfg.InstanceCount {
		return fmt.Errorf("runner index %d outside [0, %d)", runnerIdx, cfg.InstanceCount)
	}

	req, err := b.buildWarmupRequest(cfg, sample, runnerIdx)
	if err != nil {
		return err
	}
	payload := schedule.NewPayload(req, nil)
	batch := &schedule.Batch{Payloads: []*schedule.Payload{payload}, Size: sample.BatchSize}

	start := time.Now()
	cb.OnRun(ctx, runnerIdx, batch, func(status error) {
		if status == nil {
			status = payload.ExecError()
		}
		if b.reporter != nil {
			b.reporter.ObserveWarmup(status)
		}
		if status != nil {
			b.logger.Warn(
				"warmup_failed",
				zap.String("sample", sample.Name),
				zap.Int("runner", runnerIdx),
				zap.Duration("elapsed", time.Since(start)),
				zap.Error(status),
			)
		} else {
			b.logger.Info(
				"warmup_done",
				zap.String("sample", sample.Name),
				zap.Int("runner", runnerIdx),
				zap.Int("batch_size", sample.BatchSize),
				zap.Duration("elapsed", time.Since(start)),
			)
		}
		onComplete(status)
	})
	return nil
}

// WarmUpAll runs every configured warmup sample on every runner
// concurrently, then marks the backend Ready. With Warmup.FailClosed a
// failure turns the backend Unavailable instead; otherwise failures are
// reported and the backend still becomes Ready.
func (b *Backend) WarmUpAll(ctx context.Context) error {
	cfg := b.Config()
	if cfg == nil {
		return fmt.Errorf("backend is not initialized")
	}
	b.mu.Lock()
	installed := b.sched != nil
	b.mu.Unlock()
	if !installed {
		return fmt.Errorf("scheduler is not installed")
	}
	if len(cfg.Warmup.Samples) == 0 {
		b.state.Store(int32(StateReady))
		return nil
	}

	group, groupCtx := errgroup.WithContext(ctx)
	for idx := 0; idx < cfg.InstanceCount; idx++ {
		group.Go(func() error {
			for _, sample := range cfg.Warmup.Samples {
				done := make(chan error, 1)
				if err := b.WarmUp(groupCtx, idx, sample, func(status error) { done <- status }); err != nil {
					return err
				}
				if status := <-done; status != nil {
					return fmt.Errorf("warmup sample %q on runner %d: %w", sample.Name, idx, status)
				}
			}
			return nil
		})
	}
	switch err := group.Wait(); {
	case err == nil:
	case cfg.Warmup.FailClosed:
		b.state.Store(int32(StateUnavailable))
		return err
	default:
		b.logger.Warn("warmup_errors_ignored", zap.Error(err))
	}
	b.state.Store(int32(StateReady))
	return nil
}

func (b *Backend) buildWarmupRequest(cfg *model.Config, sample model.WarmupSample, runnerIdx int) (*model.InferenceRequest, error) {
	inputs := make([]model.Tensor, 0, len(cfg.Inputs))
	for _, spec := range cfg.Inputs {
		shape := make([]int64, 0, len(spec.Shape)+1)
		shape = append(shape, int64(sample.BatchSize))
		elemCount := int64(1)
		for _, dim := range spec.Shape {
			if dim == -1 {
				dim = 1
			}
			shape = append(shape, dim)
			elemCount *= dim
		}

		var data []byte
		size := int64(model.DatatypeSize(spec.Datatype))
		switch sample.Fill {
		case model.FillProvided:
			base, ok := sample.Provided[spec.Name]
			if !ok {
				return nil, fmt.Errorf("warmup sample %q: no provided data for input %q", sample.Name, spec.Name)
			}
			data = make([]byte, 0, len(base)*sample.BatchSize)
			for i := 0; i < sample.BatchSize; i++ {
				data = append(data, base...)
			}
		case model.FillRandom:
			data = make([]byte, int64(sample.BatchSize)*elemCount*size)
			if _, err := rand.Read(data); err != nil {
				return nil, fmt.Errorf("warmup sample %q: %w", sample.Name, err)
			}
		default:
			data = make([]byte, int64(sample.BatchSize)*elemCount*size)
		}
		inputs = append(inputs, model.Tensor{
			Name:     spec.Name,
			Datatype: spec.Datatype,
			Shape:    shape,
			Data:     data,
		})
	}
	return &model.InferenceRequest{
		ID:        fmt.Sprintf("warmup-%s-runner%d", sample.Name, runnerIdx),
		BatchSize: sample.BatchSize,
		Inputs:    inputs,
	}, nil
}
