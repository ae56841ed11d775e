package compute

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/keelframe/keel/internal/model"
	"github.com/keelframe/keel/internal/schedule"
)

// ReferenceEngine is the in-process CPU engine: every requested output is a
// copy of the like-named input (an identity graph), or zero-filled when the
// model declares an output with no matching input. It exists for warmup,
// local smoke deployments, and tests.
type ReferenceEngine struct {
	cfg    *model.Config
	logger *zap.Logger

	mu      sync.Mutex
	scratch map[int][]byte
}

func NewReferenceEngine(cfg *model.Config, logger *zap.Logger) *ReferenceEngine {
	return &ReferenceEngine{
		cfg:     cfg,
		logger:  nopLogger(logger).With(zap.String("component", "reference-engine")),
		scratch: make(map[int][]byte),
	}
}

func (e *ReferenceEngine) Name() string { return "reference-cpu" }

func (e *ReferenceEngine) InitRunner(_ context.Context, runnerIdx int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.scratch[runnerIdx]; ok {
		return fmt.Errorf("runner %d already initialized", runnerIdx)
	}
	e.scratch[runnerIdx] = make([]byte, 0, 1<<16)
	e.logger.Debug("runner_initialized", zap.Int("runner", runnerIdx))
	return nil
}

func (e *ReferenceEngine) Execute(_ context.Context, runnerIdx int, batch *schedule.Batch) error {
	e.mu.Lock()
	_, ready := e.scratch[runnerIdx]
	e.mu.Unlock()
	if !ready {
		return fmt.Errorf("%w: runner %d was never initialized", ErrEngineUnavailable, runnerIdx)
	}
	for _, p := range batch.Payloads {
		resp, err := e.executeOne(p.Request())
		if err != nil {
			p.SetError(fmt.Errorf("%w: %w", ErrEngineExec, err))
			continue
		}
		p.SetResponse(resp)
	}
	return nil
}

func (e *ReferenceEngine) executeOne(req *model.InferenceRequest) (*model.InferenceResponse, error) {
	names := req.Outputs
	if len(names) == 0 {
		names = make([]string, 0, len(e.cfg.Outputs))
		for _, spec := range e.cfg.Outputs {
			names = append(names, spec.Name)
		}
	}
	outputs := make([]model.Tensor, 0, len(names))
	for _, name := range names {
		spec, ok := e.cfg.Output(name)
		if !ok {
			return nil, fmt.Errorf("unknown output %q", name)
		}
		if input, found := req.Input(name); found {
			data := make([]byte, len(input.Data))
			copy(data, input.Data)
			shape := make([]int64, len(input.Shape))
			copy(shape, input.Shape)
			outputs = append(outputs, model.Tensor{
				Name:     name,
				Datatype: spec.Datatype,
				Shape:    shape,
				Data:     data,
			})
			continue
		}
		if spec.Datatype == model.BYTES {
			return nil, fmt.Errorf("output %q: cannot synthesize BYTES without a matching input", name)
		}
		shape := resolvedShape(spec, req.BatchSize)
		count := int64(1)
		for _, dim := range shape {
			count *= dim
		}
		outputs = append(outputs, model.Tensor{
			Name:     name,
			Datatype: spec.Datatype,
			Shape:    shape,
			Data:     make([]byte, count*int64(model.DatatypeSize(spec.Datatype))),
		})
	}
	return &model.InferenceResponse{ID: req.ID, Outputs: outputs}, nil
}

func (e *ReferenceEngine) PeekShape(p *schedule.Payload) string {
	return ShapeKey(e.cfg, p)
}

func (e *ReferenceEngine) Close() error {
	e.mu.Lock()
	e.scratch = make(map[int][]byte)
	e.mu.Unlock()
	return nil
}

// resolvedShape prepends the batch dimension and pins dynamic dims to 1.
func resolvedShape(spec model.TensorSpec, batchSize int) []int64 {
	shape := make([]int64, 0, len(spec.Shape)+1)
	shape = append(shape, int64(batchSize))
	for _, dim := range spec.Shape {
		if dim == -1 {
			dim = 1
		}
		shape = append(shape, dim)
	}
	return shape
}
