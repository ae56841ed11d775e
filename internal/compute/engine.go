package compute

import (
	"context"
	"encoding/hex"
	"errors"

	"go.uber.org/zap"

	"github.com/keelframe/keel/internal/model"
	"github.com/keelframe/keel/internal/schedule"
)

var (
	ErrEngineUnavailable = errors.New("compute engine unavailable")
	ErrEngineExec        = errors.New("compute engine execution failed")
	ErrEngineProtocol    = errors.New("compute engine protocol failed")
)

// Engine is the pluggable execution surface bound into a scheduler. A
// runner context is owned exclusively by its runner during Execute; no
// cross-runner state sharing is permitted.
type Engine interface {
	Name() string
	// InitRunner prepares the runner context for runnerIdx.
	InitRunner(ctx context.Context, runnerIdx int) error
	// Execute runs one batch on the runner. A batch-wide failure is
	// returned; payload-specific failures are set on the payloads and
	// leave the rest of the batch intact.
	Execute(ctx context.Context, runnerIdx int, batch *schedule.Batch) error
	// PeekShape derives the batch-homogeneity key from a payload's
	// shape-tensor inputs.
	PeekShape(p *schedule.Payload) string
	Close() error
}

// Callbacks adapts an engine to the scheduler's injected callback triple.
func Callbacks(engine Engine) schedule.Callbacks {
	return schedule.Callbacks{
		OnInit: engine.InitRunner,
		OnRun: func(ctx context.Context, runnerIdx int, batch *schedule.Batch, onComplete func(error)) {
			onComplete(engine.Execute(ctx, runnerIdx, batch))
		},
		OnPeek: engine.PeekShape,
	}
}

// ShapeKey builds the homogeneity key for a payload: the concatenated raw
// values of every shape-tensor input. Payloads whose shape-tensor values
// differ must not share a batch.
func ShapeKey(cfg *model.Config, p *schedule.Payload) string {
	if !cfg.HasShapeTensor() {
		return ""
	}
	key := ""
	for _, spec := range cfg.Inputs {
		if !spec.IsShapeTensor {
			continue
		}
		tensor, ok := p.Request().Input(spec.Name)
		if !ok {
			continue
		}
		key += spec.Name + "=" + hex.EncodeToString(tensor.Data) + ";"
	}
	return key
}

func nopLogger(logger *zap.Logger) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}
