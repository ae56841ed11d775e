// Package backend is the per-model facade over configuration and one
// scheduler instance. It owns the runner pool lifecycle and warmup
// orchestration; callers reach execution exclusively through Run.
package backend

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/keelframe/keel/internal/compute"
	"github.com/keelframe/keel/internal/metrics"
	"github.com/keelframe/keel/internal/model"
	"github.com/keelframe/keel/internal/schedule"
)

var (
	ErrModelNotReady      = errors.New("model is not ready")
	ErrInvalidRequest     = errors.New("invalid inference request")
	ErrSchedulerInstalled = errors.New("scheduler already installed")
)

type State int32

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateUnavailable
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateUnavailable:
		return "unavailable"
	}
	return "unknown"
}

type Backend struct {
	state atomic.Int32

	mu           sync.Mutex
	cfg          *model.Config
	modelDir     string
	platform     string
	inputs       map[string]model.TensorSpec
	outputs      map[string]model.TensorSpec
	sched        *schedule.Scheduler
	cb           schedule.Callbacks
	hasCallbacks bool
	installing   bool

	reporter *metrics.Reporter
	logger   *zap.Logger
}

// New creates an uninitialized backend. reporter may be nil.
func New(reporter *metrics.Reporter, logger *zap.Logger) *Backend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Backend{
		reporter: reporter,
		logger:   logger.With(zap.String("component", "backend")),
	}
}

// Init validates the model configuration and builds the input/output name
// maps. A validation failure is fatal: the backend becomes Unavailable.
func (b *Backend) Init(path string, cfg *model.Config, platform string) error {
	if !b.state.CompareAndSwap(int32(StateUninitialized), int32(StateInitializing)) {
		return fmt.Errorf("backend init in state %s", b.State())
	}
	if cfg == nil {
		b.state.Store(int32(StateUnavailable))
		return fmt.Errorf("model config is required")
	}
	if err := cfg.Validate(); err != nil {
		b.state.Store(int32(StateUnavailable))
		return err
	}
	inputs := make(map[string]model.TensorSpec, len(cfg.Inputs))
	for _, spec := range cfg.Inputs {
		inputs[spec.Name] = spec
	}
	outputs := make(map[string]model.TensorSpec, len(cfg.Outputs))
	for _, spec := range cfg.Outputs {
		outputs[spec.Name] = spec
	}

	b.mu.Lock()
	b.cfg = cfg
	b.modelDir = path
	b.platform = platform
	b.inputs = inputs
	b.outputs = outputs
	b.mu.Unlock()

	b.logger = b.logger.With(zap.String("model", cfg.Name), zap.Int64("version", cfg.Version))
	b.logger.Info(
		"backend_initialized",
		zap.String("platform", platform),
		zap.Int("instance_count", cfg.InstanceCount),
		zap.Int("max_batch_size", cfg.MaxBatchSize),
	)
	return nil
}

func (b *Backend) State() State { return State(b.state.Load()) }

func (b *Backend) Ready() bool { return b.State() == StateReady }

func (b *Backend) Name() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cfg == nil {
		return ""
	}
	return b.cfg.Name
}

func (b *Backend) Version() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cfg == nil {
		return 0
	}
	return b.cfg.Version
}

func (b *Backend) Config() *model.Config {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg
}

func (b *Backend) Platform() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.platform
}

func (b *Backend) DefaultPriorityLevel() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cfg == nil {
		return 0
	}
	return b.cfg.DefaultPriorityLevel
}

func (b *Backend) MaxPriorityLevel() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cfg == nil {
		return 0
	}
	return b.cfg.MaxPriorityLevel
}

// GetInput returns the configuration for a named model input.
func (b *Backend) GetInput(name string) (model.TensorSpec, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	spec, ok := b.inputs[name]
	if !ok {
		return model.TensorSpec{}, fmt.Errorf("unknown input %q", name)
	}
	return spec, nil
}

// GetOutput returns the configuration for a named model output.
func (b *Backend) GetOutput(name string) (model.TensorSpec, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	spec, ok := b.outputs[name]
	if !ok {
		return model.TensorSpec{}, fmt.Errorf("unknown output %q", name)
	}
	return spec, nil
}

// SetScheduler installs a pre-built scheduler and marks the backend Ready.
// The caller owns any warmup of a pre-built scheduler. The scheduler can be
// set exactly once; a second call fails and leaves the first installation
// unchanged.
func (b *Backend) SetScheduler(s *schedule.Scheduler) error {
	if s == nil {
		return fmt.Errorf("scheduler is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sched != nil || b.installing {
		return ErrSchedulerInstalled
	}
	if b.cfg == nil {
		return fmt.Errorf("backend is not initialized")
	}
	b.sched = s
	b.state.Store(int32(StateReady))
	return nil
}

// SetConfiguredScheduler builds a scheduler from the model configuration
// and the injected callbacks, initializes its runner contexts, and installs
// it. The backend stays non-Ready until WarmUpAll completes; a runner init
// failure is fatal and turns the backend Unavailable. Only one install may
// be in flight at a time: a concurrent call fails without running any
// runner init.
func (b *Backend) SetConfiguredScheduler(ctx context.Context, runnerCnt int, cb schedule.Callbacks) error {
	b.mu.Lock()
	if b.sched != nil || b.installing {
		b.mu.Unlock()
		return ErrSchedulerInstalled
	}
	b.installing = true
	cfg := b.cfg
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.installing = false
		b.mu.Unlock()
	}()
	if cfg == nil {
		return fmt.Errorf("backend is not initialized")
	}

	sched, err := schedule.New(schedule.Config{
		RunnerCount:         runnerCnt,
		MaxBatchSize:        cfg.MaxBatchSize,
		PreferredBatchSizes: cfg.PreferredBatchSizes,
		MaxQueueDelay:       cfg.MaxQueueDelay.Std(),
		DefaultPriority:     cfg.DefaultPriorityLevel,
		MaxPriority:         cfg.MaxPriorityLevel,
		Logger:              b.logger,
		Observer:            b.observer(),
	}, cb)
	if err != nil {
		b.state.Store(int32(StateUnavailable))
		return err
	}
	if err := sched.Init(ctx); err != nil {
		b.state.Store(int32(StateUnavailable))
		b.logger.Error("scheduler_init_failed", zap.Error(err))
		return err
	}

	b.mu.Lock()
	b.sched = sched
	b.cb = cb
	b.hasCallbacks = true
	b.mu.Unlock()
	return nil
}

// BindEngine wires a compute engine as the configured scheduler and runs
// every configured warmup sample; the backend becomes Ready only once
// warmup has finished, so no live batch ever shares a runner with a warmup
// batch.
func (b *Backend) BindEngine(ctx context.Context, engine compute.Engine) error {
	cfg := b.Config()
	if cfg == nil {
		return fmt.Errorf("backend is not initialized")
	}
	if err := b.SetConfiguredScheduler(ctx, cfg.InstanceCount, compute.Callbacks(engine)); err != nil {
		return err
	}
	return b.WarmUpAll(ctx)
}

// Run is the single execution entry point: it wraps the request in a
// payload and enqueues it. Validation and readiness failures are returned
// synchronously; the result is delivered through the returned handle.
func (b *Backend) Run(stats *InferStats, req *model.InferenceRequest) (*schedule.ResultHandle, error) {
	if b.State() != StateReady {
		return nil, fmt.Errorf("%w: model %q is %s", ErrModelNotReady, b.Name(), b.State())
	}
	b.mu.Lock()
	cfg := b.cfg
	sched := b.sched
	b.mu.Unlock()

	if err := cfg.ValidateRequest(req); err != nil {
		b.rejected()
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if stats == nil {
		stats = NewInferStats(b.reporter)
	}
	payload := schedule.NewPayload(req, stats)
	stats.MarkEnqueued(time.Now())
	if sched == nil {
		b.rejected()
		return nil, ErrModelNotReady
	}
	if err := sched.Enqueue(payload); err != nil {
		b.rejected()
		return nil, err
	}
	return payload.Handle(), nil
}

// Scheduler exposes the installed scheduler for lifecycle teardown.
func (b *Backend) Scheduler() *schedule.Scheduler {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sched
}

func (b *Backend) rejected() {
	if b.reporter != nil {
		b.reporter.ObserveRejected()
	}
}

func (b *Backend) observer() schedule.Observer {
	if b.reporter == nil {
		return schedule.NopObserver{}
	}
	return b.reporter
}
