package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	ErrNotReady        = errors.New("scheduler is not ready")
	ErrStopped         = errors.New("scheduler is stopped")
	ErrInvalidPriority = errors.New("request priority out of range")
	ErrQueueTimeout    = errors.New("request timed out while queued")
)

// Callbacks is the injected execution surface. The scheduler knows nothing
// about how a batch is computed beyond these three functions.
type Callbacks struct {
	// OnInit prepares the runner context bound to runnerIdx. Any failure
	// makes Init fail and leaves the scheduler unusable.
	OnInit func(ctx context.Context, runnerIdx int) error
	// OnRun executes one batch on the runner. onComplete must be invoked
	// exactly once with the batch status; payload-specific failures are
	// recorded on the payloads themselves.
	OnRun func(ctx context.Context, runnerIdx int, batch *Batch, onComplete func(error))
	// OnPeek returns a comparison key derived from a payload's
	// shape-tensor values. Payloads with differing keys are never merged
	// into one batch. Nil disables the check.
	OnPeek func(p *Payload) string
}

type Config struct {
	RunnerCount         int
	MaxBatchSize        int
	PreferredBatchSizes []int // must be ascending
	MaxQueueDelay       time.Duration
	DefaultPriority     uint32
	MaxPriority         uint32
	Logger              *zap.Logger
	Observer            Observer
}

// Scheduler owns the per-priority pending queues and the batch-formation
// policy, and drives one dispatch loop per runner. Enqueue never blocks on
// compute; dispatch across distinct runners is fully parallel.
type Scheduler struct {
	cfg Config
	cb  Callbacks

	mu      sync.Mutex
	queues  *pendingQueues
	stopped bool

	initialized atomic.Bool
	wake        chan struct{}
	stop        chan struct{}
	wg          sync.WaitGroup

	logger *zap.Logger
	obs    Observer
}

func New(cfg Config, cb Callbacks) (*Scheduler, error) {
	if cfg.RunnerCount <= 0 {
		return nil, fmt.Errorf("runner count must be > 0")
	}
	if cfg.MaxBatchSize <= 0 {
		return nil, fmt.Errorf("max batch size must be > 0")
	}
	if cfg.MaxQueueDelay < 0 {
		return nil, fmt.Errorf("max queue delay must be >= 0")
	}
	if cfg.MaxPriority == 0 {
		cfg.MaxPriority = 1
	}
	if cfg.DefaultPriority == 0 {
		cfg.DefaultPriority = cfg.MaxPriority
	}
	if cfg.DefaultPriority > cfg.MaxPriority {
		return nil, fmt.Errorf(
			"default priority %d exceeds max priority %d",
			cfg.DefaultPriority, cfg.MaxPriority,
		)
	}
	for _, size := range cfg.PreferredBatchSizes {
		if size <= 0 || size > cfg.MaxBatchSize {
			return nil, fmt.Errorf("preferred batch size %d outside [1, %d]", size, cfg.MaxBatchSize)
		}
	}
	if cb.OnInit == nil || cb.OnRun == nil {
		return nil, fmt.Errorf("OnInit and OnRun callbacks are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Observer == nil {
		cfg.Observer = NopObserver{}
	}
	return &Scheduler{
		cfg:    cfg,
		cb:     cb,
		queues: newPendingQueues(cfg.MaxPriority),
		wake:   make(chan struct{}, cfg.RunnerCount),
		stop:   make(chan struct{}),
		logger: cfg.Logger.With(zap.String("component", "scheduler")),
		obs:    cfg.Observer,
	}, nil
}

// Init prepares every runner context and starts the dispatch loops. A
// single runner init failure fails Init; the scheduler stays unusable and
// no batch is ever dispatched.
func (s *Scheduler) Init(ctx context.Context) error {
	if s.initialized.Load() {
		return fmt.Errorf("scheduler already initialized")
	}
	group, groupCtx := errgroup.WithContext(ctx)
	for idx := 0; idx < s.cfg.RunnerCount; idx++ {
		group.Go(func() error {
			if err := s.cb.OnInit(groupCtx, idx); err != nil {
				return fmt.Errorf("runner %d init failed: %w", idx, err)
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}
	s.initialized.Store(true)
	s.wg.Add(s.cfg.RunnerCount)
	for idx := 0; idx < s.cfg.RunnerCount; idx++ {
		go s.runnerLoop(idx)
	}
	s.logger.Info(
		"scheduler_started",
		zap.Int("runner_count", s.cfg.RunnerCount),
		zap.Int("max_batch_size", s.cfg.MaxBatchSize),
		zap.Duration("max_queue_delay", s.cfg.MaxQueueDelay),
		zap.Uint32("max_priority", s.cfg.MaxPriority),
	)
	return nil
}

// Enqueue admits a payload into the pending structure and returns
// immediately; execution is asynchronous via the payload's handle.
func (s *Scheduler) Enqueue(p *Payload) error {
	if !s.initialized.Load() {
		return ErrNotReady
	}
	priority := p.Request().Priority
	if priority == 0 {
		priority = s.cfg.DefaultPriority
	}
	if priority > s.cfg.MaxPriority {
		return fmt.Errorf(
			"%w: priority %d exceeds max priority level %d",
			ErrInvalidPriority, priority, s.cfg.MaxPriority,
		)
	}
	if p.BatchSize() > s.cfg.MaxBatchSize {
		return fmt.Errorf(
			"request batch size %d exceeds max batch size %d",
			p.BatchSize(), s.cfg.MaxBatchSize,
		)
	}

	now := time.Now()
	p.priority = priority
	p.enqueued = now
	if timeout := p.Request().QueueTimeout; timeout > 0 {
		p.deadline = now.Add(timeout)
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	s.queues.push(p)
	s.mu.Unlock()

	s.obs.ObserveEnqueue(priority)
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// Stop halts the dispatch loops and fails every still-pending payload. An
// in-flight batch is never interrupted; Stop waits for it to complete.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	pending := s.queues.drain()
	s.mu.Unlock()

	close(s.stop)
	s.wg.Wait()
	for _, p := range pending {
		p.complete(ErrStopped)
	}
	s.logger.Info("scheduler_stopped", zap.Int("pending_failed", len(pending)))
}

func (s *Scheduler) runnerLoop(runnerIdx int) {
	defer s.wg.Done()
	for {
		batch := s.nextBatch()
		if batch == nil {
			return
		}
		dequeued := time.Now()
		queueWait := time.Duration(0)
		for _, p := range batch.Payloads {
			p.markDequeued(dequeued)
			queueWait += dequeued.Sub(p.enqueued)
		}
		queueWait /= time.Duration(len(batch.Payloads))

		done := make(chan error, 1)
		var once sync.Once
		onComplete := func(err error) {
			once.Do(func() { done <- err })
		}
		s.cb.OnRun(context.Background(), runnerIdx, batch, onComplete)
		err := <-done
		execTime := time.Since(dequeued)

		for _, p := range batch.Payloads {
			if payloadErr := p.ExecError(); payloadErr != nil {
				p.complete(payloadErr)
				continue
			}
			p.complete(err)
		}
		s.obs.ObserveBatch(runnerIdx, batch.Size, queueWait, execTime, err)
		if err != nil {
			s.logger.Error(
				"batch_failed",
				zap.Int("runner", runnerIdx),
				zap.Int("batch_size", batch.Size),
				zap.Duration("queue_wait", queueWait),
				zap.Duration("exec_time", execTime),
				zap.Error(err),
			)
			continue
		}
		s.logger.Debug(
			"batch_done",
			zap.Int("runner", runnerIdx),
			zap.Int("batch_size", batch.Size),
			zap.Int("payloads", len(batch.Payloads)),
			zap.Duration("queue_wait", queueWait),
			zap.Duration("exec_time", execTime),
		)
	}
}

// nextBatch blocks until a batch is ready for dispatch or the scheduler
// stops. It also owns the queue-timeout sweep.
func (s *Scheduler) nextBatch() *Batch {
	for {
		now := time.Now()
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			return nil
		}
		expired := s.queues.sweepExpired(now)
		batch, wait := s.formBatchLocked(now)
		s.mu.Unlock()

		for _, p := range expired {
			p.complete(fmt.Errorf("%w after %s", ErrQueueTimeout, p.Request().QueueTimeout))
			s.obs.ObserveTimeout()
		}
		if batch != nil {
			return batch
		}

		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-s.stop:
				timer.Stop()
			case <-s.wake:
				timer.Stop()
			case <-timer.C:
			}
			continue
		}
		select {
		case <-s.stop:
		case <-s.wake:
		}
	}
}

// formBatchLocked applies the batching policy to the highest non-empty
// priority queue. It returns either a batch to dispatch, or the duration to
// wait before the next decision point (0 means wait for arrivals only).
func (s *Scheduler) formBatchLocked(now time.Time) (*Batch, time.Duration) {
	level := s.queues.highest()
	if len(level) == 0 {
		return nil, 0
	}
	head := level[0]
	headKey := head.peek(s.cb.OnPeek)

	// Greedy FIFO accumulation: stop at the first payload that would
	// overflow the batch or whose shape-tensor values differ. Skipping it
	// would reorder the priority class.
	total := 0
	cumulative := make([]int, 0, len(level))
	for _, p := range level {
		size := p.BatchSize()
		if total+size > s.cfg.MaxBatchSize {
			break
		}
		if p.peek(s.cb.OnPeek) != headKey {
			break
		}
		total += size
		cumulative = append(cumulative, total)
	}
	candidates := len(cumulative)

	dispatchAll := total >= s.cfg.MaxBatchSize ||
		s.cfg.MaxQueueDelay == 0 ||
		now.Sub(head.enqueued) >= s.cfg.MaxQueueDelay

	take := 0
	if dispatchAll {
		take = candidates
	} else if preferred, ok := largestPreferredAtMost(s.cfg.PreferredBatchSizes, total); ok {
		for idx := 0; idx < candidates; idx++ {
			if cumulative[idx] > preferred {
				break
			}
			take = idx + 1
		}
	}
	if take == 0 {
		wait := s.cfg.MaxQueueDelay - now.Sub(head.enqueued)
		if deadline, ok := s.queues.nextDeadline(); ok {
			if until := deadline.Sub(now); until < wait {
				wait = until
			}
		}
		if wait <= 0 {
			wait = time.Millisecond
		}
		return nil, wait
	}

	payloads := make([]*Payload, take)
	copy(payloads, level[:take])
	s.queues.removeHead(take)
	return &Batch{Payloads: payloads, Size: cumulative[take-1]}, 0
}

// largestPreferredAtMost returns the largest preferred size <= total.
// Preferred sizes are ascending.
func largestPreferredAtMost(preferred []int, total int) (int, bool) {
	best := 0
	for _, size := range preferred {
		if size > total {
			break
		}
		best = size
	}
	return best, best > 0
}
