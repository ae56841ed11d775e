package schedule

import (
	"context"
	"sync"
	"time"

	"github.com/keelframe/keel/internal/model"
)

// StatsRecorder is the per-request timing collaborator attached to a
// payload by the caller. The scheduler marks the queue-to-compute
// transition and the terminal completion.
type StatsRecorder interface {
	MarkDequeued(at time.Time)
	MarkCompleted(at time.Time, err error)
}

// Payload is the in-flight representation of one accepted request. Exactly
// one payload exists per accepted request; it is enqueued by one caller and
// completed by exactly one runner invocation (or by the timeout sweep).
type Payload struct {
	req   *model.InferenceRequest
	stats StatsRecorder

	enqueued time.Time
	deadline time.Time
	priority uint32

	peekOnce sync.Once
	peekKey  string

	mu       sync.Mutex
	response *model.InferenceResponse
	execErr  error

	handle *ResultHandle
}

// NewPayload wraps an accepted request. stats may be nil.
func NewPayload(req *model.InferenceRequest, stats StatsRecorder) *Payload {
	return &Payload{
		req:    req,
		stats:  stats,
		handle: newResultHandle(),
	}
}

func (p *Payload) Request() *model.InferenceRequest { return p.req }

func (p *Payload) Handle() *ResultHandle { return p.handle }

// BatchSize is the number of batch slots this payload occupies.
func (p *Payload) BatchSize() int {
	if p.req == nil || p.req.BatchSize <= 0 {
		return 1
	}
	return p.req.BatchSize
}

func (p *Payload) EnqueuedAt() time.Time { return p.enqueued }

// SetResponse records the runner-produced outputs for this payload.
func (p *Payload) SetResponse(resp *model.InferenceResponse) {
	p.mu.Lock()
	p.response = resp
	p.mu.Unlock()
}

// SetError records a payload-specific execution failure. Other payloads in
// the same batch are unaffected.
func (p *Payload) SetError(err error) {
	p.mu.Lock()
	p.execErr = err
	p.mu.Unlock()
}

// Response returns the runner-produced outputs, if set.
func (p *Payload) Response() *model.InferenceResponse {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.response
}

// ExecError returns the payload-specific execution failure, if any.
func (p *Payload) ExecError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.execErr
}

func (p *Payload) peek(fn func(*Payload) string) string {
	if fn == nil {
		return ""
	}
	p.peekOnce.Do(func() {
		p.peekKey = fn(p)
	})
	return p.peekKey
}

// complete fulfills the payload's handle. Safe to call more than once; only
// the first call has effect.
func (p *Payload) complete(err error) {
	now := time.Now()
	p.mu.Lock()
	resp := p.response
	p.mu.Unlock()
	if p.handle.fulfill(resp, err) && p.stats != nil {
		p.stats.MarkCompleted(now, err)
	}
}

func (p *Payload) markDequeued(at time.Time) {
	if p.stats != nil {
		p.stats.MarkDequeued(at)
	}
}

// Batch is an ordered group of payloads executed by one runner invocation.
type Batch struct {
	Payloads []*Payload
	// Size is the summed batch dimension across payloads; always within
	// [1, max_batch_size].
	Size int
}

// ResultHandle is the caller-visible future for one payload. It is
// fulfilled exactly once, by exactly one completion path.
type ResultHandle struct {
	once sync.Once
	done chan struct{}
	resp *model.InferenceResponse
	err  error
}

func newResultHandle() *ResultHandle {
	return &ResultHandle{done: make(chan struct{})}
}

func (h *ResultHandle) fulfill(resp *model.InferenceResponse, err error) bool {
	fulfilled := false
	h.once.Do(func() {
		h.resp = resp
		h.err = err
		close(h.done)
		fulfilled = true
	})
	return fulfilled
}

// Done is closed once the result is available.
func (h *ResultHandle) Done() <-chan struct{} { return h.done }

// Wait blocks until the result is available or ctx is cancelled.
func (h *ResultHandle) Wait(ctx context.Context) (*model.InferenceResponse, error) {
	select {
	case <-h.done:
		return h.resp, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
