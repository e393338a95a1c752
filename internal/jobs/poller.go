package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

const (
	// DefaultInterval is tighter than the backend health interval because job
	// feedback is user-facing.
	DefaultInterval       = 300 * time.Millisecond
	DefaultRequestTimeout = 2 * time.Second
)

// StatusFetcher issues a single status request for a job
type StatusFetcher interface {
	JobStatus(ctx context.Context, jobID string) (*Job, error)
}

// Update is delivered after every poll tick
type Update struct {
	JobID string
	Tick  int
	Job   Job   // snapshot held after the tick
	Err   error // transport error of this tick; the snapshot is then the previous one
}

// Poller tracks in-flight jobs from the client side
type Poller struct {
	fetcher        StatusFetcher
	interval       time.Duration
	requestTimeout time.Duration
	onUpdate       func(Update)
}

// Option configures a Poller
type Option func(*Poller)

// WithInterval sets the delay between the end of one status request and the next
func WithInterval(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithRequestTimeout bounds each individual status request
func WithRequestTimeout(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.requestTimeout = d
		}
	}
}

// WithUpdateFunc registers a callback invoked on the polling goroutine after each tick
func WithUpdateFunc(fn func(Update)) Option {
	return func(p *Poller) {
		p.onUpdate = fn
	}
}

// NewPoller creates a Poller backed by fetcher
func NewPoller(fetcher StatusFetcher, opts ...Option) *Poller {
	p := &Poller{
		fetcher:        fetcher,
		interval:       DefaultInterval,
		requestTimeout: DefaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// BeginTracking starts polling jobID. The first request is issued
// immediately; polling ends on a terminal status, Cancel, or ctx cancellation.
func (p *Poller) BeginTracking(ctx context.Context, jobID string) *Handle {
	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{
		jobID:  jobID,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go p.run(ctx, h)
	return h
}

func (p *Poller) run(ctx context.Context, h *Handle) {
	defer close(h.done)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		reqCtx, cancel := context.WithTimeout(ctx, p.requestTimeout)
		job, err := p.fetcher.JobStatus(reqCtx, h.jobID)
		cancel()

		// Cancelled while the request was in flight: the response is discarded
		if ctx.Err() != nil {
			return
		}

		update := h.record(job, err)
		if p.onUpdate != nil {
			p.onUpdate(update)
		}

		if update.Err == nil && update.Job.Status.IsTerminal() {
			return
		}

		timer.Reset(p.interval)
	}
}

// Handle is the client-side view of one tracked job
type Handle struct {
	jobID  string
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.RWMutex
	snapshot  *Job
	requests  int
	failures  int // consecutive transport failures
	lastErr   error
	cancelled bool
}

// record folds one tick's outcome into the handle. Last write wins; a
// transport error leaves the snapshot untouched.
func (h *Handle) record(job *Job, err error) Update {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.requests++

	if err == nil && job == nil {
		err = errors.New("empty status response")
	}

	if err != nil {
		h.failures++
		h.lastErr = err
	} else {
		snap := *job
		if snap.ID == "" {
			snap.ID = h.jobID
		}
		snap.normalize()
		h.snapshot = &snap
		h.failures = 0
		h.lastErr = nil
	}

	u := Update{JobID: h.jobID, Tick: h.requests, Err: err}
	if h.snapshot != nil {
		u.Job = *h.snapshot
	}
	return u
}

// JobID returns the tracked job id
func (h *Handle) JobID() string {
	return h.jobID
}

// Snapshot returns the latest job state, false if no status has been received yet
func (h *Handle) Snapshot() (Job, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.snapshot == nil {
		return Job{}, false
	}
	return *h.snapshot, true
}

// Results returns the results payload if and only if the last observed status is completed
func (h *Handle) Results() (json.RawMessage, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.snapshot.CompletedResults()
}

// Requests returns how many status requests have completed
func (h *Handle) Requests() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.requests
}

// ConsecutiveFailures returns the current run of transport failures
func (h *Handle) ConsecutiveFailures() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.failures
}

// LastError returns the most recent transport error, nil after a successful tick
func (h *Handle) LastError() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lastErr
}

// Cancelled reports whether Cancel was called
func (h *Handle) Cancelled() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cancelled
}

// Done is closed when polling has stopped for any reason
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Cancel stops polling without waiting for a terminal status. Safe to call repeatedly.
func (h *Handle) Cancel() {
	h.mu.Lock()
	h.cancelled = true
	h.mu.Unlock()
	h.cancel()
}

// Wait blocks until polling stops. It returns the final snapshot and
// ErrJobFailed if the server reported failure.
func (h *Handle) Wait(ctx context.Context) (Job, error) {
	select {
	case <-ctx.Done():
		return Job{}, ctx.Err()
	case <-h.done:
	}

	job, ok := h.Snapshot()
	if !ok || !job.Status.IsTerminal() {
		return job, context.Canceled
	}
	if job.Status == StatusFailed {
		return job, fmt.Errorf("%w: %s", ErrJobFailed, job.Message)
	}
	return job, nil
}
