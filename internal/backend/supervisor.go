package backend

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"pricing-desktop/internal/config"
)

// State is the lifecycle state of one backend instance
type State int

const (
	StateNotStarted State = iota
	StateStarting
	StateReady
	StateFailed
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// IsTerminal reports whether the instance can no longer change state
func (s State) IsTerminal() bool {
	return s == StateFailed || s == StateStopped
}

// StatusChange is delivered to listeners on every state transition
type StatusChange struct {
	InstanceID string
	State      State
	PID        int
	Attempts   int
	ExitCode   int
	Signal     string
	Err        error // *StartupError for a failed start, nil otherwise
	At         time.Time
}

// Online reports whether the backend is serving after this change
func (c StatusChange) Online() bool {
	return c.State == StateReady
}

// HealthProbe issues a single health request
type HealthProbe interface {
	Health(ctx context.Context) error
}

// Options holds the supervisor's timing knobs
type Options struct {
	HealthInterval      time.Duration
	HealthTimeout       time.Duration
	MaxAttempts         int
	StartupTimeout      time.Duration
	GracePeriod         time.Duration
	RuntimeCheckTimeout time.Duration
}

// DefaultOptions returns the production timings
func DefaultOptions() Options {
	return Options{
		HealthInterval:      500 * time.Millisecond,
		HealthTimeout:       time.Second,
		MaxAttempts:         60,
		StartupTimeout:      30 * time.Second,
		GracePeriod:         5 * time.Second,
		RuntimeCheckTimeout: 5 * time.Second,
	}
}

// OptionsFromSettings maps loaded settings onto supervisor options
func OptionsFromSettings(b config.BackendSettings) Options {
	return Options{
		HealthInterval:      b.HealthInterval,
		HealthTimeout:       b.HealthTimeout,
		MaxAttempts:         b.MaxAttempts,
		StartupTimeout:      b.StartupTimeout,
		GracePeriod:         b.GracePeriod,
		RuntimeCheckTimeout: b.RuntimeCheckTimeout,
	}
}

// Option configures a Supervisor
type Option func(*Supervisor)

// WithOptions replaces the timing options
func WithOptions(o Options) Option {
	return func(s *Supervisor) { s.opts = o }
}

// WithDiagLog sets where backend output is recorded
func WithDiagLog(d *DiagLog) Option {
	return func(s *Supervisor) { s.diag = d }
}

// WithRuntimeCheck replaces the interpreter pre-flight check
func WithRuntimeCheck(fn RuntimeCheck) Option {
	return func(s *Supervisor) { s.checkRuntime = fn }
}

// WithStatusListener registers fn for state transitions. Listeners run on
// the supervisor's goroutines and must not call Stop.
func WithStatusListener(fn func(StatusChange)) Option {
	return func(s *Supervisor) { s.listeners = append(s.listeners, fn) }
}

// Supervisor owns at most one backend process at a time and drives it
// through NotStarted -> Starting -> {Ready, Failed}, Ready -> {Stopped, Failed}.
// It is safe for concurrent use.
type Supervisor struct {
	spec         LaunchSpec
	probe        HealthProbe
	opts         Options
	diag         *DiagLog
	checkRuntime RuntimeCheck

	mu        sync.Mutex
	inst      *instance
	listeners []func(StatusChange)
}

// NewSupervisor creates a supervisor for spec using probe for readiness
func NewSupervisor(spec LaunchSpec, probe HealthProbe, opts ...Option) *Supervisor {
	s := &Supervisor{
		spec:  spec,
		probe: probe,
		opts:  DefaultOptions(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.diag == nil {
		s.diag = NewDiscardLog()
	}
	if s.checkRuntime == nil {
		timeout := s.opts.RuntimeCheckTimeout
		s.checkRuntime = func(ctx context.Context, interpreter string) (string, error) {
			return CheckRuntime(ctx, interpreter, timeout)
		}
	}
	return s
}

// OnStatusChange registers fn for state transitions of future and current instances
func (s *Supervisor) OnStatusChange(fn func(StatusChange)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// LogPath returns the diagnostic log location
func (s *Supervisor) LogPath() string {
	return s.diag.Path()
}

// Spec returns the launch command
func (s *Supervisor) Spec() LaunchSpec {
	return s.spec
}

// State returns the state of the current instance
func (s *Supervisor) State() State {
	s.mu.Lock()
	inst := s.inst
	s.mu.Unlock()
	if inst == nil {
		return StateNotStarted
	}
	return inst.getState()
}

// PID returns the pid of the current process, or -1
func (s *Supervisor) PID() int {
	s.mu.Lock()
	inst := s.inst
	s.mu.Unlock()
	if inst == nil {
		return -1
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.proc == nil {
		return -1
	}
	return inst.proc.pid
}

// Start launches a new backend instance and blocks until it answers health
// checks or fails. Failures are returned as *StartupError and are never retried.
func (s *Supervisor) Start(ctx context.Context) error {
	inst, err := s.newInstance()
	if err != nil {
		return err
	}
	s.notify(inst.change())

	log.Printf("Backend starting: %s", s.spec)

	checkCtx, cancel := inst.withStop(ctx)
	version, err := s.checkRuntime(checkCtx, s.spec.Command)
	cancel()
	if err != nil {
		if inst.stopWasRequested() || ctx.Err() != nil {
			return s.abort(inst, ctx)
		}
		return s.fail(inst, KindRuntimeMissing, "Python runtime not found", err)
	}
	log.Printf("Backend runtime: %s", version)

	if err := s.spawn(inst); err != nil {
		if errors.Is(err, ErrStartAborted) {
			return s.abort(inst, ctx)
		}
		return s.fail(inst, KindSpawnFailed, "Failed to start backend", err)
	}

	return s.awaitReady(ctx, inst)
}

func (s *Supervisor) newInstance() (*instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur := s.inst; cur != nil && cur.alive() {
		return nil, ErrAlreadyRunning
	}

	s.diag.resetTail()
	s.inst = newInstance()
	return s.inst, nil
}

func (s *Supervisor) spawn(inst *instance) error {
	inst.mu.Lock()
	if inst.stopRequested {
		inst.mu.Unlock()
		return ErrStartAborted
	}

	proc, err := spawnProcess(s.spec)
	if err != nil {
		inst.mu.Unlock()
		return err
	}
	inst.proc = proc
	inst.mu.Unlock()

	s.diag.Printf("start", "instance=%s pid=%d cmd=%q dir=%s", inst.id, proc.pid, s.spec.String(), s.spec.Dir)
	go s.fold(inst, proc)
	return nil
}

// fold consumes the process event stream. It is the only reader of proc.events.
func (s *Supervisor) fold(inst *instance, proc *process) {
	for ev := range proc.events {
		switch ev.Kind {
		case EventStdout, EventStderr:
			s.diag.Printf(ev.Kind.String(), "%s", ev.Text)
		case EventExited:
			s.diag.Printf(ev.Kind.String(), "instance=%s code=%d signal=%q", inst.id, ev.Code, ev.Signal)
			if change, ok := inst.exit(ev); ok {
				if change.State == StateFailed {
					log.Printf("ERROR: Backend exited unexpectedly (code %d %s), see %s", ev.Code, ev.Signal, s.diag.Path())
				}
				s.notify(change)
			}
			close(inst.exited)
		}
	}
}

func (s *Supervisor) awaitReady(ctx context.Context, inst *instance) error {
	deadline := time.NewTimer(s.opts.StartupTimeout)
	defer deadline.Stop()

	// First probe immediately, then one per interval after each probe returns
	tick := time.NewTimer(0)
	defer tick.Stop()

	attempts := 0
	for {
		select {
		case <-ctx.Done():
			s.terminate(inst, s.opts.GracePeriod)
			return s.abort(inst, ctx)
		case <-inst.stopReq:
			return s.abort(inst, ctx)
		case <-inst.exited:
			if inst.stopWasRequested() {
				return s.abort(inst, ctx)
			}
			code, signal := inst.exitStatus()
			return s.failExited(inst, code, signal)
		case <-deadline.C:
			s.terminate(inst, s.opts.GracePeriod)
			return s.fail(inst, KindStartupTimeout,
				fmt.Sprintf("Backend did not become healthy within %s", s.opts.StartupTimeout), nil)
		case <-tick.C:
		}

		attempts++
		healthy := s.probeOnce(ctx)
		inst.setAttempts(attempts)

		if healthy {
			if inst.markReady() {
				log.Printf("Backend is ready after %d attempt(s)", attempts)
				s.notify(inst.change())
				return nil
			}
			// Exited or stopped while probing; the next select reports it
			continue
		}

		if attempts >= s.opts.MaxAttempts {
			s.terminate(inst, s.opts.GracePeriod)
			return s.fail(inst, KindStartupTimeout,
				fmt.Sprintf("Backend did not become healthy after %d attempts", attempts), nil)
		}
		tick.Reset(s.opts.HealthInterval)
	}
}

func (s *Supervisor) probeOnce(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, s.opts.HealthTimeout)
	defer cancel()
	return s.probe.Health(ctx) == nil
}

// IsHealthy performs one health probe bounded by the health timeout. It never
// panics and reports false on any error.
func (s *Supervisor) IsHealthy(ctx context.Context) (healthy bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("WARNING: health probe panicked: %v", r)
			healthy = false
		}
	}()
	return s.probeOnce(ctx)
}

// Stop terminates the current process: a graceful signal first, then a
// forceful kill once grace has elapsed. It is a no-op when nothing is
// running and safe to call while Start is in progress.
func (s *Supervisor) Stop(grace time.Duration) {
	s.mu.Lock()
	inst := s.inst
	s.mu.Unlock()
	if inst == nil {
		return
	}

	s.terminate(inst, grace)
	if inst.finish(StateStopped) {
		s.notify(inst.change())
	}
}

// terminate requests stop and waits for the process, if any, to exit
func (s *Supervisor) terminate(inst *instance, grace time.Duration) {
	proc := inst.requestStop()
	if proc == nil {
		return
	}

	select {
	case <-inst.exited:
		return
	default:
	}

	log.Printf("Shutting down backend (pid %d)...", proc.pid)
	if err := proc.terminate(); err != nil {
		log.Printf("WARNING: failed to signal backend: %v", err)
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-inst.exited:
	case <-timer.C:
		log.Printf("WARNING: Backend did not exit within %s, killing", grace)
		if err := proc.kill(); err != nil {
			log.Printf("WARNING: failed to kill backend: %v", err)
		}
		<-inst.exited
	}
}

func (s *Supervisor) abort(inst *instance, ctx context.Context) error {
	if inst.finish(StateStopped) {
		s.notify(inst.change())
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrStartAborted, err)
	}
	return ErrStartAborted
}

func (s *Supervisor) failExited(inst *instance, code int, signal string) error {
	return s.failWith(inst, &StartupError{
		Kind:     KindProcessExitedEarly,
		Msg:      "Backend exited before it became ready",
		ExitCode: code,
		Signal:   signal,
	})
}

func (s *Supervisor) fail(inst *instance, kind Kind, msg string, err error) error {
	return s.failWith(inst, &StartupError{
		Kind:     kind,
		Msg:      msg,
		ExitCode: -1,
		Err:      err,
	})
}

func (s *Supervisor) failWith(inst *instance, e *StartupError) error {
	if e.Remediation == "" {
		e.Remediation = remediationFor(e.Kind, s.spec.Command)
	}
	e.LogPath = s.diag.Path()
	e.Tail = s.diag.Tail()

	s.diag.Printf("failed", "instance=%s kind=%s: %v", inst.id, e.Kind, e)
	log.Printf("ERROR: %v", e)

	inst.forceFailed(e)
	s.notify(inst.change())
	return e
}

func (s *Supervisor) notify(change StatusChange) {
	s.mu.Lock()
	listeners := make([]func(StatusChange), len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	for _, fn := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("WARNING: backend status listener panicked: %v", r)
				}
			}()
			fn(change)
		}()
	}
}

// instance is one start attempt and the process it owns
type instance struct {
	id      string
	stopReq chan struct{}
	exited  chan struct{}

	mu            sync.Mutex
	state         State
	proc          *process
	attempts      int
	stopRequested bool
	exitCode      int
	signal        string
	err           error
}

func newInstance() *instance {
	return &instance{
		id:       uuid.New().String(),
		stopReq:  make(chan struct{}),
		exited:   make(chan struct{}),
		state:    StateStarting,
		exitCode: -1,
	}
}

// alive reports whether the instance still owns or may soon own a process
func (i *instance) alive() bool {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.proc != nil {
		select {
		case <-i.exited:
			return false
		default:
			return true
		}
	}
	return i.state == StateStarting
}

func (i *instance) getState() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

func (i *instance) setAttempts(n int) {
	i.mu.Lock()
	i.attempts = n
	i.mu.Unlock()
}

func (i *instance) stopWasRequested() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.stopRequested
}

// withStop derives a context that is also cancelled by a stop request
func (i *instance) withStop(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-i.stopReq:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// requestStop marks the instance as stopping and returns its process, nil if none was spawned
func (i *instance) requestStop() *process {
	i.mu.Lock()
	defer i.mu.Unlock()
	if !i.stopRequested {
		i.stopRequested = true
		close(i.stopReq)
	}
	return i.proc
}

func (i *instance) markReady() bool {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.state != StateStarting || i.stopRequested {
		return false
	}
	select {
	case <-i.exited:
		return false
	default:
	}
	i.state = StateReady
	return true
}

// exit folds the Exited event. Only a Ready instance changes state here;
// exits during startup are reported by the readiness loop. The caller closes
// exited once listeners have seen the change.
func (i *instance) exit(ev Event) (StatusChange, bool) {
	i.mu.Lock()
	i.exitCode = ev.Code
	i.signal = ev.Signal

	changed := false
	if i.state == StateReady {
		if i.stopRequested {
			i.state = StateStopped
		} else {
			i.state = StateFailed
		}
		changed = true
	}
	i.mu.Unlock()

	if !changed {
		return StatusChange{}, false
	}
	return i.change(), true
}

func (i *instance) exitStatus() (int, string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.exitCode, i.signal
}

// finish moves a non-terminal instance to state
func (i *instance) finish(state State) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state.IsTerminal() {
		return false
	}
	i.state = state
	return true
}

func (i *instance) forceFailed(err error) {
	i.mu.Lock()
	i.state = StateFailed
	i.err = err
	i.mu.Unlock()
}

func (i *instance) change() StatusChange {
	i.mu.Lock()
	defer i.mu.Unlock()

	c := StatusChange{
		InstanceID: i.id,
		State:      i.state,
		PID:        -1,
		Attempts:   i.attempts,
		ExitCode:   i.exitCode,
		Signal:     i.signal,
		Err:        i.err,
		At:         time.Now(),
	}
	if i.proc != nil {
		c.PID = i.proc.pid
	}
	return c
}
