//go:build !windows

package backend

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedProbe fails the first `failures` probes and succeeds afterwards.
// A negative value never succeeds.
type scriptedProbe struct {
	mu       sync.Mutex
	failures int
	calls    int
	times    []time.Time
}

func (p *scriptedProbe) Health(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls++
	p.times = append(p.times, time.Now())
	if p.failures < 0 || p.calls <= p.failures {
		return errors.New("connection refused")
	}
	return nil
}

func (p *scriptedProbe) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func pythonPresent(ctx context.Context, interpreter string) (string, error) {
	return "Python 3.12.1", nil
}

func shellSpec(t *testing.T, script string) LaunchSpec {
	t.Helper()
	return LaunchSpec{
		Command: "sh",
		Args:    []string{"-c", script},
		Dir:     t.TempDir(),
		Env:     os.Environ(),
	}
}

func fastOptions() Options {
	return Options{
		HealthInterval:      time.Millisecond,
		HealthTimeout:       time.Second,
		MaxAttempts:         60,
		StartupTimeout:      10 * time.Second,
		GracePeriod:         time.Second,
		RuntimeCheckTimeout: time.Second,
	}
}

type changeRecorder struct {
	mu      sync.Mutex
	changes []StatusChange
}

func (r *changeRecorder) record(c StatusChange) {
	r.mu.Lock()
	r.changes = append(r.changes, c)
	r.mu.Unlock()
}

func (r *changeRecorder) last(state State) (StatusChange, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.changes) - 1; i >= 0; i-- {
		if r.changes[i].State == state {
			return r.changes[i], true
		}
	}
	return StatusChange{}, false
}

func processGone(pid int) bool {
	return errors.Is(syscall.Kill(pid, 0), syscall.ESRCH)
}

func TestSupervisorReadiness(t *testing.T) {
	tests := []struct {
		name      string
		failures  int
		wantErr   error
		wantCalls int
	}{
		{name: "Should be ready on the first probe", failures: 0, wantCalls: 1},
		{name: "Should be ready on tick k+1 after k failures", failures: 3, wantCalls: 4},
		{name: "Should be ready on the last allowed attempt", failures: 59, wantCalls: 60},
		{name: "Should time out after 60 failed attempts", failures: 60, wantErr: ErrStartupTimeout, wantCalls: 60},
		{name: "Should time out when health never returns 200", failures: -1, wantErr: ErrStartupTimeout, wantCalls: 60},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			probe := &scriptedProbe{failures: tt.failures}
			s := NewSupervisor(shellSpec(t, "exec sleep 30"), probe,
				WithOptions(fastOptions()),
				WithRuntimeCheck(pythonPresent))
			defer s.Stop(time.Second)

			err := s.Start(context.Background())
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Equal(t, StateFailed, s.State())

				var startupErr *StartupError
				require.ErrorAs(t, err, &startupErr)
				assert.Equal(t, KindStartupTimeout, startupErr.Kind)
				assert.NotEmpty(t, startupErr.Remediation)
			} else {
				require.NoError(t, err)
				assert.Equal(t, StateReady, s.State())
			}
			assert.Equal(t, tt.wantCalls, probe.Calls())
		})
	}

	t.Run("Should kill the process when startup times out", func(t *testing.T) {
		probe := &scriptedProbe{failures: -1}
		opts := fastOptions()
		opts.MaxAttempts = 3
		s := NewSupervisor(shellSpec(t, "exec sleep 30"), probe, WithOptions(opts), WithRuntimeCheck(pythonPresent))

		err := s.Start(context.Background())
		require.ErrorIs(t, err, ErrStartupTimeout)

		pid := s.PID()
		require.Greater(t, pid, 0)
		assert.True(t, processGone(pid), "Timed-out backend must not be left running")
	})

	t.Run("Should honour the overall deadline", func(t *testing.T) {
		probe := &scriptedProbe{failures: -1}
		opts := fastOptions()
		opts.HealthInterval = 50 * time.Millisecond
		opts.StartupTimeout = 200 * time.Millisecond
		s := NewSupervisor(shellSpec(t, "exec sleep 30"), probe, WithOptions(opts), WithRuntimeCheck(pythonPresent))
		defer s.Stop(time.Second)

		start := time.Now()
		err := s.Start(context.Background())
		require.ErrorIs(t, err, ErrStartupTimeout)
		assert.Less(t, time.Since(start), 2*time.Second)
		assert.Less(t, probe.Calls(), 60)
	})
}

func TestSupervisorReadinessTiming(t *testing.T) {
	t.Run("Should resolve at about 1000ms when the 3rd probe succeeds", func(t *testing.T) {
		probe := &scriptedProbe{failures: 2}
		opts := fastOptions()
		opts.HealthInterval = 500 * time.Millisecond
		s := NewSupervisor(shellSpec(t, "exec sleep 30"), probe, WithOptions(opts), WithRuntimeCheck(pythonPresent))
		defer s.Stop(time.Second)

		start := time.Now()
		require.NoError(t, s.Start(context.Background()))
		elapsed := time.Since(start)

		assert.GreaterOrEqual(t, elapsed, 1000*time.Millisecond, "Must not resolve before the 3rd probe")
		assert.Less(t, elapsed, 1500*time.Millisecond)
		assert.Equal(t, 3, probe.Calls())
	})
}

func TestSupervisorStartFailures(t *testing.T) {
	t.Run("Should report a process that exits before becoming ready", func(t *testing.T) {
		probe := &scriptedProbe{failures: -1}
		opts := fastOptions()
		opts.HealthInterval = 20 * time.Millisecond
		s := NewSupervisor(shellSpec(t, "echo 'ModuleNotFoundError: No module named uvicorn' >&2; exit 3"), probe,
			WithOptions(opts), WithRuntimeCheck(pythonPresent))

		err := s.Start(context.Background())
		require.ErrorIs(t, err, ErrProcessExitedEarly)

		var startupErr *StartupError
		require.ErrorAs(t, err, &startupErr)
		assert.Equal(t, 3, startupErr.ExitCode)
		assert.Contains(t, startupErr.Tail, "ModuleNotFoundError: No module named uvicorn")
		assert.Contains(t, startupErr.UserMessage(), "Exit code: 3")
		assert.Equal(t, StateFailed, s.State())
	})

	t.Run("Should report a missing runtime without spawning", func(t *testing.T) {
		s := NewSupervisor(shellSpec(t, "exec sleep 30"), &scriptedProbe{},
			WithOptions(fastOptions()),
			WithRuntimeCheck(func(ctx context.Context, interpreter string) (string, error) {
				return "", errors.New("exec: \"python3\": executable file not found in $PATH")
			}))

		err := s.Start(context.Background())
		require.ErrorIs(t, err, ErrRuntimeMissing)

		var startupErr *StartupError
		require.ErrorAs(t, err, &startupErr)
		assert.Contains(t, startupErr.Remediation, "Install Python 3")
		assert.Equal(t, -1, s.PID())
	})

	t.Run("Should report spawn failures", func(t *testing.T) {
		spec := LaunchSpec{Command: "/nonexistent/python3", Dir: t.TempDir()}
		s := NewSupervisor(spec, &scriptedProbe{}, WithOptions(fastOptions()), WithRuntimeCheck(pythonPresent))

		err := s.Start(context.Background())
		require.ErrorIs(t, err, ErrSpawnFailed)
		assert.Equal(t, StateFailed, s.State())
	})

	t.Run("Should refuse a second start while running", func(t *testing.T) {
		s := NewSupervisor(shellSpec(t, "exec sleep 30"), &scriptedProbe{},
			WithOptions(fastOptions()), WithRuntimeCheck(pythonPresent))
		defer s.Stop(time.Second)

		require.NoError(t, s.Start(context.Background()))
		assert.ErrorIs(t, s.Start(context.Background()), ErrAlreadyRunning)
	})

	t.Run("Should start a fresh instance after stop", func(t *testing.T) {
		rec := &changeRecorder{}
		s := NewSupervisor(shellSpec(t, "exec sleep 30"), &scriptedProbe{},
			WithOptions(fastOptions()), WithRuntimeCheck(pythonPresent), WithStatusListener(rec.record))
		defer s.Stop(time.Second)

		require.NoError(t, s.Start(context.Background()))
		first, _ := rec.last(StateReady)
		s.Stop(time.Second)
		assert.Equal(t, StateStopped, s.State())

		require.NoError(t, s.Start(context.Background()))
		second, _ := rec.last(StateReady)
		assert.NotEqual(t, first.InstanceID, second.InstanceID)
		assert.NotEqual(t, first.PID, second.PID)
	})
}

func TestSupervisorStop(t *testing.T) {
	t.Run("Should be a no-op when nothing was started", func(t *testing.T) {
		s := NewSupervisor(shellSpec(t, "exec sleep 30"), &scriptedProbe{})
		s.Stop(time.Second)
		s.Stop(time.Second)
		assert.Equal(t, StateNotStarted, s.State())
	})

	t.Run("Should terminate gracefully and tolerate repeated calls", func(t *testing.T) {
		rec := &changeRecorder{}
		s := NewSupervisor(shellSpec(t, "exec sleep 30"), &scriptedProbe{},
			WithOptions(fastOptions()), WithRuntimeCheck(pythonPresent), WithStatusListener(rec.record))
		require.NoError(t, s.Start(context.Background()))
		pid := s.PID()

		start := time.Now()
		s.Stop(5 * time.Second)
		assert.Less(t, time.Since(start), 2*time.Second)
		s.Stop(5 * time.Second)

		assert.Equal(t, StateStopped, s.State())
		assert.True(t, processGone(pid))

		stopped, ok := rec.last(StateStopped)
		require.True(t, ok)
		assert.Equal(t, syscall.SIGTERM.String(), stopped.Signal)
		assert.False(t, stopped.Online())
	})

	t.Run("Should kill at the grace mark a process that ignores termination", func(t *testing.T) {
		rec := &changeRecorder{}
		diag := NewDiscardLog()
		s := NewSupervisor(shellSpec(t, `trap "" TERM; echo armed; exec sleep 30`), &scriptedProbe{},
			WithOptions(fastOptions()), WithRuntimeCheck(pythonPresent),
			WithDiagLog(diag), WithStatusListener(rec.record))
		require.NoError(t, s.Start(context.Background()))

		// The trap must be installed before the signal is sent
		require.Eventually(t, func() bool {
			for _, line := range diag.Tail() {
				if line == "armed" {
					return true
				}
			}
			return false
		}, 5*time.Second, 5*time.Millisecond)

		grace := 400 * time.Millisecond
		start := time.Now()
		s.Stop(grace)
		elapsed := time.Since(start)

		assert.GreaterOrEqual(t, elapsed, grace, "Kill must not be issued before the grace period")
		assert.Less(t, elapsed, grace+time.Second)

		stopped, ok := rec.last(StateStopped)
		require.True(t, ok)
		assert.Equal(t, syscall.SIGKILL.String(), stopped.Signal)
	})

	t.Run("Should not leak a process when stop interrupts start", func(t *testing.T) {
		s := NewSupervisor(shellSpec(t, "exec sleep 30"), &scriptedProbe{failures: -1},
			WithOptions(Options{
				HealthInterval:      10 * time.Millisecond,
				HealthTimeout:       time.Second,
				MaxAttempts:         10000,
				StartupTimeout:      time.Minute,
				GracePeriod:         time.Second,
				RuntimeCheckTimeout: time.Second,
			}),
			WithRuntimeCheck(pythonPresent))

		startErr := make(chan error, 1)
		go func() { startErr <- s.Start(context.Background()) }()

		require.Eventually(t, func() bool { return s.PID() > 0 }, 5*time.Second, time.Millisecond)
		pid := s.PID()

		s.Stop(time.Second)

		select {
		case err := <-startErr:
			assert.ErrorIs(t, err, ErrStartAborted)
		case <-time.After(5 * time.Second):
			t.Fatal("Start did not return after Stop")
		}
		assert.True(t, processGone(pid))
		assert.Equal(t, StateStopped, s.State())
	})

	t.Run("Should not spawn when stop arrives during the runtime check", func(t *testing.T) {
		checking := make(chan struct{})
		s := NewSupervisor(shellSpec(t, "exec sleep 30"), &scriptedProbe{},
			WithOptions(fastOptions()),
			WithRuntimeCheck(func(ctx context.Context, interpreter string) (string, error) {
				close(checking)
				<-ctx.Done()
				return "", ctx.Err()
			}))

		startErr := make(chan error, 1)
		go func() { startErr <- s.Start(context.Background()) }()

		<-checking
		s.Stop(time.Second)

		assert.ErrorIs(t, <-startErr, ErrStartAborted)
		assert.Equal(t, -1, s.PID())
	})

	t.Run("Should abort start when the context is cancelled", func(t *testing.T) {
		s := NewSupervisor(shellSpec(t, "exec sleep 30"), &scriptedProbe{failures: -1},
			WithOptions(fastOptions()), WithRuntimeCheck(pythonPresent))

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(30 * time.Millisecond)
			cancel()
		}()

		err := s.Start(ctx)
		assert.ErrorIs(t, err, ErrStartAborted)
		assert.ErrorIs(t, err, context.Canceled)
		assert.True(t, processGone(s.PID()))
	})
}

func TestSupervisorExitEvents(t *testing.T) {
	t.Run("Should flip to failed as soon as a ready backend dies", func(t *testing.T) {
		rec := &changeRecorder{}
		s := NewSupervisor(shellSpec(t, "sleep 0.2; exit 1"), &scriptedProbe{},
			WithOptions(fastOptions()), WithRuntimeCheck(pythonPresent), WithStatusListener(rec.record))
		defer s.Stop(time.Second)

		require.NoError(t, s.Start(context.Background()))
		require.Eventually(t, func() bool {
			_, ok := rec.last(StateFailed)
			return ok
		}, 5*time.Second, 5*time.Millisecond)

		failed, _ := rec.last(StateFailed)
		assert.Equal(t, StateFailed, s.State())
		assert.Equal(t, 1, failed.ExitCode)
		assert.False(t, failed.Online())
	})

	t.Run("Should append process output to the diagnostic log", func(t *testing.T) {
		dir := t.TempDir()
		diag, err := OpenDiagLog(dir)
		require.NoError(t, err)
		defer diag.Close()

		s := NewSupervisor(shellSpec(t, "echo 'Uvicorn running'; echo 'warn' >&2; exec sleep 30"), &scriptedProbe{},
			WithOptions(fastOptions()), WithRuntimeCheck(pythonPresent), WithDiagLog(diag))
		require.NoError(t, s.Start(context.Background()))

		require.Eventually(t, func() bool {
			data, _ := os.ReadFile(diag.Path())
			return strings.Contains(string(data), "[stdout] Uvicorn running") &&
				strings.Contains(string(data), "[stderr] warn")
		}, 5*time.Second, 10*time.Millisecond)

		s.Stop(time.Second)
		data, err := os.ReadFile(diag.Path())
		require.NoError(t, err)
		assert.Contains(t, string(data), "[exit]")
	})
}

func TestIsHealthy(t *testing.T) {
	t.Run("Should report probe results without starting anything", func(t *testing.T) {
		assert.True(t, NewSupervisor(LaunchSpec{}, &scriptedProbe{}).IsHealthy(context.Background()))
		assert.False(t, NewSupervisor(LaunchSpec{}, &scriptedProbe{failures: -1}).IsHealthy(context.Background()))
	})

	t.Run("Should return false when the probe panics", func(t *testing.T) {
		s := NewSupervisor(LaunchSpec{}, panicProbe{})
		assert.False(t, s.IsHealthy(context.Background()))
	})
}

type panicProbe struct{}

func (panicProbe) Health(ctx context.Context) error { panic("boom") }
