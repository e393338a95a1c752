package backend

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors, matched with errors.Is against a *StartupError
var (
	ErrSpawnFailed        = errors.New("backend process could not be started")
	ErrRuntimeMissing     = errors.New("python runtime not found")
	ErrStartupTimeout     = errors.New("backend startup timeout")
	ErrProcessExitedEarly = errors.New("backend exited before becoming ready")

	// ErrAlreadyRunning is returned by Start while a previous instance is still alive
	ErrAlreadyRunning = errors.New("backend is already running")
	// ErrStartAborted is returned by Start when Stop or ctx cancellation interrupts it
	ErrStartAborted = errors.New("backend startup aborted")
)

// Kind classifies a fatal startup failure
type Kind string

const (
	KindSpawnFailed        Kind = "spawn_failed"
	KindRuntimeMissing     Kind = "runtime_missing"
	KindStartupTimeout     Kind = "startup_timeout"
	KindProcessExitedEarly Kind = "process_exited_early"
)

func (k Kind) sentinel() error {
	switch k {
	case KindSpawnFailed:
		return ErrSpawnFailed
	case KindRuntimeMissing:
		return ErrRuntimeMissing
	case KindStartupTimeout:
		return ErrStartupTimeout
	case KindProcessExitedEarly:
		return ErrProcessExitedEarly
	}
	return nil
}

// StartupError is a fatal, user-facing startup failure
type StartupError struct {
	Kind        Kind
	Msg         string
	Remediation string
	LogPath     string
	ExitCode    int    // -1 unless Kind is KindProcessExitedEarly
	Signal      string // set when the process was killed by a signal
	Tail        []string
	Err         error
}

func (e *StartupError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *StartupError) Unwrap() []error {
	errs := []error{}
	if s := e.Kind.sentinel(); s != nil {
		errs = append(errs, s)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// UserMessage renders the text shown in the startup failure dialog
func (e *StartupError) UserMessage() string {
	var b strings.Builder
	b.WriteString(e.Msg)
	b.WriteString(".")

	if e.Kind == KindProcessExitedEarly {
		if e.Signal != "" {
			fmt.Fprintf(&b, " The process was terminated by %s.", e.Signal)
		} else {
			fmt.Fprintf(&b, " Exit code: %d.", e.ExitCode)
		}
	}
	if e.Remediation != "" {
		b.WriteString("\n\n")
		b.WriteString(e.Remediation)
	}
	if len(e.Tail) > 0 {
		b.WriteString("\n\nLast backend output:\n")
		b.WriteString(strings.Join(e.Tail, "\n"))
	}
	if e.LogPath != "" {
		fmt.Fprintf(&b, "\n\nDiagnostic log: %s", e.LogPath)
	}
	return b.String()
}

func remediationFor(kind Kind, interpreter string) string {
	switch kind {
	case KindRuntimeMissing:
		return fmt.Sprintf("Install Python 3 and make sure %q is on your PATH (or set backend.python in settings.yaml), then restart the application.", interpreter)
	case KindSpawnFailed:
		return "Check that the application resources are intact and that the data directory is writable."
	case KindStartupTimeout:
		return "Another program may already be using the backend port, or a dependency failed to import. Check the diagnostic log for details."
	case KindProcessExitedEarly:
		return "The backend crashed during startup. Reinstall its Python dependencies (pip install -r requirements.txt) and check the diagnostic log."
	}
	return ""
}
