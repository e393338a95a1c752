package backend

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"pricing-desktop/internal/config"
)

// LaunchSpec is everything needed to spawn the backend. It is executed
// directly, never through a shell.
type LaunchSpec struct {
	Command string
	Args    []string
	Dir     string
	Env     []string
}

// String renders the command line for logs
func (l LaunchSpec) String() string {
	return strings.TrimSpace(l.Command + " " + strings.Join(l.Args, " "))
}

// DefaultInterpreter returns the Python executable name for goos
func DefaultInterpreter(goos string) string {
	if goos == "windows" {
		return "python"
	}
	return "python3"
}

// NewLaunchSpec builds the uvicorn launch for the installed backend. Installed
// resources go on the module search path; the working directory is the
// writable data dir where config.json, invoices and generated files live.
func NewLaunchSpec(b config.BackendSettings) LaunchSpec {
	interpreter := b.Python
	if interpreter == "" {
		interpreter = DefaultInterpreter(runtime.GOOS)
	}

	return LaunchSpec{
		Command: interpreter,
		Args: []string{
			"-m", "uvicorn",
			"backend.main:app",
			"--host", b.Host,
			"--port", strconv.Itoa(b.Port),
		},
		Dir: b.DataDir,
		Env: buildEnv(os.Environ(), b.ResourcesDir, b.DataDir),
	}
}

func buildEnv(base []string, resourcesDir, dataDir string) []string {
	searchPath := []string{resourcesDir, filepath.Join(resourcesDir, "src")}

	env := make([]string, 0, len(base)+4)
	for _, kv := range base {
		switch {
		case strings.HasPrefix(kv, "PYTHONPATH="):
			if existing := strings.TrimPrefix(kv, "PYTHONPATH="); existing != "" {
				searchPath = append(searchPath, existing)
			}
		case strings.HasPrefix(kv, "PYTHONIOENCODING="),
			strings.HasPrefix(kv, "PYTHONUNBUFFERED="),
			strings.HasPrefix(kv, "PRICING_DATA_DIR="):
		default:
			env = append(env, kv)
		}
	}

	return append(env,
		"PYTHONPATH="+strings.Join(searchPath, string(os.PathListSeparator)),
		"PYTHONIOENCODING=utf-8",
		"PYTHONUNBUFFERED=1",
		"PRICING_DATA_DIR="+dataDir,
	)
}

// RuntimeCheck verifies the interpreter is usable and returns its version string
type RuntimeCheck func(ctx context.Context, interpreter string) (string, error)

// CheckRuntime runs `<interpreter> --version` bounded by timeout and requires Python 3
func CheckRuntime(ctx context.Context, interpreter string, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, interpreter, "--version")
	cmd.WaitDelay = 500 * time.Millisecond
	out, err := cmd.CombinedOutput()

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return "", fmt.Errorf("%s --version did not answer within %s", interpreter, timeout)
	}
	if err != nil {
		return "", fmt.Errorf("%s --version failed: %w", interpreter, err)
	}

	version := strings.TrimSpace(string(out))
	if !strings.HasPrefix(version, "Python 3") {
		return "", fmt.Errorf("%s reports %q, Python 3 is required", interpreter, version)
	}
	return version, nil
}
