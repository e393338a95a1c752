//go:build !windows

package backend

import (
	"os"
	"os/exec"
	"syscall"
)

// The backend runs in its own process group so uvicorn workers are
// signalled together with it.
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func (p *process) terminate() error {
	return syscall.Kill(-p.pid, syscall.SIGTERM)
}

func (p *process) kill() error {
	return syscall.Kill(-p.pid, syscall.SIGKILL)
}

func exitSignal(state *os.ProcessState) string {
	if status, ok := state.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return status.Signal().String()
	}
	return ""
}
