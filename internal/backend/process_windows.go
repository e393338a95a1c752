//go:build windows

package backend

import (
	"os"
	"os/exec"
)

func setProcAttr(cmd *exec.Cmd) {}

// Windows has no graceful termination signal for console-less children
func (p *process) terminate() error {
	return p.cmd.Process.Kill()
}

func (p *process) kill() error {
	return p.cmd.Process.Kill()
}

func exitSignal(state *os.ProcessState) string {
	return ""
}
