//go:build unix

package runner

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

// configureProcess places the child in its own process group so the whole
// tree can be signalled.
func configureProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func terminateGroup(p *os.Process) error {
	return signalGroup(p, syscall.SIGTERM)
}

func killGroup(p *os.Process) error {
	return signalGroup(p, syscall.SIGKILL)
}

func signalGroup(p *os.Process, sig syscall.Signal) error {
	if p == nil {
		return nil
	}
	err := syscall.Kill(-p.Pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}
