//go:build !unix

package runner

import (
	"errors"
	"os"
	"os/exec"
)

func configureProcess(cmd *exec.Cmd) {}

// No process groups here; terminate the direct child only.
func terminateGroup(p *os.Process) error {
	return killGroup(p)
}

func killGroup(p *os.Process) error {
	if p == nil {
		return nil
	}
	err := p.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}
