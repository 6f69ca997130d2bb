//go:build !windows

package process

import (
	"errors"
	"os"
	"syscall"
)

// terminateGroup asks the process group to exit.
func terminateGroup(p *os.Process) error {
	return signalGroup(p, syscall.SIGTERM)
}

// killGroup force-kills the process group, falling back to the leader alone.
func killGroup(p *os.Process) error {
	if err := signalGroup(p, syscall.SIGKILL); err != nil {
		return p.Kill()
	}
	return nil
}

func signalGroup(p *os.Process, sig syscall.Signal) error {
	err := syscall.Kill(-p.Pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}
