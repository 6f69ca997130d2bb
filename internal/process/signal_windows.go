//go:build windows

package process

import (
	"os"
)

// terminateGroup has no graceful equivalent for a console-less child on
// Windows, so it terminates the process directly.
func terminateGroup(p *os.Process) error {
	return p.Kill()
}

func killGroup(p *os.Process) error {
	return p.Kill()
}
