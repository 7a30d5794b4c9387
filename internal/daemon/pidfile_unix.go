//go:build !windows

package daemon

import (
	"fmt"
	"syscall"
)

// processAlive probes pid with signal 0, which checks existence without
// delivering anything.
func processAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}

// Signal delivers sig to the recorded server process.
func (p *PIDFile) Signal(sig syscall.Signal) error {
	pid, err := p.Read()
	if err != nil {
		return fmt.Errorf("read pid file: %w", err)
	}
	return syscall.Kill(pid, sig)
}
