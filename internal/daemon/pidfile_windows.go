//go:build windows

package daemon

import (
	"fmt"
	"os"
	"syscall"
)

// processAlive probes pid through FindProcess plus a zero signal.
// FindProcess always succeeds on Windows, so the signal is the real check.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// Signal delivers sig to the recorded server process. Windows only
// supports os.Kill reliably.
func (p *PIDFile) Signal(sig syscall.Signal) error {
	pid, err := p.Read()
	if err != nil {
		return fmt.Errorf("read pid file: %w", err)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find process %d: %w", pid, err)
	}
	return proc.Signal(sig)
}
