// Package daemon tracks the detached fuel server through its pid file.
// serve writes the file on startup; serve stop and serve status read it
// back to find the process.
package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// PIDFile records which process owns the detached server.
type PIDFile struct {
	Path string
}

// NewPIDFile returns a PIDFile at the given path.
func NewPIDFile(path string) *PIDFile {
	return &PIDFile{Path: path}
}

// Write records the current process, creating the state directory if it
// does not exist yet.
func (p *PIDFile) Write() error {
	return p.WritePID(os.Getpid())
}

// WritePID records the given pid.
func (p *PIDFile) WritePID(pid int) error {
	if err := os.MkdirAll(filepath.Dir(p.Path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	return os.WriteFile(p.Path, []byte(strconv.Itoa(pid)+"\n"), 0o644)
}

// Read returns the recorded pid. A file that does not hold a positive
// integer is reported as corrupt.
func (p *PIDFile) Read() (int, error) {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("pid file %s is corrupt", p.Path)
	}
	return pid, nil
}

// Remove deletes the pid file.
func (p *PIDFile) Remove() error {
	return os.Remove(p.Path)
}

// IsRunning reports the recorded pid and whether that process is still
// alive. A missing or corrupt file reads as not running.
func (p *PIDFile) IsRunning() (int, bool) {
	pid, err := p.Read()
	if err != nil {
		return 0, false
	}
	return pid, processAlive(pid)
}

// ClearStale removes the pid file when its process has exited, such as
// after an unclean shutdown, and returns the stale pid. It returns 0 when
// there is nothing to clean up: no file, or the server is still running.
func (p *PIDFile) ClearStale() int {
	pid, err := p.Read()
	if err != nil {
		return 0
	}
	if processAlive(pid) {
		return 0
	}
	_ = p.Remove()
	return pid
}
