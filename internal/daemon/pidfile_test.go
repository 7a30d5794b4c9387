package daemon

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// deadPID is well above typical pid_max, so no live process has it.
const deadPID = 999999

func TestPIDFile_RoundTrip(t *testing.T) {
	pf := NewPIDFile(filepath.Join(t.TempDir(), "fuel-serve.pid"))

	require.NoError(t, pf.WritePID(12345))

	pid, err := pf.Read()
	require.NoError(t, err)
	assert.Equal(t, 12345, pid)
}

func TestPIDFile_Write_RecordsCurrentProcess(t *testing.T) {
	pf := NewPIDFile(filepath.Join(t.TempDir(), "fuel-serve.pid"))

	require.NoError(t, pf.Write())

	pid, err := pf.Read()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestPIDFile_Write_CreatesStateDir(t *testing.T) {
	// The configured state dir may not exist on first run.
	pf := NewPIDFile(filepath.Join(t.TempDir(), "state", "fuel", "fuel-serve.pid"))

	require.NoError(t, pf.Write())

	pid, err := pf.Read()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestPIDFile_Read_MissingFile(t *testing.T) {
	pf := NewPIDFile(filepath.Join(t.TempDir(), "nonexistent.pid"))

	_, err := pf.Read()
	assert.Error(t, err)
}

func TestPIDFile_Read_Corrupt(t *testing.T) {
	for _, content := range []string{"not-a-number\n", "-4\n", "0\n", ""} {
		path := filepath.Join(t.TempDir(), "bad.pid")
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

		_, err := NewPIDFile(path).Read()
		require.Error(t, err, "content %q", content)
		assert.Contains(t, err.Error(), "corrupt")
	}
}

func TestPIDFile_Remove(t *testing.T) {
	pf := NewPIDFile(filepath.Join(t.TempDir(), "fuel-serve.pid"))
	require.NoError(t, pf.WritePID(1))

	require.NoError(t, pf.Remove())

	_, err := os.Stat(pf.Path)
	assert.True(t, os.IsNotExist(err))
}

func TestPIDFile_IsRunning_CurrentProcess(t *testing.T) {
	pf := NewPIDFile(filepath.Join(t.TempDir(), "fuel-serve.pid"))
	require.NoError(t, pf.Write())

	pid, running := pf.IsRunning()
	assert.True(t, running)
	assert.Equal(t, os.Getpid(), pid)
}

func TestPIDFile_IsRunning_DeadProcess(t *testing.T) {
	pf := NewPIDFile(filepath.Join(t.TempDir(), "fuel-serve.pid"))
	require.NoError(t, pf.WritePID(deadPID))

	pid, running := pf.IsRunning()
	assert.Equal(t, deadPID, pid)
	assert.False(t, running)
}

func TestPIDFile_IsRunning_NoFile(t *testing.T) {
	pf := NewPIDFile(filepath.Join(t.TempDir(), "nonexistent.pid"))

	pid, running := pf.IsRunning()
	assert.Equal(t, 0, pid)
	assert.False(t, running)
}

func TestPIDFile_ClearStale_RemovesDeadPID(t *testing.T) {
	pf := NewPIDFile(filepath.Join(t.TempDir(), "fuel-serve.pid"))
	require.NoError(t, pf.WritePID(deadPID))

	assert.Equal(t, deadPID, pf.ClearStale())

	_, err := os.Stat(pf.Path)
	assert.True(t, os.IsNotExist(err))
}

func TestPIDFile_ClearStale_KeepsLiveServer(t *testing.T) {
	pf := NewPIDFile(filepath.Join(t.TempDir(), "fuel-serve.pid"))
	require.NoError(t, pf.Write())

	assert.Equal(t, 0, pf.ClearStale())

	_, running := pf.IsRunning()
	assert.True(t, running)
}

func TestPIDFile_ClearStale_NoFile(t *testing.T) {
	pf := NewPIDFile(filepath.Join(t.TempDir(), "nonexistent.pid"))

	assert.Equal(t, 0, pf.ClearStale())
}

func TestPIDFile_Signal(t *testing.T) {
	pf := NewPIDFile(filepath.Join(t.TempDir(), "fuel-serve.pid"))
	require.NoError(t, pf.Write())

	// Signal 0 probes without delivering anything.
	assert.NoError(t, pf.Signal(syscall.Signal(0)))
}

func TestPIDFile_Signal_NoFile(t *testing.T) {
	pf := NewPIDFile(filepath.Join(t.TempDir(), "nonexistent.pid"))

	err := pf.Signal(syscall.Signal(0))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read pid file")
}
