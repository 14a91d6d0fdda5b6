// Package pidfile guards against running two daemons on the same radios.
package pidfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// ErrRunning is returned by Create when a live process owns the file.
var ErrRunning = errors.New("daemon already running")

// PIDFile represents a PID file for daemon process management
type PIDFile struct {
	path string
	pid  int

	// alive reports whether pid is a running process; replaced in tests
	alive func(pid int) bool
}

// New creates a new PIDFile instance
func New(path string) *PIDFile {
	return &PIDFile{
		path:  path,
		pid:   os.Getpid(),
		alive: processAlive,
	}
}

// Create writes the PID file. A stale file left by a dead process is
// replaced.
func (p *PIDFile) Create() error {
	running, pid, err := p.CheckRunning()
	if err != nil {
		return err
	}
	if running && pid != p.pid {
		return fmt.Errorf("%w with PID %d", ErrRunning, pid)
	}

	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return fmt.Errorf("failed to create PID file directory: %w", err)
	}
	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.Itoa(p.pid)+"\n"), 0o644); err != nil {
		return fmt.Errorf("failed to create PID file: %w", err)
	}
	if err := os.Rename(tmp, p.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to create PID file: %w", err)
	}
	return nil
}

// Remove removes the PID file if it still holds our PID.
func (p *PIDFile) Remove() error {
	pid, err := p.read()
	if os.IsNotExist(err) {
		return nil
	}
	if err == nil && pid != p.pid {
		return fmt.Errorf("PID file contains different PID (%d vs %d), not removing", pid, p.pid)
	}
	// unreadable files are ours to clean up
	return os.Remove(p.path)
}

// Path returns the path to the PID file
func (p *PIDFile) Path() string {
	return p.path
}

// CheckRunning reports whether the PID in the file belongs to a live process.
func (p *PIDFile) CheckRunning() (bool, int, error) {
	pid, err := p.read()
	if os.IsNotExist(err) {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, fmt.Errorf("failed to read PID file: %w", err)
	}
	return p.alive(pid), pid, nil
}

func (p *PIDFile) read() (int, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return 0, err
	}
	s := strings.TrimSpace(string(data))
	pid, err := strconv.Atoi(s)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid PID in file: %q", s)
	}
	return pid, nil
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
