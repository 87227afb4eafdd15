package supervisor

import (
	"os/exec"
	"sync"
)

// Process is a handle to one running backend process. It is created by the
// Supervisor and is read-only for everyone else.
type Process struct {
	cmd  *exec.Cmd
	pid  int
	done chan struct{}

	mu      sync.Mutex
	exitErr error
}

func newProcess(cmd *exec.Cmd) *Process {
	return &Process{
		cmd:  cmd,
		pid:  cmd.Process.Pid,
		done: make(chan struct{}),
	}
}

// PID returns the operating system process identifier.
func (p *Process) PID() int { return p.pid }

// Done is closed once the process has exited and its output has been drained.
func (p *Process) Done() <-chan struct{} { return p.done }

// Running reports whether the process has not yet exited.
func (p *Process) Running() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// State returns "running" or "exited".
func (p *Process) State() string {
	if p.Running() {
		return "running"
	}
	return "exited"
}

// ExitErr returns the error from waiting on the process, nil for a clean
// exit or while it is still running.
func (p *Process) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// wait blocks until the process exits. It must be called exactly once.
func (p *Process) wait() {
	err := p.cmd.Wait()
	p.mu.Lock()
	p.exitErr = err
	p.mu.Unlock()
	close(p.done)
}
