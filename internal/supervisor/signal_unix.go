//go:build unix

package supervisor

import (
	"os"
	"syscall"
)

// terminate sends SIGTERM to the backend's whole process group, so that
// children spawned by wrappers such as npm go down with it.
func terminate(p *os.Process) error {
	return syscall.Kill(-p.Pid, syscall.SIGTERM)
}

func kill(p *os.Process) error {
	return syscall.Kill(-p.Pid, syscall.SIGKILL)
}
