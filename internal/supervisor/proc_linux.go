//go:build linux

package supervisor

import (
	"os/exec"
	"syscall"
)

// setProcAttrs puts the backend in its own process group and asks the kernel
// to SIGTERM it if the front door dies first.
func setProcAttrs(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}
}
