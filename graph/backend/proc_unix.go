//go:build unix

package backend

import (
	"os/exec"
	"syscall"
)

// detach runs cmd in its own process group and makes cancellation kill the
// group, so the node's program dies with the job script.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
