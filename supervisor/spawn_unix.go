//go:build unix

package supervisor

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// npx forks the real server, so the child runs in its own process group and
// is signalled as a group.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// signalProcess sends SIGTERM, or SIGKILL when force is set, to the child's
// process group.
func signalProcess(cmd *exec.Cmd, force bool) error {
	sig := unix.SIGTERM
	if force {
		sig = unix.SIGKILL
	}
	if err := unix.Kill(-cmd.Process.Pid, sig); err != nil {
		return cmd.Process.Kill()
	}
	return nil
}
