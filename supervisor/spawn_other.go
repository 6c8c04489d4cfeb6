//go:build !unix

package supervisor

import "os/exec"

func setProcessGroup(cmd *exec.Cmd) {}

func signalProcess(cmd *exec.Cmd, _ bool) error {
	return cmd.Process.Kill()
}
