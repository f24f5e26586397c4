//go:build !unix

package supervisor

import (
	"os"
	"os/exec"
)

func setProcessGroup(cmd *exec.Cmd) {}

func signalTerminate(cmd *exec.Cmd) error {
	return cmd.Process.Signal(os.Interrupt)
}

func signalKill(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}
