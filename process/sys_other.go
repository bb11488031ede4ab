//go:build !unix

package process

import (
	"os"
	"os/exec"
)

func shellCommand(command string) (string, []string) {
	return "cmd", []string{"/C", command}
}

func setProcessGroup(cmd *exec.Cmd) {}

// there is no portable termination signal, so terminate is a kill
func terminate(p *os.Process) error {
	return p.Kill()
}

func kill(p *os.Process) error {
	return p.Kill()
}

func exitStatus(exitErr *exec.ExitError) int {
	return exitErr.ExitCode()
}
