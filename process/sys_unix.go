//go:build unix

package process

import (
	"errors"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

func shellCommand(command string) (string, []string) {
	return "/bin/sh", []string{"-c", command}
}

// setProcessGroup puts the child in a new process group, so that signals reach anything it spawns too.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func terminate(p *os.Process) error {
	return signalGroup(p, unix.SIGTERM)
}

func kill(p *os.Process) error {
	return signalGroup(p, unix.SIGKILL)
}

func signalGroup(p *os.Process, sig unix.Signal) error {
	err := unix.Kill(-p.Pid, sig)
	if err == nil {
		return nil
	}
	// no group (or it is already gone), so fall back to the process itself
	if serr := p.Signal(sig); serr != nil && !errors.Is(serr, os.ErrProcessDone) {
		return errors.Join(err, serr)
	}
	return nil
}

func exitStatus(exitErr *exec.ExitError) int {
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return -int(ws.Signal())
	}
	return exitErr.ExitCode()
}
