package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

type State int32

const (
	StateRunning State = iota
	StateTerminating
	StateExited
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateTerminating:
		return "terminating"
	case StateExited:
		return "exited"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// StartProcRequest describes the child to launch.
type StartProcRequest struct {
	// Command is the program to run, or the whole command line when Shell is set.
	Command string
	Args    []string
	// Shell runs Command through the platform shell. Args must be empty.
	Shell bool
	// Env is appended to the current environment.
	Env []string
	WD  string
	// StderrMirror, if set, receives a copy of every stderr line as it is captured.
	StderrMirror io.Writer
}

func (r StartProcRequest) argv() (string, []string, error) {
	if r.Command == "" {
		return "", nil, errors.New("empty command")
	}
	if !r.Shell {
		return r.Command, r.Args, nil
	}
	if len(r.Args) > 0 {
		return "", nil, errors.New("args cannot be combined with a shell command")
	}
	name, args := shellCommand(r.Command)
	return name, args, nil
}

// Process is a running child and its streams.
type Process struct {
	log *zap.SugaredLogger
	cmd *exec.Cmd

	stdin  *os.File
	stdout *os.File
	stderr *Sink

	state    atomic.Int32
	done     chan struct{}
	exitCode int
	waitErr  error
	pumpDone chan struct{}

	terminateWait time.Duration
	killWait      time.Duration

	closeStdinOnce  sync.Once
	closeStdoutOnce sync.Once
	shutdownMut     sync.Mutex
}

// Start launches the child described by req. It does not wait for the child to become ready.
func Start(req StartProcRequest, opts ...Option) (*Process, error) {
	cfg := newConfig(opts)

	name, args, err := req.argv()
	if err != nil {
		return nil, err
	}
	cmd := exec.Command(name, args...)
	if len(req.Env) > 0 {
		cmd.Env = append(os.Environ(), req.Env...)
	}
	cmd.Dir = req.WD
	setProcessGroup(cmd)

	// the pipes are created here rather than with cmd.StdoutPipe, since Wait closes those and
	// the reader may still be draining stdout when the child exits
	var files []*os.File
	pipe := func() (*os.File, *os.File, error) {
		r, w, err := os.Pipe()
		if err == nil {
			files = append(files, r, w)
		}
		return r, w, err
	}
	stdinR, stdinW, err := pipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}
	stdoutR, stdoutW, err := pipe()
	if err != nil {
		closeFiles(files)
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderrR, stderrW, err := pipe()
	if err != nil {
		closeFiles(files)
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	err = cmd.Start()
	if err != nil {
		closeFiles(files)
		return nil, fmt.Errorf("starting %q: %w", name, err)
	}
	// the child holds its own copies now
	closeFiles([]*os.File{stdinR, stdoutW, stderrW})

	p := &Process{
		log:           cfg.log.Named("process").With("pid", cmd.Process.Pid),
		cmd:           cmd,
		stdin:         stdinW,
		stdout:        stdoutR,
		stderr:        &Sink{},
		done:          make(chan struct{}),
		pumpDone:      make(chan struct{}),
		terminateWait: cfg.terminateWait,
		killWait:      cfg.killWait,
	}
	p.log.Debugw("process started", "command", name, "args", args)

	go p.pumpStderr(stderrR, req.StderrMirror)
	go p.wait()

	return p, nil
}

func closeFiles(files []*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitStatus(exitErr)
		} else {
			p.waitErr = err
			exitCode = -1
		}
	}
	p.log.Debugw("process exited", "code", exitCode, "err", p.waitErr)
	p.exitCode = exitCode
	p.state.Store(int32(StateExited))
	close(p.done)
}

func (p *Process) Pid() int { return p.cmd.Process.Pid }

func (p *Process) State() State { return State(p.state.Load()) }

// Done is closed once the child has exited and been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// ExitStatus returns the exit code and true once the child has exited.
// A child killed by a signal reports the negated signal number on unix.
func (p *Process) ExitStatus() (int, bool) {
	select {
	case <-p.done:
		return p.exitCode, true
	default:
		return 0, false
	}
}

// Stdin is the write end of the child's stdin.
func (p *Process) Stdin() io.Writer { return p.stdin }

// Stdout is the read end of the child's stdout. It is an *os.File, so it supports read deadlines where the platform does.
func (p *Process) Stdout() io.Reader { return p.stdout }

func (p *Process) Stderr() *Sink { return p.stderr }

// StderrDone is closed when the stderr pump has finished.
func (p *Process) StderrDone() <-chan struct{} { return p.pumpDone }

// CloseStdin closes the write end of the child's stdin. It is safe to call more than once.
func (p *Process) CloseStdin() error {
	var err error
	p.closeStdinOnce.Do(func() {
		err = p.stdin.Close()
	})
	return err
}

func (p *Process) closeStdout() {
	p.closeStdoutOnce.Do(func() {
		_ = p.stdout.Close()
	})
}
