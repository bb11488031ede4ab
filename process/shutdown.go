package process

import (
	"time"
)

// Step is one stage of a shutdown escalation.
type Step string

const (
	StepCloseStdin Step = "close-stdin"
	StepTerminate  Step = "terminate"
	StepKill       Step = "kill"
)

// Escalation records what Shutdown did.
type Escalation struct {
	Steps    []Step
	Exited   bool
	ExitCode int
}

// Escalated reports whether any signal had to be sent.
func (e Escalation) Escalated() bool {
	for _, s := range e.Steps {
		if s != StepCloseStdin {
			return true
		}
	}
	return false
}

type stage struct {
	step Step
	do   func(p *Process)
	wait func(p *Process, grace time.Duration) time.Duration
}

var stages = []stage{
	{
		step: StepCloseStdin,
		do: func(p *Process) {
			if err := p.CloseStdin(); err != nil {
				p.log.Debugf("closing stdin: %s", err)
			}
		},
		wait: func(_ *Process, grace time.Duration) time.Duration { return grace },
	},
	{
		step: StepTerminate,
		do: func(p *Process) {
			if err := terminate(p.cmd.Process); err != nil {
				p.log.Debugf("terminating: %s", err)
			}
		},
		wait: func(p *Process, _ time.Duration) time.Duration { return p.terminateWait },
	},
	{
		step: StepKill,
		do: func(p *Process) {
			if err := kill(p.cmd.Process); err != nil {
				p.log.Debugf("killing: %s", err)
			}
		},
		wait: func(p *Process, _ time.Duration) time.Duration { return p.killWait },
	},
}

// Shutdown stops the child, escalating only as far as needed.
// If the child has already exited no step is taken.
// It always releases the supervisor's ends of the stdio pipes.
func (p *Process) Shutdown(grace time.Duration) Escalation {
	p.shutdownMut.Lock()
	defer p.shutdownMut.Unlock()
	defer p.closeStdout()

	var esc Escalation
	if !p.state.CompareAndSwap(int32(StateRunning), int32(StateTerminating)) {
		if p.State() == StateExited {
			_ = p.CloseStdin()
			// the state is published just before done is closed
			<-p.done
			esc.ExitCode, esc.Exited = p.ExitStatus()
			return esc
		}
		// an earlier Shutdown gave up while the child was still alive, so escalate again
	}

	for _, s := range stages {
		p.log.Debugf("shutdown step %s", s.step)
		esc.Steps = append(esc.Steps, s.step)
		s.do(p)
		if p.waitExit(s.wait(p, grace)) {
			break
		}
	}
	esc.ExitCode, esc.Exited = p.ExitStatus()
	if !esc.Exited {
		p.log.Warnf("process %d still running after kill", p.Pid())
	}
	return esc
}

func (p *Process) waitExit(d time.Duration) bool {
	if d <= 0 {
		select {
		case <-p.done:
			return true
		default:
			return false
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-p.done:
		return true
	case <-t.C:
		return false
	}
}
