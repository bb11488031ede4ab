package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/guseggert/stdiorpc/probe"
	"github.com/guseggert/stdiorpc/rpc"
)

// failureTail is how many stderr lines are shown for a failed run.
const failureTail = 80

type output struct {
	OK         bool               `json:"ok"`
	ElapsedMS  float64            `json:"elapsed_ms"`
	Steps      []probe.StepResult `json:"steps"`
	Error      string             `json:"error,omitempty"`
	Kind       string             `json:"kind,omitempty"`
	Step       string             `json:"step,omitempty"`
	Method     string             `json:"method,omitempty"`
	ID         *int64             `json:"id,omitempty"`
	StderrTail []string           `json:"stderr_tail,omitempty"`
	ExitCode   *int               `json:"server_exit_code,omitempty"`
	Escalation []string           `json:"shutdown_steps,omitempty"`
}

func newOutput(report *probe.Report, runErr error, result rpc.Result) *output {
	out := &output{}
	if report != nil {
		out.OK = report.OK && runErr == nil
		out.ElapsedMS = report.ElapsedMS
		out.Steps = report.Steps
	}
	if result.Exited {
		code := result.ExitCode
		out.ExitCode = &code
	}
	for _, s := range result.Escalation.Steps {
		out.Escalation = append(out.Escalation, string(s))
	}
	if runErr == nil {
		return out
	}

	out.Error = runErr.Error()
	out.StderrTail = tail(result.Stderr, failureTail)
	var stepErr *probe.StepError
	if errors.As(runErr, &stepErr) {
		out.Kind = stepErr.Kind()
		out.Step = stepErr.Step
		out.Method = stepErr.Method
		if stepErr.HasID {
			id := stepErr.ID
			out.ID = &id
		}
		// the teardown capture is more complete, unless it is empty
		if len(out.StderrTail) == 0 {
			out.StderrTail = stepErr.Stderr
		}
	}
	return out
}

func tail(lines []string, n int) []string {
	if len(lines) > n {
		return lines[len(lines)-n:]
	}
	return lines
}

func (o *output) writeJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(o)
}

func (o *output) writeText(w io.Writer) {
	if o.OK {
		fmt.Fprintf(w, "PASSED in %.1fms\n", o.ElapsedMS)
	} else {
		fmt.Fprintf(w, "FAILED after %.1fms\n", o.ElapsedMS)
	}
	for _, s := range o.Steps {
		mark := "ok  "
		if !s.OK {
			mark = "FAIL"
		}
		fmt.Fprintf(w, "  %s %-28s %8.1fms", mark, s.Name, s.LatencyMS)
		if s.Details != "" && s.OK {
			fmt.Fprintf(w, "  %s", s.Details)
		}
		fmt.Fprintln(w)
	}
	if o.OK {
		return
	}

	target := o.Method
	if o.ID != nil {
		target = fmt.Sprintf("%s id=%d", o.Method, *o.ID)
	}
	if o.Kind != "" {
		fmt.Fprintf(w, "\nerror kind: %s\nrequest:    %s\n", o.Kind, target)
	}
	fmt.Fprintf(w, "error:      %s\n", o.Error)
	if o.ExitCode != nil {
		fmt.Fprintf(w, "server exit code: %d\n", *o.ExitCode)
	}
	if len(o.StderrTail) > 0 {
		fmt.Fprintf(w, "\nlast %d stderr lines:\n", len(o.StderrTail))
		for _, l := range o.StderrTail {
			fmt.Fprintf(w, "  %s\n", l)
		}
	}
}

func writeIndented(w io.Writer, raw json.RawMessage) error {
	if len(raw) == 0 {
		raw = json.RawMessage("null")
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return fmt.Errorf("formatting result: %w", err)
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(w)
	return err
}
