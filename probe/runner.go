package probe

import (
	"context"
	"encoding/json"
	"time"

	"github.com/guseggert/stdiorpc/jsonrpc"
	"github.com/guseggert/stdiorpc/rpc"
	"go.uber.org/zap"
)

// DefaultStderrTail is how many stderr lines a StepError carries.
const DefaultStderrTail = 80

type StepResult struct {
	Name      string          `json:"name"`
	OK        bool            `json:"ok"`
	Latency   time.Duration   `json:"-"`
	LatencyMS float64         `json:"latency_ms"`
	Details   string          `json:"details,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type Report struct {
	OK        bool          `json:"ok"`
	Elapsed   time.Duration `json:"-"`
	ElapsedMS float64       `json:"elapsed_ms"`
	Steps     []StepResult  `json:"steps"`
}

// Runner runs scenarios through a client. The client's lifecycle belongs to the caller.
type Runner struct {
	Client *rpc.Client
	Log    *zap.SugaredLogger
	// StderrTail bounds the stderr lines attached to a StepError. Zero means DefaultStderrTail.
	StderrTail int
}

// Run executes the steps of s in order and stops at the first failure, which is returned as a *StepError.
// The report covers every step that ran, including the failed one.
func (r *Runner) Run(ctx context.Context, s *Scenario) (*Report, error) {
	log := r.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	report := &Report{}
	start := time.Now()
	defer func() {
		report.Elapsed = time.Since(start)
		report.ElapsedMS = ms(report.Elapsed)
	}()

	for _, step := range s.Steps {
		res, err := r.runStep(ctx, s, step)
		report.Steps = append(report.Steps, res)
		if err != nil {
			log.Debugw("step failed", "step", res.Name, "err", err)
			return report, err
		}
		log.Debugw("step passed", "step", res.Name, "latency", res.Latency, "details", res.Details)
	}
	report.OK = true
	return report, nil
}

func (r *Runner) runStep(ctx context.Context, s *Scenario, step Step) (StepResult, error) {
	res := StepResult{Name: step.displayName()}
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = s.StepTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stepErr := &StepError{Step: res.Name, Method: step.Method}
	fail := func(err error) (StepResult, error) {
		res.Details = err.Error()
		stepErr.Err = err
		tail := r.StderrTail
		if tail <= 0 {
			tail = DefaultStderrTail
		}
		stepErr.Stderr = r.Client.StderrTail(tail)
		return res, stepErr
	}

	start := time.Now()
	var resp *jsonrpc.Message
	var err error
	if step.Notify {
		err = r.Client.Notify(ctx, step.Method, step.requestParams(s))
	} else {
		stepErr.ID, stepErr.HasID = r.Client.NextID(), true
		resp, err = r.Client.Call(ctx, stepErr.ID, step.Method, step.requestParams(s))
	}
	res.Latency = time.Since(start)
	res.LatencyMS = ms(res.Latency)
	if err != nil {
		return fail(err)
	}

	if resp != nil {
		details, payload, err := r.check(resp, s, step)
		if err != nil {
			return fail(err)
		}
		res.Details = details
		res.Payload = payload
	}
	if step.MaxLatency > 0 && res.Latency > step.MaxLatency {
		return fail(assertionf("latency too high: %.1fms > %.1fms", res.LatencyMS, ms(step.MaxLatency)))
	}
	res.OK = true
	return res, nil
}

func (r *Runner) check(resp *jsonrpc.Message, s *Scenario, step Step) (string, json.RawMessage, error) {
	switch step.Check {
	case CheckInitialize:
		details, err := checkInitialize(resp, s)
		return details, nil, err
	case CheckTools:
		details, err := checkTools(resp, step.ExpectTools)
		return details, nil, err
	case CheckResources:
		details, err := checkResources(resp)
		return details, nil, err
	case CheckToolCall:
		payload, err := ToolPayload(resp)
		if err != nil {
			return "", nil, err
		}
		b, err := json.Marshal(payload)
		if err != nil {
			return "", nil, err
		}
		return "", b, nil
	}
	if rerr := resp.RemoteErr(); rerr != nil {
		return "", nil, rerr
	}
	return "", resp.Result, nil
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
