package probe

import (
	"errors"
	"fmt"

	"github.com/guseggert/stdiorpc/jsonrpc"
	"github.com/guseggert/stdiorpc/rpc"
)

// AssertionError means the child answered, but not with what the scenario expects.
type AssertionError struct {
	Msg string
}

func (e *AssertionError) Error() string { return e.Msg }

func assertionf(format string, args ...any) error {
	return &AssertionError{Msg: fmt.Sprintf(format, args...)}
}

// StepError is a failed step. It wraps the transport error or assertion that failed it.
type StepError struct {
	Step   string
	Method string
	ID     int64
	HasID  bool
	Err    error
	// Stderr is the tail of the child's stderr at the time of the failure.
	Stderr []string
}

func (e *StepError) Error() string {
	target := e.Method
	if e.HasID {
		target = fmt.Sprintf("%s id=%d", e.Method, e.ID)
	}
	return fmt.Sprintf("step %q (%s) failed [%s]: %s", e.Step, target, e.Kind(), e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Kind classifies the underlying error.
func (e *StepError) Kind() string {
	var (
		timeoutErr  *rpc.TimeoutError
		closedErr   *rpc.ConnectionClosedError
		connErr     *rpc.ConnectionError
		protoErr    *jsonrpc.ProtocolError
		encodingErr *jsonrpc.EncodingError
		remoteErr   *jsonrpc.RemoteError
		assertErr   *AssertionError
	)
	switch {
	case errors.As(e.Err, &timeoutErr):
		return "timeout"
	case errors.As(e.Err, &closedErr):
		return "connection-closed"
	case errors.As(e.Err, &connErr):
		return "connection"
	case errors.As(e.Err, &protoErr), errors.Is(e.Err, rpc.ErrTooManyUnrelated):
		return "protocol"
	case errors.As(e.Err, &encodingErr):
		return "encoding"
	case errors.As(e.Err, &remoteErr):
		return "remote"
	case errors.As(e.Err, &assertErr):
		return "assertion"
	case errors.Is(e.Err, rpc.ErrClosed):
		return "closed"
	}
	return "error"
}
