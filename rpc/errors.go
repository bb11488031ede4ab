package rpc

import (
	"errors"
	"fmt"
	"io"
	"os"
)

var (
	// ErrClosed is returned by operations on a closed Client or Reader.
	ErrClosed = errors.New("rpc: closed")
	// ErrTooManyUnrelated is returned when more unrelated messages arrive while awaiting a response than the configured cap allows.
	ErrTooManyUnrelated = errors.New("rpc: too many unrelated messages")
)

func exitSuffix(code int, exited bool) string {
	if !exited {
		return ""
	}
	return fmt.Sprintf(" (child exited with code %d)", code)
}

// ConnectionError means a write to the child, or an unexpected read from it, failed.
// Usually the child has already exited and the pipe is broken.
type ConnectionError struct {
	Op       string
	ExitCode int
	Exited   bool
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error during %s: %s%s", e.Op, e.Err, exitSuffix(e.ExitCode, e.Exited))
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ConnectionClosedError means the child's stdout ended while a frame was awaited.
type ConnectionClosedError struct {
	ExitCode int
	Exited   bool
}

func (e *ConnectionClosedError) Error() string {
	return "connection closed by child" + exitSuffix(e.ExitCode, e.Exited)
}

func (e *ConnectionClosedError) Unwrap() error { return io.EOF }

// TimeoutError means the deadline passed before a matching response arrived.
// The connection is still usable.
type TimeoutError struct {
	ID     int64
	HasID  bool
	Method string
}

func (e *TimeoutError) Error() string {
	msg := "timed out waiting for "
	switch {
	case e.Method != "" && e.HasID:
		msg += fmt.Sprintf("response to %s (id %d)", e.Method, e.ID)
	case e.HasID:
		msg += fmt.Sprintf("response id %d", e.ID)
	case e.Method != "":
		msg += e.Method
	default:
		msg += "message"
	}
	return msg
}

func (e *TimeoutError) Timeout() bool { return true }

func (e *TimeoutError) Unwrap() error { return os.ErrDeadlineExceeded }
