package jsonrpc

import (
	"fmt"
)

// maxExcerpt bounds how much of an offending frame is quoted in a ProtocolError.
const maxExcerpt = 200

// EncodingError means a message could not be serialized. It is a programming error on the sending side.
type EncodingError struct {
	Err error
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("encoding message: %s", e.Err)
}

func (e *EncodingError) Unwrap() error { return e.Err }

// ProtocolError means the peer sent bytes that are not a valid frame: a bad header, a missing or non-decimal Content-Length, or a body that is not a JSON object.
type ProtocolError struct {
	Reason  string
	Excerpt []byte
	Err     error
}

func newProtocolError(reason string, excerpt []byte, err error) *ProtocolError {
	if len(excerpt) > maxExcerpt {
		excerpt = excerpt[:maxExcerpt]
	}
	return &ProtocolError{Reason: reason, Excerpt: append([]byte(nil), excerpt...), Err: err}
}

func (e *ProtocolError) Error() string {
	msg := "protocol error: " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if len(e.Excerpt) > 0 {
		msg += fmt.Sprintf(" (%q)", e.Excerpt)
	}
	return msg
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// RemoteError is the error member of a JSON-RPC response.
type RemoteError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error %d: %s", e.Code, e.Message)
}
