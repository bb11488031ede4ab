package jsonrpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/gorilla/rpc/v2/json2"
)

// Version is the value of the "jsonrpc" member of every message this package produces.
const Version = "2.0"

// ErrNullResult is returned by DecodeResult when a response carries neither a result nor an error.
var ErrNullResult = json2.ErrNullResult

// Message is a JSON-RPC envelope.
// Requests carry ID and Method, notifications carry Method but no ID, and responses carry ID and one of Result or Error.
// ID, Params, Result and Error are kept as raw JSON so that payloads pass through untouched.
type Message struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
}

// NewRequest builds a request with a numeric id.
func NewRequest(id int64, method string, params any) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Message{
		JSONRPC: Version,
		ID:      json.RawMessage(strconv.FormatInt(id, 10)),
		Method:  method,
		Params:  raw,
	}, nil
}

// NewNotification builds a one-way message. It has no id and gets no response.
func NewNotification(method string, params any) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPC: Version, Method: method, Params: raw}, nil
}

func marshalParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, &EncodingError{Err: errors.New("params are not valid JSON")}
		}
		return p, nil
	}
	b, err := json.Marshal(params)
	if err != nil {
		return nil, &EncodingError{Err: err}
	}
	return b, nil
}

// IsNotification reports whether m is a method call without an id.
func (m *Message) IsNotification() bool {
	return m.Method != "" && len(m.ID) == 0
}

// IsResponse reports whether m carries a result or an error.
func (m *Message) IsResponse() bool {
	return len(m.Result) > 0 || len(m.Error) > 0
}

// IntID returns the numeric id of m, if it has one.
// String and null ids are not numeric.
func (m *Message) IntID() (int64, bool) {
	raw := bytes.TrimSpace(m.ID)
	if len(raw) == 0 || raw[0] == '"' || bytes.Equal(raw, []byte("null")) {
		return 0, false
	}
	if n, err := strconv.ParseInt(string(raw), 10, 64); err == nil {
		return n, true
	}
	// 1.0 and 1e0 are the same number as 1
	f, err := strconv.ParseFloat(string(raw), 64)
	if err != nil || f != float64(int64(f)) {
		return 0, false
	}
	return int64(f), true
}

// MatchesID reports whether m carries the numeric id.
// A string id such as "1" never matches 1.
func (m *Message) MatchesID(id int64) bool {
	n, ok := m.IntID()
	return ok && n == id
}

// DecodeResult unmarshals the result member into v.
// If the response carries an error member instead, a *RemoteError is returned.
func (m *Message) DecodeResult(v any) error {
	body, err := json.Marshal(m)
	if err != nil {
		return &EncodingError{Err: err}
	}
	err = json2.DecodeClientResponse(bytes.NewReader(body), v)
	var jsonErr *json2.Error
	if errors.As(err, &jsonErr) {
		return &RemoteError{Code: int(jsonErr.Code), Message: jsonErr.Message, Data: jsonErr.Data}
	}
	if err != nil && !errors.Is(err, ErrNullResult) {
		return fmt.Errorf("decoding result: %w", err)
	}
	return err
}

// RemoteErr returns the error member of a response, or nil if there is none.
func (m *Message) RemoteErr() *RemoteError {
	if len(m.Error) == 0 || bytes.Equal(bytes.TrimSpace(m.Error), []byte("null")) {
		return nil
	}
	var e RemoteError
	if err := json.Unmarshal(m.Error, &e); err != nil {
		return &RemoteError{Code: int(json2.E_SERVER), Message: string(m.Error)}
	}
	return &e
}

// String renders m as compact JSON, for logs and error messages.
func (m *Message) String() string {
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Sprintf("<unencodable message: %s>", err)
	}
	return string(b)
}
