package jsonrpc

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/sourcegraph/jsonrpc2"
)

var (
	crlfSep = []byte("\r\n\r\n")
	lfSep   = []byte("\n\n")
)

const contentLength = "content-length"

// Encode serializes m as a single frame.
func Encode(m *Message) ([]byte, error) {
	var buf bytes.Buffer
	if err := (jsonrpc2.VSCodeObjectCodec{}).WriteObject(&buf, m); err != nil {
		return nil, &EncodingError{Err: err}
	}
	return buf.Bytes(), nil
}

// TryDecode attempts to decode one frame from the front of buf.
//
// If buf does not yet hold a complete frame it returns (nil, 0, nil) and buf is left for the caller to extend.
// Otherwise n is the number of bytes the frame occupies.
// On a *ProtocolError n is still positive: the offending bytes should be dropped so that the next frame can be read.
// A bad header drops the header, a bad body drops the whole frame.
func TryDecode(buf []byte) (msg *Message, n int, err error) {
	headerEnd, sepLen := findSeparator(buf)
	if headerEnd < 0 {
		return nil, 0, nil
	}
	header := buf[:headerEnd]
	bodyStart := headerEnd + sepLen

	length, perr := parseContentLength(header)
	if perr != nil {
		return nil, bodyStart, perr
	}
	if len(buf)-bodyStart < length {
		return nil, 0, nil
	}
	end := bodyStart + length
	body := buf[bodyStart:end]

	if !isObject(body) {
		return nil, end, newProtocolError("frame body is not a JSON object", body, nil)
	}
	var m Message
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, end, newProtocolError("invalid JSON body", body, err)
	}
	return &m, end, nil
}

// findSeparator returns the offset of the earliest header terminator and its length.
func findSeparator(buf []byte) (int, int) {
	crlf := bytes.Index(buf, crlfSep)
	lf := bytes.Index(buf, lfSep)
	switch {
	case crlf < 0 && lf < 0:
		return -1, 0
	case lf < 0 || (crlf >= 0 && crlf < lf):
		return crlf, len(crlfSep)
	default:
		return lf, len(lfSep)
	}
}

func parseContentLength(header []byte) (int, *ProtocolError) {
	found := false
	length := 0
	for _, line := range bytes.Split(header, []byte("\n")) {
		line = bytes.TrimRight(line, "\r")
		key, value, ok := bytes.Cut(line, []byte(":"))
		if !ok {
			continue
		}
		if string(bytes.ToLower(bytes.TrimSpace(key))) != contentLength {
			continue
		}
		value = bytes.TrimSpace(value)
		if len(value) == 0 || !isDigits(value) {
			return 0, newProtocolError("Content-Length is not a decimal number", line, nil)
		}
		n, err := strconv.Atoi(string(value))
		if err != nil {
			return 0, newProtocolError("Content-Length out of range", line, err)
		}
		found = true
		length = n
	}
	if !found {
		return 0, newProtocolError("missing Content-Length header", header, nil)
	}
	return length, nil
}

func isDigits(b []byte) bool {
	for _, c := range b {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func isObject(body []byte) bool {
	body = bytes.TrimLeft(body, " \t\r\n")
	return len(body) > 0 && body[0] == '{'
}
