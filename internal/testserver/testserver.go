// Package testserver is a framed JSON-RPC server used as the child process in tests.
//
// Test binaries re-exec themselves with EnvMode set, and call RunIfChild from TestMain so that the
// child serves stdio instead of running the tests.
package testserver

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/guseggert/stdiorpc/jsonrpc"
	"github.com/mark3labs/mcp-go/mcp"
)

// EnvMode holds the comma separated server options. Its presence is what makes a test binary act as the server.
const EnvMode = "STDIORPC_TESTSERVER"

// ExitMethodCode is the exit code used by the "exit" method.
const ExitMethodCode = 7

// Options:
//
//	lf            frame with \n\n instead of \r\n\r\n
//	chunked       write responses one byte at a time
//	noisy         precede every response with a notification and a stale response, in the same write
//	version=V     answer initialize with protocol version V instead of echoing the request
//	stderr=N      write N lines to stderr on startup
//	stderr-bad    write a line of invalid UTF-8 to stderr on startup
//	ignore-eof    keep running after stdin closes
//	ignore-term   ignore SIGTERM and stdin EOF, then write "ready" to stderr
//	exit-after=N  exit with code 3 after answering N requests
type options struct {
	lf         bool
	chunked    bool
	noisy      bool
	version    string
	stderr     int
	stderrBad  bool
	ignoreEOF  bool
	ignoreTerm bool
	exitAfter  int
}

// Env returns the environment entries that make a re-exec'd test binary serve with opts.
func Env(opts ...string) []string {
	return []string{EnvMode + "=" + strings.Join(append([]string{"on"}, opts...), ",")}
}

// Command returns the path of the running test binary, for use as the child command.
func Command() string {
	exe, err := os.Executable()
	if err != nil {
		panic(err)
	}
	return exe
}

// RunIfChild serves on stdio and exits if the process was started as a test server. Otherwise it returns immediately.
func RunIfChild() {
	mode, ok := os.LookupEnv(EnvMode)
	if !ok {
		return
	}
	s := &server{opts: parseOptions(mode), in: os.Stdin, out: os.Stdout, errOut: os.Stderr}
	os.Exit(s.run())
}

func parseOptions(mode string) options {
	var o options
	for _, f := range strings.Split(mode, ",") {
		key, value, _ := strings.Cut(strings.TrimSpace(f), "=")
		switch key {
		case "lf":
			o.lf = true
		case "chunked":
			o.chunked = true
		case "noisy":
			o.noisy = true
		case "version":
			o.version = value
		case "stderr":
			o.stderr, _ = strconv.Atoi(value)
		case "stderr-bad":
			o.stderrBad = true
		case "ignore-eof":
			o.ignoreEOF = true
		case "ignore-term":
			o.ignoreTerm = true
		case "exit-after":
			o.exitAfter, _ = strconv.Atoi(value)
		}
	}
	return o
}

type server struct {
	opts     options
	in       io.Reader
	out      io.Writer
	errOut   io.Writer
	answered int
}

func (s *server) run() int {
	if s.opts.ignoreTerm {
		signal.Ignore(syscall.SIGTERM)
		fmt.Fprintln(s.errOut, "ready")
	}
	for i := 0; i < s.opts.stderr; i++ {
		fmt.Fprintf(s.errOut, "stderr line %d\n", i)
	}
	if s.opts.stderrBad {
		_, _ = s.errOut.Write([]byte("bad \xff\xfe bytes\n"))
	}

	var buf []byte
	chunk := make([]byte, 4096)
	for {
		for {
			msg, n, err := jsonrpc.TryDecode(buf)
			if n > 0 {
				buf = buf[n:]
			}
			if err != nil {
				fmt.Fprintf(s.errOut, "bad frame: %s\n", err)
				continue
			}
			if msg == nil {
				break
			}
			if code, exit := s.handle(msg); exit {
				return code
			}
		}
		n, err := s.in.Read(chunk)
		buf = append(buf, chunk[:n]...)
		if err != nil {
			if s.opts.ignoreEOF || s.opts.ignoreTerm {
				// sleep rather than block on select{}, which the runtime would report as a deadlock
				for {
					time.Sleep(time.Hour)
				}
			}
			return 0
		}
	}
}

func (s *server) handle(msg *jsonrpc.Message) (int, bool) {
	if msg.IsNotification() {
		return 0, false
	}
	result, rerr, exit := s.dispatch(msg)
	if exit {
		return ExitMethodCode, true
	}
	if result == nil && rerr == nil {
		return 0, false
	}
	resp := &jsonrpc.Message{JSONRPC: jsonrpc.Version, ID: msg.ID}
	if rerr != nil {
		resp.Error = mustJSON(rerr)
	} else {
		resp.Result = mustJSON(result)
	}
	s.write(resp)

	s.answered++
	if s.opts.exitAfter > 0 && s.answered >= s.opts.exitAfter {
		return 3, true
	}
	return 0, false
}

// dispatch returns either a result or an error to send, neither for no reply, or exit to stop serving.
func (s *server) dispatch(msg *jsonrpc.Message) (result any, rerr *jsonrpc.RemoteError, exit bool) {
	var params map[string]any
	_ = json.Unmarshal(msg.Params, &params)

	switch msg.Method {
	case "initialize":
		version, _ := params["protocolVersion"].(string)
		if s.opts.version != "" {
			version = s.opts.version
		}
		return mcp.InitializeResult{
			ProtocolVersion: version,
			ServerInfo:      mcp.Implementation{Name: "testserver", Version: "0.0.1"},
		}, nil, false
	case "tools/list":
		return mcp.ListToolsResult{Tools: []mcp.Tool{
			mcp.NewTool("store_node",
				mcp.WithDescription("Store a node"),
				mcp.WithString("label", mcp.Required(), mcp.Description("Node label")),
			),
			mcp.NewTool("query_graph",
				mcp.WithDescription("Query the graph"),
				mcp.WithString("query", mcp.Required()),
			),
		}}, nil, false
	case "resources/list":
		return mcp.ListResourcesResult{Resources: []mcp.Resource{
			mcp.NewResource("graph://nodes", "nodes", mcp.WithMIMEType("application/json")),
		}}, nil, false
	case "tools/call":
		name, _ := params["name"].(string)
		switch name {
		case "store_node":
			return mcp.NewToolResultText(`{"status":"stored","node_id":"n1"}`), nil, false
		case "query_graph":
			res := mcp.NewToolResultText("1 result")
			res.StructuredContent = map[string]any{"status": "ok"}
			return res, nil, false
		case "legacy":
			return map[string]any{"content": []any{
				map[string]any{"type": "json", "json": map[string]any{"status": "legacy"}},
			}}, nil, false
		}
		return mcp.NewToolResultError("unknown tool " + name), nil, false
	case "echo":
		return json.RawMessage(orNull(msg.Params)), nil, false
	case "flood":
		lines, _ := params["lines"].(float64)
		for i := 0; i < int(lines); i++ {
			fmt.Fprintf(s.errOut, "flood %d %s\n", i, strings.Repeat("x", 100))
		}
		return map[string]any{"lines": lines}, nil, false
	case "sleep":
		ms, _ := params["ms"].(float64)
		time.Sleep(time.Duration(ms) * time.Millisecond)
		return map[string]any{}, nil, false
	case "silent":
		return nil, nil, false
	case "garbage":
		_, _ = s.out.Write([]byte("Content-Length: nope\r\n\r\n"))
		return nil, nil, false
	case "exit":
		return nil, nil, true
	case "fail":
		return nil, &jsonrpc.RemoteError{Code: -32601, Message: "boom"}, false
	}
	return nil, &jsonrpc.RemoteError{Code: -32601, Message: "method not found: " + msg.Method}, false
}

func (s *server) write(resp *jsonrpc.Message) {
	var out []byte
	if s.opts.noisy {
		note := &jsonrpc.Message{JSONRPC: jsonrpc.Version, Method: "notifications/message", Params: json.RawMessage(`{"level":"info"}`)}
		stale := &jsonrpc.Message{JSONRPC: jsonrpc.Version, ID: json.RawMessage(`-1`), Result: json.RawMessage(`{}`)}
		out = append(out, s.frame(note)...)
		out = append(out, s.frame(stale)...)
	}
	out = append(out, s.frame(resp)...)

	if !s.opts.chunked {
		_, _ = s.out.Write(out)
		return
	}
	for i := range out {
		_, _ = s.out.Write(out[i : i+1])
	}
}

func (s *server) frame(m *jsonrpc.Message) []byte {
	b, err := jsonrpc.Encode(m)
	if err != nil {
		panic(err)
	}
	if s.opts.lf {
		return []byte(strings.Replace(string(b), "\r\n\r\n", "\n\n", 1))
	}
	return b
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func orNull(b json.RawMessage) json.RawMessage {
	if len(b) == 0 {
		return json.RawMessage("null")
	}
	return b
}
