package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/stdiorpc/jsonrpc"
	"github.com/guseggert/stdiorpc/process"
	"go.uber.org/zap"
)

// pumpWait bounds how long Teardown waits for the stderr pump to drain after the child is gone.
const pumpWait = 500 * time.Millisecond

// Child is the peer a Client talks to. *process.Process implements it.
type Child interface {
	Stdin() io.Writer
	Stdout() io.Reader
	ExitStatus() (code int, exited bool)
}

// Client issues requests and notifications to a child over its stdio.
// Exchanges are serialized: there is at most one request in flight.
type Client struct {
	log    *zap.SugaredLogger
	id     uuid.UUID
	child  Child
	proc   *process.Process
	reader *Reader

	mut       sync.Mutex
	lastID    atomic.Int64
	closed    atomic.Bool
	closeOnce sync.Once
}

// New wraps an already running child. The caller keeps ownership of it.
func New(child Child, opts ...Option) *Client {
	return newClient(child, newConfig(opts))
}

// Spawn starts the child described by req and returns a client that owns it.
// Teardown must be called on every path to reclaim the child.
func Spawn(req process.StartProcRequest, opts ...Option) (*Client, error) {
	cfg := newConfig(opts)
	procOpts := append([]process.Option{process.WithLogger(cfg.logger)}, cfg.processOpts...)
	p, err := process.Start(req, procOpts...)
	if err != nil {
		return nil, err
	}
	c := newClient(p, cfg)
	c.proc = p
	return c, nil
}

func newClient(child Child, cfg *config) *Client {
	id := uuid.New()
	c := &Client{
		log:    cfg.logger.Sugar().Named(cfg.name).With("client_id", id.String()),
		id:     id,
		child:  child,
		reader: newReader(child.Stdout(), cfg),
	}
	c.reader.log = c.log.Named("reader")
	c.reader.child = child
	return c
}

func (c *Client) ID() uuid.UUID { return c.id }

// Process returns the child started by Spawn, or nil if the client was built with New.
func (c *Client) Process() *process.Process { return c.proc }

// NextID allocates a request id that is unique for this client.
func (c *Client) NextID() int64 { return c.lastID.Add(1) }

// Notify sends a message that expects no response. It does not wait for anything from the child.
func (c *Client) Notify(ctx context.Context, method string, params any) error {
	msg, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return err
	}
	ctx, cancel := c.reader.withDeadline(ctx)
	defer cancel()

	c.mut.Lock()
	defer c.mut.Unlock()
	return c.annotate(c.send(ctx, msg), method)
}

// Call sends a request with the given id and waits for the response carrying the same id.
// Messages with other ids, and notifications, are discarded while waiting.
func (c *Client) Call(ctx context.Context, id int64, method string, params any) (*jsonrpc.Message, error) {
	msg, err := jsonrpc.NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}
	ctx, cancel := c.reader.withDeadline(ctx)
	defer cancel()

	c.mut.Lock()
	defer c.mut.Unlock()

	start := time.Now()
	if err := c.send(ctx, msg); err != nil {
		return nil, c.annotate(err, method)
	}
	resp, err := c.reader.ReadForID(ctx, id)
	if err != nil {
		c.log.Debugw("call failed", "method", method, "id", id, "err", err)
		return nil, c.annotate(err, method)
	}
	c.log.Debugw("call done", "method", method, "id", id, "elapsed", time.Since(start))
	return resp, nil
}

// Request is Call with the next id from NextID.
func (c *Client) Request(ctx context.Context, method string, params any) (*jsonrpc.Message, error) {
	return c.Call(ctx, c.NextID(), method, params)
}

// Close releases the reader. It is idempotent and does not stop the child, see Teardown.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		_ = c.reader.Close()
	})
	return nil
}

// Result is what is left of a child after Teardown.
type Result struct {
	ExitCode   int
	Exited     bool
	Escalation process.Escalation
	Stderr     []string
}

// Teardown closes the client and, if the client owns its child, shuts the child down and collects its stderr.
func (c *Client) Teardown(grace time.Duration) Result {
	_ = c.Close()
	if c.proc == nil {
		code, exited := c.child.ExitStatus()
		return Result{ExitCode: code, Exited: exited}
	}
	esc := c.proc.Shutdown(grace)
	t := time.NewTimer(pumpWait)
	defer t.Stop()
	select {
	case <-c.proc.StderrDone():
	case <-t.C:
		c.log.Debug("stderr pump still running after teardown")
	}
	c.log.Debugw("teardown done", "steps", esc.Steps, "exit_code", esc.ExitCode)
	return Result{
		ExitCode:   esc.ExitCode,
		Exited:     esc.Exited,
		Escalation: esc,
		Stderr:     c.proc.Stderr().Lines(),
	}
}

// StderrTail returns the last n stderr lines of a spawned child, or nil.
func (c *Client) StderrTail(n int) []string {
	if c.proc == nil {
		return nil
	}
	return c.proc.Stderr().Tail(n)
}

func (c *Client) send(ctx context.Context, msg *jsonrpc.Message) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if code, exited := c.child.ExitStatus(); exited {
		return &ConnectionError{Op: "write", ExitCode: code, Exited: true, Err: errors.New("child has exited")}
	}
	b, err := jsonrpc.Encode(msg)
	if err != nil {
		return err
	}
	stdin := c.child.Stdin()
	if d, ok := stdin.(interface{ SetWriteDeadline(time.Time) error }); ok {
		deadline, _ := ctx.Deadline()
		_ = d.SetWriteDeadline(deadline)
	}
	n, err := stdin.Write(b)
	if err == nil {
		return nil
	}
	if n > 0 && n < len(b) {
		// the child now holds a truncated frame and every later frame would land inside its body
		_ = c.Close()
		code, exited := c.child.ExitStatus()
		return &ConnectionError{Op: "write", ExitCode: code, Exited: exited, Err: fmt.Errorf("partial frame written (%d of %d bytes): %w", n, len(b), err)}
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		terr := &TimeoutError{}
		if len(msg.ID) > 0 {
			terr.ID, terr.HasID = msg.IntID()
		}
		return terr
	}
	code, exited := c.child.ExitStatus()
	return &ConnectionError{Op: "write", ExitCode: code, Exited: exited, Err: err}
}

func (c *Client) annotate(err error, method string) error {
	var terr *TimeoutError
	if errors.As(err, &terr) {
		terr.Method = method
	}
	return err
}
