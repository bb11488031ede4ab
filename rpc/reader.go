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

	"github.com/guseggert/stdiorpc/jsonrpc"
	"go.uber.org/zap"
)

const chunkSize = 4096

// exitWait is how long a closed stream waits for the child to be reaped, so the exit code can be reported.
const exitWait = 100 * time.Millisecond

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

// Reader reassembles frames from a byte stream.
//
// If the stream supports read deadlines (pipes from os.Pipe do on most platforms), waiting happens in Read itself.
// Otherwise a goroutine performs blocking reads and hands chunks over a channel.
// Either way every wait is bounded by the context deadline, or by the default timeout when there is none.
//
// A Reader is not safe for concurrent use, except for Close.
type Reader struct {
	log          *zap.SugaredLogger
	src          io.Reader
	deadliner    readDeadliner
	timeout      time.Duration
	maxUnrelated int
	child        Child

	buf   []byte
	chunk []byte

	loopOnce sync.Once
	chunks   chan []byte
	loopDone chan struct{}
	readErr  error

	closed    atomic.Bool
	closeOnce sync.Once
	stop      chan struct{}
}

func NewReader(src io.Reader, opts ...Option) *Reader {
	return newReader(src, newConfig(opts))
}

func newReader(src io.Reader, cfg *config) *Reader {
	r := &Reader{
		log:          cfg.logger.Sugar().Named("reader"),
		src:          src,
		timeout:      cfg.timeout,
		maxUnrelated: cfg.maxUnrelated,
		chunk:        make([]byte, chunkSize),
		stop:         make(chan struct{}),
	}
	if d, ok := src.(readDeadliner); ok {
		// files that are not pollable report os.ErrNoDeadline
		if err := d.SetReadDeadline(time.Time{}); err == nil {
			r.deadliner = d
		}
	}
	return r
}

// Buffered is the number of bytes received but not yet decoded.
func (r *Reader) Buffered() int { return len(r.buf) }

// ReadOne returns the next message. Frames that are already buffered are returned without any I/O.
func (r *Reader) ReadOne(ctx context.Context) (*jsonrpc.Message, error) {
	ctx, cancel := r.withDeadline(ctx)
	defer cancel()
	return r.readOne(ctx)
}

// ReadForID returns the next response carrying id, discarding everything else that arrives first.
func (r *Reader) ReadForID(ctx context.Context, id int64) (*jsonrpc.Message, error) {
	ctx, cancel := r.withDeadline(ctx)
	defer cancel()

	discarded := 0
	for {
		msg, err := r.readOne(ctx)
		if err != nil {
			var terr *TimeoutError
			if errors.As(err, &terr) {
				terr.ID, terr.HasID = id, true
			}
			return nil, err
		}
		if msg.MatchesID(id) {
			return msg, nil
		}
		discarded++
		r.log.Debugw("discarding unrelated message", "awaiting", id, "method", msg.Method, "id", string(msg.ID))
		if r.maxUnrelated > 0 && discarded > r.maxUnrelated {
			return nil, fmt.Errorf("awaiting id %d after %d messages: %w", id, discarded, ErrTooManyUnrelated)
		}
	}
}

// Close stops the reader and wakes a pending read. It does not close the underlying stream.
func (r *Reader) Close() error {
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		close(r.stop)
		if r.deadliner != nil {
			_ = r.deadliner.SetReadDeadline(time.Now())
		}
	})
	return nil
}

func (r *Reader) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.timeout)
}

func (r *Reader) readOne(ctx context.Context) (*jsonrpc.Message, error) {
	for {
		if r.closed.Load() {
			return nil, ErrClosed
		}
		msg, n, err := jsonrpc.TryDecode(r.buf)
		if n > 0 {
			r.consume(n)
		}
		if err != nil {
			return nil, err
		}
		if msg != nil {
			return msg, nil
		}
		if err := r.fill(ctx); err != nil {
			return nil, err
		}
	}
}

func (r *Reader) consume(n int) {
	rest := copy(r.buf, r.buf[n:])
	r.buf = r.buf[:rest]
}

// fill waits for more bytes and appends them to the buffer. It may return having read nothing.
func (r *Reader) fill(ctx context.Context) error {
	if ctx.Err() != nil {
		return r.ctxErr(ctx)
	}
	if r.deadliner != nil {
		return r.fillWithDeadline(ctx)
	}
	return r.fillFromLoop(ctx)
}

func (r *Reader) fillWithDeadline(ctx context.Context) error {
	deadline, _ := ctx.Deadline()
	if err := r.deadliner.SetReadDeadline(deadline); err != nil {
		return &ConnectionError{Op: "read", Err: fmt.Errorf("setting read deadline: %w", err)}
	}
	// Close may have set its own deadline just before ours
	if r.closed.Load() {
		return ErrClosed
	}
	stop := context.AfterFunc(ctx, func() {
		_ = r.deadliner.SetReadDeadline(time.Now())
	})
	n, err := r.src.Read(r.chunk)
	stop()

	if n > 0 {
		r.buf = append(r.buf, r.chunk[:n]...)
		return nil
	}
	if err == nil {
		return nil
	}
	if r.closed.Load() {
		return ErrClosed
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		if ctx.Err() != nil || !time.Now().Before(deadline) {
			return r.ctxErr(ctx)
		}
		// woken early, the deadline has not really passed
		return nil
	}
	return r.readFailure(err)
}

func (r *Reader) fillFromLoop(ctx context.Context) error {
	r.loopOnce.Do(func() {
		r.chunks = make(chan []byte)
		r.loopDone = make(chan struct{})
		go r.readLoop()
	})
	select {
	case b := <-r.chunks:
		r.buf = append(r.buf, b...)
		return nil
	case <-r.loopDone:
		return r.readFailure(r.readErr)
	case <-r.stop:
		return ErrClosed
	case <-ctx.Done():
		return r.ctxErr(ctx)
	}
}

func (r *Reader) readLoop() {
	defer close(r.loopDone)
	for {
		b := make([]byte, chunkSize)
		n, err := r.src.Read(b)
		if n > 0 {
			select {
			case r.chunks <- b[:n]:
			case <-r.stop:
				return
			}
		}
		if err != nil {
			r.readErr = err
			return
		}
	}
}

func (r *Reader) readFailure(err error) error {
	if errors.Is(err, io.EOF) {
		code, exited := r.exitStatus()
		return &ConnectionClosedError{ExitCode: code, Exited: exited}
	}
	if errors.Is(err, os.ErrClosed) {
		if r.closed.Load() {
			return ErrClosed
		}
		code, exited := r.exitStatus()
		return &ConnectionClosedError{ExitCode: code, Exited: exited}
	}
	code, exited := r.exitStatus()
	return &ConnectionError{Op: "read", ExitCode: code, Exited: exited, Err: err}
}

func (r *Reader) exitStatus() (int, bool) {
	if r.child == nil {
		return 0, false
	}
	if code, exited := r.child.ExitStatus(); exited {
		return code, true
	}
	// stdout usually closes a moment before the child is reaped
	if d, ok := r.child.(interface{ Done() <-chan struct{} }); ok {
		t := time.NewTimer(exitWait)
		defer t.Stop()
		select {
		case <-d.Done():
		case <-t.C:
		}
	}
	return r.child.ExitStatus()
}

func (r *Reader) ctxErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return fmt.Errorf("read canceled: %w", ctx.Err())
	}
	return &TimeoutError{}
}
