package jsonrpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
)

// NotifyFunc receives notifications from the peer. It is called on the
// read goroutine and must not block for long.
type NotifyFunc func(method string, params json.RawMessage)

// HandlerFunc answers requests initiated by the peer. A nil handler
// answers "ping" with an empty result and everything else with
// method-not-found.
type HandlerFunc func(method string, params json.RawMessage) (any, *RPCError)

// Options configures a Conn.
type Options struct {
	Logger   *slog.Logger
	OnNotify NotifyFunc
	Handler  HandlerFunc
	// MaxLine bounds a single incoming message. Longer lines are skipped
	// and logged. Default 1 MiB.
	MaxLine int
}

// DefaultMaxLine is the MaxLine used when Options leaves it zero.
const DefaultMaxLine = 1 << 20

// Conn multiplexes concurrent calls over one newline-delimited stream.
// Responses are routed to callers by id, so any number of calls may be
// in flight. Cancelling a call only forgets its pending entry; the
// stream and other calls are unaffected.
type Conn struct {
	w      io.Writer
	closer io.Closer
	r      *bufio.Reader
	logger *slog.Logger
	notify NotifyFunc
	handle HandlerFunc

	nextID  atomic.Int64
	wmu     sync.Mutex // serializes writes
	mu      sync.Mutex // protects pending
	pending map[int64]chan *Response

	done chan struct{}
	err  error // set before done is closed
}

// NewConn starts reading r and returns a connection writing to w. If w
// implements io.Closer, Close closes it.
func NewConn(r io.Reader, w io.Writer, opts Options) *Conn {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	size := opts.MaxLine
	if size <= 0 {
		size = DefaultMaxLine
	}
	c := &Conn{
		w:       w,
		r:       bufio.NewReaderSize(r, size),
		logger:  logger,
		notify:  opts.OnNotify,
		handle:  opts.Handler,
		pending: make(map[int64]chan *Response),
		done:    make(chan struct{}),
	}
	if cl, ok := w.(io.Closer); ok {
		c.closer = cl
	}
	go c.readLoop()
	return c
}

// Call sends a request and waits for its response.
func (c *Conn) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	select {
	case <-c.done:
		return nil, c.closedErr()
	default:
	}

	id := c.nextID.Add(1)
	ch := make(chan *Response, 1)

	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.write(NewRequest(id, method, params)); err != nil {
		c.forget(id)
		return nil, err
	}

	select {
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-c.done:
		return nil, c.closedErr()
	}
}

// Notify sends a notification.
func (c *Conn) Notify(ctx context.Context, method string, params any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.write(NewNotification(method, params))
}

// Pending returns the number of calls awaiting a response.
func (c *Conn) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Done is closed when the read side of the stream ends.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns why the stream ended, or nil while it is open.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Close closes the write side. The read loop ends when the peer closes
// its side.
func (c *Conn) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer.Close()
}

func (c *Conn) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Conn) closedErr() error {
	if c.err != nil {
		return fmt.Errorf("%w: %v", ErrClosed, c.err)
	}
	return ErrClosed
}

func (c *Conn) write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

func (c *Conn) readLoop() {
	var readErr error
	defer func() {
		c.mu.Lock()
		c.err = readErr
		// Waiters select on done as well; dropping the map is enough.
		c.pending = make(map[int64]chan *Response)
		c.mu.Unlock()
		close(c.done)
	}()

	for {
		line, skipped, err := c.readLine()
		if skipped > 0 {
			c.logger.Warn("jsonrpc message exceeds line limit, skipped",
				"bytes", skipped, "limit", c.r.Size())
		}
		if len(line) > 0 {
			c.dispatch(line)
		}
		if err != nil {
			if err != io.EOF {
				c.logger.Warn("jsonrpc read error", "error", err)
				readErr = err
			}
			return
		}
	}
}

// readLine returns the next line. A line that does not fit the reader's
// buffer is consumed and dropped, and its length returned as skipped.
func (c *Conn) readLine() (line []byte, skipped int, err error) {
	line, err = c.r.ReadSlice('\n')
	for err == bufio.ErrBufferFull {
		skipped += len(line)
		line, err = c.r.ReadSlice('\n')
		if err != bufio.ErrBufferFull {
			skipped += len(line)
			return nil, skipped, err
		}
	}
	// ReadSlice's result is only valid until the next read.
	return append([]byte(nil), line...), 0, err
}

func (c *Conn) dispatch(line []byte) {
	var msg message
	if err := json.Unmarshal(line, &msg); err != nil {
		c.logger.Debug("jsonrpc non-JSON line", "line", string(line))
		return
	}

	switch {
	case msg.ID != nil && msg.Method == "":
		c.mu.Lock()
		ch, ok := c.pending[*msg.ID]
		if ok {
			delete(c.pending, *msg.ID)
		}
		c.mu.Unlock()
		if !ok {
			// Cancelled or timed-out call; the result is discarded.
			c.logger.Debug("jsonrpc response for unknown id", "id", *msg.ID)
			return
		}
		ch <- &Response{JSONRPC: msg.JSONRPC, ID: *msg.ID, Result: msg.Result, Error: msg.Error}

	case msg.ID != nil:
		go c.answer(*msg.ID, msg.Method, msg.Params)

	case msg.Method != "":
		if c.notify != nil {
			c.notify(msg.Method, msg.Params)
		}

	default:
		c.logger.Debug("jsonrpc unclassifiable message", "line", string(line))
	}
}

func (c *Conn) answer(id int64, method string, params json.RawMessage) {
	var (
		result any
		rpcErr *RPCError
	)
	switch {
	case c.handle != nil:
		result, rpcErr = c.handle(method, params)
	case method == "ping":
		result = map[string]any{}
	default:
		rpcErr = &RPCError{Code: CodeMethodNotFound, Message: "method not found: " + method}
	}

	resp := struct {
		JSONRPC string    `json:"jsonrpc"`
		ID      int64     `json:"id"`
		Result  any       `json:"result,omitempty"`
		Error   *RPCError `json:"error,omitempty"`
	}{JSONRPC: Version, ID: id, Result: result, Error: rpcErr}
	if rpcErr == nil && result == nil {
		resp.Result = map[string]any{}
	}
	if err := c.write(resp); err != nil {
		c.logger.Debug("jsonrpc reply failed", "method", method, "error", err)
	}
}
