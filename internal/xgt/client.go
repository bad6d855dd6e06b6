package xgt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/keunjinahn/things-plc/internal/types"
)

var errNotConnected = errors.New("not connected")

const DefaultTimeout = 2 * time.Second

// Options configure a Client or Pool.
type Options struct {
	Timeout time.Duration
	// IdleTimeout closes pooled connections unused for longer than this before
	// their next use. Zero keeps them open.
	IdleTimeout time.Duration
	Codec       Codec
	// Dial overrides the TCP dialer.
	Dial func(ctx context.Context, network, address string) (net.Conn, error)
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Codec.Checksum == "" {
		o.Codec.Checksum = ChecksumSum
	}
	if o.Codec.CPUInfo == 0 {
		o.Codec.CPUInfo = CPUInfoXGB
	}
	if o.Dial == nil {
		d := &net.Dialer{Timeout: o.Timeout}
		o.Dial = d.DialContext
	}
	return o
}

// Client owns one TCP connection to one PLC endpoint. Requests are
// serialized; the client never retries. connected and lastUsed are written
// under mu but read without it, so status checks never wait on I/O.
type Client struct {
	endpoint  string
	opts      Options
	conn      net.Conn
	mu        sync.Mutex
	invokeID  uint16
	connected atomic.Bool
	lastUsed  atomic.Int64
}

func NewClient(endpoint string, opts Options) *Client {
	return &Client{
		endpoint: endpoint,
		opts:     opts.withDefaults(),
	}
}

func (c *Client) Endpoint() string { return c.endpoint }

// Connect stellt die TCP-Verbindung her
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected.Load() {
		return nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	conn, err := c.opts.Dial(dialCtx, "tcp", c.endpoint)
	if err != nil {
		return &ConnectionError{Op: OpDial, Endpoint: c.endpoint, Err: err}
	}

	c.conn = conn
	c.connected.Store(true)
	c.touch()
	return nil
}

// Close schließt die Verbindung
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *Client) closeLocked() error {
	if !c.connected.Load() {
		return nil
	}
	err := c.conn.Close()
	c.connected.Store(false)
	c.conn = nil
	return err
}

func (c *Client) Connected() bool {
	return c.connected.Load()
}

// LastUsed is the time of the last completed exchange.
func (c *Client) LastUsed() time.Time {
	ns := c.lastUsed.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (c *Client) touch() {
	c.lastUsed.Store(time.Now().UnixNano())
}

// Roundtrip sends req and waits for the matching response. Transport failures
// close the connection and return *ConnectionError.
func (c *Client) Roundtrip(ctx context.Context, req *Request) (*Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected.Load() {
		return nil, &ConnectionError{Op: OpWrite, Endpoint: c.endpoint, Err: errNotConnected}
	}

	// Eindeutige Invoke ID
	c.invokeID++
	req.InvokeID = c.invokeID

	frame, err := c.opts.Codec.EncodeRequest(req)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", req.Address, err)
	}

	deadline := time.Now().Add(c.opts.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, c.fail(OpWrite, err)
	}
	conn := c.conn
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	if _, err := conn.Write(frame); err != nil {
		return nil, c.fail(OpWrite, c.cause(ctx, err))
	}

	// Header lesen, dann genau Length Bytes Payload
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(conn, header); err != nil {
		return nil, c.fail(OpRead, c.cause(ctx, err))
	}
	h, err := DecodeHeader(header)
	if err != nil {
		c.closeLocked()
		return nil, err
	}
	payload := make([]byte, h.Length)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return nil, c.fail(OpRead, c.cause(ctx, err))
	}
	c.touch()

	resp, err := c.opts.Codec.ParseResponse(append(header, payload...))
	if resp == nil && err != nil {
		return nil, err
	}
	if resp.Header.InvokeID != req.InvokeID {
		// the stream is out of step; start over on the next request
		c.closeLocked()
		return nil, protocolErrorf("invoke id mismatch: expected %d, got %d", req.InvokeID, resp.Header.InvokeID)
	}
	return resp, err
}

func (c *Client) fail(op string, err error) error {
	c.closeLocked()
	return &ConnectionError{Op: op, Endpoint: c.endpoint, Err: err}
}

func (c *Client) cause(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

// Read reads count consecutive units starting at address.
func (c *Client) Read(ctx context.Context, address string, dt types.DataType, count uint16) ([]uint64, error) {
	if count == 0 {
		count = 1
	}
	resp, err := c.Roundtrip(ctx, &Request{
		Command:  CmdReadRequest,
		DataType: dt,
		Address:  address,
		Count:    count,
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Values) != int(count) {
		return nil, protocolErrorf("%s: expected %d values, got %d", address, count, len(resp.Values))
	}
	return resp.Values, nil
}

// Write writes one unit at address.
func (c *Client) Write(ctx context.Context, address string, dt types.DataType, value uint64) error {
	if err := checkRange(dt, value); err != nil {
		return fmt.Errorf("write %s: %w", address, err)
	}
	_, err := c.Roundtrip(ctx, &Request{
		Command:  CmdWriteRequest,
		DataType: dt,
		Address:  address,
		Data:     PutValue(dt, value),
	})
	return err
}

func checkRange(dt types.DataType, value uint64) error {
	width := dt.Width()
	switch {
	case width == 0:
		return fmt.Errorf("unsupported data type %q", dt)
	case dt == types.DataTypeBit && value > 1:
		return fmt.Errorf("bit value %d out of range", value)
	case width < 8 && value>>(8*width) != 0:
		return fmt.Errorf("value %d does not fit %s", value, dt)
	}
	return nil
}
