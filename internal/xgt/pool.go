package xgt

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/keunjinahn/things-plc/internal/address"
	"github.com/keunjinahn/things-plc/internal/types"
)

var ErrPoolClosed = errors.New("xgt: pool closed")

// Pool hands out one Client per endpoint. Callers on the same endpoint are
// serialized; different endpoints proceed in parallel.
type Pool struct {
	opts    Options
	logger  *zap.Logger
	mu      sync.Mutex
	entries map[string]*poolEntry
	closed  bool
}

type poolEntry struct {
	sem    chan struct{}
	client *Client
}

// EndpointStatus is a snapshot of one pooled connection.
type EndpointStatus struct {
	Endpoint  string    `json:"endpoint"`
	Connected bool      `json:"connected"`
	LastUsed  time.Time `json:"last_used"`
}

func NewPool(opts Options, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		opts:    opts.withDefaults(),
		logger:  logger,
		entries: make(map[string]*poolEntry),
	}
}

func (p *Pool) entry(endpoint string) (*poolEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPoolClosed
	}
	e, ok := p.entries[endpoint]
	if !ok {
		e = &poolEntry{
			sem:    make(chan struct{}, 1),
			client: NewClient(endpoint, p.opts),
		}
		p.entries[endpoint] = e
	}
	return e, nil
}

// Do runs fn with exclusive use of the endpoint's client, connecting first
// if needed. Connections idle past IdleTimeout are reopened.
func (p *Pool) Do(ctx context.Context, endpoint string, fn func(*Client) error) error {
	e, err := p.entry(endpoint)
	if err != nil {
		return err
	}

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-e.sem }()

	c := e.client
	if p.opts.IdleTimeout > 0 && c.Connected() && time.Since(c.LastUsed()) > p.opts.IdleTimeout {
		p.logger.Debug("Reopening idle connection", zap.String("endpoint", endpoint))
		c.Close()
	}
	if !c.Connected() {
		if err := c.Connect(ctx); err != nil {
			return err
		}
		p.logger.Info("Connected to PLC", zap.String("endpoint", endpoint))
	}
	return fn(c)
}

// ReadValue reads a single unit.
func (p *Pool) ReadValue(ctx context.Context, endpoint, addr string, dt types.DataType) (uint64, error) {
	var value uint64
	err := p.Do(ctx, endpoint, func(c *Client) error {
		values, err := c.Read(ctx, addr, dt, 1)
		if err != nil {
			return err
		}
		value = values[0]
		return nil
	})
	return value, err
}

// WriteValue writes a single unit.
func (p *Pool) WriteValue(ctx context.Context, endpoint, addr string, dt types.DataType, value uint64) error {
	return p.Do(ctx, endpoint, func(c *Client) error {
		return c.Write(ctx, addr, dt, value)
	})
}

// ReadTag reads tag from dev using the direct variable for its data type.
func (p *Pool) ReadTag(ctx context.Context, dev types.Device, tag types.TagDefinition) (uint64, error) {
	return p.ReadValue(ctx, dev.Endpoint(), address.ForDataType(tag.Area, tag.Offset, tag.DataType), tag.DataType)
}

// Status lists known endpoints sorted by address. It does not wait for
// operations in flight.
func (p *Pool) Status() []EndpointStatus {
	p.mu.Lock()
	clients := make([]*Client, 0, len(p.entries))
	for _, e := range p.entries {
		clients = append(clients, e.client)
	}
	p.mu.Unlock()

	out := make([]EndpointStatus, 0, len(clients))
	for _, c := range clients {
		out = append(out, EndpointStatus{
			Endpoint:  c.Endpoint(),
			Connected: c.Connected(),
			LastUsed:  c.LastUsed(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint < out[j].Endpoint })
	return out
}

// Close closes every connection. Later calls to Do fail with ErrPoolClosed.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	var errs []error
	for _, e := range p.entries {
		if err := e.client.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
