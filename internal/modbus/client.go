// Package modbus reads tags from devices reached through a Modbus TCP gateway.
package modbus

import (
	"errors"
	"sync"
	"time"

	"github.com/goburrow/modbus"

	"github.com/keunjinahn/things-plc/internal/address"
	"github.com/keunjinahn/things-plc/internal/xgt"
)

// EndpointClient is a single TCP connection to one gateway endpoint.
// It serializes requests because it mutates SlaveId per request.
type EndpointClient struct {
	endpoint  string
	mu        sync.Mutex
	handler   *modbus.TCPClientHandler
	client    modbus.Client
	connected bool
}

func NewEndpointClient(endpoint string, timeout, idleTimeout time.Duration) *EndpointClient {
	h := modbus.NewTCPClientHandler(endpoint)
	h.Timeout = timeout
	if idleTimeout > 0 {
		h.IdleTimeout = idleTimeout
	}
	return &EndpointClient{
		endpoint: endpoint,
		handler:  h,
		client:   modbus.NewClient(h),
	}
}

func (c *EndpointClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	return c.handler.Close()
}

// Read issues one read with function code fc and returns the raw data bytes.
func (c *EndpointClient) Read(unitID uint8, fc byte, addr, qty uint16) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		if err := c.handler.Connect(); err != nil {
			return nil, &xgt.ConnectionError{Op: xgt.OpDial, Endpoint: c.endpoint, Err: err}
		}
		c.connected = true
	}

	c.handler.SlaveId = unitID

	var (
		data []byte
		err  error
	)
	switch fc {
	case address.FuncReadCoils:
		data, err = c.client.ReadCoils(addr, qty)
	case address.FuncReadDiscreteInputs:
		data, err = c.client.ReadDiscreteInputs(addr, qty)
	case address.FuncReadInputRegisters:
		data, err = c.client.ReadInputRegisters(addr, qty)
	default:
		data, err = c.client.ReadHoldingRegisters(addr, qty)
	}
	if err != nil {
		var mbErr *modbus.ModbusError
		if errors.As(err, &mbErr) {
			return nil, err
		}
		// anything but an exception response leaves the stream in an unknown
		// state; drop the socket so the next read redials
		c.handler.Close()
		c.connected = false
		return nil, &xgt.ConnectionError{Op: xgt.OpRead, Endpoint: c.endpoint, Err: err}
	}
	return data, nil
}
