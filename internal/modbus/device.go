package modbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/keunjinahn/things-plc/internal/address"
	"github.com/keunjinahn/things-plc/internal/types"
)

// Reader reads tag values over Modbus TCP, one EndpointClient per device
// endpoint.
type Reader struct {
	timeout     time.Duration
	idleTimeout time.Duration
	logger      *zap.Logger
	mu          sync.Mutex
	clients     map[string]*EndpointClient
}

func NewReader(timeout, idleTimeout time.Duration, logger *zap.Logger) *Reader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reader{
		timeout:     timeout,
		idleTimeout: idleTimeout,
		logger:      logger,
		clients:     make(map[string]*EndpointClient),
	}
}

func (r *Reader) client(endpoint string) *EndpointClient {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clients[endpoint]
	if !ok {
		c = NewEndpointClient(endpoint, r.timeout, r.idleTimeout)
		r.clients[endpoint] = c
		r.logger.Debug("Modbus endpoint registered", zap.String("endpoint", endpoint))
	}
	return c
}

// ReadTag reads one tag. The function code follows the tag's area and the
// register quantity follows its data type.
func (r *Reader) ReadTag(ctx context.Context, dev types.Device, tag types.TagDefinition) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if tag.Offset < 0 || tag.Offset > 0xFFFF {
		return 0, fmt.Errorf("offset %d out of Modbus range", tag.Offset)
	}

	fc := address.FunctionCode(tag.Area)
	qty := Quantity(fc, tag.DataType)
	data, err := r.client(dev.Endpoint()).Read(dev.UnitID, fc, uint16(tag.Offset), qty)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", tag.Key(), err)
	}
	return Combine(fc, tag.DataType, data)
}

func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for _, c := range r.clients {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Quantity is the number of coils or registers a data type occupies.
func Quantity(fc byte, dt types.DataType) uint16 {
	if fc == address.FuncReadCoils || fc == address.FuncReadDiscreteInputs {
		return 1
	}
	switch dt {
	case types.DataTypeDWord:
		return 2
	case types.DataTypeLWord:
		return 4
	default:
		return 1
	}
}

// Combine turns the raw response bytes into one unsigned value. Registers are
// big-endian, high word first.
func Combine(fc byte, dt types.DataType, data []byte) (uint64, error) {
	if fc == address.FuncReadCoils || fc == address.FuncReadDiscreteInputs {
		if len(data) < 1 {
			return 0, errors.New("empty bit response")
		}
		return uint64(data[0] & 0x01), nil
	}

	want := int(Quantity(fc, dt)) * 2
	if len(data) < want {
		return 0, fmt.Errorf("register response %d bytes, want %d", len(data), want)
	}
	var v uint64
	for _, b := range data[:want] {
		v = v<<8 | uint64(b)
	}
	switch dt {
	case types.DataTypeBit:
		v &= 0x01
	case types.DataTypeByte:
		v &= 0xFF
	}
	return v, nil
}
