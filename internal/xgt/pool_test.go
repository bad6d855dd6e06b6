package xgt

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/keunjinahn/things-plc/internal/types"
)

func TestPoolReadTag(t *testing.T) {
	plc := newFakePLC(t, func(req *Request) []byte {
		return reply(req, 1)
	})
	pool := NewPool(Options{Timeout: time.Second}, zap.NewNop())
	defer pool.Close()

	host, port := splitAddr(t, plc.Addr())
	dev := types.Device{Host: host, Port: port}

	v, err := pool.ReadTag(context.Background(), dev, types.TagDefinition{Area: types.AreaM, Offset: 100, DataType: types.DataTypeBit})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v)

	reqs := plc.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "%MX100", reqs[0].Address)
	assert.Equal(t, types.DataTypeBit, reqs[0].DataType)
}

func TestPoolReusesConnection(t *testing.T) {
	plc := newFakePLC(t, func(req *Request) []byte {
		return reply(req, 7)
	})
	pool := NewPool(Options{Timeout: time.Second}, nil)
	defer pool.Close()

	for i := 0; i < 5; i++ {
		_, err := pool.ReadValue(context.Background(), plc.Addr(), "%DW1", types.DataTypeWord)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, plc.Accepted())

	status := pool.Status()
	require.Len(t, status, 1)
	assert.True(t, status[0].Connected)
}

func TestPoolReconnectsAfterFailure(t *testing.T) {
	var silent atomic.Bool
	plc := newFakePLC(t, func(req *Request) []byte {
		if silent.Load() {
			return nil
		}
		return reply(req, 3)
	})
	pool := NewPool(Options{Timeout: 100 * time.Millisecond}, nil)
	defer pool.Close()

	silent.Store(true)
	_, err := pool.ReadValue(context.Background(), plc.Addr(), "%DW1", types.DataTypeWord)
	require.True(t, IsRetryable(err))

	silent.Store(false)
	v, err := pool.ReadValue(context.Background(), plc.Addr(), "%DW1", types.DataTypeWord)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), v)
	assert.Equal(t, 2, plc.Accepted())
}

func TestPoolReopensIdleConnection(t *testing.T) {
	plc := newFakePLC(t, func(req *Request) []byte {
		return reply(req, 1)
	})
	pool := NewPool(Options{Timeout: time.Second, IdleTimeout: 20 * time.Millisecond}, nil)
	defer pool.Close()

	_, err := pool.ReadValue(context.Background(), plc.Addr(), "%DW1", types.DataTypeWord)
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	_, err = pool.ReadValue(context.Background(), plc.Addr(), "%DW1", types.DataTypeWord)
	require.NoError(t, err)

	assert.Equal(t, 2, plc.Accepted())
}

func TestPoolSerializesEndpoint(t *testing.T) {
	plc := newFakePLC(t, func(req *Request) []byte {
		return reply(req, 1)
	})
	pool := NewPool(Options{Timeout: time.Second}, nil)
	defer pool.Close()

	var inFlight, maxInFlight atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := pool.Do(context.Background(), plc.Addr(), func(c *Client) error {
				n := inFlight.Add(1)
				defer inFlight.Add(-1)
				for {
					m := maxInFlight.Load()
					if n <= m || maxInFlight.CompareAndSwap(m, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				_, err := c.Read(context.Background(), "%DW1", types.DataTypeWord, 1)
				return err
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInFlight.Load())
}

func TestPoolDoHonoursContextWhileWaiting(t *testing.T) {
	plc := newFakePLC(t, func(req *Request) []byte { return reply(req, 1) })
	pool := NewPool(Options{Timeout: time.Second}, nil)
	defer pool.Close()

	release := make(chan struct{})
	held := make(chan struct{})
	go pool.Do(context.Background(), plc.Addr(), func(c *Client) error {
		close(held)
		<-release
		return nil
	})
	<-held

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := pool.Do(ctx, plc.Addr(), func(c *Client) error { return nil })
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	close(release)
}

func TestPoolStatusDoesNotWaitForSlowEndpoint(t *testing.T) {
	release := make(chan struct{})
	slow := newFakePLC(t, func(req *Request) []byte {
		<-release
		return reply(req, 1)
	})
	fast := newFakePLC(t, func(req *Request) []byte { return reply(req, 2) })

	pool := NewPool(Options{Timeout: 2 * time.Second}, nil)
	defer pool.Close()
	defer close(release)

	_, err := pool.ReadValue(context.Background(), fast.Addr(), "%DW1", types.DataTypeWord)
	require.NoError(t, err)

	go pool.ReadValue(context.Background(), slow.Addr(), "%DW1", types.DataTypeWord)
	require.Eventually(t, func() bool { return len(slow.Requests()) == 1 }, time.Second, 5*time.Millisecond)

	start := time.Now()
	status := pool.Status()
	require.Len(t, status, 2)

	v, err := pool.ReadValue(context.Background(), fast.Addr(), "%DW1", types.DataTypeWord)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), v)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestPoolClosed(t *testing.T) {
	pool := NewPool(Options{}, nil)
	require.NoError(t, pool.Close())

	_, err := pool.ReadValue(context.Background(), "127.0.0.1:1", "%DW1", types.DataTypeWord)
	assert.True(t, errors.Is(err, ErrPoolClosed))
}
