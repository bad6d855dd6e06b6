package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseInterval(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"30.seconds", 30 * time.Second},
		{"5.minutes", 5 * time.Minute},
		{"1.hours", time.Hour},
		{"2.days", 48 * time.Hour},
		{"1.MINUTES", time.Minute},
		{"90s", 90 * time.Second},
		{"1h30m", 90 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseInterval(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	for _, bad := range []string{"", "0.seconds", "-1.minutes", "x.hours", "5.fortnights", "0s", "-5s", "soon", "200000.days", "9223372037.seconds"} {
		_, err := ParseInterval(bad)
		assert.Error(t, err, bad)
	}
}

func noop(context.Context) error { return nil }

func TestAddRemoveList(t *testing.T) {
	s := New(nil)

	require.NoError(t, s.Add("b", "5.minutes", noop))
	require.NoError(t, s.Add("a", "30.seconds", noop))

	err := s.Add("a", "1.hours", noop)
	assert.True(t, errors.Is(err, ErrDuplicate))
	assert.Error(t, s.Add("c", "never", noop))
	assert.Error(t, s.Add("", "1.hours", noop))

	list := s.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].Name)
	assert.Equal(t, 30*time.Second, list[0].Interval)
	assert.Equal(t, "30.seconds", list[0].Spec)
	assert.Nil(t, list[0].Last)
	assert.Zero(t, list[0].Runs)
	assert.False(t, list[0].Next.IsZero())
	assert.Equal(t, "b", list[1].Name)

	require.NoError(t, s.Remove("a"))
	assert.True(t, errors.Is(s.Remove("a"), ErrNotFound))
	assert.Len(t, s.List(), 1)
}

func TestEntriesFire(t *testing.T) {
	s := New(nil)
	var runs atomic.Int32
	require.NoError(t, s.Add("fast", "10ms", func(context.Context) error {
		runs.Add(1)
		return nil
	}))

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return runs.Load() >= 2 }, time.Second, 5*time.Millisecond)
	require.NoError(t, s.Stop(context.Background()))

	info := s.List()[0]
	assert.GreaterOrEqual(t, info.Runs, int64(2))
	assert.NotNil(t, info.Last)

	after := runs.Load()
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, after, runs.Load(), "no fires after stop")
}

func TestAddWhileRunning(t *testing.T) {
	s := New(nil)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	var runs atomic.Int32
	require.NoError(t, s.Add("late", "10ms", func(context.Context) error {
		runs.Add(1)
		return nil
	}))
	require.Eventually(t, func() bool { return runs.Load() >= 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Remove("late"))
	time.Sleep(20 * time.Millisecond)
	stopped := runs.Load()
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, stopped, runs.Load(), "no fires after remove")
}

func TestEntryNeverOverlaps(t *testing.T) {
	s := New(nil)
	var inFlight, maxInFlight, runs atomic.Int32
	require.NoError(t, s.Add("slow", "5ms", func(context.Context) error {
		n := inFlight.Add(1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(25 * time.Millisecond)
		inFlight.Add(-1)
		runs.Add(1)
		return nil
	}))

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return runs.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, s.Stop(context.Background()))

	assert.Equal(t, int32(1), maxInFlight.Load())
}

func TestStopWaitsForInFlightJob(t *testing.T) {
	s := New(nil)
	started := make(chan struct{})
	var finished atomic.Bool
	var ctxErr atomic.Value

	require.NoError(t, s.Add("job", "10ms", func(ctx context.Context) error {
		select {
		case started <- struct{}{}:
		default:
		}
		time.Sleep(50 * time.Millisecond)
		if ctx.Err() != nil {
			ctxErr.Store(ctx.Err())
		}
		finished.Store(true)
		return nil
	}))

	require.NoError(t, s.Start(context.Background()))
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("job never started")
	}

	require.NoError(t, s.Stop(context.Background()))
	assert.True(t, finished.Load(), "stop returned before the job finished")
	assert.Nil(t, ctxErr.Load(), "job context cancelled by stop")
}

func TestStopTimeout(t *testing.T) {
	s := New(nil)
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	require.NoError(t, s.Add("stuck", "5ms", func(context.Context) error {
		started <- struct{}{}
		<-release
		return nil
	}))
	require.NoError(t, s.Start(context.Background()))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, s.Stop(ctx))
	close(release)
}

func TestJobErrorRecorded(t *testing.T) {
	s := New(nil)
	var runs atomic.Int32
	require.NoError(t, s.Add("failing", "10ms", func(context.Context) error {
		runs.Add(1)
		return errors.New("plc unreachable")
	}))
	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return runs.Load() >= 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, s.Stop(context.Background()))

	assert.Equal(t, "plc unreachable", s.List()[0].LastError)
}
