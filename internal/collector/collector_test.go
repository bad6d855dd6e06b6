package collector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keunjinahn/things-plc/internal/types"
	"github.com/keunjinahn/things-plc/internal/xgt"
)

type fakeStore struct {
	mu      sync.Mutex
	devices map[int64]types.Device
	tags    []types.TagDefinition
	saved   [][]types.Reading
	saveErr error
	listErr error
}

func (s *fakeStore) ListActiveTags(_ context.Context, deviceID *int64) ([]types.TagDefinition, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []types.TagDefinition
	for _, t := range s.tags {
		if t.Active && (deviceID == nil || t.DeviceID == *deviceID) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *fakeStore) GetDevice(_ context.Context, id int64) (*types.Device, error) {
	d, ok := s.devices[id]
	if !ok {
		return nil, fmt.Errorf("device %d: not found", id)
	}
	return &d, nil
}

func (s *fakeStore) SaveReadings(_ context.Context, readings []types.Reading) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saved = append(s.saved, readings)
	return nil
}

func (s *fakeStore) cycles() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saved)
}

type result struct {
	value uint64
	err   error
}

// fakeReader answers by tag name. A slice of results is consumed in order.
type fakeReader struct {
	mu      sync.Mutex
	results map[string][]result
	calls   map[string]int
}

func newFakeReader() *fakeReader {
	return &fakeReader{results: map[string][]result{}, calls: map[string]int{}}
}

func (r *fakeReader) set(tag string, res ...result) {
	r.results[tag] = res
}

func (r *fakeReader) ReadTag(_ context.Context, _ types.Device, tag types.TagDefinition) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.calls[tag.Name]
	r.calls[tag.Name]++
	res := r.results[tag.Name]
	if len(res) == 0 {
		return 0, nil
	}
	if n >= len(res) {
		n = len(res) - 1
	}
	return res[n].value, res[n].err
}

func (r *fakeReader) count(tag string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[tag]
}

type recordingSink struct {
	mu     sync.Mutex
	events []types.ReadingEvent
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Publish(_ context.Context, events []types.ReadingEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, events...)
	return nil
}

func tag(id, deviceID int64, name string, offset int) types.TagDefinition {
	return types.TagDefinition{
		ID:       id,
		DeviceID: deviceID,
		Name:     name,
		Area:     types.AreaD,
		Offset:   offset,
		DataType: types.DataTypeWord,
		Active:   true,
	}
}

func newStore(tags ...types.TagDefinition) *fakeStore {
	return &fakeStore{
		devices: map[int64]types.Device{
			1: {ID: 1, Name: "press", Host: "10.0.0.1", Port: 2004, Protocol: types.ProtocolXGT, Active: true},
			2: {ID: 2, Name: "oven", Host: "10.0.0.2", Port: 2004, Protocol: types.ProtocolXGT, Active: true},
		},
		tags: tags,
	}
}

func newCollector(store Store, reader TagReader, sinks ...Sink) *Collector {
	return New(Config{Interval: 10 * time.Millisecond}, store,
		map[types.Protocol]TagReader{types.ProtocolXGT: reader}, nil, sinks...)
}

func byTag(readings []types.Reading) map[int64]types.Reading {
	out := make(map[int64]types.Reading, len(readings))
	for _, r := range readings {
		out[r.TagID] = r
	}
	return out
}

func TestRunCycleIsolatesFailedReads(t *testing.T) {
	names := []string{"D4001", "D4002", "D4003", "D4004", "D4005"}

	for _, k := range []int{0, 2, len(names) - 1} {
		t.Run(names[k], func(t *testing.T) {
			var tags []types.TagDefinition
			reader := newFakeReader()
			for i, name := range names {
				tags = append(tags, tag(int64(i+1), 1, name, 4001+i))
				reader.set(name, result{value: uint64(100 + i)})
			}
			reader.set(names[k], result{err: &xgt.ConnectionError{
				Op:       xgt.OpRead,
				Endpoint: "10.0.0.1:2004",
				Err:      errors.New("connection reset by peer"),
			}})
			store := newStore(tags...)

			report, err := newCollector(store, reader).RunCycle(context.Background())
			require.NoError(t, err)

			require.Len(t, report.Readings, len(names))
			assert.Equal(t, len(names)-1, report.Good)
			assert.Equal(t, 1, report.Bad)

			got := byTag(report.Readings)
			for i := range names {
				r := got[int64(i+1)]
				if i == k {
					assert.Equal(t, types.QualityBad, r.Quality)
					assert.True(t, r.Value.IsZero())
					continue
				}
				assert.Equal(t, types.QualityGood, r.Quality, names[i])
				assert.Equal(t, fmt.Sprint(100+i), r.Value.String())
			}

			require.Equal(t, 1, store.cycles())
			assert.Len(t, store.saved[0], len(names))
		})
	}
}

func TestRunCycleNoActiveTags(t *testing.T) {
	store := newStore()
	reader := newFakeReader()
	sink := &recordingSink{}

	report, err := newCollector(store, reader, sink).RunCycle(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Readings)
	assert.Zero(t, store.cycles())
	assert.Empty(t, sink.events)
}

func TestRunCycleSkipsInactiveTags(t *testing.T) {
	inactive := tag(2, 1, "D4002", 4002)
	inactive.Active = false
	store := newStore(tag(1, 1, "D4001", 4001), inactive)
	reader := newFakeReader()

	report, err := newCollector(store, reader).RunCycle(context.Background())
	require.NoError(t, err)
	assert.Len(t, report.Readings, 1)
	assert.Equal(t, 1, reader.count("D4001"))
	assert.Zero(t, reader.count("D4002"))
}

func TestRunCycleThresholdKeepsQualityGood(t *testing.T) {
	hot := tag(1, 1, "D4001", 4001)
	max := decimal.NewFromInt(100)
	hot.Max = &max
	store := newStore(hot)
	reader := newFakeReader()
	reader.set("D4001", result{value: 150})

	report, err := newCollector(store, reader).RunCycle(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Readings, 1)
	assert.Equal(t, types.QualityGood, report.Readings[0].Quality)
	assert.Equal(t, "150", report.Readings[0].Value.String())
	require.Len(t, report.Warnings, 1)
	assert.Equal(t, "max", report.Warnings[0].Bound)
}

func TestRunCycleDialFailureMarksDeviceBad(t *testing.T) {
	store := newStore(
		tag(1, 1, "D4001", 4001), tag(2, 1, "D4002", 4002),
		tag(3, 2, "D100", 100),
	)
	press := newFakeReader()
	press.set("D4001", result{err: &xgt.ConnectionError{Op: xgt.OpDial, Endpoint: "10.0.0.1:2004", Err: errors.New("connection refused")}})
	press.set("D100", result{value: 42})

	report, err := newCollector(store, press).RunCycle(context.Background())
	require.NoError(t, err)

	got := byTag(report.Readings)
	require.Len(t, got, 3)
	assert.Equal(t, types.QualityBad, got[1].Quality)
	assert.Equal(t, types.QualityBad, got[2].Quality)
	assert.Equal(t, types.QualityGood, got[3].Quality, "other device unaffected")
	assert.Zero(t, press.count("D4002"), "no reads after dial failure")
}

func TestRunCycleRetriesConnectionErrors(t *testing.T) {
	store := newStore(tag(1, 1, "D4001", 4001))
	reader := newFakeReader()
	reader.set("D4001",
		result{err: &xgt.ConnectionError{Op: xgt.OpRead, Err: errors.New("reset")}},
		result{value: 9},
	)

	c := New(Config{Retry: xgt.RetryPolicy{Count: 1}}, store,
		map[types.Protocol]TagReader{types.ProtocolXGT: reader}, nil)
	report, err := c.RunCycle(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Readings, 1)
	assert.Equal(t, types.QualityGood, report.Readings[0].Quality)
	assert.Equal(t, 2, reader.count("D4001"))
}

func TestRunCycleUnknownProtocol(t *testing.T) {
	store := newStore(tag(1, 1, "D4001", 4001))
	store.devices[1] = types.Device{ID: 1, Name: "press", Protocol: types.ProtocolModbus}

	report, err := newCollector(store, newFakeReader()).RunCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Readings, 1)
	assert.Equal(t, types.QualityBad, report.Readings[0].Quality)
}

func TestRunCycleUnresolvedDeviceSkipped(t *testing.T) {
	store := newStore(tag(1, 9, "D4001", 4001), tag(2, 1, "D4002", 4002))

	report, err := newCollector(store, newFakeReader()).RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)
	assert.Len(t, report.Readings, 1)
}

func TestRunCyclePersistFailureSkipsSinks(t *testing.T) {
	store := newStore(tag(1, 1, "D4001", 4001))
	store.saveErr = errors.New("disk full")
	sink := &recordingSink{}
	c := newCollector(store, newFakeReader(), sink)

	report, err := c.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Error(t, report.PersistErr)
	assert.Empty(t, sink.events)
	assert.Equal(t, "disk full", c.Stats().LastError)
}

func TestRunCyclePublishesEvents(t *testing.T) {
	store := newStore(tag(1, 1, "D4001", 4001))
	reader := newFakeReader()
	reader.set("D4001", result{value: 5})
	sink := &recordingSink{}

	_, err := newCollector(store, reader, sink).RunCycle(context.Background())
	require.NoError(t, err)

	require.Len(t, sink.events, 1)
	assert.Equal(t, "press", sink.events[0].Device)
	assert.Equal(t, "D4001", sink.events[0].Tag.Name)
	assert.Equal(t, "5", sink.events[0].Reading.Value.String())
}

// blockingReader holds every read until release is closed. With deaf set it
// ignores cancellation too.
type blockingReader struct {
	started chan struct{}
	release chan struct{}
	deaf    bool

	mu       sync.Mutex
	inFlight int
	maxSeen  int
}

func (r *blockingReader) ReadTag(ctx context.Context, _ types.Device, _ types.TagDefinition) (uint64, error) {
	r.mu.Lock()
	r.inFlight++
	if r.inFlight > r.maxSeen {
		r.maxSeen = r.inFlight
	}
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.inFlight--
		r.mu.Unlock()
	}()

	select {
	case r.started <- struct{}{}:
	default:
	}
	if r.deaf {
		<-r.release
		return 1, nil
	}
	select {
	case <-r.release:
		return 1, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func TestRunCycleDoesNotOverlap(t *testing.T) {
	store := newStore(tag(1, 1, "D4001", 4001))
	reader := &blockingReader{started: make(chan struct{}, 1), release: make(chan struct{})}
	c := newCollector(store, reader)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.RunCycle(context.Background())
			assert.NoError(t, err)
		}()
	}

	<-reader.started
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, store.cycles(), "second cycle must wait for the first to persist")
	close(reader.release)
	wg.Wait()

	assert.Equal(t, 2, store.cycles())
	assert.Equal(t, 1, reader.maxSeen)
}

func TestRunCycleWaitHonoursContext(t *testing.T) {
	store := newStore(tag(1, 1, "D4001", 4001))
	reader := &blockingReader{started: make(chan struct{}, 1), release: make(chan struct{})}
	c := newCollector(store, reader)

	go c.RunCycle(context.Background())
	<-reader.started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.RunCycle(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	close(reader.release)
}

func TestRestartAfterStopTimeout(t *testing.T) {
	store := newStore(tag(1, 1, "D4001", 4001))
	reader := &blockingReader{started: make(chan struct{}, 1), release: make(chan struct{}), deaf: true}
	c := newCollector(store, reader)

	require.NoError(t, c.Start(context.Background()))
	<-reader.started

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, c.Stop(ctx))

	close(reader.release)
	require.Eventually(t, func() bool { return !c.Running() }, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Start(context.Background()))
	assert.True(t, c.Running())
	require.NoError(t, c.Stop(context.Background()))
}

func TestRunCycleListError(t *testing.T) {
	store := newStore()
	store.listErr = errors.New("db down")

	_, err := newCollector(store, newFakeReader()).RunCycle(context.Background())
	assert.Error(t, err)
}

func TestStartStop(t *testing.T) {
	store := newStore(tag(1, 1, "D4001", 4001))
	c := newCollector(store, newFakeReader())

	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Start(context.Background()), "second start is a no-op")
	assert.True(t, c.Running())

	require.Eventually(t, func() bool { return store.cycles() >= 2 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.Stop(ctx))
	assert.False(t, c.Running())

	stopped := store.cycles()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, stopped, store.cycles(), "no cycles after stop")

	stats := c.Stats()
	assert.GreaterOrEqual(t, stats.Cycles, int64(2))
	assert.False(t, stats.Running)

	assert.NoError(t, c.Stop(ctx), "stop when stopped")
}
