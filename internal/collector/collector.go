// Package collector polls active tags and records one reading per tag per
// cycle.
package collector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/keunjinahn/things-plc/internal/types"
	"github.com/keunjinahn/things-plc/internal/xgt"
)

const (
	DefaultInterval = time.Second
	persistTimeout  = 10 * time.Second
)

// Store is the subset of persistence the collector needs.
type Store interface {
	ListActiveTags(ctx context.Context, deviceID *int64) ([]types.TagDefinition, error)
	GetDevice(ctx context.Context, id int64) (*types.Device, error)
	SaveReadings(ctx context.Context, readings []types.Reading) error
}

// TagReader reads the raw value of one tag.
type TagReader interface {
	ReadTag(ctx context.Context, dev types.Device, tag types.TagDefinition) (uint64, error)
}

// Sink receives readings after they are persisted.
type Sink interface {
	Name() string
	Publish(ctx context.Context, events []types.ReadingEvent) error
}

type Config struct {
	Interval time.Duration
	Retry    xgt.RetryPolicy
}

// CycleReport describes one completed cycle.
type CycleReport struct {
	Started  time.Time                 `json:"started"`
	Duration time.Duration             `json:"duration"`
	Readings []types.Reading           `json:"readings"`
	Good     int                       `json:"good"`
	Bad      int                       `json:"bad"`
	Warnings []types.ValidationWarning `json:"warnings"`
	// Skipped counts tags whose device could not be resolved.
	Skipped int `json:"skipped"`
	// PersistErr is set when the readings could not be saved.
	PersistErr error `json:"-"`
}

// Stats accumulate over the collector's lifetime.
type Stats struct {
	Running      bool          `json:"running"`
	Cycles       int64         `json:"cycles"`
	Good         int64         `json:"good"`
	Bad          int64         `json:"bad"`
	Warnings     int64         `json:"warnings"`
	LastCycleAt  time.Time     `json:"last_cycle_at"`
	LastDuration time.Duration `json:"last_duration"`
	LastError    string        `json:"last_error,omitempty"`
}

type Collector struct {
	store    Store
	readers  map[types.Protocol]TagReader
	sinks    []Sink
	interval time.Duration
	retry    xgt.RetryPolicy
	logger   *zap.Logger
	now      func() time.Time

	// cycle holds one token; cycles never overlap
	cycle chan struct{}

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	stats   Stats
}

func New(cfg Config, store Store, readers map[types.Protocol]TagReader, logger *zap.Logger, sinks ...Sink) *Collector {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{
		store:    store,
		readers:  readers,
		sinks:    sinks,
		interval: cfg.Interval,
		retry:    cfg.Retry,
		logger:   logger,
		now:      time.Now,
		cycle:    make(chan struct{}, 1),
	}
}

// Start startet das zyklische Polling
func (c *Collector) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return nil
	}

	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.running = true
	c.stats.Running = true

	go c.loop(loopCtx, c.done)

	c.logger.Info("Collector started", zap.Duration("interval", c.interval))
	return nil
}

// Stop cancels the loop and waits for the current cycle to finish persisting.
func (c *Collector) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.cancel()
	done := c.done
	c.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("collector stop: %w", ctx.Err())
	}

	c.logger.Info("Collector stopped")
	return nil
}

func (c *Collector) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *Collector) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *Collector) loop(ctx context.Context, done chan struct{}) {
	defer func() {
		c.mu.Lock()
		if c.done == done {
			c.running = false
			c.stats.Running = false
		}
		c.mu.Unlock()
		close(done)
	}()

	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	for {
		if _, err := c.RunCycle(ctx); err != nil && ctx.Err() == nil {
			c.logger.Error("Collection cycle failed", zap.Error(err))
		}

		timer.Reset(c.interval)
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
	}
}

type deviceResult struct {
	events   []types.ReadingEvent
	warnings []types.ValidationWarning
	bad      int
	skipped  int
}

// RunCycle reads every active tag once and persists the readings. A failed
// read yields a bad reading; it never affects other tags. The returned error
// is set only when the tag list could not be loaded or ctx ended while
// waiting for a cycle already in progress.
func (c *Collector) RunCycle(ctx context.Context) (*CycleReport, error) {
	select {
	case c.cycle <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-c.cycle }()

	report := &CycleReport{Started: c.now()}

	tags, err := c.store.ListActiveTags(ctx, nil)
	if err != nil {
		c.recordError(err)
		return report, fmt.Errorf("list active tags: %w", err)
	}
	if len(tags) == 0 {
		c.logger.Debug("No active tags")
		c.finish(report)
		return report, nil
	}

	var order []int64
	groups := make(map[int64][]types.TagDefinition)
	for _, tag := range tags {
		if _, ok := groups[tag.DeviceID]; !ok {
			order = append(order, tag.DeviceID)
		}
		groups[tag.DeviceID] = append(groups[tag.DeviceID], tag)
	}

	// devices in parallel, tags of one device in order
	results := make([]deviceResult, len(order))
	var g errgroup.Group
	for i, deviceID := range order {
		i, deviceID := i, deviceID
		g.Go(func() error {
			results[i] = c.collectDevice(ctx, deviceID, groups[deviceID])
			return nil
		})
	}
	g.Wait()

	var events []types.ReadingEvent
	for _, res := range results {
		events = append(events, res.events...)
		report.Warnings = append(report.Warnings, res.warnings...)
		report.Bad += res.bad
		report.Skipped += res.skipped
	}
	for _, ev := range events {
		report.Readings = append(report.Readings, ev.Reading)
	}
	report.Good = len(report.Readings) - report.Bad

	// a stop request must not lose what this cycle already read
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	if err := c.store.SaveReadings(persistCtx, report.Readings); err != nil {
		report.PersistErr = err
		c.logger.Error("Failed to persist readings",
			zap.Int("readings", len(report.Readings)),
			zap.Error(err))
	} else {
		c.publish(persistCtx, events)
	}

	c.finish(report)
	return report, nil
}

func (c *Collector) collectDevice(ctx context.Context, deviceID int64, tags []types.TagDefinition) deviceResult {
	var res deviceResult

	dev, err := c.store.GetDevice(ctx, deviceID)
	if err != nil {
		c.logger.Error("Failed to resolve device",
			zap.Int64("device_id", deviceID),
			zap.Int("tags", len(tags)),
			zap.Error(err))
		res.skipped = len(tags)
		return res
	}

	protocol := dev.Protocol
	if protocol == "" {
		protocol = types.ProtocolXGT
	}
	reader, ok := c.readers[protocol]

	for i, tag := range tags {
		if ctx.Err() != nil {
			return res
		}

		if !ok {
			c.logger.Error("No reader for protocol",
				zap.String("device", dev.Name),
				zap.String("protocol", string(protocol)))
			for _, rest := range tags[i:] {
				res.addBad(*dev, rest, c.now())
			}
			return res
		}

		var raw uint64
		err := xgt.Retry(ctx, c.retry, func() error {
			v, err := reader.ReadTag(ctx, *dev, tag)
			raw = v
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				return res
			}
			c.logger.Warn("Tag read failed",
				zap.String("device", dev.Name),
				zap.String("tag", tag.Name),
				zap.Error(err))
			res.addBad(*dev, tag, c.now())

			if xgt.IsDialError(err) {
				c.logger.Error("Device unreachable, skipping remaining tags",
					zap.String("device", dev.Name),
					zap.String("endpoint", dev.Endpoint()),
					zap.Int("remaining", len(tags)-i-1))
				for _, rest := range tags[i+1:] {
					res.addBad(*dev, rest, c.now())
				}
				return res
			}
			continue
		}

		value := types.DecimalFromRaw(raw)
		if w := tag.CheckRange(value); w != nil {
			c.logger.Warn("Value out of range",
				zap.String("device", dev.Name),
				zap.String("tag", tag.Name),
				zap.String("value", value.String()),
				zap.String("bound", w.Bound),
				zap.String("limit", w.Limit.String()))
			res.warnings = append(res.warnings, *w)
		}
		res.events = append(res.events, types.ReadingEvent{
			Device: dev.Name,
			Tag:    tag,
			Reading: types.Reading{
				TagID:     tag.ID,
				Value:     value,
				Quality:   types.QualityGood,
				Timestamp: c.now(),
			},
		})
	}
	return res
}

func (r *deviceResult) addBad(dev types.Device, tag types.TagDefinition, ts time.Time) {
	r.bad++
	r.events = append(r.events, types.ReadingEvent{
		Device: dev.Name,
		Tag:    tag,
		Reading: types.Reading{
			TagID:     tag.ID,
			Quality:   types.QualityBad,
			Timestamp: ts,
		},
	})
}

func (c *Collector) publish(ctx context.Context, events []types.ReadingEvent) {
	if len(events) == 0 {
		return
	}
	for _, sink := range c.sinks {
		if err := sink.Publish(ctx, events); err != nil {
			c.logger.Warn("Publish failed", zap.String("sink", sink.Name()), zap.Error(err))
		}
	}
}

func (c *Collector) finish(report *CycleReport) {
	report.Duration = c.now().Sub(report.Started)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.stats.Cycles++
	c.stats.Good += int64(report.Good)
	c.stats.Bad += int64(report.Bad)
	c.stats.Warnings += int64(len(report.Warnings))
	c.stats.LastCycleAt = report.Started
	c.stats.LastDuration = report.Duration
	c.stats.LastError = ""
	if report.PersistErr != nil {
		c.stats.LastError = report.PersistErr.Error()
	}

	c.logger.Debug("Cycle complete",
		zap.Int("good", report.Good),
		zap.Int("bad", report.Bad),
		zap.Int("warnings", len(report.Warnings)),
		zap.Duration("duration", report.Duration))
}

func (c *Collector) recordError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.LastError = err.Error()
}
