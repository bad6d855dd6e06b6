// Package stream fans live readings and job results out to subscribers.
package stream

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/keunjinahn/things-plc/internal/batch"
	"github.com/keunjinahn/things-plc/internal/types"
)

const defaultBuffer = 100

type Kind string

const (
	KindReading   Kind = "reading"
	KindJobResult Kind = "job_result"
)

type Event struct {
	Kind      Kind             `json:"kind"`
	Timestamp time.Time        `json:"timestamp"`
	Reading   *ReadingPayload  `json:"reading,omitempty"`
	Job       *batch.JobResult `json:"job,omitempty"`
}

type ReadingPayload struct {
	Device  string          `json:"device"`
	TagID   int64           `json:"tag_id"`
	Tag     string          `json:"tag"`
	Address string          `json:"address"`
	Value   decimal.Decimal `json:"value"`
	Unit    *string         `json:"unit,omitempty"`
	Quality types.Quality   `json:"quality"`
}

func ReadingEvent(ev types.ReadingEvent) Event {
	return Event{
		Kind:      KindReading,
		Timestamp: ev.Reading.Timestamp,
		Reading: &ReadingPayload{
			Device:  ev.Device,
			TagID:   ev.Tag.ID,
			Tag:     ev.Tag.Name,
			Address: ev.Tag.Key(),
			Value:   ev.Reading.Value,
			Unit:    ev.Tag.Unit,
			Quality: ev.Reading.Quality,
		},
	}
}

func JobResultEvent(res batch.JobResult) Event {
	return Event{Kind: KindJobResult, Timestamp: res.Timestamp, Job: &res}
}

// Streamer delivers events to every subscriber without blocking the sender.
// A subscriber whose buffer is full misses the event.
type Streamer struct {
	mu          sync.RWMutex
	subscribers map[uuid.UUID]chan Event
	buffer      int
	dropped     atomic.Int64
}

func NewStreamer(buffer int) *Streamer {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Streamer{
		subscribers: make(map[uuid.UUID]chan Event),
		buffer:      buffer,
	}
}

func (s *Streamer) Subscribe() (uuid.UUID, <-chan Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.New()
	ch := make(chan Event, s.buffer)
	s.subscribers[id] = ch
	return id, ch
}

// Unsubscribe closes the subscriber's channel.
func (s *Streamer) Unsubscribe(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ch, ok := s.subscribers[id]; ok {
		delete(s.subscribers, id)
		close(ch)
	}
}

func (s *Streamer) Broadcast(ev Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, ch := range s.subscribers {
		select {
		case ch <- ev:
		default:
			s.dropped.Add(1)
		}
	}
}

func (s *Streamer) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscribers)
}

// Dropped counts events lost to full subscriber buffers.
func (s *Streamer) Dropped() int64 {
	return s.dropped.Load()
}

func (s *Streamer) Name() string { return "stream" }

// Publish makes the streamer a collector sink.
func (s *Streamer) Publish(_ context.Context, events []types.ReadingEvent) error {
	for _, ev := range events {
		s.Broadcast(ReadingEvent(ev))
	}
	return nil
}

// PublishJobResult is registered as a batch runner result hook.
func (s *Streamer) PublishJobResult(res batch.JobResult) {
	s.Broadcast(JobResultEvent(res))
}
