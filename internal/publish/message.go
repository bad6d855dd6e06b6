// Package publish forwards collected readings to external brokers.
package publish

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/keunjinahn/things-plc/internal/types"
)

// Sink is a broker the collector publishes to.
type Sink interface {
	Name() string
	Publish(ctx context.Context, events []types.ReadingEvent) error
	Close() error
}

// Message is the JSON body sent to every broker.
type Message struct {
	Device    string          `json:"device"`
	Tag       string          `json:"tag"`
	Address   string          `json:"address"`
	Value     decimal.Decimal `json:"value"`
	Unit      string          `json:"unit,omitempty"`
	Quality   types.Quality   `json:"quality"`
	Timestamp string          `json:"timestamp"`
}

func NewMessage(ev types.ReadingEvent) Message {
	m := Message{
		Device:    ev.Device,
		Tag:       ev.Tag.Name,
		Address:   ev.Tag.Key(),
		Value:     ev.Reading.Value,
		Quality:   ev.Reading.Quality,
		Timestamp: ev.Reading.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	if ev.Tag.Unit != nil {
		m.Unit = *ev.Tag.Unit
	}
	return m
}

func encode(ev types.ReadingEvent) ([]byte, error) {
	return json.Marshal(NewMessage(ev))
}

var topicReplacer = strings.NewReplacer("/", "_", "+", "_", "#", "_", " ", "_")

// segment makes s safe as one MQTT topic level or key part.
func segment(s string) string {
	return topicReplacer.Replace(s)
}

// Topic is <root>/<device>/<tag>.
func Topic(root string, ev types.ReadingEvent) string {
	return strings.TrimSuffix(root, "/") + "/" + segment(ev.Device) + "/" + segment(ev.Tag.Name)
}

// RedisKey is <prefix>:<device>:<tag>.
func RedisKey(prefix string, ev types.ReadingEvent) string {
	return prefix + ":" + segment(ev.Device) + ":" + segment(ev.Tag.Name)
}

// KafkaKey is <device>.<tag>, so one tag always lands on one partition.
func KafkaKey(ev types.ReadingEvent) string {
	return segment(ev.Device) + "." + segment(ev.Tag.Name)
}
