package publish

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/keunjinahn/things-plc/internal/config"
)

// Open creates the enabled sinks. If one fails the ones already opened are
// closed.
func Open(ctx context.Context, cfg config.PublishConfig, logger *zap.Logger) ([]Sink, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var sinks []Sink
	fail := func(err error) ([]Sink, error) {
		return nil, errors.Join(err, CloseAll(sinks))
	}

	if cfg.MQTT.Enabled {
		s, err := NewMQTTSink(cfg.MQTT, logger)
		if err != nil {
			return fail(fmt.Errorf("mqtt sink: %w", err))
		}
		sinks = append(sinks, s)
	}
	if cfg.Redis.Enabled {
		s, err := NewRedisSink(ctx, cfg.Redis, logger)
		if err != nil {
			return fail(fmt.Errorf("redis sink: %w", err))
		}
		sinks = append(sinks, s)
	}
	if cfg.Kafka.Enabled {
		sinks = append(sinks, NewKafkaSink(cfg.Kafka, logger))
	}
	return sinks, nil
}

func CloseAll(sinks []Sink) error {
	var errs []error
	for _, s := range sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}
