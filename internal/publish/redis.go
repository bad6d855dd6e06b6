package publish

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/keunjinahn/things-plc/internal/config"
	"github.com/keunjinahn/things-plc/internal/types"
)

// RedisSink stores the latest value per tag and publishes every reading on
// one channel.
type RedisSink struct {
	client  *redis.Client
	prefix  string
	channel string
	ttl     time.Duration
}

func NewRedisSink(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (*RedisSink, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}

	logger.Info("Connected to Redis", zap.String("addr", cfg.Addr), zap.Int("db", cfg.DB))
	return newRedisSink(client, cfg), nil
}

func newRedisSink(client *redis.Client, cfg config.RedisConfig) *RedisSink {
	return &RedisSink{
		client:  client,
		prefix:  cfg.KeyPrefix,
		channel: cfg.Channel,
		ttl:     cfg.TTL,
	}
}

func (s *RedisSink) Name() string { return "redis" }

// Publish sends all events in one pipeline.
func (s *RedisSink) Publish(ctx context.Context, events []types.ReadingEvent) error {
	if len(events) == 0 {
		return nil
	}

	pipe := s.client.Pipeline()
	for _, ev := range events {
		payload, err := encode(ev)
		if err != nil {
			return err
		}
		pipe.Set(ctx, RedisKey(s.prefix, ev), payload, s.ttl)
		if s.channel != "" {
			pipe.Publish(ctx, s.channel, payload)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline: %w", err)
	}
	return nil
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}
