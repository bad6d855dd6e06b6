package publish

import (
	"context"
	"errors"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/keunjinahn/things-plc/internal/config"
	"github.com/keunjinahn/things-plc/internal/types"
)

const (
	mqttConnectTimeout = 5 * time.Second
	mqttPublishTimeout = 2 * time.Second
)

// mqttClient is the part of pahomqtt.Client the sink uses.
type mqttClient interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
	Disconnect(quiesce uint)
}

type MQTTSink struct {
	client mqttClient
	root   string
	qos    byte
	retain bool
	logger *zap.Logger
}

// NewMQTTSink connects to the broker. The client reconnects on its own after
// the first successful connect.
func NewMQTTSink(cfg config.MQTTConfig, logger *zap.Logger) (*MQTTSink, error) {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		logger.Warn("MQTT connection lost", zap.String("broker", cfg.Broker), zap.Error(err))
	})

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		return nil, fmt.Errorf("mqtt connect %s: timeout", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", cfg.Broker, err)
	}

	logger.Info("Connected to MQTT broker", zap.String("broker", cfg.Broker))
	return newMQTTSink(client, cfg, logger), nil
}

func newMQTTSink(client mqttClient, cfg config.MQTTConfig, logger *zap.Logger) *MQTTSink {
	return &MQTTSink{
		client: client,
		root:   cfg.RootTopic,
		qos:    byte(cfg.QoS),
		retain: cfg.Retain,
		logger: logger,
	}
}

func (s *MQTTSink) Name() string { return "mqtt" }

func (s *MQTTSink) Publish(ctx context.Context, events []types.ReadingEvent) error {
	var errs []error
	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return err
		}
		payload, err := encode(ev)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		topic := Topic(s.root, ev)
		token := s.client.Publish(topic, s.qos, s.retain, payload)
		if !token.WaitTimeout(mqttPublishTimeout) {
			errs = append(errs, fmt.Errorf("publish %s: timeout", topic))
			continue
		}
		if err := token.Error(); err != nil {
			errs = append(errs, fmt.Errorf("publish %s: %w", topic, err))
		}
	}
	return errors.Join(errs...)
}

func (s *MQTTSink) Close() error {
	s.client.Disconnect(250)
	return nil
}
