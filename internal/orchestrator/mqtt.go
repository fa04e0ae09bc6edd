package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/clawinfra/autoheal/internal/config"
)

const (
	mqttConnectTimeout = 10 * time.Second
	mqttPublishTimeout = 5 * time.Second
)

// MQTTClient is the subset of the paho client used to publish reports.
// Tests replace it through NewMQTTSinkWithClient.
type MQTTClient interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	IsConnected() bool
}

// DefaultMQTTClient wraps the paho MQTT client
type DefaultMQTTClient struct {
	client mqtt.Client
}

func (d *DefaultMQTTClient) Connect() mqtt.Token { return d.client.Connect() }

func (d *DefaultMQTTClient) Disconnect(quiesce uint) { d.client.Disconnect(quiesce) }

func (d *DefaultMQTTClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	return d.client.Publish(topic, qos, retained, payload)
}

func (d *DefaultMQTTClient) IsConnected() bool { return d.client.IsConnected() }

// MQTTSink publishes each cycle report as JSON to a broker topic.
type MQTTSink struct {
	cfg           config.MQTTConfig
	client        MQTTClient
	clientFactory func(opts *mqtt.ClientOptions) MQTTClient
	logger        *slog.Logger
}

// NewMQTTSink creates a sink using the paho client.
func NewMQTTSink(cfg config.MQTTConfig, logger *slog.Logger) *MQTTSink {
	return NewMQTTSinkWithClient(cfg, logger, func(opts *mqtt.ClientOptions) MQTTClient {
		return &DefaultMQTTClient{client: mqtt.NewClient(opts)}
	})
}

// NewMQTTSinkWithClient creates a sink with a custom client factory.
func NewMQTTSinkWithClient(cfg config.MQTTConfig, logger *slog.Logger, clientFactory func(*mqtt.ClientOptions) MQTTClient) *MQTTSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTTSink{
		cfg:           cfg,
		clientFactory: clientFactory,
		logger:        logger.With("component", "mqtt"),
	}
}

// Connect dials the broker. Reconnects after a lost connection are automatic.
func (m *MQTTSink) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(m.cfg.Broker)
	opts.SetClientID(m.cfg.ClientID)
	if m.cfg.Username != "" {
		opts.SetUsername(m.cfg.Username)
		opts.SetPassword(m.cfg.Password)
	}
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		m.logger.Warn("mqtt connection lost", "error", err)
	})

	m.client = m.clientFactory(opts)

	m.logger.Info("connecting to mqtt broker", "broker", m.cfg.Broker)
	token := m.client.Connect()
	if !waitToken(ctx, token, mqttConnectTimeout) {
		return fmt.Errorf("connect to mqtt: timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect to mqtt: %w", err)
	}
	return nil
}

func (m *MQTTSink) Publish(ctx context.Context, r Report) error {
	if m.client == nil {
		return fmt.Errorf("mqtt sink not connected")
	}
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	token := m.client.Publish(m.cfg.Topic, m.cfg.QoS, false, payload)
	if !waitToken(ctx, token, mqttPublishTimeout) {
		return fmt.Errorf("publish report: timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish report: %w", err)
	}
	m.logger.Debug("report published", "topic", m.cfg.Topic, "cycle", r.Cycle)
	return nil
}

// Close disconnects from the broker.
func (m *MQTTSink) Close() {
	if m.client != nil && m.client.IsConnected() {
		m.client.Disconnect(250)
	}
}

func waitToken(ctx context.Context, token mqtt.Token, timeout time.Duration) bool {
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}
	return token.WaitTimeout(timeout)
}
