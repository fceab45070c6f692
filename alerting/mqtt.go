package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/Tutortoise/exam-proctor-detector/logger"
	"github.com/Tutortoise/exam-proctor-detector/models"
)

type MQTTConfig struct {
	Broker   string
	ClientID string
	Topic    string
	QoS      byte
	// Format is "json" (default) or "msgpack".
	Format string
}

// alertMessage is the broker payload for one alert.
type alertMessage struct {
	ObjectClass string  `json:"object_class" msgpack:"object_class"`
	Confidence  float64 `json:"confidence" msgpack:"confidence"`
	ObservedAt  int64   `json:"observed_at_ms" msgpack:"observed_at_ms"`
}

// MQTTNotifier publishes alerts to a broker topic alongside the HTTP sink.
type MQTTNotifier struct {
	cfg    MQTTConfig
	client mqtt.Client

	mu        sync.RWMutex
	connected bool
	published uint64
}

func NewMQTTNotifier(cfg MQTTConfig) *MQTTNotifier {
	if cfg.Format == "" {
		cfg.Format = "json"
	}
	n := &MQTTNotifier{cfg: cfg}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", cfg.Broker))
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		n.setConnected(true)
		logger.For("mqtt").WithField("broker", cfg.Broker).Info("mqtt connection established")
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		n.setConnected(false)
		logger.For("mqtt").WithError(err).WithField("broker", cfg.Broker).Warn("mqtt connection lost, will auto-reconnect")
	}

	n.client = mqtt.NewClient(opts)
	return n
}

func newMQTTNotifierWithClient(cfg MQTTConfig, client mqtt.Client) *MQTTNotifier {
	if cfg.Format == "" {
		cfg.Format = "json"
	}
	return &MQTTNotifier{cfg: cfg, client: client, connected: true}
}

// Connect waits for the first connection; later drops reconnect on their own.
func (n *MQTTNotifier) Connect(ctx context.Context) error {
	token := n.client.Connect()
	timeout := 5 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	n.setConnected(true)
	return nil
}

func (n *MQTTNotifier) Disconnect() {
	n.client.Disconnect(250)
	n.setConnected(false)
}

func (n *MQTTNotifier) Name() string { return "mqtt" }

func (n *MQTTNotifier) Notify(ctx context.Context, evt models.AlertEvent) error {
	if !n.isConnected() {
		return fmt.Errorf("mqtt not connected")
	}

	payload, err := encodeAlert(n.cfg.Format, evt)
	if err != nil {
		return err
	}

	token := n.client.Publish(n.cfg.Topic, n.cfg.QoS, false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("publish timeout: %w", ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish failed: %w", err)
	}

	n.mu.Lock()
	n.published++
	n.mu.Unlock()
	return nil
}

func (n *MQTTNotifier) Published() uint64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.published
}

func (n *MQTTNotifier) setConnected(v bool) {
	n.mu.Lock()
	n.connected = v
	n.mu.Unlock()
}

func (n *MQTTNotifier) isConnected() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.connected
}

func encodeAlert(format string, evt models.AlertEvent) ([]byte, error) {
	msg := alertMessage{
		ObjectClass: evt.Category,
		Confidence:  evt.Confidence,
		ObservedAt:  evt.ObservedAt.UnixMilli(),
	}
	switch format {
	case "json":
		return json.Marshal(msg)
	case "msgpack":
		return msgpack.Marshal(msg)
	}
	return nil, fmt.Errorf("unknown mqtt payload format %q", format)
}
