package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"dreambot/internal/infra"
	"dreambot/internal/queue"
)

const (
	publishTimeout = 2 * time.Second
	connectTimeout = 5 * time.Second
)

// publisher is the subset of mqtt.Client the emitter uses.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	IsConnected() bool
	Disconnect(quiesce uint)
}

// MQTTEmitter mirrors operator notifications and job events to an MQTT
// broker under <topic>/notifications and <topic>/jobs.
type MQTTEmitter struct {
	broker   string
	topic    string
	clientID string
	logger   infra.Logger

	client publisher

	mu        sync.RWMutex
	published map[string]uint64
	errors    uint64
	connected bool
}

// NewMQTTEmitter creates an emitter. Connect must be called before use.
func NewMQTTEmitter(broker, topic, clientID string, logger infra.Logger) *MQTTEmitter {
	broker = strings.TrimSpace(broker)
	if broker != "" && !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}
	topic = strings.TrimRight(strings.TrimSpace(topic), "/")
	if topic == "" {
		topic = "dreambot/events"
	}
	if strings.TrimSpace(clientID) == "" {
		clientID = "dreambot-" + uuid.NewString()[:8]
	}
	return &MQTTEmitter{
		broker:    broker,
		topic:     topic,
		clientID:  clientID,
		logger:    logger,
		published: make(map[string]uint64),
	}
}

// Connect establishes the broker connection with automatic reconnects.
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	if e.broker == "" {
		return errors.New("mqtt: broker is required")
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(e.broker)
	opts.SetClientID(e.clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		e.setConnected(true)
		e.logger.Info().Str("broker", e.broker).Str("client_id", e.clientID).Msg("notify: mqtt connected")
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		e.setConnected(false)
		e.logger.Warn().Err(err).Str("broker", e.broker).Msg("notify: mqtt connection lost, reconnecting")
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	timeout := connectTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = min(timeout, time.Until(deadline))
	}
	if !token.WaitTimeout(timeout) {
		return errors.New("mqtt: connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: connect: %w", err)
	}
	e.client = client
	e.setConnected(true)
	return nil
}

// Deliver publishes an operator notification.
func (e *MQTTEmitter) Deliver(_ context.Context, n queue.Notification) error {
	return e.publish("notifications", 1, n)
}

// PublishJob publishes a job lifecycle event.
func (e *MQTTEmitter) PublishJob(_ context.Context, ev JobEvent) error {
	return e.publish("jobs", 0, ev)
}

func (e *MQTTEmitter) publish(suffix string, qos byte, v any) error {
	if !e.isConnected() {
		e.countError()
		return errors.New("mqtt: not connected")
	}
	payload, err := json.Marshal(v)
	if err != nil {
		e.countError()
		return fmt.Errorf("mqtt: marshal: %w", err)
	}
	topic := e.topic + "/" + suffix
	token := e.client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		e.countError()
		return errors.New("mqtt: publish timeout")
	}
	if err := token.Error(); err != nil {
		e.countError()
		return fmt.Errorf("mqtt: publish: %w", err)
	}

	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()
	e.logger.Debug().Str("topic", topic).Int("size", len(payload)).Msg("notify: mqtt published")
	return nil
}

// Disconnect closes the broker connection.
func (e *MQTTEmitter) Disconnect() {
	if e.client != nil && e.client.IsConnected() {
		e.client.Disconnect(250)
	}
	e.setConnected(false)
}

// Stats contains emitter counters.
type Stats struct {
	Connected bool
	Published map[string]uint64
	Errors    uint64
}

// Stats returns a snapshot of the emitter counters.
func (e *MQTTEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	published := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}
	return Stats{Connected: e.connected, Published: published, Errors: e.errors}
}

func (e *MQTTEmitter) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *MQTTEmitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected && e.client != nil
}

func (e *MQTTEmitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}

var (
	_ Sink      = (*MQTTEmitter)(nil)
	_ EventSink = (*MQTTEmitter)(nil)
)
