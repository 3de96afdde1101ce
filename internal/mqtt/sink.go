// Package mqtt republishes telemetry records to an MQTT broker.
package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"golang.org/x/time/rate"

	"zephirus-bridge/internal/hub"
)

type Config struct {
	Broker   string
	ClientID string
	Topic    string
	QoS      byte
}

// broker is the subset of the paho client the sink uses.
type broker interface {
	Connect() pahomqtt.Token
	IsConnectionOpen() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
	Disconnect(quiesce uint)
}

type Sink struct {
	cfg    Config
	client broker
	log    *slog.Logger
	warn   rate.Sometimes

	published atomic.Uint64
	skipped   atomic.Uint64
	failed    atomic.Uint64

	mu        sync.Mutex
	connected bool
	lastErr   string
}

func NewSink(cfg Config, logger *slog.Logger) (*Sink, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("mqtt: broker is empty")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("mqtt: topic is empty")
	}
	if cfg.QoS > 2 {
		return nil, fmt.Errorf("mqtt: qos must be 0..2")
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sink{
		cfg:  cfg,
		log:  logger.With("component", "mqtt", "broker", cfg.Broker),
		warn: rate.Sometimes{First: 1, Interval: 30 * time.Second},
	}

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetCleanSession(true)

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)

	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	opts.SetOnConnectHandler(func(_ pahomqtt.Client) {
		s.setConnected(true, "")
		s.log.Info("mqtt connected", "topic", cfg.Topic)
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		s.setConnected(false, err.Error())
		s.log.Warn("mqtt connection lost", "err", err)
	})

	s.client = pahomqtt.NewClient(opts)
	return s, nil
}

// Run connects in the background and publishes every message until msgs is
// closed or ctx ends. Delivery is not awaited; records arriving while the
// broker is unreachable are skipped.
func (s *Sink) Run(ctx context.Context, msgs <-chan hub.Message) error {
	token := s.client.Connect()
	go func() {
		select {
		case <-ctx.Done():
		case <-token.Done():
			if err := token.Error(); err != nil {
				s.setConnected(false, err.Error())
				s.log.Error("mqtt connect failed", "err", err)
			}
		}
	}()
	defer func() {
		s.client.Disconnect(250)
		s.setConnected(false, "")
		s.log.Info("mqtt disconnected")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			s.publish(msg)
		}
	}
}

func (s *Sink) publish(msg hub.Message) {
	if !s.client.IsConnectionOpen() {
		s.skipped.Add(1)
		return
	}
	tok := s.client.Publish(s.cfg.Topic, s.cfg.QoS, false, msg.Payload)
	select {
	case <-tok.Done():
		if err := tok.Error(); err != nil {
			s.failed.Add(1)
			s.mu.Lock()
			s.lastErr = err.Error()
			s.mu.Unlock()
			s.warn.Do(func() { s.log.Warn("mqtt publish failed", "topic", s.cfg.Topic, "err", err) })
			return
		}
	default:
	}
	s.published.Add(1)
}

func (s *Sink) setConnected(v bool, lastErr string) {
	s.mu.Lock()
	s.connected = v
	if lastErr != "" {
		s.lastErr = lastErr
	}
	s.mu.Unlock()
}

type Snapshot struct {
	Broker    string `json:"broker"`
	Topic     string `json:"topic"`
	Connected bool   `json:"connected"`
	Published uint64 `json:"published"`
	Skipped   uint64 `json:"skipped"`
	Failed    uint64 `json:"failed"`
	LastError string `json:"last_error,omitempty"`
}

func (s *Sink) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Broker:    s.cfg.Broker,
		Topic:     s.cfg.Topic,
		Connected: s.connected,
		Published: s.published.Load(),
		Skipped:   s.skipped.Load(),
		Failed:    s.failed.Load(),
		LastError: s.lastErr,
	}
}
