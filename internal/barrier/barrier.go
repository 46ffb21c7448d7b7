// Package barrier sends fire-and-forget gate commands. Nothing here waits
// for the gate to move or confirms that it did.
package barrier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"parking-service/internal/domain/parking"
)

const (
	ActionOpen   = parking.ActionOpenBarrier
	ActionToggle = "toggle"
)

var ErrNotConnected = errors.New("barrier broker not connected")

type Command struct {
	Action    string    `json:"action"`
	Plate     string    `json:"plate,omitempty"`
	Source    string    `json:"source,omitempty"`
	SessionID int64     `json:"session_id,omitempty"`
	EventType string    `json:"event_type,omitempty"`
	IssuedAt  time.Time `json:"issued_at"`
}

// Noop drops every command. Used when no broker is configured.
type Noop struct{}

func (Noop) Signal(context.Context, Command) error { return nil }

type Config struct {
	Broker   string
	Topic    string
	ClientID string
	Timeout  time.Duration
}

// publisher is the part of mqtt.Client the signaler needs.
type publisher interface {
	IsConnectionOpen() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTSignaler publishes commands with QoS 0 on a single topic.
type MQTTSignaler struct {
	client  publisher
	topic   string
	timeout time.Duration
	log     zerolog.Logger

	wg      sync.WaitGroup
	sent    atomic.Int64
	failed  atomic.Int64
	closeFn func()
}

// Connect dials the broker. The client keeps reconnecting in the
// background after the first successful connection.
func Connect(cfg Config, log zerolog.Logger) (*MQTTSignaler, error) {
	log = log.With().Str("component", "barrier").Logger()

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		log.Info().Str("broker", cfg.Broker).Msg("barrier broker connected")
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.Warn().Err(err).Str("broker", cfg.Broker).Msg("barrier broker connection lost")
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return nil, fmt.Errorf("connect to %s: timeout", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", cfg.Broker, err)
	}

	s := newSignaler(client, cfg.Topic, cfg.Timeout, log)
	s.closeFn = func() { client.Disconnect(250) }
	return s, nil
}

func newSignaler(client publisher, topic string, timeout time.Duration, log zerolog.Logger) *MQTTSignaler {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &MQTTSignaler{
		client:  client,
		topic:   topic,
		timeout: timeout,
		log:     log,
	}
}

// Signal queues cmd for delivery and returns immediately. Only encoding
// errors and a closed connection are reported.
func (s *MQTTSignaler) Signal(_ context.Context, cmd Command) error {
	if !s.client.IsConnectionOpen() {
		s.failed.Add(1)
		return ErrNotConnected
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encode barrier command: %w", err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		token := s.client.Publish(s.topic, 0, false, payload)
		if !token.WaitTimeout(s.timeout) {
			s.failed.Add(1)
			s.log.Warn().Str("action", cmd.Action).Str("plate", cmd.Plate).Msg("barrier publish timed out")
			return
		}
		if err := token.Error(); err != nil {
			s.failed.Add(1)
			s.log.Warn().Err(err).Str("action", cmd.Action).Msg("barrier publish failed")
			return
		}
		s.sent.Add(1)
		s.log.Debug().
			Str("topic", s.topic).
			Str("action", cmd.Action).
			Str("plate", cmd.Plate).
			Msg("barrier command published")
	}()
	return nil
}

func (s *MQTTSignaler) Stats() (sent, failed int64) {
	return s.sent.Load(), s.failed.Load()
}

// Close waits for in-flight publishes and disconnects.
func (s *MQTTSignaler) Close() {
	s.wg.Wait()
	if s.closeFn != nil {
		s.closeFn()
	}
}
