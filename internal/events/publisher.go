// Package events publishes room lifecycle events to NATS JetStream for
// downstream consumers (feed builders, persistence of finished battles).
// The realtime path never depends on the bus; publishing is best-effort.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

// LifecycleEvent is the bus envelope for one room transition.
type LifecycleEvent struct {
	EventID   string          `json:"eventId"`
	EventType string          `json:"eventType"`
	BattleID  string          `json:"battleId"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Publisher is what the room actor needs from the bus.
type Publisher interface {
	Publish(ctx context.Context, eventType, battleID string, payload any) error
}

// JetStreamConfig holds NATS connection settings.
type JetStreamConfig struct {
	URL           string
	StreamName    string
	SubjectPrefix string
	MaxReconnects int
	ReconnectWait time.Duration
}

// DefaultJetStreamConfig returns default publisher configuration.
func DefaultJetStreamConfig() JetStreamConfig {
	return JetStreamConfig{
		URL:           nats.DefaultURL,
		StreamName:    "BATTLE_EVENTS",
		SubjectPrefix: "battle.events",
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
	}
}

// JetStreamPublisher publishes lifecycle events to a JetStream stream.
type JetStreamPublisher struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	config JetStreamConfig
}

// NewJetStreamPublisher connects to NATS and ensures the stream exists.
func NewJetStreamPublisher(ctx context.Context, config JetStreamConfig) (*JetStreamPublisher, error) {
	opts := []nats.Option{
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     config.StreamName,
		Subjects: []string{config.SubjectPrefix + ".>"},
	}); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure stream: %w", err)
	}

	return &JetStreamPublisher{nc: nc, js: js, config: config}, nil
}

// Publish sends one lifecycle event to <prefix>.<eventType>.
func (p *JetStreamPublisher) Publish(ctx context.Context, eventType, battleID string, payload any) error {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		raw = data
	}

	event := LifecycleEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		BattleID:  battleID,
		Timestamp: time.Now().UTC(),
		Payload:   raw,
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	subject := fmt.Sprintf("%s.%s", p.config.SubjectPrefix, eventType)
	if _, err := p.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}

	log.Debug().
		Str("subject", subject).
		Str("battle_id", battleID).
		Msg("lifecycle event published")
	return nil
}

// Close drains the NATS connection.
func (p *JetStreamPublisher) Close() {
	p.nc.Close()
}

// NopPublisher discards events; used when no bus is configured and in
// tests.
type NopPublisher struct{}

func (NopPublisher) Publish(ctx context.Context, eventType, battleID string, payload any) error {
	return nil
}
