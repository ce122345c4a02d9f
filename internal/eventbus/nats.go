/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package eventbus bridges the in-process event bus onto NATS so venue
// dashboards and fleet tooling can observe playback remotely.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/venuecast/venuecast/internal/events"
)

// NATSConfig contains NATS connection configuration.
type NATSConfig struct {
	URL           string
	SubjectPrefix string
	MaxReconnects int
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// DefaultNATSConfig returns default NATS configuration.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		SubjectPrefix: "venuecast.events",
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
	}
}

// publishConn is the slice of *nats.Conn the bridge needs.
type publishConn interface {
	Publish(subject string, data []byte) error
}

// Bridge forwards every local bus event to a NATS subject named after the
// event type. Publish failures are logged and dropped; remote observers
// are best effort and must never stall playback.
type Bridge struct {
	conn    publishConn
	closer  func()
	bus     *events.Bus
	logger  zerolog.Logger
	prefix  string
	nodeID  string
	venueID string
}

// Connect dials NATS and returns a bridge bound to the local bus.
func Connect(cfg NATSConfig, venueID string, bus *events.Bus, logger zerolog.Logger) (*Bridge, error) {
	conn, err := nats.Connect(cfg.URL,
		nats.Name("venuecast-"+venueID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	bridge := NewBridge(conn, cfg.SubjectPrefix, venueID, bus, logger)
	bridge.closer = conn.Close
	bridge.logger.Info().Str("url", cfg.URL).Str("node_id", bridge.nodeID).Msg("nats event bridge connected")
	return bridge, nil
}

// NewBridge wraps an existing connection. Used directly by tests.
func NewBridge(conn publishConn, prefix, venueID string, bus *events.Bus, logger zerolog.Logger) *Bridge {
	if prefix == "" {
		prefix = "venuecast.events"
	}
	return &Bridge{
		conn:    conn,
		bus:     bus,
		logger:  logger.With().Str("component", "eventbus").Logger(),
		prefix:  prefix,
		nodeID:  generateNodeID(),
		venueID: venueID,
	}
}

// busMessage is the wire format published to NATS.
type busMessage struct {
	EventType events.EventType `json:"event_type"`
	Payload   events.Payload   `json:"payload"`
	Timestamp time.Time        `json:"timestamp"`
	VenueID   string           `json:"venue_id"`
	NodeID    string           `json:"node_id"`
	MessageID string           `json:"message_id"`
}

// Run forwards bus events until context cancellation.
func (b *Bridge) Run(ctx context.Context) error {
	sub := b.bus.SubscribeAll()
	defer b.bus.UnsubscribeAll(sub)

	for {
		select {
		case <-ctx.Done():
			b.logger.Info().Msg("nats event bridge stopped")
			return ctx.Err()
		case payload, ok := <-sub:
			if !ok {
				return nil
			}
			b.forward(payload)
		}
	}
}

func (b *Bridge) forward(payload events.Payload) {
	event, _ := payload["event"].(string)
	if event == "" {
		return
	}

	body := make(events.Payload, len(payload))
	for k, v := range payload {
		if k == "event" {
			continue
		}
		body[k] = v
	}

	data, err := json.Marshal(busMessage{
		EventType: events.EventType(event),
		Payload:   body,
		Timestamp: time.Now().UTC(),
		VenueID:   b.venueID,
		NodeID:    b.nodeID,
		MessageID: uuid.NewString(),
	})
	if err != nil {
		b.logger.Error().Err(err).Str("event_type", event).Msg("marshal bus message")
		return
	}

	subject := b.prefix + "." + event
	if err := b.conn.Publish(subject, data); err != nil {
		b.logger.Warn().Err(err).Str("subject", subject).Msg("nats publish failed, event dropped")
	}
}

// Close releases the underlying connection when the bridge owns one.
func (b *Bridge) Close() {
	if b.closer != nil {
		b.closer()
	}
}

func generateNodeID() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "node"
	}
	return hostname + "-" + uuid.NewString()[:8]
}
