/*
 * This file is part of Loqa (https://github.com/loqalabs/loqa).
 * Copyright (C) 2025 Loqa Labs
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

// Package messaging publishes relay events to NATS.
package messaging

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/loqalabs/korean-tts-relay/internal/config"
	"github.com/loqalabs/korean-tts-relay/internal/events"
	"github.com/loqalabs/korean-tts-relay/internal/logging"
)

// natsConn is the subset of *nats.Conn the service uses
type natsConn interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
	IsConnected() bool
	Close()
}

// NATSService publishes relay events on a single subject
type NATSService struct {
	url     string
	subject string
	cfg     config.NATSConfig
	conn    natsConn
}

// NewNATSService creates a service for cfg. It does not connect.
func NewNATSService(cfg config.NATSConfig) (*NATSService, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("NATS URL cannot be empty")
	}

	subject := cfg.Subject
	if subject == "" {
		subject = config.DefaultNATSSubject
	}

	return &NATSService{
		url:     cfg.URL,
		subject: subject,
		cfg:     cfg,
	}, nil
}

// Connect establishes the connection to the NATS server
func (ns *NATSService) Connect() error {
	logging.LogNATSEvent(ns.subject, "connecting", zap.String("url", ns.url))

	reconnectWait := ns.cfg.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}

	opts := []nats.Option{
		nats.Name("korean-tts-relay"),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(ns.cfg.MaxReconnect),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logging.LogWarn("⚠️  NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logging.LogNATSEvent(ns.subject, "reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logging.LogNATSEvent(ns.subject, "closed")
		}),
	}

	conn, err := nats.Connect(ns.url, opts...)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}

	ns.conn = conn
	logging.LogNATSEvent(ns.subject, "connected", zap.String("url", conn.ConnectedUrl()))
	return nil
}

// Subject returns the subject relay events are published on
func (ns *NATSService) Subject() string {
	return ns.subject
}

// PublishRelayEvent publishes event as JSON
func (ns *NATSService) PublishRelayEvent(event *events.RelayEvent) error {
	if ns.conn == nil {
		return fmt.Errorf("NATS connection not established")
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal relay event: %w", err)
	}

	if err := ns.conn.Publish(ns.subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", ns.subject, err)
	}

	logging.LogNATSEvent(ns.subject, "published",
		zap.String("uuid", event.UUID),
		zap.String("kind", string(event.Kind)),
	)
	return nil
}

// RecordRelayEvent lets the service act as an events.Sink
func (ns *NATSService) RecordRelayEvent(event *events.RelayEvent) error {
	return ns.PublishRelayEvent(event)
}

// SubscribeToRelayEvents calls handler for every relay event on the subject.
// Undecodable messages are logged and dropped.
func (ns *NATSService) SubscribeToRelayEvents(handler func(*events.RelayEvent)) (*nats.Subscription, error) {
	if ns.conn == nil {
		return nil, fmt.Errorf("NATS connection not established")
	}

	return ns.conn.Subscribe(ns.subject, func(msg *nats.Msg) {
		var event events.RelayEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			logging.LogError(err, "❌ Error unmarshaling relay event")
			return
		}

		handler(&event)
	})
}

// IsConnected returns true if connected to NATS
func (ns *NATSService) IsConnected() bool {
	return ns.conn != nil && ns.conn.IsConnected()
}

// Close closes the NATS connection
func (ns *NATSService) Close() {
	if ns.conn != nil {
		ns.conn.Close()
		ns.conn = nil
	}
}
