// Copyright 2025 James Ross
package audit

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSMirror publishes audit entries to a NATS subject for external
// observability pipelines. It is an optional sink: the ledger's on-disk
// JSONL file remains the system of record.
type NATSMirror struct {
	conn    *nats.Conn
	subject string
	logger  *zap.Logger
}

// NewNATSMirror connects to url and returns a Mirror bound to subject.
func NewNATSMirror(url, subject string, logger *zap.Logger) (*NATSMirror, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("audit: nats connect: %w", err)
	}
	return &NATSMirror{conn: conn, subject: subject, logger: logger}, nil
}

// Publish sends entry's JSON encoding to the configured subject. A publish
// failure is logged and returned; Ledger.Append ignores the returned error,
// so a mirror outage never blocks the ledger.
func (m *NATSMirror) Publish(e Entry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if err := m.conn.Publish(m.subject, b); err != nil {
		if m.logger != nil {
			m.logger.Warn("audit nats mirror publish failed", zap.Error(err))
		}
		return err
	}
	return nil
}

// Close drains and closes the NATS connection.
func (m *NATSMirror) Close() error {
	return m.conn.Drain()
}
