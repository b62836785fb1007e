// Package notify implements an optional, non-authoritative publication of
// pipeline lifecycle events to a NATS subject, narrowed from the teacher's
// multi-subscriber event-hooks deliverer into a single fire-and-forget
// publisher.
package notify

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/relaypath/pipeflow/internal/config"
)

// Event is one lifecycle transition published to NATS.
type Event struct {
	Kind      string            `json:"kind"`
	Name      string            `json:"name"`
	Timestamp time.Time         `json:"timestamp"`
	Details   map[string]string `json:"details,omitempty"`
}

// Publisher fire-and-forgets Events to a NATS subject. A nil *Publisher is
// valid — every method becomes a no-op — so callers can wire it in
// unconditionally and let config.Notify.Enabled gate it.
type Publisher struct {
	conn    *nats.Conn
	subject string
	log     *zap.Logger
}

// New connects to NATS and returns a Publisher, or nil if disabled.
func New(cfg config.Notify, log *zap.Logger) (*Publisher, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	conn, err := nats.Connect(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	return &Publisher{conn: conn, subject: cfg.Subject, log: log}, nil
}

// Publish marshals and sends event. Failures are logged, never returned —
// notification is additive, never authoritative for the lifecycle
// operation that triggered it.
func (p *Publisher) Publish(event Event) {
	if p == nil {
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		p.log.Warn("notify: failed to marshal event", zap.String("kind", event.Kind), zap.Error(err))
		return
	}

	if err := p.conn.Publish(p.subject, payload); err != nil {
		p.log.Warn("notify: publish failed", zap.String("kind", event.Kind), zap.String("subject", p.subject), zap.Error(err))
	}
}

// Close drains and closes the underlying connection.
func (p *Publisher) Close() {
	if p == nil || p.conn == nil {
		return
	}
	p.conn.Close()
}
