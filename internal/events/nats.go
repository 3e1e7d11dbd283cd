package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSPublisher mirrors every bus event onto NATS subjects so a UI layer in
// another process can consume them. Subjects are "agentd.events.<kind>".
// The publisher is optional: a nil *NATSPublisher is safe to Run.
type NATSPublisher struct {
	conn   *nats.Conn
	logger *zap.Logger
}

// ConnectNATS dials url and returns a publisher. The connection retries in
// the background so a late-starting broker does not fail daemon startup.
func ConnectNATS(url string, logger *zap.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return &NATSPublisher{conn: conn, logger: logger.Named("nats")}, nil
}

// Run forwards bus events to NATS until ctx is cancelled.
func (p *NATSPublisher) Run(ctx context.Context, bus *Bus) {
	if p == nil {
		return
	}
	ch, cancel := bus.Subscribe(1024)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			subject := "agentd.events." + string(ev.Kind)
			if err := p.conn.Publish(subject, data); err != nil {
				p.logger.Warn("failed to publish event", zap.String("subject", subject), zap.Error(err))
			}
		}
	}
}

// Close drains the connection.
func (p *NATSPublisher) Close() {
	if p == nil || p.conn == nil {
		return
	}
	p.conn.Close()
}
