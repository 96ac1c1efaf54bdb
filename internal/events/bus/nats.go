package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/agenthub/agenthub/internal/common/config"
	"github.com/agenthub/agenthub/internal/common/logger"
	"github.com/agenthub/agenthub/internal/events"
)

// NATSMirror republishes every hub envelope to an external NATS deployment so
// other tooling can observe hub activity. The hub never depends on it: publish
// failures are logged and swallowed.
type NATSMirror struct {
	conn   *nats.Conn
	logger *logger.Logger
}

// NewNATSMirror connects to NATS with reconnection logic.
func NewNATSMirror(cfg config.EventsConfig, log *logger.Logger) (*NATSMirror, error) {
	opts := []nats.Option{
		nats.Name("agent-hub"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),

		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", zap.Error(err))
			} else {
				log.Info("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if err := nc.LastError(); err != nil {
				log.Error("NATS connection closed", zap.Error(err))
			} else {
				log.Info("NATS connection closed")
			}
		}),
	}

	conn, err := nats.Connect(cfg.NATSURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	log.Info("Connected to NATS event mirror", zap.String("url", cfg.NATSURL))
	return &NATSMirror{conn: conn, logger: log}, nil
}

// Publish mirrors one envelope to agenthub.events.<type>.
func (m *NATSMirror) Publish(env events.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		m.logger.Error("Failed to marshal mirrored event",
			zap.String("event_type", env.Type),
			zap.Error(err),
		)
		return
	}
	if err := m.conn.Publish(events.MirrorSubject(env.Type), data); err != nil {
		m.logger.Warn("Failed to mirror event",
			zap.String("event_type", env.Type),
			zap.Error(err),
		)
	}
}

// IsConnected returns whether the NATS connection is active.
func (m *NATSMirror) IsConnected() bool {
	return m.conn != nil && m.conn.IsConnected()
}

// Close drains and closes the NATS connection.
func (m *NATSMirror) Close() {
	if m.conn == nil {
		return
	}
	if err := m.conn.Drain(); err != nil {
		m.logger.Warn("Error draining NATS connection", zap.Error(err))
		m.conn.Close()
	}
}
