package bus

import (
	"fmt"
	"strings"

	"github.com/agenthub/agenthub/internal/common/config"
	"github.com/agenthub/agenthub/internal/common/logger"
)

// Provide builds the broadcast bus and, when events.natsUrl is configured,
// attaches the NATS mirror. The returned cleanup closes both.
func Provide(cfg *config.Config, log *logger.Logger) (*Bus, func(), error) {
	b := New(log)

	if strings.TrimSpace(cfg.Events.NATSURL) == "" {
		return b, b.Close, nil
	}

	mirror, err := NewNATSMirror(cfg.Events, log)
	if err != nil {
		b.Close()
		return nil, nil, fmt.Errorf("failed to initialize NATS event mirror: %w", err)
	}
	b.SetMirror(mirror)

	cleanup := func() {
		b.Close()
		mirror.Close()
	}
	return b, cleanup, nil
}
