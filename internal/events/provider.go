package events

import (
	"fmt"
	"strings"

	"github.com/relayhub/relayhub/internal/common/config"
	"github.com/relayhub/relayhub/internal/common/logger"
	"github.com/relayhub/relayhub/internal/events/bus"
)

// Provide builds the configured event bus implementation: NATS when nats.url
// is set, the in-memory bus otherwise.
func Provide(cfg *config.Config, log *logger.Logger) (bus.EventBus, func(), error) {
	if strings.TrimSpace(cfg.NATS.URL) != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize NATS event bus: %w", err)
		}
		return natsBus, natsBus.Close, nil
	}

	memBus := bus.NewMemoryEventBus(log)
	return memBus, memBus.Close, nil
}
