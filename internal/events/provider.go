package events

import (
	"github.com/kilodev/cloudagent/internal/common/config"
	"github.com/kilodev/cloudagent/internal/common/logger"
	"github.com/kilodev/cloudagent/internal/events/bus"
)

// NewEventBus returns a NATS-backed bus when a URL is configured, otherwise
// an in-memory bus suitable for single-process deployments and tests.
func NewEventBus(cfg config.NATSConfig, log *logger.Logger) (bus.EventBus, error) {
	if cfg.URL == "" {
		log.Info("no NATS URL configured, using in-memory event bus")
		return bus.NewMemoryEventBus(log), nil
	}
	return bus.NewNATSEventBus(cfg, log)
}
