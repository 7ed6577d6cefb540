package bus

import (
	"fmt"

	"github.com/opensource-finance/fds/internal/domain"
)

// New returns the bus selected by cfg.Type. The channel bus (default) only connects
// components of one process; NATS connects dispatchers and workers across processes.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel", "":
		return NewChannelBus(cfg.ChannelBufferSize), nil

	case "nats":
		return NewNATSBus(cfg)

	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}
