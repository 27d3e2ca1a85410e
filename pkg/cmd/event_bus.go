package cmd

import (
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/absamo/triven-workflow/pkg/channels/gochannel"
	"github.com/absamo/triven-workflow/pkg/channels/kafka"
	"github.com/absamo/triven-workflow/pkg/eventbus"
)

// BusConfig selects and configures the message transport.
type BusConfig struct {
	Provider      string
	Brokers       []string
	ConsumerGroup string
}

// NewEventBus returns a bus bound to topic. The gochannel provider only
// connects components inside one process.
func NewEventBus(cfg BusConfig, topic string, logger *slog.Logger) (eventbus.EventBus, error) {
	wmLogger := watermill.NewSlogLogger(logger)

	switch cfg.Provider {
	case "", "gochannel":
		pub, sub, err := gochannel.CreateChannel(wmLogger)
		if err != nil {
			return nil, fmt.Errorf("failed to create go channel pub/sub: %w", err)
		}

		return eventbus.NewWatermillEventBus(pub, sub, topic, logger), nil
	case "kafka":
		pub, sub, err := kafka.CreateChannel(wmLogger, cfg.Brokers, cfg.ConsumerGroup)
		if err != nil {
			return nil, fmt.Errorf("failed to create Kafka pub/sub: %w", err)
		}

		return eventbus.NewWatermillEventBus(pub, sub, topic, logger), nil
	default:
		return nil, fmt.Errorf("unsupported event bus provider: %s", cfg.Provider)
	}
}
