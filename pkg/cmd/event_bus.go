package cmd

import (
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/dukex/caseflow/pkg/channels/gochannel"
	"github.com/dukex/caseflow/pkg/channels/kafka"
	"github.com/dukex/caseflow/pkg/eventbus"
)

// NewEventBus creates the event bus of the provider: "kafka" or the
// in-process "gochannel".
func NewEventBus(provider string, brokers []string, logger *slog.Logger) (eventbus.EventBus, error) {
	wmLogger := watermill.NewSlogLogger(logger)

	switch provider {
	case "kafka":
		pub, sub, err := kafka.CreateChannel(wmLogger, "caseflow", brokers)
		if err != nil {
			return nil, fmt.Errorf("failed to create Kafka pub/sub: %w", err)
		}

		return eventbus.NewWatermillEventBus(pub, sub), nil
	case "gochannel", "":
		pub, sub := gochannel.CreateChannel(wmLogger)

		return eventbus.NewWatermillEventBus(pub, sub), nil
	default:
		return nil, fmt.Errorf("unsupported event bus provider: %s", provider)
	}
}
