package channels

import (
	"atlas/pkg/config"
	"atlas/pkg/gateway"
	"log/slog"

	jsoniter "github.com/json-iterator/go"
)

// BuildFromConfig acts as the central orchestration point for dynamic
// channel initialization. It iterates through the provided configuration
// map, resolves factories, and returns the instantiated channels so the
// caller can hand them to the gateway builder.
func BuildFromConfig(configs map[string]jsoniter.RawMessage, system *config.SystemConfig) []gateway.Channel {
	var built []gateway.Channel

	for name, rawConfig := range configs {
		factory, ok := GetChannelFactory(name)
		if !ok {
			slog.Warn("Unknown channel type", "name", name)
			continue
		}

		channel, err := factory.Create(rawConfig, system)
		if err != nil {
			slog.Error("Failed to create channel", "name", name, "error", err)
			continue
		}

		// If Create returns nil (e.g., certain conditions not met but not an error), skip
		if channel == nil {
			continue
		}

		built = append(built, channel)
		slog.Info("Channel built", "name", name)
	}

	return built
}
