package plugins

import (
	"go.uber.org/zap"

	"github.com/joshp123/gohome-vacuum/internal/config"
	"github.com/joshp123/gohome-vacuum/internal/core"
)

// Factory builds a plugin instance from the loaded config. It reports false
// when the plugin is not configured.
type Factory func(*config.Config, *zap.Logger) (core.Plugin, bool)

var compiled []Factory

// Register adds a compiled-in plugin factory to the registry.
func Register(factory Factory) {
	compiled = append(compiled, factory)
}

// Compiled returns the configured plugin instances for this build.
func Compiled(cfg *config.Config, logger *zap.Logger) []core.Plugin {
	if cfg == nil {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	out := make([]core.Plugin, 0, len(compiled))
	for _, factory := range compiled {
		plugin, ok := factory(cfg, logger)
		if !ok {
			continue
		}
		out = append(out, plugin)
	}
	return out
}
