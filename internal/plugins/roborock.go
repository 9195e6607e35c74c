package plugins

import (
	"go.uber.org/zap"

	"github.com/joshp123/gohome-vacuum/internal/config"
	"github.com/joshp123/gohome-vacuum/internal/core"
	"github.com/joshp123/gohome-vacuum/plugins/roborock"
)

func init() {
	Register(func(cfg *config.Config, logger *zap.Logger) (core.Plugin, bool) {
		p, ok := roborock.NewPlugin(cfg, logger)
		if !ok {
			return nil, false
		}
		return p, true
	})
}
