package roborock

import (
	"fmt"
	"time"

	"github.com/joshp123/gohome-vacuum/internal/blob"
	"github.com/joshp123/gohome-vacuum/internal/config"
)

// Config defines runtime configuration for the Roborock plugin.
type Config struct {
	BootstrapKey  string
	CloudFallback bool
	IPOverrides   map[string]string
	PollInterval  time.Duration
	PollTimeout   time.Duration
}

// ConfigFromSettings converts the daemon settings. The bootstrap file path is
// split into the directory backing a file store and the document key.
func ConfigFromSettings(cfg config.RoborockConfig) (Config, string, error) {
	if cfg.BootstrapFile == "" {
		return Config{}, "", fmt.Errorf("roborock bootstrap_file is required")
	}
	dir, key := blob.SplitPath(cfg.BootstrapFile)
	return Config{
		BootstrapKey:  key,
		CloudFallback: cfg.CloudFallback,
		IPOverrides:   cfg.IPOverrides(),
		PollInterval:  time.Duration(cfg.PollIntervalSeconds) * time.Second,
		PollTimeout:   time.Duration(cfg.PollTimeoutSeconds) * time.Second,
	}, dir, nil
}
