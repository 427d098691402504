package logcfg

import (
	"fmt"
	"os"

	logs "github.com/danmuck/smplog"
)

const envConfigPath = "SMPLOG_CONFIG"

var candidates = []string{
	"./smplog.config.toml",
	"./local/smplog.config.toml",
}

// Load returns the logging configuration from explicit when set, then
// $SMPLOG_CONFIG, then the first readable candidate file, then defaults.
// An unreadable explicit file is reported and the search continues.
func Load(explicit string) (logs.Config, error) {
	var explicitErr error
	if explicit != "" {
		cfg, err := logs.ConfigFromFile(explicit)
		if err == nil {
			return cfg, nil
		}
		explicitErr = fmt.Errorf("failed to read log config %s: %w", explicit, err)
	}
	if path := os.Getenv(envConfigPath); path != "" {
		if cfg, err := logs.ConfigFromFile(path); err == nil {
			return cfg, explicitErr
		}
	}
	for _, path := range candidates {
		if cfg, err := logs.ConfigFromFile(path); err == nil {
			return cfg, explicitErr
		}
	}
	return logs.DefaultConfig(), explicitErr
}

// Configure loads and applies the logging configuration.
func Configure(explicit string) {
	cfg, err := Load(explicit)
	logs.Configure(cfg)
	if err != nil {
		logs.Warnf("%v", err)
	}
}
