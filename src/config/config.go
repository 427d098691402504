package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"

	"github.com/danmuck/modsync/src/module"
	"github.com/danmuck/modsync/src/staging"
)

const envConfigPath = "MODSYNC_CONFIG"

var candidates = []string{
	"./modsync.toml",
	"./local/modsync.toml",
}

// Config is the node configuration read from modsync.toml.
type Config struct {
	NodeID           string `toml:"node_id"`
	UploadEnabled    bool   `toml:"upload_enabled"`
	StorageDir       string `toml:"storage_dir"`
	StagingDir       string `toml:"staging_dir"`
	ModularDeployDir string `toml:"modular_deploy_dir"`
	CustomDeployDir  string `toml:"custom_deploy_dir"`
	AuditLog         string `toml:"audit_log"` // empty disables the audit file
	HTTPAddr         string `toml:"http_addr"` // empty disables the admin API
	WatchDeployDirs  bool   `toml:"watch_deploy_dirs"`
	EventBuffer      int    `toml:"event_buffer"`
	Verbose          bool   `toml:"verbose"`
}

// DefaultConfig lays everything out under ./local.
func DefaultConfig() Config {
	return Config{
		UploadEnabled:    true,
		StorageDir:       "./local/storage",
		StagingDir:       "./local/staging",
		ModularDeployDir: "./local/deploy/modular",
		CustomDeployDir:  "./local/deploy/custom",
		AuditLog:         "./local/audit.log",
		HTTPAddr:         "127.0.0.1:8088",
		WatchDeployDirs:  true,
		EventBuffer:      64,
	}
}

// Load reads path when set, otherwise $MODSYNC_CONFIG, otherwise the first
// candidate file that exists. Values missing from the file keep their
// defaults. A blank node id gets a generated one.
func Load(path string) (Config, string, error) {
	cfg := DefaultConfig()

	source := path
	if source == "" {
		source = os.Getenv(envConfigPath)
	}
	if source == "" {
		for _, candidate := range candidates {
			if _, err := os.Stat(candidate); err == nil {
				source = candidate
				break
			}
		}
	}

	if source != "" {
		if _, err := toml.DecodeFile(source, &cfg); err != nil {
			return cfg, source, fmt.Errorf("failed to decode config %s: %w", source, err)
		}
	}
	if strings.TrimSpace(cfg.NodeID) == "" {
		cfg.NodeID = uuid.NewString()
	}
	if err := cfg.Validate(); err != nil {
		return cfg, source, err
	}
	return cfg, source, nil
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var errs []error
	required := map[string]string{
		"storage_dir":        c.StorageDir,
		"staging_dir":        c.StagingDir,
		"modular_deploy_dir": c.ModularDeployDir,
		"custom_deploy_dir":  c.CustomDeployDir,
	}
	for _, key := range []string{"storage_dir", "staging_dir", "modular_deploy_dir", "custom_deploy_dir"} {
		if strings.TrimSpace(required[key]) == "" {
			errs = append(errs, fmt.Errorf("%s must be set", key))
		}
	}
	if strings.TrimSpace(c.NodeID) == "" {
		errs = append(errs, errors.New("node_id must be set"))
	}
	if c.EventBuffer < 1 {
		errs = append(errs, fmt.Errorf("event_buffer must be >= 1, got %d", c.EventBuffer))
	}
	return errors.Join(errs...)
}

// Setting serves the installer's string settings.
func (c Config) Setting(key string) string {
	switch key {
	case staging.SettingStagingDir:
		return c.StagingDir
	case staging.SettingModularDeployDir:
		return c.ModularDeployDir
	case staging.SettingCustomDeployDir:
		return c.CustomDeployDir
	default:
		return ""
	}
}

// DeployDirs maps each module type to its deploy directory.
func (c Config) DeployDirs() map[module.Type]string {
	return map[module.Type]string{
		module.ModularAssertion: c.ModularDeployDir,
		module.CustomAssertion:  c.CustomDeployDir,
	}
}

// EnsureLayout creates the directories a fresh node needs. Deploy
// directories are created only when absent; their permissions are left to
// the operator.
func (c Config) EnsureLayout() error {
	dirs := []string{
		c.StorageDir,
		filepath.Join(c.StagingDir, module.ModularAssertion.DirName()),
		filepath.Join(c.StagingDir, module.CustomAssertion.DirName()),
		c.ModularDeployDir,
		c.CustomDeployDir,
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

// Encode writes c as TOML.
func (c Config) Encode(w io.Writer) error {
	enc := toml.NewEncoder(w)
	enc.Indent = "  "
	return enc.Encode(c)
}
