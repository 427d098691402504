package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/danmuck/modsync/cmd/internal/logcfg"
	"github.com/danmuck/modsync/src/config"
	logs "github.com/danmuck/smplog"
)

var (
	cfgFile    string
	logCfgFile string
)

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "modsyncd",
		Short: "Keep this node's extension modules in sync with central storage",
		Long: `modsyncd downloads uploaded extension modules onto this node, deploys them
when the deploy directory is writable and stages them otherwise, and records
each module's per-node state (UPLOADED, STAGED, DEPLOYED, LOADED, ERROR).

Configuration is read from --config, $MODSYNC_CONFIG, ./modsync.toml or
./local/modsync.toml, in that order.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logcfg.Configure(logCfgFile)
		},
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "path to modsync.toml")
	root.PersistentFlags().StringVar(&logCfgFile, "log-config", "", "path to smplog config")

	root.AddCommand(newServeCommand(), newModulesCommand(), newConfigCommand())
	return root
}

// loadConfig reads the node configuration selected by --config.
func loadConfig() (config.Config, error) {
	cfg, source, err := config.Load(cfgFile)
	if err != nil {
		return cfg, err
	}
	if source == "" {
		logs.Debugf("no config file found, using defaults")
	} else {
		logs.Debugf("loaded config from %s", source)
	}
	return cfg, nil
}

func newConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return cfg.Encode(cmd.OutOrStdout())
		},
	}
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		logs.Errorf(err, "modsyncd failed")
		os.Exit(1)
	}
}
