package main

import (
	"errors"
	"io/fs"

	"github.com/spf13/cobra"

	"litmusrt/internal/app"
	"litmusrt/internal/config"
	"litmusrt/pkg/litmus"
	logx "litmusrt/pkg/logx"
)

const defaultConfigPath = "./rtctl.yaml"

type rootOptions struct {
	configPath string
	logLevel   string
}

// newKernel is swapped in tests.
var newKernel = func(cfg *config.Config) litmus.Kernel { return app.NewKernel(cfg) }

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "rtctl",
		Short: "Run and coordinate LITMUS^RT real-time tasks",
		Long: `rtctl drives periodic real-time tasks on a LITMUS^RT kernel.

"run" starts the configured task threads, "release" releases a task system
whose threads wait for a synchronous start, "history" shows recorded
jobs and "unit" controls the systemd service.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", defaultConfigPath, "path to config (json or yaml)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override logging.level (trace, debug, info, warn, error)")
	cmd.CompletionOptions.DisableDefaultCmd = true

	cmd.AddCommand(
		newRunCmd(opts),
		newReleaseCmd(opts),
		newProtocolsCmd(),
		newHistoryCmd(opts),
		newClockCmd(opts),
		newUnitCmd(),
	)
	return cmd
}

// load reads the config without requiring the task section. A missing file
// at the default path yields an empty config.
func (o *rootOptions) load(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.NewConfigManager(o.configPath).Parse()
	if errors.Is(err, fs.ErrNotExist) && !cmd.Flags().Changed("config") {
		return &config.Config{}, nil
	}
	return cfg, err
}

// logger is the console logger of the one-shot commands.
func (o *rootOptions) logger(cfg *config.Config) logx.Logger {
	level := o.logLevel
	if level == "" && cfg != nil {
		level = cfg.Logging.Level
	}
	if level == "" {
		level = "info"
	}
	return logx.NewConsole(level).With(logx.String("comp", "rtctl"))
}
