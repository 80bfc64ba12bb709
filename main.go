package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"video-prepare/config"
	"video-prepare/logging"
)

type globalOptions struct {
	configFile string
	envFiles   []string
	logLevel   string
	pretty     bool
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:           "video-prepare",
		Short:         "Assemble classroom camera clips into streamable playsets",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configFile, "config", "", "YAML file overlaid on the environment configuration")
	root.PersistentFlags().StringSliceVar(&opts.envFiles, "env-file", nil, "dotenv files to load (default .env)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&opts.pretty, "pretty", false, "human readable log output")

	root.AddCommand(
		newPrepareCmd(opts),
		newListVideosCmd(opts),
		newPlaysetsCmd(opts),
		newScheduleCmd(opts),
		newServeCmd(opts),
		newStatusCmd(opts),
	)
	return root
}

// loadConfig resolves configuration from dotenv files, the environment and
// an optional YAML file, in that order, and sets up logging.
func (o *globalOptions) loadConfig() (config.Config, error) {
	if err := config.LoadDotEnv(o.envFiles...); err != nil {
		return config.Config{}, err
	}
	cfg := config.LoadConfig()
	if o.configFile != "" {
		var err error
		if cfg, err = config.LoadConfigFromFile(cfg, o.configFile); err != nil {
			return cfg, err
		}
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	logging.Configure(logging.Config{Level: cfg.LogLevel, Pretty: o.pretty})
	return cfg, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err == nil {
		return
	}

	var cfgErr *config.ConfigurationError
	if errors.As(err, &cfgErr) {
		fmt.Fprintln(os.Stderr, err)
	} else {
		log := logging.Base()
		log.Error().Err(err).Msg("command failed")
	}
	os.Exit(1)
}
