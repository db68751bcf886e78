package main

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Zereker/netsession/config"
)

type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:          "netsession",
		Short:        "Talk to session-protocol services",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file (YAML); defaults and NETSESSION_* variables apply when empty")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "debug, info, warn or error (overrides DEBUG_NETSESSION)")

	cmd.AddCommand(
		newServeCommand(opts),
		newSendCommand(opts),
		newConfigCommand(),
	)
	return cmd
}

// load reads the configuration and builds the logger every subcommand uses.
func (o *rootOptions) load() (*config.Config, *logrus.Logger, error) {
	logger := newLogrusLogger(o.logLevel)
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, nil, err
	}
	if o.configPath != "" {
		logger.WithField("path", o.configPath).Debug("using config file")
	}
	return cfg, logger, nil
}
