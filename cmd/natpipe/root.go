package main

import (
	"fmt"
	"os"

	"github.com/opd-ai/natpipe/config"
	"github.com/opd-ai/natpipe/crypto"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// options holds the global flags and the configuration they resolve to.
type options struct {
	configFile string
	logLevel   string

	cfg *config.Config
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "natpipe",
		Short:         "Encrypted pipes between hosts behind symmetric NATs",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load()
		},
	}
	root.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "YAML configuration file")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (overrides log_level)")

	root.AddCommand(
		newKeygenCmd(opts),
		newRelayCmd(opts),
		newConnectCmd(opts),
		newDiscoverCmd(opts),
	)
	return root
}

func (o *options) load() error {
	cfg := config.Default()
	if o.configFile != "" {
		var err error
		if cfg, err = config.Load(o.configFile); err != nil {
			return err
		}
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	o.cfg = cfg

	// Logs go to stderr so connect can use stdout for pipe data.
	logrus.SetOutput(os.Stderr)
	logrus.SetLevel(cfg.Level())
	return nil
}

// identity loads the configured identity file.
func (o *options) identity() (*crypto.Identity, error) {
	id, err := crypto.LoadIdentity(o.cfg.IdentityFile, o.cfg.Passphrase())
	if err != nil {
		return nil, fmt.Errorf("load identity %s (run natpipe keygen first): %w", o.cfg.IdentityFile, err)
	}
	return id, nil
}
