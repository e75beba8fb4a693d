package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/opd-ai/natpipe/relay"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newRelayCmd(opts *options) *cobra.Command {
	var listen, wsListen string
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run a rendezvous relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := opts.identity()
			if err != nil {
				return err
			}
			trust, err := opts.cfg.TrustStore()
			if err != nil {
				return err
			}
			srv, err := relay.NewServer(relay.Config{
				Identity:    id,
				Trust:       trust,
				OpenTimeout: opts.cfg.PipeOpenTimeout,
			})
			if err != nil {
				return err
			}

			logrus.WithFields(logrus.Fields{
				"function": "relay",
				"key":      id.PublicKey().String(),
			}).Info("Relay identity")

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return srv.ListenAndServe(ctx, listen, wsListen)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", ":7400", "TCP listen address (empty to disable)")
	cmd.Flags().StringVar(&wsListen, "ws-listen", "", "WebSocket listen address")
	return cmd
}
