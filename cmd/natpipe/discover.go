package main

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/opd-ai/natpipe/transport"
	"github.com/spf13/cobra"
)

func newDiscoverCmd(opts *options) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Print the public address a STUN server sees",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			ip, port, err := transport.NewSTUNClient(opts.cfg.STUNServers...).Discover(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), net.JoinHostPort(ip, strconv.Itoa(int(port))))
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "overall discovery timeout")
	return cmd
}
