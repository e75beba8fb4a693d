package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/opd-ai/natpipe/crypto"
	"github.com/spf13/cobra"
)

func newKeygenCmd(opts *options) *cobra.Command {
	var out string
	var force bool
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a long-term identity",
		Long: `Generate an ed25519 identity and write it to the identity file.
The file is sealed when identity_passphrase_env names a set variable.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := out
			if path == "" {
				path = opts.cfg.IdentityFile
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to replace it)", path)
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}

			id, err := crypto.GenerateIdentity()
			if err != nil {
				return err
			}
			defer id.Wipe()
			if err := crypto.SaveIdentity(path, id, opts.cfg.Passphrase()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id.PublicKey().String())
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "identity file (defaults to identity_file)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing identity")
	return cmd
}
