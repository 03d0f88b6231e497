package main

import (
	"errors"
	"fmt"

	"github.com/rwproxy/rwproxy/internal/certs"
	"github.com/spf13/cobra"
)

func newGencertCmd() *cobra.Command {
	var certFile string
	var keyFile string

	cmd := &cobra.Command{
		Use:   "gencert HOST...",
		Short: "Write a self-signed certificate for local testing",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if certFile == "" || keyFile == "" {
				return errors.New("--cert and --key are required")
			}
			if err := certs.WriteSelfSigned(certFile, keyFile, args); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "wrote %s and %s\n", certFile, keyFile)
			return err
		},
	}

	cmd.Flags().StringVar(&certFile, "cert", "cert.pem", "Certificate output path")
	cmd.Flags().StringVar(&keyFile, "key", "key.pem", "Key output path")

	return cmd
}
