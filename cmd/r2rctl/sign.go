package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"r2r/internal/anchor"
	"r2r/internal/web"
)

func newSignCommand() *cobra.Command {
	var secret, file, header string
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Sign a webhook body with the shared secret",
		Long: `Print the base64 HMAC-SHA256 signature the gateway expects for a webhook
body. The body is read from --file or stdin and signed byte for byte.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(secret) == "" {
				secret = os.Getenv("R2R_WEBHOOK_SECRET")
			}
			if secret == "" {
				return errors.New("secret required (--secret or R2R_WEBHOOK_SECRET)")
			}
			var body []byte
			var err error
			if file != "" {
				body, err = readFile(file)
			} else {
				body, err = io.ReadAll(cmd.InOrStdin())
			}
			if err != nil {
				return err
			}
			sig := web.SignBody(secret, body)
			if header != "" {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", header, sig)
				return nil
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), sig)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "webhook secret")
	cmd.Flags().StringVar(&file, "file", "", "body file (default stdin)")
	cmd.Flags().StringVar(&header, "header", "", "print as a header line with this name")
	return cmd
}

func newKeypairCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keypair",
		Short: "Inspect the memo anchor keypair",
	}
	var value, path string
	address := &cobra.Command{
		Use:   "address",
		Short: "Print the base58 address of a keypair",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if value == "" && path == "" {
				value = os.Getenv("SOLANA_MEMO_KEYPAIR")
			}
			kp, err := anchor.LoadKeypair(value, path)
			if err != nil {
				return err
			}
			if kp == nil {
				return errors.New("keypair required (--keypair, --path or SOLANA_MEMO_KEYPAIR)")
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), kp.Address())
			return nil
		},
	}
	address.Flags().StringVar(&value, "keypair", "", "keypair as base58 or a JSON byte array")
	address.Flags().StringVar(&path, "path", "", "keypair file")
	cmd.AddCommand(address)
	return cmd
}
