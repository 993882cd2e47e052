package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"

	"github.com/spf13/cobra"
)

func newIncidentsCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "incidents",
		Short: "Inspect recorded incidents",
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List the newest incidents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newGatewayClient(opts)
			if err != nil {
				return err
			}
			raw, err := client.ListIncidents(context.Background(), limit)
			if err != nil {
				return err
			}
			return writeIndented(cmd.OutOrStdout(), raw)
		},
	}
	list.Flags().IntVar(&limit, "limit", 20, "maximum incidents to return (1-200)")

	get := &cobra.Command{
		Use:   "get <incident-id>",
		Short: "Show one incident",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newGatewayClient(opts)
			if err != nil {
				return err
			}
			raw, err := client.GetIncident(context.Background(), args[0])
			if err != nil {
				return err
			}
			return writeIndented(cmd.OutOrStdout(), raw)
		},
	}

	cmd.AddCommand(list, get)
	return cmd
}

func writeIndented(w io.Writer, raw []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return err
	}
	buf.WriteByte('\n')
	_, err := w.Write(buf.Bytes())
	return err
}
