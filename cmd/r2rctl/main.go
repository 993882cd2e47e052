package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"r2r/internal/logging"
)

var version = "dev"
var commit = ""

func main() {
	logging.Init("r2rctl", os.Stderr)
	if err := run(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fatalf("r2rctl: %v", err)
	}
}

var fatalf = func(format string, args ...any) {
	slog.Error("fatal", "error", fmt.Sprintf(format, args...))
	os.Exit(1)
}
var readFile = os.ReadFile

type rootOptions struct {
	Gateway string
	Timeout time.Duration
}

func run(args []string, in io.Reader, out io.Writer) error {
	cmd := newRootCommand(in, out)
	cmd.SetArgs(args)
	return cmd.Execute()
}

func newRootCommand(in io.Reader, out io.Writer) *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "r2rctl",
		Short:         "Operate the receipt-to-execution reconciliation gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       versionString(),
	}
	cmd.SetIn(in)
	cmd.SetOut(out)
	cmd.SetErr(out)

	cmd.PersistentFlags().StringVar(&opts.Gateway, "gateway", envOr("R2R_GATEWAY_URL", "http://localhost:8787"), "gateway base url")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 10*time.Second, "request timeout")

	cmd.AddCommand(newIncidentsCommand(opts))
	cmd.AddCommand(newVerifyCommand(opts))
	cmd.AddCommand(newSignCommand())
	cmd.AddCommand(newKeypairCommand())
	return cmd
}

func versionString() string {
	if strings.TrimSpace(commit) != "" {
		return version + " (" + commit + ")"
	}
	return version
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
