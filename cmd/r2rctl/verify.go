package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"r2r/internal/audit"
	"r2r/internal/storage"
)

type verifyOptions struct {
	*rootOptions
	File     string
	Hash     string
	Bucket   string
	Endpoint string
}

var newObjectStore = func(endpoint, bucket string) evidenceFetcher {
	return storage.ObjectStore{Endpoint: endpoint, Bucket: bucket}
}

type evidenceFetcher interface {
	FetchEvidence(ctx context.Context, hash string) ([]byte, error)
}

type incidentEvidence struct {
	ID           string `json:"id"`
	EvidenceHash string `json:"evidence_hash"`
	Evidence     string `json:"evidence"`
}

func newVerifyCommand(root *rootOptions) *cobra.Command {
	opts := &verifyOptions{rootOptions: root}
	cmd := &cobra.Command{
		Use:   "verify [incident-id]",
		Short: "Recompute an evidence digest and compare it to the recorded hash",
		Long: `Verify that sealed evidence still matches its recorded SHA-256 digest.

Evidence comes from the incident stored by the gateway, a local file, or the
evidence archive when --bucket is set.

Examples:
  r2rctl verify 6f1c...
  r2rctl verify --file evidence.json --hash 3b9a...
  r2rctl verify --bucket r2r-evidence --hash 3b9a...`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := ""
			if len(args) == 1 {
				id = args[0]
			}
			hash, err := runVerify(context.Background(), opts, id)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "ok %s\n", hash)
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.File, "file", "", "evidence file to verify")
	cmd.Flags().StringVar(&opts.Hash, "hash", "", "expected evidence hash")
	cmd.Flags().StringVar(&opts.Bucket, "bucket", "", "evidence archive bucket")
	cmd.Flags().StringVar(&opts.Endpoint, "endpoint", "", "evidence archive endpoint url")
	return cmd
}

func runVerify(ctx context.Context, opts *verifyOptions, incidentID string) (string, error) {
	hash := strings.TrimSpace(opts.Hash)
	var evidence []byte

	switch {
	case incidentID != "":
		client, err := newGatewayClient(opts.rootOptions)
		if err != nil {
			return "", err
		}
		raw, err := client.GetIncident(ctx, incidentID)
		if err != nil {
			return "", err
		}
		var inc incidentEvidence
		if err := json.Unmarshal(raw, &inc); err != nil {
			return "", fmt.Errorf("decode incident: %w", err)
		}
		if inc.EvidenceHash == "" {
			return "", fmt.Errorf("incident %s has no evidence hash", incidentID)
		}
		if hash != "" && !strings.EqualFold(hash, inc.EvidenceHash) {
			return "", fmt.Errorf("incident %s evidence hash is %s", incidentID, inc.EvidenceHash)
		}
		hash = inc.EvidenceHash
		evidence = []byte(inc.Evidence)
	case opts.File != "":
		data, err := readFile(opts.File)
		if err != nil {
			return "", err
		}
		evidence = data
	}

	if hash == "" {
		return "", errors.New("hash required")
	}
	if len(evidence) == 0 {
		if opts.Bucket == "" {
			return "", errors.New("no evidence to verify: pass an incident id, --file or --bucket")
		}
		data, err := newObjectStore(opts.Endpoint, opts.Bucket).FetchEvidence(ctx, hash)
		if err != nil {
			return "", fmt.Errorf("fetch archived evidence: %w", err)
		}
		evidence = data
	}

	if err := audit.VerifyEvidence(evidence, hash); err != nil {
		return "", fmt.Errorf("%w: computed %s", err, audit.Digest(evidence))
	}
	return strings.ToLower(hash), nil
}
