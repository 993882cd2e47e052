package anchor

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/mr-tron/base58"

	"r2r/internal/remediation"
)

const (
	DefaultRPCURL       = "https://api.mainnet-beta.solana.com"
	defaultPollInterval = 500 * time.Millisecond
	defaultConfirmWait  = 20 * time.Second
)

// SolanaAnchor publishes memos through a Solana JSON-RPC endpoint. The
// keypair is fixed at construction; a nil keypair reports no-keypair.
type SolanaAnchor struct {
	keypair      *Keypair
	rpc          *rpcClient
	PollInterval time.Duration
	ConfirmWait  time.Duration
}

func NewSolanaAnchor(rpcURL string, kp *Keypair, client *http.Client) *SolanaAnchor {
	if rpcURL == "" {
		rpcURL = DefaultRPCURL
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &SolanaAnchor{keypair: kp, rpc: &rpcClient{url: rpcURL, client: client}}
}

func (a *SolanaAnchor) Anchor(ctx context.Context, message string) (remediation.CallResult, error) {
	if a.keypair == nil {
		return remediation.CallResult{OK: false, Detail: remediation.DetailNoKeypair}, nil
	}
	var bh blockhashResult
	if err := a.rpc.call(ctx, "getLatestBlockhash", []any{map[string]string{"commitment": "confirmed"}}, &bh); err != nil {
		return remediation.CallResult{}, err
	}
	blockhash, err := base58.Decode(bh.Value.Blockhash)
	if err != nil {
		return remediation.CallResult{}, fmt.Errorf("blockhash: %w", err)
	}
	tx, sigBytes, err := signedMemoTransaction(a.keypair, blockhash, []byte(message))
	if err != nil {
		return remediation.CallResult{}, err
	}
	var sig string
	params := []any{
		base64.StdEncoding.EncodeToString(tx),
		map[string]string{"encoding": "base64", "preflightCommitment": "confirmed"},
	}
	if err := a.rpc.call(ctx, "sendTransaction", params, &sig); err != nil {
		return remediation.CallResult{}, err
	}
	if sig == "" {
		sig = base58.Encode(sigBytes)
	}
	if err := a.confirm(ctx, sig, bh.Value.LastValidBlockHeight); err != nil {
		slog.Warn("memo not confirmed", "signature", sig, "error", err)
		return remediation.CallResult{OK: false, Signature: sig, Detail: fmt.Sprintf("unconfirmed %s: %v", sig, err)}, nil
	}
	return remediation.CallResult{OK: true, Signature: sig, Detail: sig}, nil
}

var errBlockhashExpired = errors.New("blockhash expired")

func (a *SolanaAnchor) confirm(ctx context.Context, sig string, lastValid uint64) error {
	wait := a.ConfirmWait
	if wait <= 0 {
		wait = defaultConfirmWait
	}
	interval := a.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		var st statusesResult
		if err := a.rpc.call(ctx, "getSignatureStatuses", []any{[]string{sig}}, &st); err == nil && len(st.Value) > 0 && st.Value[0] != nil {
			s := st.Value[0]
			if len(s.Err) > 0 && string(s.Err) != "null" {
				return fmt.Errorf("transaction failed: %s", s.Err)
			}
			if s.ConfirmationStatus == "confirmed" || s.ConfirmationStatus == "finalized" {
				return nil
			}
		}
		if lastValid > 0 {
			var height uint64
			if err := a.rpc.call(ctx, "getBlockHeight", nil, &height); err == nil && height > lastValid {
				return errBlockhashExpired
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
