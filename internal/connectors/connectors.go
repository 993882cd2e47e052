// Package connectors builds the outbound collaborators from config.
package connectors

import (
	"fmt"
	"log/slog"
	"net/http"

	"r2r/internal/alerts"
	"r2r/internal/anchor"
	"r2r/internal/config"
	"r2r/internal/remediation"
	"r2r/internal/venue"
	"r2r/internal/wallet"
)

// Orchestrator wires the venue, wallet and memo anchor into an in-process
// orchestrator. Unconfigured venue and wallet connectors simulate; a
// missing keypair makes the anchor step skip.
func Orchestrator(cfg config.Config, client *http.Client) (*remediation.Orchestrator, error) {
	kp, err := anchor.LoadKeypair(cfg.Connectors.Solana.Keypair, cfg.Connectors.Solana.KeypairPath)
	if err != nil {
		return nil, fmt.Errorf("connectors.solana: %w", err)
	}
	if kp == nil {
		slog.Warn("memo keypair not configured; evidence will not be anchored")
	} else {
		slog.Info("memo anchor configured", "address", kp.Address())
	}

	drift := venue.NewDriftClient(cfg.Connectors.Drift.CloseEndpoint, cfg.Connectors.Drift.APIKey)
	drift.Client = client

	aw := cfg.Connectors.AgentWallet
	return &remediation.Orchestrator{
		Venue: drift,
		Wallet: &wallet.AgentWalletClient{
			BaseURL:  aw.BaseURL,
			APIKey:   aw.APIKey,
			Address:  aw.Address,
			Username: aw.Username,
			Client:   client,
		},
		Anchor:        anchor.NewSolanaAnchor(cfg.Connectors.Solana.RPCURL, kp, client),
		StepTimeout:   cfg.Remediation.StepTimeout(),
		AnchorTimeout: cfg.Remediation.AnchorTimeout(),
	}, nil
}

// Notifier returns Telegram when both token and chat are set, otherwise
// the log notifier.
func Notifier(cfg config.AlertsConfig, client *http.Client) alerts.Notifier {
	if cfg.TelegramToken == "" || cfg.TelegramChatID == "" {
		return alerts.LogNotifier{}
	}
	return &alerts.TelegramNotifier{
		BaseURL:  cfg.TelegramBaseURL,
		BotToken: cfg.TelegramToken,
		ChatID:   cfg.TelegramChatID,
		Client:   client,
	}
}

// Dispatcher builds an unstarted alert dispatcher.
func Dispatcher(cfg config.AlertsConfig, client *http.Client) *alerts.Dispatcher {
	d := alerts.NewDispatcher(Notifier(cfg, client), cfg.QueueSize)
	if cfg.MaxAttempts > 0 {
		d.MaxAttempts = cfg.MaxAttempts
	}
	return d
}
