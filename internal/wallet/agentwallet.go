package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"r2r/internal/remediation"
)

const maxResponseBody = 64 << 10

var defaultClient = &http.Client{Timeout: 10 * time.Second}

// AgentWalletClient pauses an agent's wallet through the wallet service.
// Without a base URL or address the pause is simulated.
type AgentWalletClient struct {
	BaseURL  string
	APIKey   string
	Address  string
	Username string
	Client   *http.Client
}

func (c *AgentWalletClient) Pause(ctx context.Context, reason string) (remediation.CallResult, error) {
	base := strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if base == "" || c.Address == "" {
		slog.Info("wallet pause simulated", "reason", reason)
		return remediation.CallResult{OK: true, Detail: "simulated"}, nil
	}
	payload, err := json.Marshal(map[string]string{"reason": reason, "username": c.Username})
	if err != nil {
		return remediation.CallResult{}, err
	}
	endpoint := fmt.Sprintf("%s/wallets/%s/pause", base, url.PathEscape(c.Address))
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return remediation.CallResult{}, err
	}
	request.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		request.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	client := c.Client
	if client == nil {
		client = defaultClient
	}
	resp, err := client.Do(request)
	if err != nil {
		return remediation.CallResult{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return remediation.CallResult{}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return remediation.CallResult{OK: false, Detail: fmt.Sprintf("agentwallet %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))}, nil
	}
	var out struct {
		Tx     string `json:"tx"`
		Status string `json:"status"`
	}
	_ = json.Unmarshal(body, &out)
	detail := out.Tx
	if detail == "" {
		detail = out.Status
	}
	if detail == "" {
		detail = "paused"
	}
	return remediation.CallResult{OK: true, Detail: detail}, nil
}
