package venue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"r2r/internal/remediation"
)

const maxResponseBody = 64 << 10

var defaultClient = &http.Client{Timeout: 10 * time.Second}

// DriftClient closes positions through a venue close endpoint. With no
// endpoint configured it simulates success.
type DriftClient struct {
	Endpoint string
	APIKey   string
	Client   *http.Client
}

func NewDriftClient(endpoint, apiKey string) *DriftClient {
	return &DriftClient{Endpoint: strings.TrimSpace(endpoint), APIKey: apiKey}
}

func (c *DriftClient) ClosePositions(ctx context.Context, req remediation.CloseRequest) (remediation.CallResult, error) {
	if c.Endpoint == "" {
		slog.Info("venue close simulated", "agent_id", req.AgentID, "market", req.Market, "size", req.Size)
		return remediation.CallResult{OK: true, Detail: "simulated"}, nil
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return remediation.CallResult{}, err
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(payload))
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
		return remediation.CallResult{OK: false, Detail: fmt.Sprintf("drift %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))}, nil
	}
	var out struct {
		Signature string `json:"signature"`
		Tx        string `json:"tx"`
	}
	_ = json.Unmarshal(body, &out)
	return remediation.CallResult{OK: true, Detail: firstNonEmpty(out.Signature, out.Tx, "flattened"), Signature: out.Signature}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
