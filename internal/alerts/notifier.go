package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const defaultTelegramBaseURL = "https://api.telegram.org"

type Notifier interface {
	Notify(ctx context.Context, message string) error
}

// LogNotifier writes alerts to the structured log.
type LogNotifier struct{}

func (LogNotifier) Notify(ctx context.Context, message string) error {
	slog.WarnContext(ctx, "alert", "message", message)
	return nil
}

type TelegramNotifier struct {
	BaseURL  string
	BotToken string
	ChatID   string
	Client   *http.Client
}

var defaultClient = &http.Client{Timeout: 5 * time.Second}

func (n *TelegramNotifier) Notify(ctx context.Context, message string) error {
	if n.BotToken == "" || n.ChatID == "" {
		return errors.New("telegram token and chat id required")
	}
	base := strings.TrimRight(n.BaseURL, "/")
	if base == "" {
		base = defaultTelegramBaseURL
	}
	payload, err := json.Marshal(map[string]string{"chat_id": n.ChatID, "text": message})
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", base, n.BotToken)
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", "application/json")
	client := n.Client
	if client == nil {
		client = defaultClient
	}
	resp, err := client.Do(request)
	if err != nil {
		// the URL carries the bot token
		return errors.New("telegram request failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("telegram status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
