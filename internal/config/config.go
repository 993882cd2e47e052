package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"r2r/internal/policy"
)

const (
	RunnerInProcess = "inprocess"
	RunnerTemporal  = "temporal"
)

type Config struct {
	Gateway      GatewayConfig      `json:"gateway" yaml:"gateway"`
	Policy       PolicyConfig       `json:"policy" yaml:"policy"`
	Matching     MatchingConfig     `json:"matching" yaml:"matching"`
	Remediation  RemediationConfig  `json:"remediation" yaml:"remediation"`
	Orchestrator OrchestratorConfig `json:"orchestrator" yaml:"orchestrator"`
	Storage      StorageConfig      `json:"storage" yaml:"storage"`
	Connectors   ConnectorsConfig   `json:"connectors" yaml:"connectors"`
	Alerts       AlertsConfig       `json:"alerts" yaml:"alerts"`
	Logging      LoggingConfig      `json:"logging" yaml:"logging"`
}

type GatewayConfig struct {
	HTTPAddr        string  `json:"http_addr" yaml:"http_addr"`
	WebhookSecret   string  `json:"webhook_secret" yaml:"webhook_secret"`
	SignatureHeader string  `json:"signature_header" yaml:"signature_header"`
	RateLimitPerSec float64 `json:"rate_limit_per_sec" yaml:"rate_limit_per_sec"`
	RateLimitBurst  int     `json:"rate_limit_burst" yaml:"rate_limit_burst"`
	// TrustedProxies lists CIDRs or addresses whose X-Forwarded-For the
	// rate limiter believes.
	TrustedProxies []string `json:"trusted_proxies" yaml:"trusted_proxies"`
}

type PolicyConfig struct {
	NotionalTolerance float64 `json:"notional_tolerance" yaml:"notional_tolerance"`
	LeverageTolerance float64 `json:"leverage_tolerance" yaml:"leverage_tolerance"`
}

func (p PolicyConfig) Tolerances() policy.Tolerances {
	return policy.Tolerances{Notional: p.NotionalTolerance, Leverage: p.LeverageTolerance}
}

type MatchingConfig struct {
	// ReceiptWindowSecs bounds how old a matching receipt may be; 0 is unbounded.
	ReceiptWindowSecs int `json:"receipt_window_secs" yaml:"receipt_window_secs"`
}

func (m MatchingConfig) ReceiptWindow() time.Duration {
	return time.Duration(m.ReceiptWindowSecs) * time.Second
}

type RemediationConfig struct {
	Runner          string `json:"runner" yaml:"runner"`
	StepTimeoutMS   int    `json:"step_timeout_ms" yaml:"step_timeout_ms"`
	AnchorTimeoutMS int    `json:"anchor_timeout_ms" yaml:"anchor_timeout_ms"`
	WorkflowTimeout int    `json:"workflow_timeout_secs" yaml:"workflow_timeout_secs"`
	// StaleClaimSecs abandons executions still processing after this long.
	// Zero disables the reaper.
	StaleClaimSecs int `json:"stale_claim_secs" yaml:"stale_claim_secs"`
}

func (r RemediationConfig) StepTimeout() time.Duration {
	return time.Duration(r.StepTimeoutMS) * time.Millisecond
}

func (r RemediationConfig) AnchorTimeout() time.Duration {
	return time.Duration(r.AnchorTimeoutMS) * time.Millisecond
}

func (r RemediationConfig) StaleClaimAge() time.Duration {
	return time.Duration(r.StaleClaimSecs) * time.Second
}

// longestRun bounds how long one claimed execution can legitimately take.
func (r RemediationConfig) longestRun() time.Duration {
	inProcess := 2*r.StepTimeout() + r.AnchorTimeout()
	workflow := time.Duration(r.WorkflowTimeout) * time.Second
	if workflow > inProcess {
		return workflow
	}
	return inProcess
}

type OrchestratorConfig struct {
	TemporalAddr string `json:"temporal_addr" yaml:"temporal_addr"`
	Namespace    string `json:"namespace" yaml:"namespace"`
	TaskQueue    string `json:"task_queue" yaml:"task_queue"`
	HealthAddr   string `json:"health_addr" yaml:"health_addr"`
}

type StorageConfig struct {
	PostgresDSN string            `json:"postgres_dsn" yaml:"postgres_dsn"`
	ObjectStore ObjectStoreConfig `json:"object_store" yaml:"object_store"`
}

type ObjectStoreConfig struct {
	Endpoint string `json:"endpoint" yaml:"endpoint"`
	Bucket   string `json:"bucket" yaml:"bucket"`
}

type ConnectorsConfig struct {
	Drift       DriftConfig       `json:"drift" yaml:"drift"`
	AgentWallet AgentWalletConfig `json:"agentwallet" yaml:"agentwallet"`
	Solana      SolanaConfig      `json:"solana" yaml:"solana"`
}

type DriftConfig struct {
	CloseEndpoint string `json:"close_endpoint" yaml:"close_endpoint"`
	APIKey        string `json:"api_key" yaml:"api_key"`
}

type AgentWalletConfig struct {
	BaseURL  string `json:"base_url" yaml:"base_url"`
	APIKey   string `json:"api_key" yaml:"api_key"`
	Address  string `json:"address" yaml:"address"`
	Username string `json:"username" yaml:"username"`
}

type SolanaConfig struct {
	RPCURL      string `json:"rpc_url" yaml:"rpc_url"`
	Keypair     string `json:"keypair" yaml:"keypair"`
	KeypairPath string `json:"keypair_path" yaml:"keypair_path"`
}

type AlertsConfig struct {
	TelegramToken   string `json:"telegram_token" yaml:"telegram_token"`
	TelegramChatID  string `json:"telegram_chat_id" yaml:"telegram_chat_id"`
	TelegramBaseURL string `json:"telegram_base_url" yaml:"telegram_base_url"`
	MaxAttempts     int    `json:"max_attempts" yaml:"max_attempts"`
	QueueSize       int    `json:"queue_size" yaml:"queue_size"`
	DigestCron      string `json:"digest_cron" yaml:"digest_cron"`
}

type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// Default returns a config with every tunable at its documented default.
// Files are decoded on top of it, so absent keys keep their default.
func Default() Config {
	return Config{
		Gateway: GatewayConfig{HTTPAddr: ":8787", SignatureHeader: "X-R2R-Signature"},
		Policy: PolicyConfig{
			NotionalTolerance: policy.DefaultTolerances().Notional,
			LeverageTolerance: policy.DefaultTolerances().Leverage,
		},
		Remediation: RemediationConfig{
			Runner:          RunnerInProcess,
			StepTimeoutMS:   10000,
			AnchorTimeoutMS: 30000,
			WorkflowTimeout: 120,
		},
		Orchestrator: OrchestratorConfig{Namespace: "default", TaskQueue: "r2r-remediation"},
		Alerts:       AlertsConfig{MaxAttempts: 3, QueueSize: 256},
		Logging:      LoggingConfig{Level: "info", Format: "json"},
	}
}

// LoadConfig reads path (JSON, or YAML for .yaml/.yml), applies env
// overrides and validates. An empty path loads defaults plus env.
func LoadConfig(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse %s: %w", path, err)
			}
		default:
			if err := json.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return Config{}, err
	}
	cfg.ApplyDefaults()
	return cfg, cfg.Validate()
}

// ApplyEnv overrides secrets and tolerances from the environment.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *float64) error {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			return nil
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = f
		return nil
	}
	if v := strings.TrimSpace(getenv("PORT")); v != "" {
		c.Gateway.HTTPAddr = ":" + v
	}
	if err := num("R2R_NOTIONAL_TOLERANCE", &c.Policy.NotionalTolerance); err != nil {
		return err
	}
	if err := num("R2R_LEVERAGE_TOLERANCE", &c.Policy.LeverageTolerance); err != nil {
		return err
	}
	str("R2R_WEBHOOK_SECRET", &c.Gateway.WebhookSecret)
	str("R2R_POSTGRES_DSN", &c.Storage.PostgresDSN)
	str("R2R_TELEGRAM_TOKEN", &c.Alerts.TelegramToken)
	str("R2R_TELEGRAM_CHAT", &c.Alerts.TelegramChatID)
	str("SOLANA_MEMO_KEYPAIR", &c.Connectors.Solana.Keypair)
	str("SOLANA_RPC_URL", &c.Connectors.Solana.RPCURL)
	str("DRIFT_CLOSE_ENDPOINT", &c.Connectors.Drift.CloseEndpoint)
	str("DRIFT_API_KEY", &c.Connectors.Drift.APIKey)
	str("AGENTWALLET_URL", &c.Connectors.AgentWallet.BaseURL)
	str("AGENTWALLET_API_KEY", &c.Connectors.AgentWallet.APIKey)
	str("LOG_LEVEL", &c.Logging.Level)
	str("LOG_FORMAT", &c.Logging.Format)
	return nil
}

// ApplyDefaults fills settings where zero is never meaningful.
func (c *Config) ApplyDefaults() {
	def := Default()
	if strings.TrimSpace(c.Remediation.Runner) == "" {
		c.Remediation.Runner = def.Remediation.Runner
	}
	if c.Remediation.StepTimeoutMS <= 0 {
		c.Remediation.StepTimeoutMS = def.Remediation.StepTimeoutMS
	}
	if c.Remediation.AnchorTimeoutMS <= 0 {
		c.Remediation.AnchorTimeoutMS = def.Remediation.AnchorTimeoutMS
	}
	if c.Remediation.WorkflowTimeout <= 0 {
		c.Remediation.WorkflowTimeout = def.Remediation.WorkflowTimeout
	}
	if c.Orchestrator.TaskQueue == "" {
		c.Orchestrator.TaskQueue = def.Orchestrator.TaskQueue
	}
	if c.Orchestrator.Namespace == "" {
		c.Orchestrator.Namespace = def.Orchestrator.Namespace
	}
	if c.Alerts.MaxAttempts <= 0 {
		c.Alerts.MaxAttempts = def.Alerts.MaxAttempts
	}
	if c.Alerts.QueueSize <= 0 {
		c.Alerts.QueueSize = def.Alerts.QueueSize
	}
	if c.Gateway.SignatureHeader == "" {
		c.Gateway.SignatureHeader = def.Gateway.SignatureHeader
	}
}

func (c Config) Validate() error {
	if c.Gateway.HTTPAddr == "" {
		return errors.New("gateway.http_addr required")
	}
	if c.Storage.PostgresDSN == "" {
		return errors.New("storage.postgres_dsn required")
	}
	if c.Policy.NotionalTolerance < 0 {
		return errors.New("policy.notional_tolerance must be >= 0")
	}
	if c.Policy.LeverageTolerance < 0 {
		return errors.New("policy.leverage_tolerance must be >= 0")
	}
	if c.Matching.ReceiptWindowSecs < 0 {
		return errors.New("matching.receipt_window_secs must be >= 0")
	}
	if c.Gateway.RateLimitPerSec < 0 {
		return errors.New("gateway.rate_limit_per_sec must be >= 0")
	}
	if c.Gateway.RateLimitPerSec > 0 && c.Gateway.RateLimitBurst <= 0 {
		return errors.New("gateway.rate_limit_burst required when gateway.rate_limit_per_sec is set")
	}

	switch strings.ToLower(strings.TrimSpace(c.Remediation.Runner)) {
	case "", RunnerInProcess:
	case RunnerTemporal:
		if c.Orchestrator.TemporalAddr == "" {
			return errors.New("orchestrator.temporal_addr required when remediation.runner is temporal")
		}
	default:
		return fmt.Errorf("remediation.runner %q not supported", c.Remediation.Runner)
	}

	if err := validateTokenAddr("connectors.drift", "close_endpoint", c.Connectors.Drift.CloseEndpoint, c.Connectors.Drift.APIKey); err != nil {
		return err
	}
	if err := validateTokenAddr("connectors.agentwallet", "base_url", c.Connectors.AgentWallet.BaseURL, c.Connectors.AgentWallet.APIKey); err != nil {
		return err
	}
	if c.Remediation.StaleClaimSecs < 0 {
		return errors.New("remediation.stale_claim_secs must be >= 0")
	}
	if c.Remediation.StaleClaimSecs > 0 && c.Remediation.StaleClaimAge() <= c.Remediation.longestRun() {
		return fmt.Errorf("remediation.stale_claim_secs must exceed the longest remediation run (%s)", c.Remediation.longestRun())
	}

	if c.Connectors.Solana.Keypair != "" && c.Connectors.Solana.KeypairPath != "" {
		return errors.New("connectors.solana: set keypair or keypair_path, not both")
	}

	if (c.Alerts.TelegramToken == "") != (c.Alerts.TelegramChatID == "") {
		return errors.New("alerts.telegram_token and alerts.telegram_chat_id must be set together")
	}
	if spec := strings.TrimSpace(c.Alerts.DigestCron); spec != "" {
		if _, err := cron.ParseStandard(spec); err != nil {
			return fmt.Errorf("alerts.digest_cron: %w", err)
		}
	}

	switch strings.ToLower(c.Logging.Format) {
	case "", "json", "text":
	default:
		return fmt.Errorf("logging.format %q not supported", c.Logging.Format)
	}
	return nil
}

func validateTokenAddr(prefix, addrField, addr, token string) error {
	if strings.TrimSpace(token) == "" {
		return nil
	}
	if strings.TrimSpace(addr) == "" {
		return fmt.Errorf("%s.%s required when api_key is set", prefix, addrField)
	}
	return nil
}
