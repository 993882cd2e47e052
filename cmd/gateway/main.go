package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.temporal.io/sdk/client"

	"r2r/internal/alerts"
	"r2r/internal/audit"
	"r2r/internal/config"
	"r2r/internal/connectors"
	"r2r/internal/db"
	"r2r/internal/ingest"
	"r2r/internal/logging"
	"r2r/internal/metrics"
	"r2r/internal/policy"
	"r2r/internal/remediation"
	"r2r/internal/storage"
	"r2r/internal/web"
	"r2r/internal/workflows"
)

func main() {
	logging.Init("gateway", nil)
	if err := run(os.Args[1:], serveHTTP); err != nil {
		fatalf("gateway: %v", err)
	}
}

var serveHTTP = func(srv *http.Server) error { return srv.ListenAndServe() }
var fatalf = func(format string, args ...any) {
	slog.Error("fatal", "error", fmt.Sprintf(format, args...))
	os.Exit(1)
}
var loadEnvFile = func(path string) error { return godotenv.Load(path) }
var newDB = db.NewDB
var newServer = web.NewServer
var newOrchestrator = connectors.Orchestrator
var newTemporalClient = func(cfg config.OrchestratorConfig) (client.Client, error) {
	opts := client.Options{HostPort: cfg.TemporalAddr, Namespace: cfg.Namespace}
	return client.Dial(opts)
}
var newObjectStore = func(cfg config.ObjectStoreConfig) *storage.ObjectStore {
	return &storage.ObjectStore{Endpoint: cfg.Endpoint, Bucket: cfg.Bucket}
}

var startDigest = func(ctx context.Context, wg *sync.WaitGroup, gt *web.GoroutineTracker, d *alerts.Digest) {
	if d == nil {
		return
	}
	gt.Go(ctx, wg, "incident-digest", d.Run)
}

var startReaper = func(ctx context.Context, wg *sync.WaitGroup, gt *web.GoroutineTracker, svc *ingest.Service, maxAge time.Duration) {
	gt.Go(ctx, wg, "claim-reaper", func(ctx context.Context) error {
		return svc.RunReaper(ctx, maxAge, 0)
	})
}

func run(args []string, serve func(*http.Server) error) error {
	fs := flag.NewFlagSet("gateway", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to config file (JSON or YAML)")
	envFile := fs.String("env-file", "", "optional .env file loaded before config")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *envFile != "" {
		if err := loadEnvFile(*envFile); err != nil {
			return fmt.Errorf("env file: %w", err)
		}
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return err
	}
	logging.Setup("gateway", nil, logging.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	database, err := newDB(cfg.Storage.PostgresDSN)
	if err != nil {
		return err
	}
	defer database.Close()

	orch, err := newOrchestrator(cfg, nil)
	if err != nil {
		return err
	}
	var runner remediation.Runner = orch
	var temporalClient client.Client
	if cfg.Remediation.Runner == config.RunnerTemporal {
		tc, err := newTemporalClient(cfg.Orchestrator)
		if err != nil {
			slog.Warn("temporal client connection failed, remediating in-process", "error", err)
		} else if tc != nil {
			temporalClient = tc
			defer temporalClient.Close()
			runner = &workflows.TemporalRunner{
				Client:       temporalClient,
				TaskQueue:    cfg.Orchestrator.TaskQueue,
				Orchestrator: orch,
				Timeout:      time.Duration(cfg.Remediation.WorkflowTimeout) * time.Second,
			}
		}
	}

	dispatcher := connectors.Dispatcher(cfg.Alerts, nil)
	alertCtx, cancelAlerts := context.WithCancel(context.Background())
	defer cancelAlerts()
	dispatcher.Start(alertCtx)

	auditor := audit.NewWithDB(database)
	service := &ingest.Service{
		Store:         database,
		Evaluator:     policy.NewEvaluator(cfg.Policy.Tolerances()),
		Runner:        runner,
		Alerts:        dispatcher,
		Audit:         auditor,
		ReceiptWindow: cfg.Matching.ReceiptWindow(),
	}
	if cfg.Storage.ObjectStore.Bucket != "" {
		service.Archive = newObjectStore(cfg.Storage.ObjectStore)
	}

	srv := newServer(database, service)
	srv.Audit = auditor
	srv.WebhookSecret = cfg.Gateway.WebhookSecret
	srv.SignatureHeader = cfg.Gateway.SignatureHeader
	srv.Goroutines = web.NewGoroutineTracker()
	if cfg.Gateway.RateLimitPerSec > 0 {
		srv.RateLimiter = web.NewRateLimiter(cfg.Gateway.RateLimitPerSec, cfg.Gateway.RateLimitBurst)
		if err := srv.RateLimiter.TrustProxies(cfg.Gateway.TrustedProxies); err != nil {
			return fmt.Errorf("gateway.trusted_proxies: %w", err)
		}
	}
	srv.TemporalHealth = func(ctx context.Context) error {
		if temporalClient == nil {
			return nil
		}
		_, err := temporalClient.CheckHealth(ctx, nil)
		return err
	}
	if cfg.Gateway.WebhookSecret == "" {
		slog.Warn("webhook secret not configured; execution webhooks are unauthenticated")
	}

	var wg sync.WaitGroup
	if cfg.Alerts.DigestCron != "" {
		digest, err := alerts.NewDigest(cfg.Alerts.DigestCron, database, dispatcher)
		if err != nil {
			return err
		}
		startDigest(ctx, &wg, srv.Goroutines, digest)
	}
	if age := cfg.Remediation.StaleClaimAge(); age > 0 {
		startReaper(ctx, &wg, srv.Goroutines, service, age)
	}

	mainSrv := &http.Server{
		Addr:              cfg.Gateway.HTTPAddr,
		Handler:           metrics.Middleware(srv.Mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		errCh <- serve(mainSrv)
	}()

	slog.Info("gateway listening", "addr", cfg.Gateway.HTTPAddr, "runner", cfg.Remediation.Runner)
	select {
	case err := <-errCh:
		stop()
		wg.Wait()
		dispatcher.Close()
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	forceExit := time.AfterFunc(30*time.Second, func() { os.Exit(1) })
	defer forceExit.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = mainSrv.Shutdown(shutdownCtx)
	wg.Wait()
	dispatcher.Close()
	select {
	case err := <-errCh:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	default:
		return nil
	}
}
