package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"

	"r2r/internal/config"
	"r2r/internal/connectors"
	"r2r/internal/logging"
	"r2r/internal/metrics"
	"r2r/internal/remediation"
	"r2r/internal/workflows"
)

func main() {
	logging.Init("orchestrator", nil)
	if err := run(os.Args[1:]); err != nil {
		fatalf("orchestrator: %v", err)
	}
}

var fatalf = func(format string, args ...any) {
	slog.Error("fatal", "error", fmt.Sprintf(format, args...))
	os.Exit(1)
}
var loadConfig = config.LoadConfig
var newOrchestrator = connectors.Orchestrator
var newTemporalClient = func(cfg config.OrchestratorConfig) (client.Client, error) {
	opts := client.Options{HostPort: cfg.TemporalAddr, Namespace: cfg.Namespace}
	return client.Dial(opts)
}

var temporalHealthClient client.Client
var setTemporalHealthClient = func(c client.Client) { temporalHealthClient = c }

type closeFunc func() error

func (c closeFunc) Close() error {
	return c()
}

var newWorker = func(cfg config.OrchestratorConfig) (worker.Worker, io.Closer, error) {
	c, err := newTemporalClient(cfg)
	if err != nil {
		return nil, nil, err
	}
	setTemporalHealthClient(c)
	w := worker.New(c, cfg.TaskQueue, worker.Options{})
	return w, closeFunc(func() error { c.Close(); return nil }), nil
}
var runWorker = func(w worker.Worker) error { return w.Run(worker.InterruptCh()) }
var startWorker = func(orch *remediation.Orchestrator, cfg config.Config) error {
	if cfg.Orchestrator.TemporalAddr == "" {
		return errors.New("orchestrator.temporal_addr required")
	}
	w, closer, err := newWorker(cfg.Orchestrator)
	if err != nil {
		return err
	}
	if closer != nil {
		defer func() { _ = closer.Close() }()
	}
	w.RegisterWorkflow(workflows.RemediationWorkflow)
	w.RegisterActivity(&workflows.Activities{Orchestrator: orch})
	slog.Info("orchestrator ready", "temporal_addr", cfg.Orchestrator.TemporalAddr, "task_queue", cfg.Orchestrator.TaskQueue)
	return runWorker(w)
}

func run(args []string) error {
	fs := flag.NewFlagSet("orchestrator", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to config file (JSON or YAML)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *configPath == "" {
		return errors.New("config required")
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	logging.Setup("orchestrator", nil, logging.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format})

	orch, err := newOrchestrator(cfg, nil)
	if err != nil {
		return err
	}

	if cfg.Orchestrator.HealthAddr != "" {
		healthSrv := &http.Server{Addr: cfg.Orchestrator.HealthAddr, Handler: healthMux(cfg), ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := healthSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("health server failed", "error", err)
			}
		}()
		go func() {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			_ = healthSrv.Shutdown(sctx)
		}()
	}

	return startWorker(orch, cfg)
}

func healthMux(cfg config.Config) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		ok := true
		if temporalHealthClient != nil {
			tctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if _, err := temporalHealthClient.CheckHealth(tctx, nil); err != nil {
				ok = false
			}
		} else if cfg.Orchestrator.TemporalAddr != "" {
			ok = false
		}
		if ok {
			_, _ = w.Write([]byte(`{"status":"ok"}`))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"unavailable"}`))
	})
	return mux
}
