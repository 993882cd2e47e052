package web

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"strings"

	"r2r/internal/audit"
	"r2r/internal/db"
	"r2r/internal/ingest"
	"r2r/internal/metrics"
	"r2r/internal/policy"
)

const (
	maxRequestBody         = 1 << 20 // 1 MB
	DefaultSignatureHeader = "X-R2R-Signature"
)

var marshalJSON = json.Marshal

type Store interface {
	InsertReceipt(ctx context.Context, r db.Receipt) (string, error)
	ListIncidents(ctx context.Context, limit int) ([]byte, error)
	GetIncident(ctx context.Context, id string) ([]byte, error)
}

type Ingester interface {
	Ingest(ctx context.Context, exec policy.ExecutionObservation) (ingest.Outcome, error)
}

type AuditLog interface {
	AppendEvent(ctx context.Context, ev audit.Event) error
}

type Server struct {
	Mux             *http.ServeMux
	Store           Store
	Ingest          Ingester
	Audit           AuditLog
	DBConn          *sql.DB
	TemporalHealth  TemporalHealthFunc
	Goroutines      *GoroutineTracker
	RateLimiter     *RateLimiter
	WebhookSecret   string
	SignatureHeader string
}

func NewServer(store Store, ingester Ingester) *Server {
	s := &Server{
		Mux:             http.NewServeMux(),
		Store:           store,
		Ingest:          ingester,
		SignatureHeader: DefaultSignatureHeader,
	}
	if c, ok := store.(interface{ Conn() *sql.DB }); ok {
		// store may be a typed nil
		if conn := c.Conn(); conn != nil {
			s.DBConn = conn
		}
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.Mux.HandleFunc("/health", s.handleHealth)
	s.Mux.HandleFunc("/readyz", s.handleReadyz)
	s.Mux.Handle("/metrics", metrics.Handler())

	s.Mux.HandleFunc("/incidents", s.handleIncidents)
	s.Mux.HandleFunc("/incidents/", s.handleIncidentByID)

	s.Mux.Handle("/receipts", s.withRateLimit(http.HandlerFunc(s.handleReceipts)))
	s.Mux.Handle("/receipts/solprism", s.withRateLimit(http.HandlerFunc(s.handleSolprismReceipt)))
	s.Mux.Handle("/webhooks/helius", s.withRateLimit(http.HandlerFunc(s.handleExecutionWebhook)))
}

func (s *Server) withRateLimit(h http.Handler) http.Handler {
	if s.RateLimiter == nil {
		return h
	}
	return RateLimitMiddleware(s.RateLimiter)(h)
}

func (s *Server) signatureHeader() string {
	if h := strings.TrimSpace(s.SignatureHeader); h != "" {
		return h
	}
	return DefaultSignatureHeader
}

func (s *Server) appendAudit(ctx context.Context, ev audit.Event) {
	if s.Audit == nil {
		return
	}
	if err := s.Audit.AppendEvent(ctx, ev); err != nil {
		logWarn("audit append failed", "action", ev.Action, "error", err)
	}
}
