package web

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"r2r/internal/audit"
	"r2r/internal/ingest"
	"r2r/internal/metrics"
	"r2r/internal/policy"
)

// handleExecutionWebhook accepts an execution observation. When no
// webhook secret is configured the endpoint is unauthenticated.
func (s *Server) handleExecutionWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	if s.WebhookSecret != "" && !VerifySignature(s.WebhookSecret, body, r.Header.Get(s.signatureHeader())) {
		metrics.WebhookAuthFailuresTotal.Inc()
		details := map[string]any{"remote": remoteHost(r), "reason": "invalid-signature"}
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			details["forwarded_for"] = xff
		}
		s.appendAudit(r.Context(), audit.Event{
			Action:   audit.ActionWebhookRejected,
			Decision: "deny",
			Context:  details,
		})
		writeError(w, http.StatusUnauthorized, "invalid-signature")
		return
	}
	if !validateOrReject(w, schemaExecution, body) {
		return
	}
	var exec policy.ExecutionObservation
	if err := json.Unmarshal(body, &exec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid-json")
		return
	}
	if s.Ingest == nil {
		writeError(w, http.StatusServiceUnavailable, "ingest-unavailable")
		return
	}
	out, err := s.Ingest.Ingest(r.Context(), exec)
	if err != nil {
		if errors.Is(err, ingest.ErrStore) {
			slog.Error("execution ingest failed", "signature", exec.Signature, "error", err)
			writeError(w, http.StatusInternalServerError, "store-error")
			return
		}
		slog.Error("execution ingest failed", "signature", exec.Signature, "error", err)
		writeError(w, http.StatusInternalServerError, "internal-error")
		return
	}
	writeJSON(w, http.StatusOK, out)
}
