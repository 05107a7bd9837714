package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/fleetgrid/audit-engine/pkg/models"
	"github.com/fleetgrid/audit-engine/pkg/services"
)

// streamHeartbeat keeps idle SSE connections from being reaped by proxies.
const streamHeartbeat = 15 * time.Second

// StreamHandler pushes alertable audit records to clients over Server-Sent
// Events.
type StreamHandler struct {
	notifier services.NotifierService
	logger   *zap.Logger
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(notifier services.NotifierService, logger *zap.Logger) *StreamHandler {
	return &StreamHandler{notifier: notifier, logger: logger}
}

// RegisterRoutes registers the stream handler's routes on the given mux.
func (h *StreamHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/audit/stream", h.Stream)
}

// Stream handles GET /api/audit/stream
//
// Delivery is at-most-once: clients that need a complete record of alerts
// must query the trail, the stream only exists for operator dashboards.
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	companyID, err := parseCompanyID(r)
	if err != nil {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_company_id", err.Error()); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	var predicate services.AlertPredicate
	if severity := r.URL.Query().Get("severity"); severity != "" {
		if !models.ValidSeverity(severity) {
			if err := ErrorResponse(w, http.StatusBadRequest, "invalid_severity", fmt.Sprintf("unknown severity %q", severity)); err != nil {
				h.logger.Error("Failed to write error response", zap.Error(err))
			}
			return
		}
		predicate = func(record *models.AuditRecord) bool {
			return record.Severity == severity
		}
	}

	sub := h.notifier.Subscribe(companyID, predicate)
	defer h.notifier.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	h.logger.Info("Audit stream opened",
		zap.String("company_id", companyID.String()),
		zap.String("subscription_id", sub.ID.String()))

	heartbeat := time.NewTicker(streamHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			h.logger.Debug("Audit stream closed by client",
				zap.String("subscription_id", sub.ID.String()))
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case record, open := <-sub.C:
			if !open {
				return
			}
			payload, err := json.Marshal(record)
			if err != nil {
				h.logger.Error("Failed to marshal stream record", zap.Error(err))
				continue
			}
			if _, err := fmt.Fprintf(w, "event: audit\ndata: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
