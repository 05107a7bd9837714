package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleetgrid/audit-engine/pkg/models"
	"github.com/fleetgrid/audit-engine/pkg/services"
)

// ScopeProvider binds a request to one company's slice of the store before
// any repository work happens.
type ScopeProvider interface {
	WithCompanyScope(ctx context.Context, companyID uuid.UUID) (context.Context, func(), error)
}

// AuditHandler handles the audit trail HTTP API.
type AuditHandler struct {
	ingest     services.IngestService
	trail      services.TrailService
	lineage    services.LineageService
	integrity  services.IntegrityService
	compliance services.ComplianceService
	export     services.ExportService
	scopes     ScopeProvider
	logger     *zap.Logger
}

// NewAuditHandler creates a new audit handler.
func NewAuditHandler(
	ingest services.IngestService,
	trail services.TrailService,
	lineage services.LineageService,
	integrity services.IntegrityService,
	compliance services.ComplianceService,
	export services.ExportService,
	scopes ScopeProvider,
	logger *zap.Logger,
) *AuditHandler {
	return &AuditHandler{
		ingest:     ingest,
		trail:      trail,
		lineage:    lineage,
		integrity:  integrity,
		compliance: compliance,
		export:     export,
		scopes:     scopes,
		logger:     logger,
	}
}

// RegisterRoutes registers the audit handler's routes on the given mux.
func (h *AuditHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/audit/events", h.IngestEvent)
	mux.HandleFunc("GET /api/audit/trail", h.Trail)
	mux.HandleFunc("GET /api/audit/lineage/{transaction_id}", h.Lineage)
	mux.HandleFunc("GET /api/audit/integrity", h.Integrity)
	mux.HandleFunc("GET /api/audit/compliance-report", h.ComplianceReport)
	mux.HandleFunc("GET /api/audit/export", h.Export)
	mux.HandleFunc("GET /api/audit/metrics", h.Metrics)
}

// withScope parses company_id, opens a scoped context for the request and
// runs fn inside it.
func (h *AuditHandler) withScope(w http.ResponseWriter, r *http.Request, companyID uuid.UUID, fn func(ctx context.Context)) {
	if companyID == uuid.Nil {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_company_id", "company_id is required"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	ctx, cleanup, err := h.scopes.WithCompanyScope(r.Context(), companyID)
	if err != nil {
		h.logger.Error("Failed to open company scope",
			zap.String("company_id", companyID.String()),
			zap.Error(err))
		serviceError(w, err, h.logger)
		return
	}
	defer cleanup()

	fn(ctx)
}

type ingestEventRequest struct {
	CompanyID     uuid.UUID            `json:"company_id"`
	EventType     string               `json:"event_type"`
	ResourceType  string               `json:"resource_type"`
	ResourceID    string               `json:"resource_id"`
	EntityName    string               `json:"entity_name"`
	ActorID       *uuid.UUID           `json:"actor_id"`
	OldValues     map[string]any       `json:"old_values"`
	NewValues     map[string]any       `json:"new_values"`
	FinancialData models.FinancialData `json:"financial_data"`
	Status        string               `json:"status"`
	Notes         string               `json:"notes"`
	Severity      string               `json:"severity"`
}

// IngestEvent handles POST /api/audit/events
func (h *AuditHandler) IngestEvent(w http.ResponseWriter, r *http.Request) {
	var req ingestEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid request body"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	h.withScope(w, r, req.CompanyID, func(ctx context.Context) {
		record, err := h.ingest.Ingest(ctx, services.IngestParams{
			CompanyID:     req.CompanyID,
			EventType:     req.EventType,
			ResourceType:  req.ResourceType,
			ResourceID:    req.ResourceID,
			EntityName:    req.EntityName,
			ActorID:       req.ActorID,
			OldValues:     req.OldValues,
			NewValues:     req.NewValues,
			FinancialData: req.FinancialData,
			Status:        req.Status,
			Notes:         req.Notes,
			Severity:      req.Severity,
		})
		if err != nil {
			serviceError(w, err, h.logger)
			return
		}

		if err := WriteJSON(w, http.StatusCreated, ApiResponse{
			Success: true,
			Data:    record,
		}); err != nil {
			h.logger.Error("Failed to write response", zap.Error(err))
		}
	})
}

// Trail handles GET /api/audit/trail
func (h *AuditHandler) Trail(w http.ResponseWriter, r *http.Request) {
	filters, err := parseFilters(r)
	if err != nil {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_filters", err.Error()); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	h.withScope(w, r, filters.CompanyID, func(ctx context.Context) {
		page, err := h.trail.Query(ctx, filters)
		if err != nil {
			serviceError(w, err, h.logger)
			return
		}

		if err := WriteJSON(w, http.StatusOK, ApiResponse{
			Success: true,
			Data: struct {
				PaginatedResponse
				Summary *models.AuditSummary `json:"summary"`
			}{
				PaginatedResponse: PaginatedResponse{
					Items:  page.Records,
					Total:  page.TotalCount,
					Limit:  filters.Limit,
					Offset: filters.Offset,
				},
				Summary: page.Summary,
			},
		}); err != nil {
			h.logger.Error("Failed to write response", zap.Error(err))
		}
	})
}

// Lineage handles GET /api/audit/lineage/{transaction_id}
func (h *AuditHandler) Lineage(w http.ResponseWriter, r *http.Request) {
	transactionID := r.PathValue("transaction_id")
	companyID, err := parseCompanyID(r)
	if err != nil {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_company_id", err.Error()); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}
	depth := intQuery(r, "depth", 0)

	h.withScope(w, r, companyID, func(ctx context.Context) {
		graph, err := h.lineage.Lineage(ctx, companyID, transactionID, depth)
		if err != nil {
			serviceError(w, err, h.logger)
			return
		}

		if err := WriteJSON(w, http.StatusOK, ApiResponse{
			Success: true,
			Data:    graph,
		}); err != nil {
			h.logger.Error("Failed to write response", zap.Error(err))
		}
	})
}

// Integrity handles GET /api/audit/integrity
func (h *AuditHandler) Integrity(w http.ResponseWriter, r *http.Request) {
	companyID, err := parseCompanyID(r)
	if err != nil {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_company_id", err.Error()); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}
	from := int64Query(r, "from", 0)
	to := int64Query(r, "to", 0)

	h.withScope(w, r, companyID, func(ctx context.Context) {
		report, err := h.integrity.Verify(ctx, companyID, from, to)
		if err != nil {
			serviceError(w, err, h.logger)
			return
		}

		if err := WriteJSON(w, http.StatusOK, ApiResponse{
			Success: true,
			Data:    report,
		}); err != nil {
			h.logger.Error("Failed to write response", zap.Error(err))
		}
	})
}

// ComplianceReport handles GET /api/audit/compliance-report
func (h *AuditHandler) ComplianceReport(w http.ResponseWriter, r *http.Request) {
	companyID, err := parseCompanyID(r)
	if err != nil {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_company_id", err.Error()); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	end := timeQuery(r, "end", time.Now().UTC())
	start := timeQuery(r, "start", end.AddDate(0, 0, -30))
	if !start.Before(end) {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_period", "start must be before end"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	h.withScope(w, r, companyID, func(ctx context.Context) {
		report, err := h.compliance.GenerateComplianceReport(ctx, companyID, start, end)
		if err != nil {
			serviceError(w, err, h.logger)
			return
		}

		if err := WriteJSON(w, http.StatusOK, ApiResponse{
			Success: true,
			Data:    report,
		}); err != nil {
			h.logger.Error("Failed to write response", zap.Error(err))
		}
	})
}

// Export handles GET /api/audit/export
func (h *AuditHandler) Export(w http.ResponseWriter, r *http.Request) {
	filters, err := parseFilters(r)
	if err != nil {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_filters", err.Error()); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	format := r.URL.Query().Get("format")
	if format == "" {
		format = services.FormatJSON
	}
	contentType := services.ContentType(format)
	if contentType == "" {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_format", fmt.Sprintf("unsupported format %q", format)); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	opts := services.ExportOptions{
		Format:          format,
		AnonymizeActors: boolQuery(r, "anonymize"),
		IncludeValues:   boolQuery(r, "include_values"),
		ComplianceMode:  boolQuery(r, "compliance"),
	}

	h.withScope(w, r, filters.CompanyID, func(ctx context.Context) {
		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Content-Disposition",
			fmt.Sprintf("attachment; filename=audit-export-%s.%s", time.Now().UTC().Format("20060102"), fileExtension(format)))

		if err := h.export.Export(ctx, filters, opts, w); err != nil {
			// Nothing has been written yet on the empty and validation
			// paths; rendering errors mid-stream can only be logged.
			w.Header().Del("Content-Disposition")
			serviceError(w, err, h.logger)
			return
		}
	})
}

// Metrics handles GET /api/audit/metrics
func (h *AuditHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	companyID, err := parseCompanyID(r)
	if err != nil {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_company_id", err.Error()); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}
	days := intQuery(r, "days", 30)

	h.withScope(w, r, companyID, func(ctx context.Context) {
		metrics, err := h.trail.Metrics(ctx, companyID, days)
		if err != nil {
			serviceError(w, err, h.logger)
			return
		}

		if err := WriteJSON(w, http.StatusOK, ApiResponse{
			Success: true,
			Data:    metrics,
		}); err != nil {
			h.logger.Error("Failed to write response", zap.Error(err))
		}
	})
}

func parseCompanyID(r *http.Request) (uuid.UUID, error) {
	raw := r.URL.Query().Get("company_id")
	if raw == "" {
		return uuid.Nil, fmt.Errorf("company_id is required")
	}
	companyID, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("company_id must be a UUID")
	}
	return companyID, nil
}

func parseFilters(r *http.Request) (models.AuditFilters, error) {
	companyID, err := parseCompanyID(r)
	if err != nil {
		return models.AuditFilters{}, err
	}

	q := r.URL.Query()
	filters := models.AuditFilters{
		CompanyID:          companyID,
		ResourceID:         q.Get("resource_id"),
		Severity:           q.Get("severity"),
		Status:             q.Get("status"),
		VerificationStatus: q.Get("verification_status"),
		Currency:           q.Get("currency"),
		Search:             q.Get("search"),
		Limit:              intQuery(r, "limit", 0),
		Offset:             intQuery(r, "offset", 0),
	}

	if raw := q.Get("resource_type"); raw != "" {
		filters.ResourceTypes = strings.Split(raw, ",")
	}
	if raw := q.Get("event_type"); raw != "" {
		filters.EventTypes = strings.Split(raw, ",")
	}
	if raw := q.Get("actor_id"); raw != "" {
		actorID, err := uuid.Parse(raw)
		if err != nil {
			return models.AuditFilters{}, fmt.Errorf("actor_id must be a UUID")
		}
		filters.ActorID = &actorID
	}
	if raw := q.Get("amount_min"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return models.AuditFilters{}, fmt.Errorf("amount_min must be a number")
		}
		filters.AmountMin = &v
	}
	if raw := q.Get("amount_max"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return models.AuditFilters{}, fmt.Errorf("amount_max must be a number")
		}
		filters.AmountMax = &v
	}
	if raw := q.Get("date_from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return models.AuditFilters{}, fmt.Errorf("date_from must be RFC 3339")
		}
		filters.DateFrom = &t
	}
	if raw := q.Get("date_to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return models.AuditFilters{}, fmt.Errorf("date_to must be RFC 3339")
		}
		filters.DateTo = &t
	}

	return filters, nil
}

func intQuery(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func int64Query(r *http.Request, key string, fallback int64) int64 {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fallback
	}
	return v
}

func timeQuery(r *http.Request, key string, fallback time.Time) time.Time {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return fallback
	}
	return t
}

func boolQuery(r *http.Request, key string) bool {
	v, err := strconv.ParseBool(r.URL.Query().Get(key))
	return err == nil && v
}

func fileExtension(format string) string {
	if format == services.FormatText {
		return "txt"
	}
	return format
}
