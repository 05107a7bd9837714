package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/fleetgrid/audit-engine/pkg/apperrors"
)

// ApiResponse is the standard envelope for successful responses.
type ApiResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// PaginatedResponse wraps a page of items with pagination metadata.
type PaginatedResponse struct {
	Items  any   `json:"items"`
	Total  int64 `json:"total"`
	Limit  int   `json:"limit"`
	Offset int   `json:"offset"`
}

// ErrorResponse writes a JSON error response and returns any encoding error.
func ErrorResponse(w http.ResponseWriter, statusCode int, errorCode, message string) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(map[string]string{
		"error":   errorCode,
		"message": message,
	})
}

// WriteJSON writes a JSON response and returns any encoding error.
func WriteJSON(w http.ResponseWriter, statusCode int, data any) error {
	w.Header().Set("Content-Type", "application/json")
	if statusCode != http.StatusOK {
		w.WriteHeader(statusCode)
	}
	return json.NewEncoder(w).Encode(data)
}

// serviceError maps service-layer sentinels to HTTP responses.
func serviceError(w http.ResponseWriter, err error, logger *zap.Logger) {
	var status int
	var code string

	switch {
	case errors.Is(err, apperrors.ErrValidation):
		status, code = http.StatusBadRequest, "validation_failed"
	case errors.Is(err, apperrors.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, apperrors.ErrEmptyExport):
		status, code = http.StatusNotFound, "empty_export"
	case errors.Is(err, apperrors.ErrConflict):
		status, code = http.StatusConflict, "conflict"
	case errors.Is(err, apperrors.ErrStorageUnavailable):
		status, code = http.StatusServiceUnavailable, "storage_unavailable"
	default:
		status, code = http.StatusInternalServerError, "internal_error"
	}

	if status >= http.StatusInternalServerError {
		logger.Error("Request failed", zap.Error(err))
	}
	if writeErr := ErrorResponse(w, status, code, err.Error()); writeErr != nil {
		logger.Error("Failed to write error response", zap.Error(writeErr))
	}
}
