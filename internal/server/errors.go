package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/labelforge/labeld/internal/bridge"
	"github.com/labelforge/labeld/internal/dispatch"
	"github.com/labelforge/labeld/internal/schema"
	"github.com/labelforge/labeld/internal/storage"
	"github.com/labelforge/labeld/internal/tenant"
)

// errorBody is the JSON error envelope. Fields is populated only for
// payload validation failures, which always report the full error list.
type errorBody struct {
	Error   string              `json:"error"`
	Message string              `json:"message,omitempty"`
	Fields  []schema.FieldError `json:"fields,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: code, Message: message})
}

// writeDomainError maps service errors to HTTP statuses and wire codes.
func writeDomainError(w http.ResponseWriter, err error) {
	var verr *schema.ValidationError
	if errors.As(err, &verr) {
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{
			Error:   "invalid_payload",
			Message: verr.Error(),
			Fields:  verr.Errors,
		})
		return
	}

	switch {
	case errors.Is(err, dispatch.ErrNoSamples):
		// Distinct from not_found: the queue exists but has no work.
		writeError(w, http.StatusNotFound, "no_samples", err.Error())
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, storage.ErrTenantMismatch),
		errors.Is(err, tenant.ErrTenantMismatch),
		errors.Is(err, tenant.ErrCrossTenant):
		writeError(w, http.StatusForbidden, "forbidden_cross_tenant_access", err.Error())
	case errors.Is(err, dispatch.ErrWrongLabeler):
		writeError(w, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, storage.ErrDuplicateLabel):
		writeError(w, http.StatusUnprocessableEntity, "duplicate_label", err.Error())
	case errors.Is(err, storage.ErrDuplicate):
		writeError(w, http.StatusUnprocessableEntity, "duplicate", err.Error())
	case errors.Is(err, dispatch.ErrQueueNotActive):
		writeError(w, http.StatusUnprocessableEntity, "queue_not_active", err.Error())
	case errors.Is(err, dispatch.ErrBlocklisted):
		writeError(w, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, dispatch.ErrMaxConcurrent):
		writeError(w, http.StatusUnprocessableEntity, "max_concurrent_assignments", err.Error())
	case errors.Is(err, dispatch.ErrNotReserved):
		writeError(w, http.StatusUnprocessableEntity, "not_reserved", err.Error())
	case errors.Is(err, dispatch.ErrExpired):
		writeError(w, http.StatusUnprocessableEntity, "assignment_expired", err.Error())
	case errors.Is(err, storage.ErrStaleVersion):
		writeError(w, http.StatusConflict, "stale_version", err.Error())
	case errors.Is(err, bridge.ErrForgeUnavailable):
		writeError(w, http.StatusBadGateway, "forge_unavailable", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}
