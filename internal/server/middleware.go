package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/labelforge/labeld/internal/tenant"
)

// identity is the per-request actor extracted from headers.
type identity struct {
	TenantID string
	UserID   string
	Role     tenant.Role
}

type identityKey struct{}

func identityFrom(ctx context.Context) identity {
	id, _ := ctx.Value(identityKey{}).(identity)
	return id
}

// api wraps a /v1 handler with bearer-token auth and tenant extraction.
// A missing X-Tenant-Id is rejected before the handler runs.
func (s *Server) api(h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" {
			header := r.Header.Get("Authorization")
			raw, ok := strings.CutPrefix(header, "Bearer ")
			if header == "" || !ok {
				writeError(w, http.StatusUnauthorized, "unauthorized", "missing or malformed Authorization header")
				return
			}
			if raw != s.token {
				writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
				return
			}
		}

		tenantID := r.Header.Get("X-Tenant-Id")
		if tenantID == "" {
			writeError(w, http.StatusUnprocessableEntity, "tenant_required", "X-Tenant-Id header is required")
			return
		}
		id := identity{
			TenantID: tenantID,
			UserID:   r.Header.Get("X-User-Id"),
			Role:     tenant.Role(r.Header.Get("X-User-Role")),
		}
		h(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, id)))
	})
}

// require rejects the request unless the actor's role carries the
// permission. Admin passes every check. Returns false after writing the
// response when the actor is not allowed.
func (s *Server) require(w http.ResponseWriter, r *http.Request, p tenant.Permission) bool {
	role := identityFrom(r.Context()).Role
	if role == tenant.RoleAdmin || role.Has(p) {
		return true
	}
	writeError(w, http.StatusForbidden, "forbidden",
		fmt.Sprintf("role %q lacks permission %q", role, p))
	return false
}

// statusRecorder captures the response status for the request log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// logRequests writes one line per request to stderr.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		fmt.Fprintf(os.Stderr, "labeld: %s %s %d %s\n",
			r.Method, r.URL.Path, rec.status, time.Since(start).Round(time.Millisecond))
	})
}
