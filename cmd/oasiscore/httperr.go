package main

import (
	"encoding/json"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/oasisflow/core/internal/errs"
)

// writeJSON marshals v as the response body with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps err's errs.Kind to an HTTP status per spec.md §7's
// taxonomy and writes errs.Safe(err) as the client-visible message,
// never the raw cause.
func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(errs.KindOf(err)), map[string]string{"error": errs.Safe(err)})
}

func statusFor(k errs.Kind) int {
	switch k {
	case errs.Validation:
		return http.StatusBadRequest
	case errs.NotFound:
		return http.StatusNotFound
	case errs.Conflict, errs.InvalidTransition:
		return http.StatusConflict
	case errs.Forbidden:
		return http.StatusForbidden
	case errs.Authentication, errs.TokenTheft:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// otelWrap wraps the mux with otelhttp's server instrumentation,
// giving every HTTP request a root span that the storage/tool/engine
// spans instrumented by internal/telemetry nest under.
func otelWrap(h http.Handler) http.Handler {
	return otelhttp.NewHandler(h, "oasiscore.http")
}
