package httpapi

import (
	"encoding/json"
	"net/http"

	"llamad/internal/supervisor"
	"llamad/pkg/types"
)

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, types.ErrorResponse{Error: msg, Code: status})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// opStatus maps a failed model operation to an HTTP status. running tells
// whether a server URL was known when the operation was attempted.
func opStatus(res supervisor.OpResult, running bool) int {
	switch {
	case res.Success:
		return http.StatusOK
	case !running:
		return http.StatusServiceUnavailable
	case len(res.Result) > 0:
		// the server answered 2xx but reported a failure
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadGateway
	}
}
