package httpserver

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/wisbric/logharbor/internal/apierr"
)

// Respond writes a JSON response with the given status code.
func Respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if data == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("encoding response", "error", err)
	}
}

// ErrorResponse is the standard JSON error envelope. Error is one of the
// error design's kind codes (spec §7: validation_error, auth_error,
// constraint_error, access_error, not_found, quota_exceeded, bus_error,
// store_error, index_error) or a handler-local code for cases the typed
// apierr kinds don't cover.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// RespondError writes a JSON error response with an explicit code. Use this
// when the failure has no corresponding apierr type (malformed input caught
// before a domain call, a dependency outage on /readyz); use RespondAPIError
// when a handler already has one of apierr's typed errors in hand.
func RespondError(w http.ResponseWriter, status int, err string, message string) {
	Respond(w, status, ErrorResponse{
		Error:   err,
		Message: message,
	})
}

// RespondAPIError writes the JSON error response for one of apierr's typed
// error kinds, deriving both the status code and the wire error code from
// the error's Go type instead of making the caller repeat them.
func RespondAPIError(w http.ResponseWriter, err error) {
	RespondError(w, apierr.StatusFor(err), apierr.Code(err), err.Error())
}
