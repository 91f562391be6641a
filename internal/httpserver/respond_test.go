package httpserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/wisbric/logharbor/internal/apierr"
)

func TestRespondAPIError_DerivesStatusAndCodeFromErrorType(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"not found", &apierr.NotFoundError{Resource: "log"}, http.StatusNotFound, "not_found"},
		{"auth", &apierr.AuthError{Message: "missing credential"}, http.StatusUnauthorized, "auth_error"},
		{"access", &apierr.AccessError{Message: "not a member"}, http.StatusForbidden, "access_error"},
		{"quota", &apierr.QuotaExceededError{Limit: 10, Current: 11}, http.StatusTooManyRequests, "quota_exceeded"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			RespondAPIError(rec, tt.err)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}

			var body ErrorResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("unexpected error unmarshalling body: %v", err)
			}
			if body.Error != tt.wantCode {
				t.Fatalf("error code = %q, want %q", body.Error, tt.wantCode)
			}
		})
	}
}
