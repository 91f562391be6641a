// Package apierr defines the typed error kinds that cross HTTP handler
// boundaries in logharbor, mirroring the way nightowl's handlers map
// sentinel/typed errors (errors.Is(err, pgx.ErrNoRows)) to status codes,
// generalized into explicit types so every kind in the error design is a
// concrete Go type rather than a bare error string.
package apierr

import (
	"fmt"
	"net/http"
)

// ValidationError reports a malformed or missing request field. Maps to 400.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// AuthError reports a missing or invalid credential. Maps to 401.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string { return e.Message }

// ConstraintError reports a C1 constraint-evaluator denial. Maps to 403 and
// always carries the name of the first predicate that failed.
type ConstraintError struct {
	Constraint string
}

func (e *ConstraintError) Error() string {
	return fmt.Sprintf("constraint denied: %s", e.Constraint)
}

// AccessError reports a role or project-membership mismatch. Maps to 403.
type AccessError struct {
	Message string
}

func (e *AccessError) Error() string { return e.Message }

// NotFoundError reports a missing resource. Maps to 404.
type NotFoundError struct {
	Resource string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found", e.Resource)
}

// QuotaExceededError reports a C3 denial. Maps to 429 and always carries the
// owner's current window.
type QuotaExceededError struct {
	Limit       int64
	Current     int64
	PeriodStart int64 // ms since epoch
	PeriodEnd   int64 // ms since epoch
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded: %d/%d", e.Current, e.Limit)
}

// BusError reports a message-bus publish/subscribe failure. Maps to 500
// unless the caller documents otherwise (e.g. ingestion consumer retries).
type BusError struct{ Err error }

func (e *BusError) Error() string { return fmt.Sprintf("bus error: %v", e.Err) }
func (e *BusError) Unwrap() error { return e.Err }

// StoreError reports a DocumentStore failure. Maps to 500.
type StoreError struct{ Err error }

func (e *StoreError) Error() string { return fmt.Sprintf("store error: %v", e.Err) }
func (e *StoreError) Unwrap() error { return e.Err }

// IndexError reports a SearchIndex failure. Maps to 500, but index failures
// on the ingestion write path are degraded rather than surfaced (spec §7).
type IndexError struct{ Err error }

func (e *IndexError) Error() string { return fmt.Sprintf("index error: %v", e.Err) }
func (e *IndexError) Unwrap() error { return e.Err }

// DependencyDegraded is never returned to a caller; it marks an internal
// fail-open path (e.g. the quota counter store being unreachable) so callers
// can log and increment a degradation metric without failing the request.
type DependencyDegraded struct {
	Dependency string
	Err        error
}

func (e *DependencyDegraded) Error() string {
	return fmt.Sprintf("%s degraded: %v", e.Dependency, e.Err)
}
func (e *DependencyDegraded) Unwrap() error { return e.Err }

// StatusFor returns the HTTP status code associated with a known error type,
// or 500 for anything unrecognized.
func StatusFor(err error) int {
	switch err.(type) {
	case *ValidationError:
		return http.StatusBadRequest
	case *AuthError:
		return http.StatusUnauthorized
	case *ConstraintError, *AccessError:
		return http.StatusForbidden
	case *NotFoundError:
		return http.StatusNotFound
	case *QuotaExceededError:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Code returns the wire error code for a known error type, using the same
// kind names as the error design (spec §7). Handlers that return one of
// these typed errors should format it with httpserver.RespondAPIError rather
// than picking a code string by hand.
func Code(err error) string {
	switch err.(type) {
	case *ValidationError:
		return "validation_error"
	case *AuthError:
		return "auth_error"
	case *ConstraintError:
		return "constraint_error"
	case *AccessError:
		return "access_error"
	case *NotFoundError:
		return "not_found"
	case *QuotaExceededError:
		return "quota_exceeded"
	case *BusError:
		return "bus_error"
	case *StoreError:
		return "store_error"
	case *IndexError:
		return "index_error"
	default:
		return "internal_error"
	}
}
