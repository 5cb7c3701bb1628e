// Package errors provides structured error handling for the client runtime.
package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Session errors
	CodeUnauthenticated Code = "UNAUTHENTICATED"
	CodeSessionExpired  Code = "SESSION_EXPIRED"

	// Transport errors
	CodeRequestFailed Code = "REQUEST_FAILED"
	CodeRateLimited   Code = "RATE_LIMITED"

	// Relationship errors
	CodeMutationPending Code = "MUTATION_PENDING"
	CodeEntityIDEmpty   Code = "ENTITY_ID_EMPTY"

	// Presence errors
	CodeNotStreamOwner Code = "NOT_STREAM_OWNER"
	CodeStreamUnknown  Code = "STREAM_UNKNOWN"

	// Storage errors
	CodeNotFound Code = "NOT_FOUND"
)

// FromHTTPStatus maps a platform API response status to a domain code.
func FromHTTPStatus(status int) Code {
	switch {
	case status == http.StatusUnauthorized:
		return CodeUnauthenticated
	case status == http.StatusForbidden:
		return CodeNotStreamOwner
	case status == http.StatusNotFound:
		return CodeNotFound
	case status == http.StatusTooManyRequests:
		return CodeRateLimited
	case status >= 400:
		return CodeRequestFailed
	default:
		return CodeUnknown
	}
}

// Silent reports whether the code marks an outcome callers absorb without
// surfacing: a rejected concurrent toggle or a lifecycle call by a non-owner.
func (c Code) Silent() bool {
	return c == CodeMutationPending || c == CodeNotStreamOwner
}
