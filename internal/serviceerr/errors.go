package serviceerr

import (
	"errors"
	"net/http"
)

type Code string

const (
	CodeUnknown                  Code = "unknown"
	CodeInvalidRequest           Code = "invalid_request"
	CodeNotFound                 Code = "not_found"
	CodeConflict                 Code = "conflict"
	CodeUnauthorized             Code = "unauthorized"
	CodeInvalidCSRFToken         Code = "invalid_csrf_token"
	CodeStorageFailure           Code = "storage_failure"
	CodeMissingParameters        Code = "missing_parameters"
	CodeStateMismatch            Code = "state_mismatch"
	CodeInvalidAuthorizationCode Code = "invalid_authorization_code"
	CodeInvalidProfile           Code = "invalid_profile"
)

// Error is a classified failure. The Code decides how it surfaces at the
// transport boundary, the Description is safe to show to a client.
type Error struct {
	Err         Code
	Description string
}

func (e *Error) Error() string {
	if e.Description == "" {
		return string(e.Err)
	}

	return string(e.Err) + ": " + e.Description
}

func (e *Error) HTTPStatus() int {
	switch e.Err {
	case CodeInvalidRequest, CodeMissingParameters, CodeStateMismatch,
		CodeInvalidAuthorizationCode, CodeInvalidProfile:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeInvalidCSRFToken:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeStorageFailure, CodeUnknown:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// IsHandshake reports whether the code belongs to a rejected login handshake.
func (e *Error) IsHandshake() bool {
	switch e.Err {
	case CodeMissingParameters, CodeStateMismatch, CodeInvalidAuthorizationCode, CodeInvalidProfile:
		return true
	default:
		return false
	}
}

var (
	ErrUnknown          = &Error{Err: CodeUnknown, Description: "unknown error"}
	ErrInvalidRequest   = &Error{Err: CodeInvalidRequest}
	ErrNotFound         = &Error{Err: CodeNotFound, Description: "not found"}
	ErrConflict         = &Error{Err: CodeConflict, Description: "already exists"}
	ErrUnauthorized     = &Error{Err: CodeUnauthorized, Description: "authentication required"}
	ErrInvalidCSRFToken = &Error{Err: CodeInvalidCSRFToken, Description: "invalid CSRF token"}

	ErrStorageFailure = &Error{Err: CodeStorageFailure, Description: "backing store unavailable"}

	ErrMissingParameters        = &Error{Err: CodeMissingParameters, Description: "code, state or handshake cookies are missing"}
	ErrStateMismatch            = &Error{Err: CodeStateMismatch, Description: "state does not match"}
	ErrInvalidAuthorizationCode = &Error{Err: CodeInvalidAuthorizationCode, Description: "authorization code rejected by the identity provider"}
	ErrInvalidProfile           = &Error{Err: CodeInvalidProfile, Description: "identity provider profile is incomplete"}
)

// Storage classifies err as a storage failure while keeping the cause in the chain.
// Nil stays nil.
func Storage(err error) error {
	if err == nil {
		return nil
	}

	return errors.Join(ErrStorageFailure, err)
}

// From returns the first classified error in the chain, or ErrUnknown.
func From(err error) *Error {
	var serviceErr *Error
	if errors.As(err, &serviceErr) {
		return serviceErr
	}

	return ErrUnknown
}
