package server

import "net/http"

// OAuthError is the structured error returned from every grant handler.
// It maps directly onto the RFC 6749 error response body.
type OAuthError struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
	Status      int    `json:"-"`
}

func (e *OAuthError) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return e.Code + ": " + e.Description
}

// Error taxonomy. Password-grant failures deliberately share one description
// so that "no such user" and "wrong password" are indistinguishable.
var (
	ErrInvalidRequest = &OAuthError{Code: "invalid_request", Description: "missing or malformed parameter", Status: http.StatusBadRequest}
	ErrInvalidClient  = &OAuthError{Code: "invalid_client", Description: "client authentication failed", Status: http.StatusUnauthorized}
	ErrInvalidGrant   = &OAuthError{Code: "invalid_grant", Description: "invalid credentials", Status: http.StatusBadRequest}

	// Same code as ErrInvalidGrant, distinct description.
	ErrAccountDisabled = &OAuthError{Code: "invalid_grant", Description: "account disabled", Status: http.StatusBadRequest}

	ErrUnsupportedGrantType = &OAuthError{Code: "unsupported_grant_type", Description: "grant type not supported", Status: http.StatusBadRequest}
	ErrUnauthorizedClient   = &OAuthError{Code: "unauthorized_client", Description: "grant type not allowed for this client", Status: http.StatusBadRequest}
	ErrInvalidScope         = &OAuthError{Code: "invalid_scope", Description: "requested scope is not known", Status: http.StatusBadRequest}
	ErrServiceUnavailable   = &OAuthError{Code: "temporarily_unavailable", Description: "directory lookup timed out", Status: http.StatusServiceUnavailable}
	ErrServerError          = &OAuthError{Code: "server_error", Description: "internal error", Status: http.StatusInternalServerError}
)

func invalidGrant(desc string) *OAuthError {
	return &OAuthError{Code: "invalid_grant", Description: desc, Status: http.StatusBadRequest}
}
