package server

import "fmt"

// OAuth 2.0 error codes from RFC 6749.
// Note: These are intentionally duplicated from the root errors.go to avoid
// circular imports (root package imports server for the flow engine, server
// can't import root). Keep these in sync with errors.go.
const (
	ErrorCodeInvalidRequest          = "invalid_request"
	ErrorCodeInvalidClient           = "invalid_client"
	ErrorCodeInvalidGrant            = "invalid_grant"
	ErrorCodeInvalidScope            = "invalid_scope"
	ErrorCodeInvalidRedirectURI      = "invalid_redirect_uri"
	ErrorCodeUnauthorizedClient      = "unauthorized_client"
	ErrorCodeUnsupportedResponseType = "unsupported_response_type"
	ErrorCodeUnsupportedGrantType    = "unsupported_grant_type"
	ErrorCodeAccessDenied            = "access_denied"
	ErrorCodeServerError             = "server_error"
)

// FlowError is a flow rejection carrying its OAuth error code. The HTTP
// layer maps it to a JSON error body or a redirect error depending on
// the endpoint and on whether the redirect URI itself was validated.
type FlowError struct {
	Code        string
	Description string

	// NoRedirect marks rejections raised before the redirect URI was
	// validated. The HTTP layer must answer these directly and never
	// redirect them, or it becomes an open redirector.
	NoRedirect bool
}

func (e *FlowError) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

func flowErrorf(code, format string, args ...any) *FlowError {
	return &FlowError{Code: code, Description: fmt.Sprintf(format, args...)}
}
