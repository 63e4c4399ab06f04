package dispatch

import (
	"errors"
	"fmt"
)

// Configuration errors: the client was driven outside its lifecycle or is
// missing something it needs before the wire is ever touched.
var (
	ErrSessionNotStarted = errors.New("session not started, open the client before sending")
	ErrSessionClosed     = errors.New("session already closed")
	ErrNoSigner          = errors.New("builder requires request signing but no signer is configured")
	ErrNoBuilders        = errors.New("no builders configured")
)

// ErrInvalidResponse is returned when a builder replies 200 with a body
// that carries neither a result nor an error member.
var ErrInvalidResponse = errors.New("invalid builder response, no result or error member")

// RequestError is a failed builder request: either a non-200 HTTP status or
// a JSON-RPC error object in a 200 reply. Status is the HTTP status code,
// Code the JSON-RPC error code (zero when the failure was transport level).
type RequestError struct {
	Status  int
	Code    int
	Message string
	URL     string
	Method  string
	Params  []any
}

func (e *RequestError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("builder request failed with status %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("builder request failed with code %d: %s", e.Code, e.Message)
}

func newHTTPRequestError(status int, url, method string, params []any) *RequestError {
	return &RequestError{
		Status:  status,
		Message: fmt.Sprintf("invalid builder request for url %s of form (method=%s, params=%v)", url, method, params),
		URL:     url,
		Method:  method,
		Params:  params,
	}
}

func newRPCRequestError(code int, message, url, method string, params []any) *RequestError {
	return &RequestError{
		Code:    code,
		Message: fmt.Sprintf("%s for builder %s", message, url),
		URL:     url,
		Method:  method,
		Params:  params,
	}
}
