package relay

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for the relay domain.
var (
	ErrUnauthorized     = errors.New("unauthorized")
	ErrForbidden        = errors.New("forbidden")
	ErrNotFound         = errors.New("not found")
	ErrMethodNotAllowed = errors.New("method not allowed")
	ErrBadRequest       = errors.New("bad request")
	ErrUnsupported      = errors.New("unsupported operation")
	ErrProviderNotFound = errors.New("provider not found")
	ErrNoCredentials    = errors.New("no active credentials")
	ErrParseFailure     = errors.New("parse failure")
	ErrBadUpstream      = errors.New("bad upstream response")
	ErrInvalidConfig    = errors.New("invalid credential config")
	ErrProxyMismatch    = errors.New("proxy mismatch")
)

// PassthroughError carries an upstream non-2xx reply. It is forwarded to the
// downstream client verbatim, after response translation when the call was
// transformed.
type PassthroughError struct {
	Status int
	Header http.Header
	Body   []byte
}

func (e *PassthroughError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.Status, previewBody(e.Body))
}

// previewBody trims a body for error strings and logs.
func previewBody(b []byte) string {
	const max = 200
	if len(b) <= max {
		return string(b)
	}
	return string(b[:max]) + "..."
}
