// Package transport defines the request/response boundary used by the vault
// clients. Implementations send a single request and return the raw status
// and body; interpreting the status is left to the caller.
package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

const (
	// HeaderVaultToken carries the access token on authenticated requests.
	HeaderVaultToken = "X-Vault-Token"
	// HeaderVaultNamespace selects the vault namespace of a request.
	HeaderVaultNamespace = "X-Vault-Namespace"
	// HeaderVaultRequest is set on every request, vault uses it as a CSRF guard.
	HeaderVaultRequest = "X-Vault-Request"
)

// Request is a single HTTP exchange to be performed by a Transport.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Response is the status and the fully read body of a completed exchange.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Transport sends a request and returns the response. A non-nil error means
// no response was received; non-2xx statuses are not errors.
//
//go:generate mockgen -destination=mock/transport.go -package=mock github.com/libopenstorage/vaultkv/transport Transport
type Transport interface {
	Send(ctx context.Context, req *Request) (*Response, error)
}

// Error is returned by transports when the request could not be completed.
type Error struct {
	Method string
	URL    string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds an Error for req. The query string is dropped from the URL.
func NewError(req *Request, err error) *Error {
	return &Error{
		Method: req.Method,
		URL:    stripQuery(req.URL),
		Err:    err,
	}
}

func stripQuery(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	u.RawQuery = ""
	u.User = nil
	return u.String()
}
