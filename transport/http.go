package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultMaxBodySize bounds the response body read into memory.
	DefaultMaxBodySize = 32 << 20

	redacted = "<redacted>"
)

var (
	// ErrBodyTooLarge is returned when a response exceeds the configured limit.
	ErrBodyTooLarge = errors.New("response body exceeds size limit")
)

// HTTPClient interface is used to mock the http.Client
type HTTPClient interface {
	Do(*http.Request) (*http.Response, error)
}

// Option configures an HTTP transport.
type Option func(*HTTP)

// WithLogger sets the logger used for request tracing at debug level.
func WithLogger(l logrus.FieldLogger) Option {
	return func(h *HTTP) {
		h.logger = l
	}
}

// WithMaxBodySize sets the maximum response body size in bytes. Values
// below 1 keep the default.
func WithMaxBodySize(n int64) Option {
	return func(h *HTTP) {
		switch {
		case n <= 0:
		case n == math.MaxInt64:
			// one byte past the limit is read to detect oversized bodies
			h.maxBodySize = n - 1
		default:
			h.maxBodySize = n
		}
	}
}

// HTTP is a Transport backed by an HTTPClient.
type HTTP struct {
	client      HTTPClient
	logger      logrus.FieldLogger
	maxBodySize int64
}

// NewHTTP returns a Transport sending requests with client. A nil client
// uses http.DefaultClient.
func NewHTTP(client HTTPClient, opts ...Option) *HTTP {
	if client == nil {
		client = http.DefaultClient
	}
	h := &HTTP{
		client:      client,
		logger:      logrus.StandardLogger(),
		maxBodySize: DefaultMaxBodySize,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Send implements Transport.
func (h *HTTP) Send(ctx context.Context, req *Request) (*Response, error) {
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, NewError(req, err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	log := h.logger.WithFields(logrus.Fields{
		"method": req.Method,
		"url":    stripQuery(req.URL),
	})
	log.WithField("headers", RedactHeader(req.Header)).Debug("sending request")

	httpResp, err := h.client.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			err = urlErr.Err
		}
		log.WithError(err).Debug("request failed")
		return nil, NewError(req, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, h.maxBodySize+1))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, NewError(req, err)
	}
	if int64(len(respBody)) > h.maxBodySize {
		return nil, NewError(req, fmt.Errorf("%w (%d bytes)", ErrBodyTooLarge, h.maxBodySize))
	}

	log.WithFields(logrus.Fields{
		"status": httpResp.StatusCode,
		"bytes":  len(respBody),
	}).Debug("received response")

	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       respBody,
	}, nil
}

// RedactHeader returns a copy of header safe for logging.
func RedactHeader(header http.Header) http.Header {
	out := make(http.Header, len(header))
	for k, vs := range header {
		if isSensitiveHeader(k) {
			out[k] = []string{redacted}
			continue
		}
		out[k] = append([]string(nil), vs...)
	}
	return out
}

func isSensitiveHeader(name string) bool {
	switch http.CanonicalHeaderKey(name) {
	case HeaderVaultToken, "Authorization", "Cookie", "Proxy-Authorization":
		return true
	}
	return false
}
