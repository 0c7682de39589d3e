package utils

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/libopenstorage/vaultkv/transport"
)

// ErrorResponse is the body vault returns with non-2xx statuses.
type ErrorResponse struct {
	Errors []string `json:"errors"`
}

// DecodeErrors extracts the "errors" array of a vault error body. Bodies that
// are not vault errors yield nil.
func DecodeErrors(body []byte) []string {
	if len(body) == 0 {
		return nil
	}
	errResp := new(ErrorResponse)
	if err := json.Unmarshal(body, errResp); err != nil {
		return nil
	}
	return errResp.Errors
}

// IsSuccess reports a 2xx status.
func IsSuccess(status int) bool {
	return status >= 200 && status <= 299
}

// IsServerError reports a status in the retriable class. Anything that is
// neither 2xx nor 4xx is treated as a server side failure, as are rate
// limiting (429) and vault's consistency precondition failure (412).
func IsServerError(status int) bool {
	switch {
	case IsSuccess(status):
		return false
	case status == http.StatusTooManyRequests || status == http.StatusPreconditionFailed:
		return true
	}
	return status < 400 || status > 499
}

// APIURL joins address and the already escaped API path under /v1/.
func APIURL(address, escapedPath string, query url.Values) string {
	u := strings.TrimRight(address, "/") + APIVersionPrefix + strings.TrimLeft(escapedPath, "/")
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

// EscapePath splits p on "/" and path escapes every segment. Empty, "." and
// ".." segments are rejected since they cannot round-trip.
func EscapePath(p string) (string, bool) {
	p = strings.Trim(p, "/")
	if p == "" {
		return "", false
	}
	segments := strings.Split(p, "/")
	for i, s := range segments {
		if s == "" || s == "." || s == ".." {
			return "", false
		}
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/"), true
}

// Header returns the headers common to every vault request.
func Header(namespace string) http.Header {
	h := http.Header{}
	h.Set(transport.HeaderVaultRequest, "true")
	if namespace != "" {
		h.Set(transport.HeaderVaultNamespace, namespace)
	}
	return h
}
