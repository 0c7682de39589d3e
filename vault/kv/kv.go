// Package kv reads versioned secrets from a vault KV version 2 mount.
//
// A Reader is bound to one address and one access token. It keeps no state
// between reads, so a token may be reused for as many reads as its lease
// allows.
package kv

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/libopenstorage/vaultkv/transport"
	"github.com/libopenstorage/vaultkv/vault/approle"
	"github.com/libopenstorage/vaultkv/vault/utils"
	"github.com/sirupsen/logrus"
)

const (
	// dataSegment sits between the mount and the secret path of a KV2 read.
	dataSegment = "data"
)

var (
	// ErrUnauthorized is returned on 401 and 403. The caller has to log in
	// again; retrying with the same token will not help.
	ErrUnauthorized = errors.New("token rejected")
	// ErrNotFound is returned when the path or version does not exist.
	ErrNotFound = errors.New("secret not found")
	// ErrServerUnavailable is returned on transport failures and 5xx.
	ErrServerUnavailable = utils.ErrServerUnavailable
	// ErrShapeMismatch is returned when the response, or the payload decoded
	// into a caller shape, does not have the required fields and types.
	ErrShapeMismatch = errors.New("secret shape mismatch")

	ErrEmptyToken        = errors.New("access token cannot be empty")
	ErrTokenScope        = errors.New("access token was issued by a different address")
	ErrInvalidVersion    = errors.New("secret version must be >= 1")
	ErrInvalidSecretPath = errors.New("secret mount and path must be non-empty and contain no empty, '.' or '..' segments")
	ErrTransportNotSet   = errors.New("transport not set")
)

// SecretPath locates a secret: the KV2 mount and the path within it.
type SecretPath struct {
	Mount string
	Path  string
}

func (p SecretPath) String() string {
	return strings.Trim(p.Mount, "/") + "/" + strings.Trim(p.Path, "/")
}

// apiPath returns the escaped mount/data/path used for reads.
func (p SecretPath) apiPath() (string, error) {
	mount, ok := utils.EscapePath(p.Mount)
	if !ok {
		return "", ErrInvalidSecretPath
	}
	path, ok := utils.EscapePath(p.Path)
	if !ok {
		return "", ErrInvalidSecretPath
	}
	return mount + "/" + dataSegment + "/" + path, nil
}

// ReadError describes a failed read. Kind is one of ErrUnauthorized,
// ErrNotFound, ErrServerUnavailable or ErrShapeMismatch and is matched by
// errors.Is.
type ReadError struct {
	Kind       error
	Path       string
	StatusCode int
	// Errors holds the messages of a vault error body, if any.
	Errors []string
	Err    error
}

func (e *ReadError) Error() string {
	msg := fmt.Sprintf("read %s: %s", e.Path, e.Kind.Error())
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if len(e.Errors) > 0 {
		msg += ": " + strings.Join(e.Errors, "; ")
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ReadError) Is(target error) bool {
	return target == e.Kind
}

func (e *ReadError) Unwrap() error {
	return e.Err
}

// ReadOption modifies a single read.
type ReadOption func(*readOptions)

type readOptions struct {
	version    int
	versionSet bool
}

// WithVersion reads version v instead of the current version. v must be >= 1.
func WithVersion(v int) ReadOption {
	return func(o *readOptions) {
		o.version = v
		o.versionSet = true
	}
}

// Config configures a Reader.
type Config struct {
	Address   string
	Transport transport.Transport
	Namespace string
	Logger    logrus.FieldLogger
}

// Reader performs authenticated KV2 reads.
type Reader struct {
	address   string
	namespace string
	token     string
	transport transport.Transport
	logger    logrus.FieldLogger
}

// NewReader returns a Reader presenting token to config.Address. The token
// must have been issued by the same address.
func NewReader(config Config, token *approle.AccessToken) (*Reader, error) {
	address, err := utils.NormalizeAddr(config.Address)
	if err != nil {
		return nil, err
	}
	if config.Transport == nil {
		return nil, ErrTransportNotSet
	}
	if token == nil || token.Token == "" {
		return nil, ErrEmptyToken
	}
	if token.Address != address {
		return nil, ErrTokenScope
	}
	logger := config.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Reader{
		address:   address,
		namespace: config.Namespace,
		token:     token.Token,
		transport: config.Transport,
		logger:    logger.WithField("address", address),
	}, nil
}

// Read fetches the secret at path.
func (r *Reader) Read(ctx context.Context, path SecretPath, opts ...ReadOption) (*Secret, error) {
	var o readOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.versionSet && o.version < 1 {
		return nil, ErrInvalidVersion
	}
	apiPath, err := path.apiPath()
	if err != nil {
		return nil, err
	}

	var query url.Values
	if o.versionSet {
		query = url.Values{"version": []string{strconv.Itoa(o.version)}}
	}
	header := utils.Header(r.namespace)
	header.Set(transport.HeaderVaultToken, r.token)

	log := r.logger.WithField("path", path.String())
	if o.versionSet {
		log = log.WithField("version", o.version)
	}

	resp, err := r.transport.Send(ctx, &transport.Request{
		Method: http.MethodGet,
		URL:    utils.APIURL(r.address, apiPath, query),
		Header: header,
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &ReadError{Kind: ErrServerUnavailable, Path: path.String(), Err: err}
	}

	log = log.WithField("status", resp.StatusCode)
	if !utils.IsSuccess(resp.StatusCode) {
		rerr := &ReadError{
			Kind:       classify(resp.StatusCode),
			Path:       path.String(),
			StatusCode: resp.StatusCode,
			Errors:     utils.DecodeErrors(resp.Body),
		}
		log.WithError(rerr).Warn("secret read failed")
		return nil, rerr
	}

	secret, err := decodeSecret(resp.Body)
	if err != nil {
		kind := ErrShapeMismatch
		if errors.Is(err, errDeleted) {
			kind = ErrNotFound
		}
		log.WithError(err).Warn("secret read returned an unusable body")
		return nil, &ReadError{
			Kind:       kind,
			Path:       path.String(),
			StatusCode: resp.StatusCode,
			Err:        err,
		}
	}

	log.WithField("secret_version", secret.Metadata.Version).Debug("secret read")
	return secret, nil
}

// ReadInto reads the secret at path and decodes its payload into target,
// which must be a non-nil pointer to a struct or a map. Non pointer fields
// without omitempty are required.
func (r *Reader) ReadInto(
	ctx context.Context,
	path SecretPath,
	target interface{},
	opts ...ReadOption,
) (*Metadata, error) {
	secret, err := r.Read(ctx, path, opts...)
	if err != nil {
		return nil, err
	}
	if err := secret.Decode(target); err != nil {
		return nil, &ReadError{Kind: ErrShapeMismatch, Path: path.String(), Err: err}
	}
	meta := secret.Metadata
	return &meta, nil
}

func classify(status int) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrUnauthorized
	case status == http.StatusNotFound:
		return ErrNotFound
	case utils.IsServerError(status):
		return ErrServerUnavailable
	default:
		// Other 4xx mean the request itself is not acceptable, the data
		// it asked for is not obtainable as requested.
		return ErrNotFound
	}
}
