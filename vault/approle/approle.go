// Package approle exchanges an AppRole role_id and secret_id for a vault
// access token.
//
// A login is a single round trip. The exchanger performs no retries and
// keeps no token; callers decide whether a failure is worth retrying with
// utils.IsRetriable.
package approle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/libopenstorage/vaultkv/transport"
	"github.com/libopenstorage/vaultkv/vault/utils"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultMountPath is the path the approle auth method is enabled at.
	DefaultMountPath = "approle"

	redacted = "<redacted>"
)

var (
	// ErrInvalidCredentials is returned when vault rejects the role_id and
	// secret_id pair (4xx). Not retriable.
	ErrInvalidCredentials = errors.New("approle credentials rejected")
	// ErrServerUnavailable is returned on transport failures and 5xx.
	ErrServerUnavailable = utils.ErrServerUnavailable
	// ErrMalformedResponse is returned when a 2xx login response can not be
	// decoded into a token.
	ErrMalformedResponse = errors.New("malformed approle login response")

	ErrInvalidRoleID    = errors.New("role_id cannot be empty")
	ErrInvalidSecretID  = errors.New("secret_id cannot be empty")
	ErrTransportNotSet  = errors.New("transport not set")
	ErrInvalidMountPath = errors.New("approle mount path is invalid")
)

// Credentials are the inputs of an approle login.
type Credentials struct {
	RoleID   string
	SecretID string
}

func (c Credentials) String() string {
	return fmt.Sprintf("{RoleID:%s SecretID:%s}", c.RoleID, redacted)
}

func (c Credentials) GoString() string {
	return fmt.Sprintf("approle.Credentials{RoleID:%q, SecretID:%q}", c.RoleID, redacted)
}

// AccessToken is a token issued by a login along with its lease.
type AccessToken struct {
	Token         string
	Accessor      string
	LeaseDuration time.Duration
	Renewable     bool
	Policies      []string
	// Address is the normalized origin the token was issued by. The token
	// must not be presented to any other address.
	Address string
}

func (t AccessToken) String() string {
	return fmt.Sprintf("{Token:%s Accessor:%s LeaseDuration:%s Renewable:%t Address:%s}",
		redacted, t.Accessor, t.LeaseDuration, t.Renewable, t.Address)
}

func (t AccessToken) GoString() string {
	return "approle.AccessToken" + t.String()
}

// LoginError describes a failed login. Kind is one of ErrInvalidCredentials,
// ErrServerUnavailable or ErrMalformedResponse and is matched by errors.Is.
type LoginError struct {
	Kind       error
	StatusCode int
	// Errors holds the messages of a vault error body, if any.
	Errors []string
	Err    error
}

func (e *LoginError) Error() string {
	msg := "approle login: " + e.Kind.Error()
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

func (e *LoginError) Is(target error) bool {
	return target == e.Kind
}

func (e *LoginError) Unwrap() error {
	return e.Err
}

// Config configures an Exchanger.
type Config struct {
	// Address is the vault origin, e.g. https://vault:8200.
	Address   string
	Transport transport.Transport
	// MountPath is where the approle auth method is enabled. Defaults to
	// DefaultMountPath.
	MountPath string
	Namespace string
	Logger    logrus.FieldLogger
}

// Exchanger performs approle logins against a single vault address.
type Exchanger struct {
	address   string
	loginURL  string
	namespace string
	transport transport.Transport
	logger    logrus.FieldLogger
}

// New validates config and returns an Exchanger.
func New(config Config) (*Exchanger, error) {
	address, err := utils.NormalizeAddr(config.Address)
	if err != nil {
		return nil, err
	}
	if config.Transport == nil {
		return nil, ErrTransportNotSet
	}
	mount := config.MountPath
	if mount == "" {
		mount = DefaultMountPath
	}
	escapedMount, ok := utils.EscapePath(mount)
	if !ok {
		return nil, ErrInvalidMountPath
	}
	logger := config.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Exchanger{
		address:   address,
		loginURL:  utils.APIURL(address, "auth/"+escapedMount+"/login", nil),
		namespace: config.Namespace,
		transport: config.Transport,
		logger:    logger.WithField("address", address),
	}, nil
}

// Address returns the normalized address logins are sent to.
func (e *Exchanger) Address() string {
	return e.address
}

type loginRequest struct {
	RoleID   string `json:"role_id"`
	SecretID string `json:"secret_id"`
}

type loginResponse struct {
	Auth *struct {
		ClientToken   *string  `json:"client_token"`
		Accessor      string   `json:"accessor"`
		Policies      []string `json:"policies"`
		LeaseDuration *int64   `json:"lease_duration"`
		Renewable     bool     `json:"renewable"`
	} `json:"auth"`
}

// Login exchanges creds for an access token.
func (e *Exchanger) Login(ctx context.Context, creds Credentials) (*AccessToken, error) {
	if creds.RoleID == "" {
		return nil, ErrInvalidRoleID
	}
	if creds.SecretID == "" {
		return nil, ErrInvalidSecretID
	}

	body, err := json.Marshal(loginRequest{
		RoleID:   creds.RoleID,
		SecretID: creds.SecretID,
	})
	if err != nil {
		return nil, err
	}

	header := utils.Header(e.namespace)
	header.Set("Content-Type", "application/json")

	resp, err := e.transport.Send(ctx, &transport.Request{
		Method: http.MethodPost,
		URL:    e.loginURL,
		Header: header,
		Body:   body,
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &LoginError{Kind: ErrServerUnavailable, Err: err}
	}

	log := e.logger.WithFields(logrus.Fields{
		"role_id": creds.RoleID,
		"status":  resp.StatusCode,
	})

	switch {
	case utils.IsSuccess(resp.StatusCode):
	case utils.IsServerError(resp.StatusCode):
		log.Warn("approle login failed, server unavailable")
		return nil, &LoginError{
			Kind:       ErrServerUnavailable,
			StatusCode: resp.StatusCode,
			Errors:     utils.DecodeErrors(resp.Body),
		}
	default:
		log.Warn("approle login rejected")
		return nil, &LoginError{
			Kind:       ErrInvalidCredentials,
			StatusCode: resp.StatusCode,
			Errors:     utils.DecodeErrors(resp.Body),
		}
	}

	token, err := e.decodeLogin(resp.Body)
	if err != nil {
		log.WithError(err).Error("approle login returned an unusable body")
		return nil, &LoginError{
			Kind:       ErrMalformedResponse,
			StatusCode: resp.StatusCode,
			Err:        err,
		}
	}

	log.WithFields(logrus.Fields{
		"accessor":       token.Accessor,
		"lease_duration": token.LeaseDuration,
		"renewable":      token.Renewable,
	}).Info("approle login succeeded")
	return token, nil
}

func (e *Exchanger) decodeLogin(body []byte) (*AccessToken, error) {
	var lr loginResponse
	if err := json.Unmarshal(body, &lr); err != nil {
		// json errors may quote the body, keep only the error class.
		return nil, fmt.Errorf("invalid json body (%d bytes)", len(body))
	}
	switch {
	case lr.Auth == nil:
		return nil, errors.New("auth object missing")
	case lr.Auth.ClientToken == nil || *lr.Auth.ClientToken == "":
		return nil, errors.New("auth.client_token missing")
	case lr.Auth.LeaseDuration == nil:
		return nil, errors.New("auth.lease_duration missing")
	case *lr.Auth.LeaseDuration < 0:
		return nil, errors.New("auth.lease_duration is negative")
	}
	return &AccessToken{
		Token:         *lr.Auth.ClientToken,
		Accessor:      lr.Auth.Accessor,
		LeaseDuration: time.Duration(*lr.Auth.LeaseDuration) * time.Second,
		Renewable:     lr.Auth.Renewable,
		Policies:      lr.Auth.Policies,
		Address:       e.address,
	}, nil
}
