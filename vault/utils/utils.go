package utils

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/hashicorp/vault/api"
	"github.com/libopenstorage/vaultkv/transport"
	"github.com/sirupsen/logrus"
)

const (
	// APIVersionPrefix is the path prefix of every vault HTTP API call.
	APIVersionPrefix = "/v1/"
)

var (
	ErrVaultAddressNotSet  = errors.New("VAULT_ADDR not set.")
	ErrInvalidSkipVerify   = errors.New("VAULT_SKIP_VERIFY is invalid")
	ErrInvalidVaultAddress = errors.New("VAULT_ADDR is invalid. " +
		"Should be of the form http(s)://<host>[:<port>]")
	// ErrServerUnavailable is the retriable failure class: the request
	// could not be completed or the server answered with a 5xx.
	ErrServerUnavailable = errors.New("vault server unavailable")
)

// GetVaultParam returns the named parameter from secretConfig, falling back
// to the environment when it is absent.
func GetVaultParam(secretConfig map[string]interface{}, name string) string {
	if v, exists := secretConfig[name]; exists {
		switch val := v.(type) {
		case string:
			return val
		case nil:
			return ""
		default:
			return fmt.Sprint(val)
		}
	}
	return os.Getenv(name)
}

// NormalizeAddr validates that address is an http(s) origin and returns it
// in the form scheme://host[:port] with a lower cased scheme and host.
func NormalizeAddr(address string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(address))
	if err != nil {
		return "", ErrInvalidVaultAddress
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", ErrInvalidVaultAddress
	}
	if u.Host == "" || u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", ErrInvalidVaultAddress
	}
	if u.Path != "" && u.Path != "/" {
		return "", ErrInvalidVaultAddress
	}
	return scheme + "://" + strings.ToLower(u.Host), nil
}

// IsValidAddr returns an error if address is not an http(s) origin.
func IsValidAddr(address string) error {
	_, err := NormalizeAddr(address)
	return err
}

// ConfigureTLS applies the TLS related parameters of secretConfig to config.
func ConfigureTLS(config *api.Config, secretConfig map[string]interface{}) error {
	tlsConfig := api.TLSConfig{}
	skipVerify := GetVaultParam(secretConfig, api.EnvVaultInsecure)
	if skipVerify != "" {
		insecure, err := strconv.ParseBool(skipVerify)
		if err != nil {
			return ErrInvalidSkipVerify
		}
		tlsConfig.Insecure = insecure
	}

	tlsConfig.CACert = GetVaultParam(secretConfig, api.EnvVaultCACert)
	tlsConfig.CAPath = GetVaultParam(secretConfig, api.EnvVaultCAPath)
	tlsConfig.ClientCert = GetVaultParam(secretConfig, api.EnvVaultClientCert)
	tlsConfig.ClientKey = GetVaultParam(secretConfig, api.EnvVaultClientKey)
	tlsConfig.TLSServerName = GetVaultParam(secretConfig, api.EnvVaultTLSServerName)

	return config.ConfigureTLS(&tlsConfig)
}

// NewTransport builds an HTTP transport using the vault client defaults
// (pooled connections, timeouts, proxy from environment) and the TLS
// parameters of secretConfig.
func NewTransport(
	secretConfig map[string]interface{},
	logger logrus.FieldLogger,
) (transport.Transport, error) {
	// DefaultConfig uses the environment variables if present.
	config := api.DefaultConfig()
	if len(secretConfig) == 0 && config.Error != nil {
		return nil, config.Error
	}
	if err := ConfigureTLS(config, secretConfig); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return transport.NewHTTP(config.HttpClient, transport.WithLogger(logger)), nil
}

// IsRetriable reports whether err belongs to the failure class a caller may
// retry with backoff.
func IsRetriable(err error) bool {
	return errors.Is(err, ErrServerUnavailable)
}
