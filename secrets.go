package secrets

import (
	"context"
	"errors"
)

var (
	// ErrNotSupported returned when implementation of specific function is not supported
	ErrNotSupported = errors.New("implementation not supported")
	// ErrNotAuthenticated returned when not authenticated with secrets endpoint
	ErrNotAuthenticated = errors.New("Not authenticated with the secrets endpoint")
	// ErrInvalidSecretId returned when no secret data is found associated with the id
	ErrInvalidSecretId = errors.New("No Secret Data found for Secret Id")
	// ErrEmptySecretId returned when the secret id is empty
	ErrEmptySecretId = errors.New("Secret Id cannot be empty")
)

const (
	// TypeVault is the name of the vault KV2 backend
	TypeVault = "vault"
)

const (
	// KeyVersion is the keyContext key used to request a specific
	// version of a secret. The value is a decimal integer >= 1.
	KeyVersion = "version"
)

// Version is the version of a secret as reported by the backend.
type Version string

// NoVersion is returned by backends that do not version their secrets.
const NoVersion Version = ""

// Secrets interface implemented by backend secret stores.
type Secrets interface {
	// String representation of the backend
	String() string

	// GetSecret returns the secret data associated with the
	// supplied secretId along with the version that was read.
	// keyContext may carry KeyVersion to read a specific version.
	GetSecret(
		secretId string,
		keyContext map[string]string,
	) (map[string]interface{}, Version, error)
}

// SecretKey identifies a secret by a backend specific prefix (e.g. a
// mount point) and a name within that prefix.
type SecretKey struct {
	Prefix string
	Name   string
}

// SecretReader is the context aware read interface of a backend.
type SecretReader interface {
	String() string
	Get(ctx context.Context, key SecretKey) (secret map[string]interface{}, err error)
}

// BackendInit creates a new backend from the supplied configuration.
type BackendInit func(
	secretConfig map[string]interface{},
) (Secrets, error)
