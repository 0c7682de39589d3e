package vault

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"

	"github.com/hashicorp/vault/api"
	"github.com/hengadev/errsx"
	secrets "github.com/libopenstorage/vaultkv"
	"github.com/libopenstorage/vaultkv/transport"
	"github.com/libopenstorage/vaultkv/vault/approle"
	"github.com/libopenstorage/vaultkv/vault/kv"
	"github.com/libopenstorage/vaultkv/vault/utils"
	"github.com/sirupsen/logrus"
)

const (
	Name = secrets.TypeVault

	// VaultRoleIDKey is the approle role_id.
	VaultRoleIDKey = "VAULT_ROLE_ID"
	// VaultSecretIDKey is the approle secret_id.
	VaultSecretIDKey = "VAULT_SECRET_ID"
	// VaultAppRoleMountKey is the path the approle auth method is enabled at.
	VaultAppRoleMountKey = "VAULT_APPROLE_MOUNT"
	// VaultBackendPathKey is the KV2 mount secrets are read from.
	VaultBackendPathKey = "VAULT_BACKEND_PATH"
	// VaultAddressKey and VaultNamespaceKey mirror the vault CLI variables.
	VaultAddressKey   = api.EnvVaultAddress
	VaultNamespaceKey = api.EnvVaultNamespace

	// DefaultBackendPath is the mount of the KV2 engine of a dev server.
	DefaultBackendPath = "secret/"
)

var (
	ErrInvalidVersion = errors.New("keyContext version must be an integer >= 1")
)

// These variables are helpful in testing to stub method call from packages
var (
	newTransport = utils.NewTransport
)

// Option configures the backend beyond secretConfig.
type Option func(*Backend)

// WithLogger sets the logger of the backend and of its clients.
func WithLogger(l logrus.FieldLogger) Option {
	return func(v *Backend) {
		v.logger = l
	}
}

// WithTransport replaces the HTTP transport built from secretConfig.
func WithTransport(t transport.Transport) Option {
	return func(v *Backend) {
		v.transport = t
	}
}

// Backend is a read only secrets backend over a KV2 mount, authenticated
// with approle.
type Backend struct {
	mu      sync.RWMutex
	token   *approle.AccessToken
	loginMu sync.Mutex

	address     string
	namespace   string
	backendPath string
	creds       approle.Credentials
	exchanger   *approle.Exchanger
	transport   transport.Transport
	logger      logrus.FieldLogger
}

// New logs in with the approle credentials of secretConfig and returns a
// read only KV2 backend. Parameters missing from secretConfig are read from
// the environment.
func New(
	secretConfig map[string]interface{},
) (secrets.Secrets, error) {
	b, err := NewWithOptions(context.Background(), secretConfig)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// NewWithOptions is New with a context for the initial login and options.
func NewWithOptions(
	ctx context.Context,
	secretConfig map[string]interface{},
	opts ...Option,
) (*Backend, error) {
	v := &Backend{
		logger: logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(v)
	}

	var errs errsx.Map
	address := utils.GetVaultParam(secretConfig, VaultAddressKey)
	if address == "" {
		errs.Set(VaultAddressKey, utils.ErrVaultAddressNotSet)
	} else if normalized, err := utils.NormalizeAddr(address); err != nil {
		errs.Set(VaultAddressKey, err)
	} else {
		v.address = normalized
	}
	v.creds = approle.Credentials{
		RoleID:   utils.GetVaultParam(secretConfig, VaultRoleIDKey),
		SecretID: utils.GetVaultParam(secretConfig, VaultSecretIDKey),
	}
	if v.creds.RoleID == "" {
		errs.Set(VaultRoleIDKey, approle.ErrInvalidRoleID)
	}
	if v.creds.SecretID == "" {
		errs.Set(VaultSecretIDKey, approle.ErrInvalidSecretID)
	}
	v.backendPath = utils.GetVaultParam(secretConfig, VaultBackendPathKey)
	if v.backendPath == "" {
		v.backendPath = DefaultBackendPath
	}
	if _, ok := utils.EscapePath(v.backendPath); !ok {
		errs.Set(VaultBackendPathKey, kv.ErrInvalidSecretPath)
	}
	if err := errs.AsError(); err != nil {
		return nil, err
	}

	v.namespace = utils.GetVaultParam(secretConfig, VaultNamespaceKey)
	v.logger = v.logger.WithFields(logrus.Fields{
		"backend": Name,
		"address": v.address,
	})

	if v.transport == nil {
		tr, err := newTransport(secretConfig, v.logger)
		if err != nil {
			return nil, err
		}
		v.transport = tr
	}

	exchanger, err := approle.New(approle.Config{
		Address:   v.address,
		Transport: v.transport,
		MountPath: utils.GetVaultParam(secretConfig, VaultAppRoleMountKey),
		Namespace: v.namespace,
		Logger:    v.logger,
	})
	if err != nil {
		return nil, err
	}
	v.exchanger = exchanger

	if _, err := v.login(ctx); err != nil {
		return nil, err
	}
	return v, nil
}

func (v *Backend) String() string {
	return Name
}

// GetSecret reads secretId from the configured backend path. keyContext may
// hold secrets.KeyVersion.
func (v *Backend) GetSecret(
	secretId string,
	keyContext map[string]string,
) (map[string]interface{}, secrets.Version, error) {
	var opts []kv.ReadOption
	if raw, ok := keyContext[secrets.KeyVersion]; ok {
		version, err := strconv.Atoi(raw)
		if err != nil || version < 1 {
			return nil, secrets.NoVersion, ErrInvalidVersion
		}
		opts = append(opts, kv.WithVersion(version))
	}

	secret, err := v.read(context.Background(), kv.SecretPath{Mount: v.backendPath, Path: secretId}, opts...)
	if err != nil {
		return nil, secrets.NoVersion, err
	}
	return secret.Data, secrets.Version(strconv.Itoa(secret.Metadata.Version)), nil
}

// Get implements secrets.SecretReader. key.Prefix overrides the backend path.
func (v *Backend) Get(ctx context.Context, key secrets.SecretKey) (map[string]interface{}, error) {
	mount := key.Prefix
	if mount == "" {
		mount = v.backendPath
	}
	secret, err := v.read(ctx, kv.SecretPath{Mount: mount, Path: key.Name})
	if err != nil {
		return nil, err
	}
	return secret.Data, nil
}

// read performs the read with the current token. A rejected token leads to
// one new login and one more read.
func (v *Backend) read(
	ctx context.Context,
	path kv.SecretPath,
	opts ...kv.ReadOption,
) (*kv.Secret, error) {
	if strings.Trim(path.Path, "/") == "" {
		return nil, secrets.ErrEmptySecretId
	}

	v.mu.RLock()
	token := v.token
	v.mu.RUnlock()

	secret, err := v.readWith(ctx, token, path, opts...)
	if errors.Is(err, kv.ErrUnauthorized) {
		v.logger.WithField("path", path.String()).Info("token rejected, logging in again")
		token, err = v.relogin(ctx, token)
		if err != nil {
			return nil, err
		}
		secret, err = v.readWith(ctx, token, path, opts...)
	}
	if errors.Is(err, kv.ErrNotFound) {
		return nil, secrets.ErrInvalidSecretId
	}
	return secret, err
}

func (v *Backend) readWith(
	ctx context.Context,
	token *approle.AccessToken,
	path kv.SecretPath,
	opts ...kv.ReadOption,
) (*kv.Secret, error) {
	reader, err := kv.NewReader(kv.Config{
		Address:   v.address,
		Transport: v.transport,
		Namespace: v.namespace,
		Logger:    v.logger,
	}, token)
	if err != nil {
		return nil, err
	}
	return reader.Read(ctx, path, opts...)
}

func (v *Backend) login(ctx context.Context) (*approle.AccessToken, error) {
	v.loginMu.Lock()
	defer v.loginMu.Unlock()
	return v.loginLocked(ctx)
}

func (v *Backend) loginLocked(ctx context.Context) (*approle.AccessToken, error) {
	token, err := v.exchanger.Login(ctx, v.creds)
	if err != nil {
		return nil, err
	}
	v.mu.Lock()
	v.token = token
	v.mu.Unlock()
	return token, nil
}

// relogin logs in unless another caller already replaced stale.
func (v *Backend) relogin(ctx context.Context, stale *approle.AccessToken) (*approle.AccessToken, error) {
	v.loginMu.Lock()
	defer v.loginMu.Unlock()

	v.mu.RLock()
	current := v.token
	v.mu.RUnlock()
	if current != stale {
		return current, nil
	}
	return v.loginLocked(ctx)
}

func init() {
	if err := secrets.Register(Name, New); err != nil {
		panic(err.Error())
	}
}
