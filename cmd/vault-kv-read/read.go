package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/libopenstorage/vaultkv/transport"
	"github.com/libopenstorage/vaultkv/vault"
	"github.com/libopenstorage/vaultkv/vault/approle"
	"github.com/libopenstorage/vaultkv/vault/kv"
	"github.com/libopenstorage/vaultkv/vault/utils"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const (
	exitFailure     = 1
	exitAuth        = 2
	exitNotFound    = 3
	exitUnavailable = 4
	exitShape       = 5
)

var opts options

func init() {
	f := rootCmd.Flags()
	f.StringVar(&opts.configPath, "config", "", "yaml file with VAULT_* parameters")
	f.StringVar(&opts.envFile, "env-file", "", "dotenv file to load (default ./.env if present)")
	f.StringVar(&opts.address, "address", "", "vault address, overrides VAULT_ADDR")
	f.StringVar(&opts.roleID, "role-id", "", "approle role_id, overrides VAULT_ROLE_ID")
	f.StringVar(&opts.secretIDFile, "secret-id-file", "", "file holding the approle secret_id, overrides VAULT_SECRET_ID")
	f.StringVar(&opts.mount, "mount", "", "KV2 mount, overrides VAULT_BACKEND_PATH (default \"secret\")")
	f.StringVar(&opts.namespace, "namespace", "", "vault namespace, overrides VAULT_NAMESPACE")
	f.IntVar(&opts.version, "version", 0, "secret version to read (default current)")
	f.Uint64Var(&opts.retries, "retries", 3, "retries on server unavailable")
	f.BoolVar(&opts.trace, "trace", false, "print request spans on stderr")
	f.StringVar(&opts.logLevel, "log-level", "warning", "log level")
}

func runRead(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return run(ctx, &opts, args[0], cmd.OutOrStdout(), cmd.ErrOrStderr())
}

// output is what gets printed on success.
type output struct {
	Path     string                 `json:"path"`
	Data     map[string]interface{} `json:"data"`
	Metadata outputMetadata         `json:"metadata"`
}

type outputMetadata struct {
	Version        int               `json:"version"`
	CreatedTime    time.Time         `json:"created_time"`
	CustomMetadata map[string]string `json:"custom_metadata,omitempty"`
}

func run(ctx context.Context, o *options, path string, stdout, stderr io.Writer) error {
	logger := logrus.New()
	logger.SetOutput(stderr)
	level, err := logrus.ParseLevel(o.logLevel)
	if err != nil {
		return err
	}
	logger.SetLevel(level)

	if err := loadEnv(o.envFile); err != nil {
		return fmt.Errorf("loading env file: %w", err)
	}
	config, err := o.secretConfig()
	if err != nil {
		return err
	}
	if o.version < 0 {
		return kv.ErrInvalidVersion
	}

	address := param(config, vault.VaultAddressKey, "")
	if address == "" {
		return utils.ErrVaultAddressNotSet
	}
	namespace := param(config, vault.VaultNamespaceKey, "")
	log := logger.WithField("address", address)

	tp, shutdown, err := newTracerProvider(o.trace, stderr)
	if err != nil {
		return err
	}
	defer shutdown(context.Background())

	tr, err := utils.NewTransport(config, log)
	if err != nil {
		return err
	}
	tr = transport.WithTracing(tr, tp)

	exchanger, err := approle.New(approle.Config{
		Address:   address,
		Transport: tr,
		MountPath: param(config, vault.VaultAppRoleMountKey, ""),
		Namespace: namespace,
		Logger:    log,
	})
	if err != nil {
		return err
	}
	creds := approle.Credentials{
		RoleID:   param(config, vault.VaultRoleIDKey, ""),
		SecretID: param(config, vault.VaultSecretIDKey, ""),
	}

	var token *approle.AccessToken
	if err := retry(ctx, o.retries, log, func() error {
		token, err = exchanger.Login(ctx, creds)
		return err
	}); err != nil {
		return err
	}

	reader, err := kv.NewReader(kv.Config{
		Address:   address,
		Transport: tr,
		Namespace: namespace,
		Logger:    log,
	}, token)
	if err != nil {
		return err
	}

	secretPath := kv.SecretPath{
		Mount: param(config, vault.VaultBackendPathKey, vault.DefaultBackendPath),
		Path:  path,
	}
	var readOpts []kv.ReadOption
	if o.version != 0 {
		readOpts = append(readOpts, kv.WithVersion(o.version))
	}

	var secret *kv.Secret
	if err := retry(ctx, o.retries, log, func() error {
		secret, err = reader.Read(ctx, secretPath, readOpts...)
		return err
	}); err != nil {
		return err
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(output{
		Path: secretPath.String(),
		Data: secret.Data,
		Metadata: outputMetadata{
			Version:        secret.Metadata.Version,
			CreatedTime:    secret.Metadata.CreatedTime,
			CustomMetadata: secret.Metadata.CustomMetadata,
		},
	})
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, approle.ErrInvalidCredentials),
		errors.Is(err, kv.ErrUnauthorized),
		errors.Is(err, approle.ErrInvalidRoleID),
		errors.Is(err, approle.ErrInvalidSecretID):
		return exitAuth
	case errors.Is(err, kv.ErrNotFound):
		return exitNotFound
	case utils.IsRetriable(err):
		return exitUnavailable
	case errors.Is(err, kv.ErrShapeMismatch), errors.Is(err, approle.ErrMalformedResponse):
		return exitShape
	}
	return exitFailure
}
