package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/libopenstorage/vaultkv/vault"
	"github.com/libopenstorage/vaultkv/vault/utils"
	"gopkg.in/yaml.v3"
)

// options are the command line flags.
type options struct {
	configPath   string
	envFile      string
	address      string
	roleID       string
	secretIDFile string
	mount        string
	namespace    string
	version      int
	retries      uint64
	trace        bool
	logLevel     string
}

// loadEnv loads path, or ./.env when path is empty and the file exists.
func loadEnv(path string) error {
	if path != "" {
		return godotenv.Load(path)
	}
	if _, err := os.Stat(".env"); err == nil {
		return godotenv.Load()
	}
	return nil
}

// loadConfigFile reads a yaml map of vault parameters, e.g.
//
//	VAULT_ADDR: https://vault:8200
//	VAULT_BACKEND_PATH: secret/
func loadConfigFile(path string) (map[string]interface{}, error) {
	config := make(map[string]interface{})
	if path == "" {
		return config, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if config == nil {
		config = make(map[string]interface{})
	}
	return config, nil
}

// secretConfig merges the config file with the flags; flags win, the
// environment is consulted last through utils.GetVaultParam.
func (o *options) secretConfig() (map[string]interface{}, error) {
	config, err := loadConfigFile(o.configPath)
	if err != nil {
		return nil, err
	}
	set := func(key, value string) {
		if value != "" {
			config[key] = value
		}
	}
	set(vault.VaultAddressKey, o.address)
	set(vault.VaultRoleIDKey, o.roleID)
	set(vault.VaultBackendPathKey, o.mount)
	set(vault.VaultNamespaceKey, o.namespace)

	if o.secretIDFile != "" {
		data, err := os.ReadFile(o.secretIDFile)
		if err != nil {
			return nil, fmt.Errorf("reading secret id file: %w", err)
		}
		config[vault.VaultSecretIDKey] = strings.TrimSpace(string(data))
	}
	return config, nil
}

func param(config map[string]interface{}, key, fallback string) string {
	if v := utils.GetVaultParam(config, key); v != "" {
		return v
	}
	return fallback
}
