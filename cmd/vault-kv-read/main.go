// vault-kv-read logs in to vault with an approle and prints one KV2 secret.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "vault-kv-read [flags] <path>",
	Short: "Read a versioned secret from a vault KV2 mount using approle credentials",
	Long: `vault-kv-read exchanges an approle role_id and secret_id for a token and
reads one secret from a KV version 2 mount. The secret fields and the version
metadata are printed as JSON on stdout.

Every flag may also be given in a yaml config file (--config) or through the
environment (VAULT_ADDR, VAULT_ROLE_ID, VAULT_SECRET_ID, VAULT_BACKEND_PATH,
VAULT_NAMESPACE, VAULT_CACERT, ...). A .env file is loaded when present.`,
	Args:          cobra.ExactArgs(1),
	RunE:          runRead,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(exitCode(err))
	}
}
