package main

import (
	"os"

	"github.com/spf13/cobra"
)

// rootOptions holds the flags shared by every subcommand
type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Origin-checking gateway for the summarization API.",
		Long: `gateway sits between the browser extension and the summarization API.
It answers CORS preflights, rejects state-changing requests from untrusted
origins and proxies everything else upstream.`,
		SilenceUsage: true,
		// this is the default command to run when no subcommand is specified
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts)
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", getEnv("CONFIG_PATH", "config.yaml"),
		"path to the YAML config; falls back to configs/ and the embedded default")

	cmd.AddCommand(newServeCmd(opts), newValidateCmd(opts))
	return cmd
}

// getEnv retrieves environment variable or returns the provided default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
