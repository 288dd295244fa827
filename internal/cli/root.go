// Package cli implements tokenctl, the operator command line for the token store.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"tokend/internal/app"
	"tokend/internal/config"
	"tokend/internal/lib/audit"
	"tokend/internal/lib/handlers/slogdiscard"
	"tokend/internal/lib/sl"
)

var (
	configPath string
	jsonOutput bool
	timeout    time.Duration

	// openStore is replaced in tests.
	openStore = func(ctx context.Context, cfg *config.Config) (app.Store, error) {
		return app.OpenStore(ctx, slogdiscard.NewDiscardLogger(), cfg)
	}
	loadConfig = config.MustLoadPath

	auditSink audit.Sink = audit.NewSlogSink(slog.New(slog.NewJSONHandler(os.Stderr, nil)))
)

var rootCmd = &cobra.Command{
	Use:   "tokenctl",
	Short: "tokenctl inspects and maintains the tokend refresh token store",
	Long: `tokenctl operates directly on the storage backend configured for tokend.

The configuration file is taken from --config or the CONFIG_PATH environment variable.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. It is called by main.main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("CONFIG_PATH"), "path to config file")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output results in JSON format")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "timeout of the store operation")
}

// withStore opens the configured store, runs fn and closes the store.
func withStore(cmd *cobra.Command, fn func(ctx context.Context, cfg *config.Config, store app.Store) error) error {
	if configPath == "" {
		return fmt.Errorf("config path is required, use --config or CONFIG_PATH")
	}
	cfg := loadConfig(configPath)

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("failed to close store", sl.Err(err))
		}
	}()

	return fn(ctx, cfg, store)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
