package cmd

import (
	"context"
	"fmt"
	"time"

	"graphmcp/internal/auth"
	"graphmcp/internal/catalog"
	"graphmcp/internal/config"
	"graphmcp/pkg/logging"

	"github.com/spf13/cobra"
)

// Global flags shared by all subcommands.
var (
	flagConfigPath string
	flagDebug      bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfigPath, "config-path", "", "Configuration directory (default: ~/.config/graphmcp, or $GRAPHMCP_CONFIG_PATH)")
	rootCmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
}

// initLogging configures the logger according to the --debug flag. Output
// goes to stderr so serve mode keeps stdout clean for MCP traffic.
func initLogging() {
	level := logging.LevelInfo
	if flagDebug {
		level = logging.LevelDebug
	}
	logging.InitForCLI(level, nil)
}

// loadConfig resolves the configuration directory and loads config.yaml.
func loadConfig() (config.Config, error) {
	path := flagConfigPath
	if path == "" {
		path = config.GetDefaultConfigPathOrPanic()
	}
	return config.LoadConfig(path)
}

// buildManager wires up the catalog, credential store, and authentication
// manager shared by every command that talks to Microsoft Graph.
func buildManager(ctx context.Context, cfg config.Config) (*auth.Manager, *auth.CredentialStore, error) {
	cat, err := catalog.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load operation catalog: %w", err)
	}

	store := auth.NewCredentialStore(cfg.StorageDir)
	manager, err := auth.NewManager(auth.Options{
		ClientID: cfg.ClientID,
		Tenant:   cfg.Tenant,
		Catalog:  cat,
		Store:    store,
	})
	if err != nil {
		return nil, nil, err
	}
	if err := manager.Initialize(ctx); err != nil {
		return nil, nil, err
	}
	return manager, store, nil
}

// formatExpiry renders a token expiry as a relative duration.
func formatExpiry(expiry time.Time) string {
	remaining := time.Until(expiry).Round(time.Second)
	if remaining <= 0 {
		return fmt.Sprintf("expired %s ago", (-remaining).String())
	}
	return fmt.Sprintf("in %s (%s)", remaining, expiry.Format(time.RFC3339))
}

// commandContext returns the command's context, falling back to Background.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
