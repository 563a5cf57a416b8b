package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"graphmcp/internal/auth"

	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
)

// statusCheckTimeout bounds the silent token verification against the
// identity provider.
const statusCheckTimeout = 15 * time.Second

// statusCmd shows the current authentication status.
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show authentication status",
	Long: `Show the current authentication status: the selected account,
whether a token can be acquired silently, the granted scope tier, and
which storage backend holds the credentials.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	initLogging()
	ctx := commandContext(cmd)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	manager, store, err := buildManager(ctx, cfg)
	if err != nil {
		return err
	}

	fmt.Println("graphmcp")

	if manager.IsPassthrough() {
		fmt.Printf("  Status:    %s\n", text.FgGreen.Sprint("Passthrough"))
		fmt.Printf("             Access token supplied via %s; its lifecycle is managed externally.\n", auth.EnvAccessToken)
		return nil
	}

	account, ok := manager.GetCurrentAccount()
	if !ok {
		fmt.Printf("  Status:    %s\n", text.FgYellow.Sprint("Not signed in"))
		fmt.Printf("             Run: graphmcp login\n")
		return nil
	}

	fmt.Printf("  Account:   %s (%s)\n", account.Username, account.ID)
	if n := len(manager.ListAccounts()); n > 1 {
		fmt.Printf("             %d accounts signed in; see: graphmcp accounts\n", n)
	}

	// Verify the stored credentials actually yield a token. This catches
	// refresh tokens that were revoked server-side but are still cached.
	checkCtx, cancel := context.WithTimeout(ctx, statusCheckTimeout)
	_, tokenErr := manager.GetToken(checkCtx, false)
	cancel()

	if tokenErr != nil {
		fmt.Printf("  Status:    %s\n", text.FgYellow.Sprint("Sign-in expired"))
		fmt.Printf("             Run: graphmcp login\n")
		return nil
	}

	fmt.Printf("  Status:    %s\n", text.FgGreen.Sprint("Authenticated"))
	if expiry, ok := manager.TokenExpiry(); ok {
		fmt.Printf("  Expires:   %s\n", formatExpiry(expiry))
	}

	checkCtx, cancel = context.WithTimeout(ctx, statusCheckTimeout)
	hasWork := manager.HasWorkAccountPermissions(checkCtx)
	cancel()
	if hasWork {
		fmt.Printf("  Work tier: %s\n", text.FgGreen.Sprint("Granted"))
	} else {
		fmt.Printf("  Work tier: %s (for Teams and shared mailboxes, run: graphmcp login --work)\n", text.FgHiBlack.Sprint("Not granted"))
	}

	fmt.Printf("  Scopes:    %s\n", strings.Join(manager.Scopes(), " "))
	fmt.Printf("  Storage:   %s\n", describeStorage(store))
	return nil
}

// describeStorage reports which backend currently holds the credential cache.
func describeStorage(store *auth.CredentialStore) string {
	_, outcome, err := store.Load(auth.RecordTokenCache)
	switch {
	case err != nil:
		return text.FgRed.Sprint("unavailable")
	case outcome.Vault == auth.TierOK:
		return "platform keyring"
	case outcome.File == auth.TierOK:
		return fmt.Sprintf("fallback file (%s)", store.FilePath(auth.RecordTokenCache))
	default:
		return "empty"
	}
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
