package cmd

import (
	"fmt"
	"time"

	"github.com/briandowns/spinner"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
)

// loginWork requests the work-account scope tier during sign-in.
var loginWork bool

// loginCmd signs in via the device-code flow.
var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in to a Microsoft account",
	Long: `Sign in to a Microsoft account using the device-code flow.

The command prints a code and a verification URL; open the URL in any
browser, enter the code, and complete the sign-in. The command waits
until the sign-in finishes or the code expires.

Examples:
  graphmcp login          # Sign in with the standard scopes
  graphmcp login --work   # Also request work-account scopes (Teams, shared mailboxes)`,
	Args: cobra.NoArgs,
	RunE: runLogin,
}

func runLogin(cmd *cobra.Command, args []string) error {
	initLogging()
	ctx := commandContext(cmd)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	manager, _, err := buildManager(ctx, cfg)
	if err != nil {
		return err
	}

	if manager.IsPassthrough() {
		return fmt.Errorf("an access token was supplied via GRAPHMCP_ACCESS_TOKEN; interactive sign-in is not available")
	}

	var s *spinner.Spinner
	progress := func(message string) {
		fmt.Println(message)
		fmt.Println()
		s = spinner.New(spinner.CharSets[14], 100*time.Millisecond)
		s.Suffix = " Waiting for sign-in to complete..."
		s.Start()
	}
	stopSpinner := func() {
		if s != nil {
			s.Stop()
		}
	}

	if loginWork {
		if !manager.ExpandToWorkScopes(ctx, progress) {
			stopSpinner()
			return fmt.Errorf("sign-in with work-account scopes failed")
		}
	} else {
		if _, err := manager.AcquireTokenByDeviceCode(ctx, progress); err != nil {
			stopSpinner()
			return err
		}
	}
	stopSpinner()

	account, ok := manager.GetCurrentAccount()
	if !ok {
		return fmt.Errorf("sign-in completed but no account is available")
	}
	fmt.Printf("%s Signed in as %s\n", text.FgGreen.Sprint("✓"), account.Username)
	return nil
}

func init() {
	rootCmd.AddCommand(loginCmd)

	loginCmd.Flags().BoolVar(&loginWork, "work", false, "Request work-account scopes (Teams chats, shared mailboxes)")
}
