package cmd

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
)

// logoutCmd signs out of all accounts.
var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out of all Microsoft accounts",
	Long: `Sign out of all Microsoft accounts and remove the stored
credentials from the platform keyring and the fallback file.`,
	Args: cobra.NoArgs,
	RunE: runLogout,
}

func runLogout(cmd *cobra.Command, args []string) error {
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

	if err := manager.Logout(ctx); err != nil {
		return err
	}
	fmt.Printf("%s Signed out\n", text.FgGreen.Sprint("✓"))
	return nil
}

func init() {
	rootCmd.AddCommand(logoutCmd)
}
