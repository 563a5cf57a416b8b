package cmd

import (
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
)

// accountsCmd groups the account management subcommands.
var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Manage signed-in Microsoft accounts",
	Long: `Manage the Microsoft accounts known to graphmcp.

Multiple accounts can be signed in at the same time; operations act on
the selected account.

Examples:
  graphmcp accounts                 # List signed-in accounts
  graphmcp accounts select <id>     # Select the account operations act on
  graphmcp accounts remove <id>     # Remove an account`,
	Args: cobra.NoArgs,
	RunE: runAccountsList,
}

var accountsSelectCmd = &cobra.Command{
	Use:   "select <account-id>",
	Short: "Select the account operations act on",
	Args:  cobra.ExactArgs(1),
	RunE:  runAccountsSelect,
}

var accountsRemoveCmd = &cobra.Command{
	Use:   "remove <account-id>",
	Short: "Remove a signed-in account",
	Args:  cobra.ExactArgs(1),
	RunE:  runAccountsRemove,
}

func runAccountsList(cmd *cobra.Command, args []string) error {
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

	accounts := manager.ListAccounts()
	if len(accounts) == 0 {
		fmt.Println("No accounts signed in. Run: graphmcp login")
		return nil
	}
	current, _ := manager.GetCurrentAccount()

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"", "Account ID", "Username", "Name"})
	for _, account := range accounts {
		marker := ""
		if account.ID == current.ID {
			marker = text.FgGreen.Sprint("*")
		}
		t.AppendRow(table.Row{marker, account.ID, account.Username, account.Name})
	}
	t.Render()
	return nil
}

func runAccountsSelect(cmd *cobra.Command, args []string) error {
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

	accountID := args[0]
	if !manager.SelectAccount(accountID) {
		return fmt.Errorf("unknown account id %q. Run 'graphmcp accounts' to list accounts", accountID)
	}
	fmt.Printf("%s Selected account %s\n", text.FgGreen.Sprint("✓"), accountID)
	return nil
}

func runAccountsRemove(cmd *cobra.Command, args []string) error {
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

	accountID := args[0]
	if !manager.RemoveAccount(accountID) {
		return fmt.Errorf("unknown account id %q. Run 'graphmcp accounts' to list accounts", accountID)
	}
	fmt.Printf("%s Removed account %s\n", text.FgGreen.Sprint("✓"), accountID)
	return nil
}

func init() {
	rootCmd.AddCommand(accountsCmd)
	accountsCmd.AddCommand(accountsSelectCmd)
	accountsCmd.AddCommand(accountsRemoveCmd)
}
