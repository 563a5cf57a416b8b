package cmd

import (
	"errors"
	"os"

	"graphmcp/internal/auth"

	"github.com/spf13/cobra"
)

// Exit codes for CLI commands.
// These follow common conventions so scripts can branch on the failure kind.
const (
	// ExitCodeSuccess indicates successful execution.
	ExitCodeSuccess = 0
	// ExitCodeError indicates a general error (command failed, invalid arguments).
	ExitCodeError = 1
	// ExitCodeAuthRequired indicates a sign-in is required but not available.
	ExitCodeAuthRequired = 2
	// ExitCodeAuthFailed indicates the sign-in flow itself failed.
	ExitCodeAuthFailed = 3
)

// rootCmd represents the base command for the graphmcp application.
// It is the entry point when the application is called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "graphmcp",
	Short: "MCP server for Microsoft Graph (mail, calendar, files, and more)",
	Long: `graphmcp exposes Microsoft Graph operations as MCP tools so AI
assistants can read and act on mail, calendars, files, contacts, tasks,
and Teams chats on behalf of the signed-in Microsoft account.`,
	// SilenceUsage prevents Cobra from printing the usage message on errors
	// that are handled by the application.
	SilenceUsage: true,
}

// SetVersion sets the version for the root command.
// This function is typically called from the main package to inject the application version at build time.
func SetVersion(v string) {
	rootCmd.Version = v
}

// GetVersion returns the current version of the application.
func GetVersion() string {
	return rootCmd.Version
}

// Execute is the main entry point for the CLI application.
// It initializes and executes the root command, which in turn handles subcommands and flags.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "graphmcp version %s\n" .Version}}`)

	err := rootCmd.Execute()
	if err != nil {
		os.Exit(getExitCode(err))
	}
}

// getExitCode determines the appropriate exit code based on the error type.
// This provides semantic exit codes for scripting and automation.
func getExitCode(err error) int {
	if errors.Is(err, auth.ErrNoAccount) || errors.Is(err, auth.ErrSilentAcquisitionFailed) {
		return ExitCodeAuthRequired
	}
	if errors.Is(err, auth.ErrDeviceCodeFailed) || errors.Is(err, auth.ErrDeviceCodeTimeout) {
		return ExitCodeAuthFailed
	}
	return ExitCodeError
}

func init() {
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newSelfUpdateCmd())
}
