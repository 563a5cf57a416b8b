// Package logging provides a structured logging system for graphmcp with
// unified log handling and level filtering.
//
// This package implements a logging system built on Go's standard slog
// package, providing consistent logging behavior with structured output.
//
// # Log Levels
//   - **Debug**: Detailed information for debugging and development
//   - **Info**: General informational messages about application operation
//   - **Warn**: Warning messages that indicate potential issues
//   - **Error**: Error messages for failures and exceptional conditions
//
// # Usage
//
//	import "graphmcp/pkg/logging"
//
//	// Initialize with Info level logging to stderr
//	logging.InitForCLI(logging.LevelInfo, os.Stderr)
//
//	// Log messages
//	logging.Info("Auth", "Signed in as %s", account.Username)
//	logging.Debug("CredentialStore", "Loaded %d bytes from keyring", n)
//	logging.Warn("CredentialStore", "Keyring unavailable, using file fallback")
//	logging.Error("Graph", err, "Request failed")
//
// # Subsystem Organization
//
// Logs are tagged with a subsystem identifier to enable filtering:
//
//   - **Auth**: Token acquisition and account management
//   - **CredentialStore**: Keyring and fallback-file persistence
//   - **Catalog**: Operation catalog loading and validation
//   - **Graph**: Microsoft Graph request dispatch
//   - **Server**: MCP server lifecycle
//
// # Credential Safety
//
// Token values must never be logged. Use TruncateToken when a credential
// prefix is needed for correlation; all other call sites log account ids,
// scope names, and backend names only.
package logging
