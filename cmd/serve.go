package cmd

import (
	"fmt"

	"graphmcp/internal/auth"
	"graphmcp/internal/catalog"
	"graphmcp/internal/graph"
	"graphmcp/pkg/logging"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
)

// serveHTTP switches the transport from stdio to streamable HTTP.
var serveHTTP bool

// serveReadOnly hides all non-GET operations from MCP clients.
var serveReadOnly bool

// serveEnabledTools restricts the exposed tools to the listed names.
var serveEnabledTools []string

// serveCmd starts the MCP server.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the graphmcp MCP server",
	Long: `Starts the MCP server exposing Microsoft Graph operations as tools.

By default the server speaks MCP over stdio, which is what MCP clients
like editors and assistants expect when they spawn graphmcp as a child
process. With --http the server instead listens on the configured host
and port using the streamable HTTP transport.

Sign in beforehand with 'graphmcp login', let the MCP client drive the
login tool, or supply a token via GRAPHMCP_ACCESS_TOKEN.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	initLogging()
	ctx := commandContext(cmd)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// Flags override the configuration file.
	if serveReadOnly {
		cfg.ReadOnly = true
	}
	if len(serveEnabledTools) > 0 {
		cfg.EnabledTools = serveEnabledTools
	}

	manager, store, err := buildManager(ctx, cfg)
	if err != nil {
		return err
	}

	// Pick up sign-ins performed by a concurrent `graphmcp login`.
	watcher := auth.NewCacheWatcher(manager, store)
	if err := watcher.Start(); err != nil {
		logging.Warn("Server", "Credential file watcher unavailable: %v", err)
	} else {
		defer watcher.Stop()
	}

	cat, err := catalog.Load()
	if err != nil {
		return err
	}

	s := server.NewMCPServer("graphmcp", rootCmd.Version,
		server.WithToolCapabilities(true),
	)
	graph.RegisterTools(s, manager, graph.NewClient(manager), cat, graph.ToolOptions{
		ReadOnly:     cfg.ReadOnly,
		EnabledTools: cfg.EnabledTools,
	})

	if serveHTTP {
		addr := fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port)
		logging.Info("Server", "Starting streamable HTTP server on %s", addr)
		httpServer := server.NewStreamableHTTPServer(s)
		return httpServer.Start(addr)
	}

	logging.Info("Server", "Starting stdio server")
	return server.ServeStdio(s)
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&serveHTTP, "http", false, "Serve MCP over streamable HTTP instead of stdio")
	serveCmd.Flags().BoolVar(&serveReadOnly, "read-only", false, "Expose only read (GET) operations")
	serveCmd.Flags().StringSliceVar(&serveEnabledTools, "enabled-tools", nil, "Restrict exposed tools to the listed names")
}
