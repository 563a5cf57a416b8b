package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"graphmcp/internal/auth"
	"graphmcp/internal/catalog"
	"graphmcp/pkg/logging"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// AuthManager is the authentication surface the dispatch layer needs. The
// manager in internal/auth satisfies it.
type AuthManager interface {
	TokenSource
	IsPassthrough() bool
	Scopes() []string
	AcquireTokenByDeviceCode(ctx context.Context, progress func(string)) (string, error)
	Logout(ctx context.Context) error
	ListAccounts() []auth.Account
	GetCurrentAccount() (auth.Account, bool)
	SelectAccount(accountID string) bool
}

// ToolOptions filters which catalog operations are registered.
type ToolOptions struct {
	// ReadOnly drops every non-GET operation.
	ReadOnly bool

	// EnabledTools, when non-empty, is an allowlist of tool names.
	EnabledTools []string
}

func (o ToolOptions) includes(op catalog.Operation) bool {
	if o.ReadOnly && op.Method != "GET" {
		return false
	}
	if len(o.EnabledTools) == 0 {
		return true
	}
	for _, name := range o.EnabledTools {
		if name == op.ToolName {
			return true
		}
	}
	return false
}

// RegisterTools registers one MCP tool per catalog operation, plus the
// authentication tools, on the given server. It returns the number of
// operation tools registered.
func RegisterTools(s *server.MCPServer, mgr AuthManager, client *Client, cat *catalog.Catalog, opts ToolOptions) int {
	registered := 0
	for _, op := range cat.Operations() {
		if !opts.includes(op) {
			continue
		}
		s.AddTool(operationTool(op), operationHandler(client, mgr, op))
		registered++
	}
	logging.Info("Graph", "Registered %d of %d catalog operations as tools", registered, cat.Len())

	registerAuthTools(s, mgr)
	return registered
}

// operationTool builds the MCP tool definition for a catalog operation.
func operationTool(op catalog.Operation) mcp.Tool {
	toolOpts := []mcp.ToolOption{mcp.WithDescription(op.Description)}
	for _, p := range op.Params {
		var propOpts []mcp.PropertyOption
		if p.Required {
			propOpts = append(propOpts, mcp.Required())
		}
		if p.Description != "" {
			propOpts = append(propOpts, mcp.Description(p.Description))
		}
		switch p.Type {
		case "number":
			toolOpts = append(toolOpts, mcp.WithNumber(p.Name, propOpts...))
		case "boolean":
			toolOpts = append(toolOpts, mcp.WithBoolean(p.Name, propOpts...))
		case "object":
			toolOpts = append(toolOpts, mcp.WithObject(p.Name, propOpts...))
		default:
			toolOpts = append(toolOpts, mcp.WithString(p.Name, propOpts...))
		}
	}
	return mcp.NewTool(op.ToolName, toolOpts...)
}

// operationHandler builds the handler dispatching a tool call to Graph.
func operationHandler(client *Client, mgr AuthManager, op catalog.Operation) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		for _, scope := range op.Scopes {
			if !auth.Covers(mgr.Scopes(), scope) {
				return mcp.NewToolResultError(fmt.Sprintf(
					"%s requires the %s permission, which the current sign-in does not include. Sign in again with work account permissions (graphmcp login --work).",
					op.ToolName, scope)), nil
			}
		}

		req, err := buildRequest(op, request.GetArguments())
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		body, err := client.Do(ctx, *req)
		if err != nil {
			if errors.Is(err, auth.ErrNoAccount) {
				return mcp.NewToolResultError("Not signed in. Use the login tool or run `graphmcp login` first."), nil
			}
			if errors.Is(err, auth.ErrSilentAcquisitionFailed) {
				return mcp.NewToolResultError("Sign-in has expired. Use the login tool or run `graphmcp login` to sign in again."), nil
			}
			return mcp.NewToolResultError(err.Error()), nil
		}

		if len(body) == 0 {
			body = []byte(`{"status":"ok"}`)
		}
		return mcp.NewToolResultText(string(body)), nil
	}
}

// odataQueryParams are the query parameter names Graph expects with a "$"
// prefix. The catalog declares them without the prefix so tool input schemas
// stay plain identifiers.
var odataQueryParams = map[string]bool{
	"count":   true,
	"expand":  true,
	"filter":  true,
	"orderby": true,
	"search":  true,
	"select":  true,
	"skip":    true,
	"top":     true,
}

// buildRequest maps tool arguments onto a Graph request according to the
// operation's parameter declarations.
func buildRequest(op catalog.Operation, args map[string]any) (*Request, error) {
	path := op.PathPattern
	query := url.Values{}
	var bodyMap map[string]any

	for _, p := range op.Params {
		value, present := args[p.Name]
		if !present || value == nil {
			if p.Required {
				return nil, fmt.Errorf("missing required parameter %q", p.Name)
			}
			continue
		}

		switch p.In {
		case "path":
			s, ok := value.(string)
			if !ok || s == "" {
				return nil, fmt.Errorf("parameter %q must be a non-empty string", p.Name)
			}
			path = strings.ReplaceAll(path, "{"+p.Name+"}", url.PathEscape(s))
		case "query":
			key := p.Name
			if odataQueryParams[key] {
				key = "$" + key
			}
			query.Set(key, fmt.Sprint(value))
		case "body":
			if bodyMap == nil {
				bodyMap = make(map[string]any)
			}
			bodyMap[p.Name] = value
		}
	}

	req := &Request{Method: op.Method, Path: path, Query: query}
	if bodyMap != nil {
		req.Body = bodyMap
	}
	return req, nil
}

// loginAttempt tracks one in-flight device-code sign-in started via the
// login tool. The flow outlives the tool call that started it; verify-login
// reports its outcome.
type loginAttempt struct {
	message string
	done    chan struct{}
	err     error
	cancel  context.CancelFunc
}

// authTools holds the authentication tool handlers and the pending sign-in,
// if any.
type authTools struct {
	mgr AuthManager

	mu      sync.Mutex
	pending *loginAttempt
}

func registerAuthTools(s *server.MCPServer, mgr AuthManager) {
	a := &authTools{mgr: mgr}

	s.AddTool(mcp.NewTool("login",
		mcp.WithDescription("Start signing in to Microsoft. Returns a code and URL; complete the sign-in in a browser, then call verify-login."),
	), a.handleLogin)

	s.AddTool(mcp.NewTool("verify-login",
		mcp.WithDescription("Check whether the sign-in started by the login tool has completed."),
	), a.handleVerifyLogin)

	s.AddTool(mcp.NewTool("logout",
		mcp.WithDescription("Sign out of all Microsoft accounts and clear stored credentials."),
	), a.handleLogout)

	s.AddTool(mcp.NewTool("list-accounts",
		mcp.WithDescription("List the signed-in Microsoft accounts."),
	), a.handleListAccounts)

	s.AddTool(mcp.NewTool("select-account",
		mcp.WithDescription("Select which signed-in account subsequent operations act on."),
		mcp.WithString("account-id", mcp.Required(), mcp.Description("Account id as reported by list-accounts.")),
	), a.handleSelectAccount)
}

func (a *authTools) handleLogin(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if a.mgr.IsPassthrough() {
		return mcp.NewToolResultError("An access token was supplied externally; interactive sign-in is not available."), nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.pending != nil {
		select {
		case <-a.pending.done:
			a.pending = nil
		default:
			return mcp.NewToolResultText(a.pending.message), nil
		}
	}

	// The flow must outlive this tool call, so it runs on its own context.
	flowCtx, cancel := context.WithCancel(context.Background())
	attempt := &loginAttempt{done: make(chan struct{}), cancel: cancel}
	messageCh := make(chan string, 1)

	go func() {
		defer close(attempt.done)
		_, err := a.mgr.AcquireTokenByDeviceCode(flowCtx, func(message string) {
			messageCh <- message
		})
		attempt.err = err
	}()

	select {
	case message := <-messageCh:
		attempt.message = message
		a.pending = attempt
		return mcp.NewToolResultText(message + "\n\nAfter completing the sign-in, call verify-login."), nil
	case <-attempt.done:
		if attempt.err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Sign-in failed: %v", attempt.err)), nil
		}
		return a.signedInResult()
	case <-ctx.Done():
		cancel()
		return nil, ctx.Err()
	}
}

func (a *authTools) handleVerifyLogin(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.pending == nil {
		if _, ok := a.mgr.GetCurrentAccount(); ok {
			return a.signedInResult()
		}
		return mcp.NewToolResultError("No sign-in in progress. Call the login tool first."), nil
	}

	select {
	case <-a.pending.done:
		err := a.pending.err
		a.pending = nil
		if err != nil {
			if errors.Is(err, auth.ErrDeviceCodeTimeout) {
				return mcp.NewToolResultError("The sign-in code expired before the sign-in was completed. Call login to get a new code."), nil
			}
			return mcp.NewToolResultError(fmt.Sprintf("Sign-in failed: %v", err)), nil
		}
		return a.signedInResult()
	default:
		return mcp.NewToolResultText("Sign-in not completed yet.\n\n" + a.pending.message), nil
	}
}

func (a *authTools) handleLogout(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	a.mu.Lock()
	if a.pending != nil {
		a.pending.cancel()
		a.pending = nil
	}
	a.mu.Unlock()

	if err := a.mgr.Logout(ctx); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Logout failed: %v", err)), nil
	}
	return mcp.NewToolResultText("Signed out. All accounts and stored credentials were removed."), nil
}

func (a *authTools) handleListAccounts(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	current, _ := a.mgr.GetCurrentAccount()

	type accountEntry struct {
		ID       string `json:"id"`
		Username string `json:"username"`
		Name     string `json:"name,omitempty"`
		Current  bool   `json:"current"`
	}

	accounts := a.mgr.ListAccounts()
	entries := make([]accountEntry, 0, len(accounts))
	for _, acc := range accounts {
		entries = append(entries, accountEntry{
			ID:       acc.ID,
			Username: acc.Username,
			Name:     acc.Name,
			Current:  acc.ID == current.ID,
		})
	}

	data, err := json.Marshal(map[string]any{"accounts": entries})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (a *authTools) handleSelectAccount(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	accountID, err := request.RequireString("account-id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	if !a.mgr.SelectAccount(accountID) {
		return mcp.NewToolResultError(fmt.Sprintf("Unknown account id %q. Use list-accounts to see the signed-in accounts.", accountID)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Selected account %s.", accountID)), nil
}

// signedInResult reports the current account after a successful sign-in.
// Callers hold a.mu.
func (a *authTools) signedInResult() (*mcp.CallToolResult, error) {
	account, ok := a.mgr.GetCurrentAccount()
	if !ok {
		return mcp.NewToolResultError("Sign-in completed but no account is available."), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Signed in as %s (%s).", account.Username, account.ID)), nil
}
