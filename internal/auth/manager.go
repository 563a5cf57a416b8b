package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"graphmcp/internal/catalog"
	"graphmcp/pkg/logging"

	"golang.org/x/sync/singleflight"
)

// tokenExpiryMargin is the margin added when checking token expiration.
// This accounts for clock skew between systems and network latency.
const tokenExpiryMargin = 30 * time.Second

// EnvAccessToken is the environment variable that, when set, switches the
// manager into bearer-passthrough mode for the lifetime of the process.
const EnvAccessToken = "GRAPHMCP_ACCESS_TOKEN"

// TokenRecord is the in-memory access token with its expiry. It is never
// persisted; durable state is the provider's opaque cache blob.
type TokenRecord struct {
	AccessToken string
	Expiry      time.Time
}

// Options configures a Manager.
type Options struct {
	// ClientID and Tenant configure the default Microsoft provider.
	// Ignored when Provider is set.
	ClientID string
	Tenant   string

	// Catalog is the validated operation catalog the working scope set
	// is derived from.
	Catalog *catalog.Catalog

	// Store persists the credential cache and account selection.
	Store *CredentialStore

	// Provider overrides the identity-provider client (used by tests).
	Provider ProviderClient

	// BearerToken, when non-empty, puts the manager into passthrough
	// mode. When empty, EnvAccessToken is consulted.
	BearerToken string

	// IncludeWorkScopes includes work-account-tier scopes in the initial
	// working scope set.
	IncludeWorkScopes bool
}

// Manager owns the process's authentication state: the working scope set,
// the in-memory access token, the selected account, and the persistence of
// both durable records. One Manager exists per process; construct it
// synchronously with NewManager, then call Initialize to load persisted
// state.
type Manager struct {
	mu       sync.RWMutex
	catalog  *catalog.Catalog
	provider ProviderClient
	store    *CredentialStore

	scopes            []string
	bearer            string
	token             *TokenRecord
	selectedAccountID string

	// group collapses concurrent silent refreshes into a single provider
	// call so an expired token does not fan out into duplicate requests.
	group singleflight.Group
}

// NewManager constructs a Manager. Scope resolution and provider
// construction happen here; persisted state is loaded by Initialize.
func NewManager(opts Options) (*Manager, error) {
	if opts.Catalog == nil {
		return nil, fmt.Errorf("catalog is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("credential store is required")
	}

	provider := opts.Provider
	if provider == nil {
		provider = NewMicrosoftProvider(opts.ClientID, opts.Tenant)
	}

	bearer := opts.BearerToken
	if bearer == "" {
		bearer = os.Getenv(EnvAccessToken)
	}
	if bearer != "" {
		logging.Info("Auth", "Externally supplied access token present, operating in passthrough mode")
	}

	scopes := BuildScopes(opts.Catalog.Operations(), opts.IncludeWorkScopes)
	logging.Debug("Auth", "Resolved working scope set: %v", scopes)

	return &Manager{
		catalog:  opts.Catalog,
		provider: provider,
		store:    opts.Store,
		scopes:   scopes,
		bearer:   bearer,
	}, nil
}

// Initialize loads the persisted credential cache and account selection.
// An unreadable record is treated as an empty one and logged, never fatal.
func (m *Manager) Initialize(ctx context.Context) error {
	blob, outcome, err := m.store.Load(RecordTokenCache)
	if err != nil {
		logging.Warn("Auth", "Failed to load credential cache, starting empty: %v", err)
	} else if blob != nil {
		if err := m.provider.UnmarshalCache(blob); err != nil {
			logging.Warn("Auth", "Persisted credential cache is unreadable, starting empty: %v", err)
		} else {
			logging.Debug("Auth", "Loaded credential cache (vault=%s file=%s)", outcome.Vault, outcome.File)
		}
	}

	selection, _, err := m.store.Load(RecordSelectedAccount)
	if err != nil {
		logging.Warn("Auth", "Failed to load account selection: %v", err)
	} else if len(selection) > 0 {
		m.mu.Lock()
		m.selectedAccountID = string(selection)
		m.mu.Unlock()
	}

	return nil
}

// IsPassthrough reports whether the manager holds an externally supplied
// token whose lifecycle is owned by the caller.
func (m *Manager) IsPassthrough() bool {
	return m.bearer != ""
}

// Scopes returns a copy of the current working scope set.
func (m *Manager) Scopes() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.scopes...)
}

// ScopesForTool returns the scopes an operation needs, looked up by tool
// name. The dispatch layer consults this to decide whether an operation is
// currently reachable.
func (m *Manager) ScopesForTool(name string) ([]string, bool) {
	op, ok := m.catalog.ByTool(name)
	if !ok {
		return nil, false
	}
	return op.Scopes, true
}

// GetToken returns a valid access token following the broker's decision
// order: passthrough token, unexpired cached token, then silent acquisition
// for the current account. It never falls back to an interactive flow; on
// ErrSilentAcquisitionFailed the caller must run the device-code flow.
func (m *Manager) GetToken(ctx context.Context, forceRefresh bool) (string, error) {
	if m.bearer != "" {
		return m.bearer, nil
	}

	m.mu.RLock()
	if m.token != nil && !forceRefresh && time.Now().Add(tokenExpiryMargin).Before(m.token.Expiry) {
		token := m.token.AccessToken
		m.mu.RUnlock()
		return token, nil
	}
	accountID := m.currentAccountIDLocked()
	scopes := m.scopes
	m.mu.RUnlock()

	if accountID == "" {
		return "", newAuthError("get-token", ErrNoAccount)
	}

	result, err, _ := m.group.Do("silent", func() (interface{}, error) {
		tok, err := m.provider.AcquireSilent(ctx, accountID, scopes)
		if err != nil {
			return nil, err
		}

		m.mu.Lock()
		m.token = &TokenRecord{AccessToken: tok.AccessToken, Expiry: tok.Expiry}
		m.mu.Unlock()

		m.persistCache()
		return tok.AccessToken, nil
	})
	if err != nil {
		return "", newAuthError("get-token", fmt.Errorf("%w: %v", ErrSilentAcquisitionFailed, err))
	}

	return result.(string), nil
}

// GetTokenForAccount acquires a token silently for a specific account
// without touching the manager's cached token or selection. Unlike the
// boolean account operations, an unknown id is a hard failure here because
// the caller needs a usable result.
func (m *Manager) GetTokenForAccount(ctx context.Context, accountID string) (string, error) {
	if m.bearer != "" {
		return m.bearer, nil
	}

	if !m.knownAccount(accountID) {
		return "", newAuthError("get-token-for-account", fmt.Errorf("%w: %s", ErrAccountNotFound, accountID))
	}

	m.mu.RLock()
	scopes := m.scopes
	m.mu.RUnlock()

	tok, err := m.provider.AcquireSilent(ctx, accountID, scopes)
	if err != nil {
		return "", newAuthError("get-token-for-account", fmt.Errorf("%w: %v", ErrSilentAcquisitionFailed, err))
	}
	return tok.AccessToken, nil
}

// AcquireTokenByDeviceCode runs the interactive device-code flow against
// the current working scope set. progress is required and is invoked
// exactly once with the provider's sign-in instruction; presentation is the
// caller's concern, never this package's. The call suspends until the user
// completes the browser sign-in, the provider's flow expiry lapses, or ctx
// is cancelled.
func (m *Manager) AcquireTokenByDeviceCode(ctx context.Context, progress func(string)) (string, error) {
	m.mu.RLock()
	scopes := m.scopes
	m.mu.RUnlock()

	tok, err := m.acquireByDeviceCode(ctx, scopes, progress)
	if err != nil {
		return "", err
	}

	m.adoptToken(tok)
	return tok.AccessToken, nil
}

// acquireByDeviceCode runs the device-code flow for an explicit scope set
// and returns the provider token. No manager state is mutated on failure.
func (m *Manager) acquireByDeviceCode(ctx context.Context, scopes []string, progress func(string)) (*Token, error) {
	if m.bearer != "" {
		return nil, newAuthError("device-code", fmt.Errorf("interactive sign-in is not available in passthrough mode"))
	}
	if progress == nil {
		return nil, newAuthError("device-code", fmt.Errorf("a progress callback is required"))
	}

	dc, err := m.provider.StartDeviceCode(ctx, scopes)
	if err != nil {
		return nil, newAuthError("device-code", fmt.Errorf("%w: %v", ErrDeviceCodeFailed, err))
	}

	progress(dc.Message)

	// Bound the wait by the provider's flow expiry so an abandoned
	// sign-in surfaces as a timeout instead of hanging.
	waitCtx := ctx
	if !dc.Expiry.IsZero() {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithDeadline(ctx, dc.Expiry)
		defer cancel()
	}

	tok, err := m.provider.WaitDeviceCode(waitCtx, dc)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || waitCtx.Err() != nil {
			return nil, newAuthError("device-code", fmt.Errorf("%w: %v", ErrDeviceCodeTimeout, err))
		}
		return nil, newAuthError("device-code", fmt.Errorf("%w: %v", ErrDeviceCodeFailed, err))
	}

	return tok, nil
}

// adoptToken installs a freshly acquired interactive token: caches it,
// auto-selects the authenticated account when none is selected, and
// persists both durable records.
func (m *Manager) adoptToken(tok *Token) {
	m.mu.Lock()
	m.token = &TokenRecord{AccessToken: tok.AccessToken, Expiry: tok.Expiry}
	selectionChanged := false
	if m.selectedAccountID == "" {
		m.selectedAccountID = tok.Account.ID
		selectionChanged = true
	}
	m.mu.Unlock()

	if selectionChanged {
		m.persistSelection(tok.Account.ID)
	}
	m.persistCache()
}

// TokenExpiry returns the expiry of the in-memory access token, if one is
// cached. Passthrough tokens have no known expiry.
func (m *Manager) TokenExpiry() (time.Time, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.token == nil {
		return time.Time{}, false
	}
	return m.token.Expiry, true
}

// ListAccounts returns all accounts known to the provider cache.
func (m *Manager) ListAccounts() []Account {
	return m.provider.Accounts()
}

// GetCurrentAccount resolves the account the broker acts on. A stale
// selection pointer falls back to the first listed account; with no
// selection, the first listed account is used. The second return is false
// when no accounts exist.
func (m *Manager) GetCurrentAccount() (Account, bool) {
	accounts := m.provider.Accounts()
	if len(accounts) == 0 {
		return Account{}, false
	}

	m.mu.RLock()
	selected := m.selectedAccountID
	m.mu.RUnlock()

	if selected != "" {
		for _, a := range accounts {
			if a.ID == selected {
				return a, true
			}
		}
		logging.Warn("Auth", "Selected account %s is no longer known, falling back to %s", selected, accounts[0].Username)
	}

	return accounts[0], true
}

// currentAccountIDLocked resolves the acting account id under m.mu (read or
// write). Returns "" when no account exists.
func (m *Manager) currentAccountIDLocked() string {
	accounts := m.provider.Accounts()
	if len(accounts) == 0 {
		return ""
	}
	if m.selectedAccountID != "" {
		for _, a := range accounts {
			if a.ID == m.selectedAccountID {
				return a.ID
			}
		}
	}
	return accounts[0].ID
}

// knownAccount reports whether the provider cache holds the given id.
func (m *Manager) knownAccount(accountID string) bool {
	for _, a := range m.provider.Accounts() {
		if a.ID == accountID {
			return true
		}
	}
	return false
}

// SelectAccount makes the given account current. Returns false when the id
// is not among the listed accounts; on success the selection is persisted
// and any cached token is invalidated.
func (m *Manager) SelectAccount(accountID string) bool {
	if !m.knownAccount(accountID) {
		return false
	}

	m.mu.Lock()
	m.selectedAccountID = accountID
	m.token = nil
	m.mu.Unlock()

	m.persistSelection(accountID)
	logging.Info("Auth", "Selected account %s", accountID)
	return true
}

// RemoveAccount removes an account from the provider cache. Returns false
// when the id is unknown. If the removed account was selected, the
// selection is cleared and persisted and the cached token is invalidated.
func (m *Manager) RemoveAccount(accountID string) bool {
	if !m.provider.RemoveAccount(accountID) {
		return false
	}

	m.mu.Lock()
	wasSelected := m.selectedAccountID == accountID
	if wasSelected {
		m.selectedAccountID = ""
		m.token = nil
	}
	m.mu.Unlock()

	if wasSelected {
		if err := m.store.Delete(RecordSelectedAccount); err != nil {
			logging.Warn("Auth", "Failed to clear persisted account selection: %v", err)
		}
	}
	m.persistCache()

	logging.Info("Auth", "Removed account %s", accountID)
	return true
}

// Logout clears all accounts, both persisted records, and the in-memory
// token state.
func (m *Manager) Logout(ctx context.Context) error {
	for _, a := range m.provider.Accounts() {
		m.provider.RemoveAccount(a.ID)
	}

	m.mu.Lock()
	m.token = nil
	m.selectedAccountID = ""
	m.mu.Unlock()

	var errs []error
	if err := m.store.Delete(RecordTokenCache); err != nil {
		errs = append(errs, err)
	}
	if err := m.store.Delete(RecordSelectedAccount); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("logout left persisted state behind: %w", errors.Join(errs...))
	}

	logging.Info("Auth", "Logged out")
	return nil
}

// ReloadPersistedCache re-reads the credential cache record and replaces
// the provider cache with it. Used when another process (e.g. a concurrent
// `graphmcp login`) updated the fallback file.
func (m *Manager) ReloadPersistedCache() {
	blob, _, err := m.store.Load(RecordTokenCache)
	if err != nil {
		logging.Warn("Auth", "Failed to reload credential cache: %v", err)
		return
	}
	if err := m.provider.UnmarshalCache(blob); err != nil {
		logging.Warn("Auth", "Reloaded credential cache is unreadable: %v", err)
		return
	}

	m.mu.Lock()
	m.token = nil
	m.mu.Unlock()

	logging.Debug("Auth", "Reloaded credential cache from store")
}

// persistCache saves the provider's cache blob. Persistence after a
// successful mutation is best-effort: a failure is logged, not returned,
// so in-memory and persisted state can diverge until the next save.
func (m *Manager) persistCache() {
	blob, err := m.provider.MarshalCache()
	if err != nil {
		logging.Warn("Auth", "Failed to serialize credential cache: %v", err)
		return
	}
	if outcome, err := m.store.Save(RecordTokenCache, blob); err != nil {
		logging.Warn("Auth", "Failed to persist credential cache (vault=%s file=%s): %v", outcome.Vault, outcome.File, err)
	}
}

// persistSelection saves the selected-account pointer, best-effort.
func (m *Manager) persistSelection(accountID string) {
	if outcome, err := m.store.Save(RecordSelectedAccount, []byte(accountID)); err != nil {
		logging.Warn("Auth", "Failed to persist account selection (vault=%s file=%s): %v", outcome.Vault, outcome.File, err)
	}
}
