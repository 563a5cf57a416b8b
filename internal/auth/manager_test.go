package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"graphmcp/internal/catalog"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProvider is an in-memory ProviderClient for broker tests.
type fakeProvider struct {
	mu sync.Mutex

	accounts map[string]Account

	silentToken  *Token
	silentErr    error
	silentDelay  time.Duration
	silentCalls  int
	silentScopes []string

	deviceCode     *DeviceCode
	deviceStartErr error
	deviceToken    *Token
	deviceWaitErr  error
	deviceBlocks   bool

	progressCount int
}

func newFakeProvider(accounts ...Account) *fakeProvider {
	p := &fakeProvider{accounts: make(map[string]Account)}
	for _, a := range accounts {
		p.accounts[a.ID] = a
	}
	return p
}

func (p *fakeProvider) AcquireSilent(ctx context.Context, accountID string, scopes []string) (*Token, error) {
	if p.silentDelay > 0 {
		time.Sleep(p.silentDelay)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.silentCalls++
	p.silentScopes = scopes
	if p.silentErr != nil {
		return nil, p.silentErr
	}
	if _, ok := p.accounts[accountID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}
	if p.silentToken != nil {
		tok := *p.silentToken
		tok.Account = p.accounts[accountID]
		return &tok, nil
	}
	return &Token{
		AccessToken: fmt.Sprintf("silent-token-%d", p.silentCalls),
		Expiry:      time.Now().Add(time.Hour),
		Account:     p.accounts[accountID],
	}, nil
}

func (p *fakeProvider) StartDeviceCode(ctx context.Context, scopes []string) (*DeviceCode, error) {
	if p.deviceStartErr != nil {
		return nil, p.deviceStartErr
	}
	dc := p.deviceCode
	if dc == nil {
		dc = &DeviceCode{
			UserCode:        "ABCD1234",
			VerificationURI: "https://microsoft.com/devicelogin",
			Message:         "To sign in, open https://microsoft.com/devicelogin and enter the code ABCD1234.",
		}
	}
	return dc, nil
}

func (p *fakeProvider) WaitDeviceCode(ctx context.Context, dc *DeviceCode) (*Token, error) {
	if p.deviceBlocks {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if p.deviceWaitErr != nil {
		return nil, p.deviceWaitErr
	}

	tok := p.deviceToken
	if tok == nil {
		tok = &Token{
			AccessToken: "device-token",
			Expiry:      time.Now().Add(time.Hour),
			Account:     Account{ID: "new-account", Username: "new@example.com"},
		}
	}

	p.mu.Lock()
	p.accounts[tok.Account.ID] = tok.Account
	p.mu.Unlock()
	return tok, nil
}

func (p *fakeProvider) Accounts() []Account {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Deterministic order: sorted by ID so "A" lists before "B".
	ids := make([]string, 0, len(p.accounts))
	for id := range p.accounts {
		ids = append(ids, id)
	}
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			if ids[j] < ids[i] {
				ids[i], ids[j] = ids[j], ids[i]
			}
		}
	}
	accounts := make([]Account, 0, len(ids))
	for _, id := range ids {
		accounts = append(accounts, p.accounts[id])
	}
	return accounts
}

func (p *fakeProvider) RemoveAccount(accountID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.accounts[accountID]; !ok {
		return false
	}
	delete(p.accounts, accountID)
	return true
}

func (p *fakeProvider) MarshalCache() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return json.Marshal(p.accounts)
}

func (p *fakeProvider) UnmarshalCache(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(data) == 0 {
		p.accounts = make(map[string]Account)
		return nil
	}
	return json.Unmarshal(data, &p.accounts)
}

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	c, err := catalog.Load()
	require.NoError(t, err)
	return c
}

func newTestManager(t *testing.T, provider ProviderClient, opts ...func(*Options)) (*Manager, *CredentialStore) {
	t.Helper()

	store := newTestStore(t, newFakeKeyring())
	o := Options{
		Catalog:  testCatalog(t),
		Store:    store,
		Provider: provider,
	}
	for _, fn := range opts {
		fn(&o)
	}

	m, err := NewManager(o)
	require.NoError(t, err)
	require.NoError(t, m.Initialize(context.Background()))
	return m, store
}

func TestGetCurrentAccountDefaultsToFirst(t *testing.T) {
	provider := newFakeProvider(
		Account{ID: "a", Username: "a@example.com"},
		Account{ID: "b", Username: "b@example.com"},
	)
	m, _ := newTestManager(t, provider)

	account, ok := m.GetCurrentAccount()
	require.True(t, ok)
	assert.Equal(t, "a", account.ID)
}

func TestGetCurrentAccountAbsentWithNoAccounts(t *testing.T) {
	m, _ := newTestManager(t, newFakeProvider())

	_, ok := m.GetCurrentAccount()
	assert.False(t, ok)
}

func TestSelectAccountPersistsAndInvalidatesToken(t *testing.T) {
	provider := newFakeProvider(
		Account{ID: "a", Username: "a@example.com"},
		Account{ID: "b", Username: "b@example.com"},
	)
	m, store := newTestManager(t, provider)

	// Prime the in-memory token.
	_, err := m.GetToken(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, 1, provider.silentCalls)

	require.True(t, m.SelectAccount("b"))

	account, ok := m.GetCurrentAccount()
	require.True(t, ok)
	assert.Equal(t, "b", account.ID)

	// Selection is persisted.
	data, _, err := store.Load(RecordSelectedAccount)
	require.NoError(t, err)
	assert.Equal(t, "b", string(data))

	// The cached token was invalidated: next GetToken acquires fresh.
	_, err = m.GetToken(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 2, provider.silentCalls)
}

func TestSelectAccountUnknownID(t *testing.T) {
	provider := newFakeProvider(Account{ID: "a", Username: "a@example.com"})
	m, _ := newTestManager(t, provider)
	require.True(t, m.SelectAccount("a"))

	assert.False(t, m.SelectAccount("nope"))

	account, ok := m.GetCurrentAccount()
	require.True(t, ok)
	assert.Equal(t, "a", account.ID)
}

func TestRemoveSelectedAccountClearsSelection(t *testing.T) {
	provider := newFakeProvider(
		Account{ID: "a", Username: "a@example.com"},
		Account{ID: "b", Username: "b@example.com"},
	)
	m, store := newTestManager(t, provider)
	require.True(t, m.SelectAccount("b"))

	require.True(t, m.RemoveAccount("b"))

	account, ok := m.GetCurrentAccount()
	require.True(t, ok)
	assert.Equal(t, "a", account.ID)

	// The persisted pointer was cleared.
	data, _, err := store.Load(RecordSelectedAccount)
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestRemoveAccountUnknownID(t *testing.T) {
	m, _ := newTestManager(t, newFakeProvider(Account{ID: "a"}))
	assert.False(t, m.RemoveAccount("nope"))
}

func TestStaleSelectionFallsBackToFirstAccount(t *testing.T) {
	provider := newFakeProvider(
		Account{ID: "a", Username: "a@example.com"},
		Account{ID: "b", Username: "b@example.com"},
	)
	store := newTestStore(t, newFakeKeyring())
	_, err := store.Save(RecordSelectedAccount, []byte("gone"))
	require.NoError(t, err)

	m, err2 := NewManager(Options{Catalog: testCatalog(t), Store: store, Provider: provider})
	require.NoError(t, err2)
	require.NoError(t, m.Initialize(context.Background()))

	account, ok := m.GetCurrentAccount()
	require.True(t, ok)
	assert.Equal(t, "a", account.ID)
}

func TestGetTokenNoAccount(t *testing.T) {
	m, _ := newTestManager(t, newFakeProvider())

	_, err := m.GetToken(context.Background(), false)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoAccount)

	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, "get-token", authErr.Op)
}

func TestGetTokenCachesUntilExpiry(t *testing.T) {
	provider := newFakeProvider(Account{ID: "a", Username: "a@example.com"})
	m, _ := newTestManager(t, provider)

	first, err := m.GetToken(context.Background(), false)
	require.NoError(t, err)
	second, err := m.GetToken(context.Background(), false)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, provider.silentCalls)
}

func TestGetTokenForceRefreshBypassesCache(t *testing.T) {
	provider := newFakeProvider(Account{ID: "a", Username: "a@example.com"})
	m, _ := newTestManager(t, provider)

	_, err := m.GetToken(context.Background(), false)
	require.NoError(t, err)

	refreshed, err := m.GetToken(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, "silent-token-2", refreshed)
	assert.Equal(t, 2, provider.silentCalls)
}

func TestGetTokenExpiredTokenIsRefreshed(t *testing.T) {
	provider := newFakeProvider(Account{ID: "a", Username: "a@example.com"})
	provider.silentToken = &Token{
		AccessToken: "short-lived",
		// Inside the expiry margin, so the cache never serves it.
		Expiry: time.Now().Add(5 * time.Second),
	}
	m, _ := newTestManager(t, provider)

	_, err := m.GetToken(context.Background(), false)
	require.NoError(t, err)
	_, err = m.GetToken(context.Background(), false)
	require.NoError(t, err)

	assert.Equal(t, 2, provider.silentCalls)
}

func TestGetTokenSilentFailure(t *testing.T) {
	provider := newFakeProvider(Account{ID: "a", Username: "a@example.com"})
	provider.silentErr = errors.New("invalid_grant")
	m, _ := newTestManager(t, provider)

	_, err := m.GetToken(context.Background(), false)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSilentAcquisitionFailed)
}

func TestPassthroughModeReturnsInjectedToken(t *testing.T) {
	provider := newFakeProvider(Account{ID: "a", Username: "a@example.com"})
	m, _ := newTestManager(t, provider, func(o *Options) {
		o.BearerToken = "injected-token"
	})

	require.True(t, m.IsPassthrough())

	// forceRefresh still returns the injected token verbatim without
	// calling the provider.
	token, err := m.GetToken(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, "injected-token", token)
	assert.Equal(t, 0, provider.silentCalls)
}

func TestPassthroughModeFromEnvironment(t *testing.T) {
	t.Setenv(EnvAccessToken, "env-token")

	m, _ := newTestManager(t, newFakeProvider())

	token, err := m.GetToken(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, "env-token", token)
}

func TestPassthroughModeRejectsDeviceCode(t *testing.T) {
	m, _ := newTestManager(t, newFakeProvider(), func(o *Options) {
		o.BearerToken = "injected-token"
	})

	_, err := m.AcquireTokenByDeviceCode(context.Background(), func(string) {})
	assert.Error(t, err)
}

func TestAcquireTokenByDeviceCode(t *testing.T) {
	provider := newFakeProvider()
	m, store := newTestManager(t, provider)

	var messages []string
	token, err := m.AcquireTokenByDeviceCode(context.Background(), func(msg string) {
		messages = append(messages, msg)
	})
	require.NoError(t, err)
	assert.Equal(t, "device-token", token)

	// The progress callback fired exactly once with the instruction.
	require.Len(t, messages, 1)
	assert.Contains(t, messages[0], "devicelogin")

	// The new account was auto-selected and persisted.
	account, ok := m.GetCurrentAccount()
	require.True(t, ok)
	assert.Equal(t, "new-account", account.ID)

	data, _, err := store.Load(RecordSelectedAccount)
	require.NoError(t, err)
	assert.Equal(t, "new-account", string(data))

	// The cache blob was persisted.
	blob, _, err := store.Load(RecordTokenCache)
	require.NoError(t, err)
	assert.NotEmpty(t, blob)
}

func TestAcquireTokenByDeviceCodeKeepsExistingSelection(t *testing.T) {
	provider := newFakeProvider(Account{ID: "a", Username: "a@example.com"})
	m, _ := newTestManager(t, provider)
	require.True(t, m.SelectAccount("a"))

	_, err := m.AcquireTokenByDeviceCode(context.Background(), func(string) {})
	require.NoError(t, err)

	account, ok := m.GetCurrentAccount()
	require.True(t, ok)
	assert.Equal(t, "a", account.ID)
}

func TestAcquireTokenByDeviceCodeRequiresProgress(t *testing.T) {
	m, _ := newTestManager(t, newFakeProvider())

	_, err := m.AcquireTokenByDeviceCode(context.Background(), nil)
	assert.Error(t, err)
}

func TestAcquireTokenByDeviceCodeFailure(t *testing.T) {
	provider := newFakeProvider()
	provider.deviceWaitErr = errors.New("authorization_declined")
	m, store := newTestManager(t, provider)

	_, err := m.AcquireTokenByDeviceCode(context.Background(), func(string) {})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDeviceCodeFailed)

	// No state was mutated.
	_, ok := m.GetCurrentAccount()
	assert.False(t, ok)
	data, _, err := store.Load(RecordSelectedAccount)
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestAcquireTokenByDeviceCodeTimeout(t *testing.T) {
	provider := newFakeProvider()
	provider.deviceBlocks = true
	provider.deviceCode = &DeviceCode{
		UserCode:        "ABCD1234",
		VerificationURI: "https://microsoft.com/devicelogin",
		Message:         "To sign in, open https://microsoft.com/devicelogin and enter the code ABCD1234.",
		Expiry:          time.Now().Add(50 * time.Millisecond),
	}
	m, _ := newTestManager(t, provider)

	_, err := m.AcquireTokenByDeviceCode(context.Background(), func(string) {})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDeviceCodeTimeout)
}

func TestAcquireTokenByDeviceCodeCallerCancellation(t *testing.T) {
	provider := newFakeProvider()
	provider.deviceBlocks = true
	m, _ := newTestManager(t, provider)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := m.AcquireTokenByDeviceCode(ctx, func(string) {})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDeviceCodeTimeout)
}

func TestGetTokenForAccountUnknownIDFails(t *testing.T) {
	m, _ := newTestManager(t, newFakeProvider(Account{ID: "a", Username: "a@example.com"}))

	_, err := m.GetTokenForAccount(context.Background(), "nope")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestLogoutClearsEverything(t *testing.T) {
	provider := newFakeProvider(Account{ID: "a", Username: "a@example.com"})
	m, store := newTestManager(t, provider)
	require.True(t, m.SelectAccount("a"))
	_, err := m.GetToken(context.Background(), false)
	require.NoError(t, err)

	require.NoError(t, m.Logout(context.Background()))

	_, ok := m.GetCurrentAccount()
	assert.False(t, ok)
	assert.Empty(t, m.ListAccounts())

	cache, _, err := store.Load(RecordTokenCache)
	require.NoError(t, err)
	assert.Nil(t, cache)
	selection, _, err := store.Load(RecordSelectedAccount)
	require.NoError(t, err)
	assert.Nil(t, selection)
}

func TestMutationSurvivesVaultSaveFailure(t *testing.T) {
	provider := newFakeProvider(
		Account{ID: "a", Username: "a@example.com"},
		Account{ID: "b", Username: "b@example.com"},
	)
	kr := newFakeKeyring()
	kr.setErr = errors.New("dbus unavailable")
	store := newTestStore(t, kr)

	m, err := NewManager(Options{Catalog: testCatalog(t), Store: store, Provider: provider})
	require.NoError(t, err)
	require.NoError(t, m.Initialize(context.Background()))

	// The mutation succeeds even though the vault write fails; the
	// pointer lands in the fallback file instead.
	require.True(t, m.SelectAccount("b"))

	data, err := os.ReadFile(store.FilePath(RecordSelectedAccount))
	require.NoError(t, err)
	assert.Equal(t, "b", string(data))
}

func TestInitializeRestoresPersistedState(t *testing.T) {
	store := newTestStore(t, newFakeKeyring())

	// Simulate a previous session.
	seed := newFakeProvider(
		Account{ID: "a", Username: "a@example.com"},
		Account{ID: "b", Username: "b@example.com"},
	)
	blob, err := seed.MarshalCache()
	require.NoError(t, err)
	_, err = store.Save(RecordTokenCache, blob)
	require.NoError(t, err)
	_, err = store.Save(RecordSelectedAccount, []byte("b"))
	require.NoError(t, err)

	provider := newFakeProvider()
	m, err := NewManager(Options{Catalog: testCatalog(t), Store: store, Provider: provider})
	require.NoError(t, err)
	require.NoError(t, m.Initialize(context.Background()))

	account, ok := m.GetCurrentAccount()
	require.True(t, ok)
	assert.Equal(t, "b", account.ID)
	assert.Len(t, m.ListAccounts(), 2)
}

func TestInitializeToleratesCorruptCache(t *testing.T) {
	store := newTestStore(t, newFakeKeyring())
	_, err := store.Save(RecordTokenCache, []byte("not json"))
	require.NoError(t, err)

	provider := newFakeProvider()
	m, err := NewManager(Options{Catalog: testCatalog(t), Store: store, Provider: provider})
	require.NoError(t, err)

	// An unreadable cache is treated as empty, not fatal.
	require.NoError(t, m.Initialize(context.Background()))
	assert.Empty(t, m.ListAccounts())
}

func TestScopesForTool(t *testing.T) {
	m, _ := newTestManager(t, newFakeProvider())

	scopes, ok := m.ScopesForTool("list-mail-messages")
	require.True(t, ok)
	assert.Equal(t, []string{"Mail.Read"}, scopes)

	_, ok = m.ScopesForTool("no-such-tool")
	assert.False(t, ok)
}

func TestConcurrentGetTokenSingleFlight(t *testing.T) {
	provider := newFakeProvider(Account{ID: "a", Username: "a@example.com"})
	provider.silentDelay = 50 * time.Millisecond
	m, _ := newTestManager(t, provider)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.GetToken(context.Background(), true)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// Concurrent refreshes collapse; far fewer provider calls than callers.
	assert.Less(t, provider.silentCalls, 8)
}
