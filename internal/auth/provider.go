package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"graphmcp/pkg/logging"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"
)

// Account identifies a signed-in identity. Accounts are owned by the
// identity provider; the rest of the auth layer references them by ID only.
type Account struct {
	// ID is the stable, provider-issued account identifier
	// (object id + tenant id for the Microsoft identity platform).
	ID string `json:"id"`

	// Username is the account's sign-in name (usually an email address).
	Username string `json:"username"`

	// Name is the account's display name.
	Name string `json:"name,omitempty"`
}

// Token is an access token with its expiry and the account it belongs to.
// Tokens are held in memory only; durable state is the provider's opaque
// cache blob.
type Token struct {
	AccessToken string
	Expiry      time.Time
	Account     Account
}

// DeviceCode describes a pending device-code authorization.
type DeviceCode struct {
	// UserCode is the short code the user enters in the browser.
	UserCode string

	// VerificationURI is where the user completes the sign-in.
	VerificationURI string

	// Message is the provider's human-readable sign-in instruction.
	Message string

	// Expiry is when the pending authorization lapses.
	Expiry time.Time

	resp *oauth2.DeviceAuthResponse
}

// ProviderClient is the identity-provider surface the auth manager depends
// on. The production implementation talks to the Microsoft identity
// platform; tests substitute a fake.
type ProviderClient interface {
	// AcquireSilent obtains a token for a known account without user
	// interaction, typically via its refresh token.
	AcquireSilent(ctx context.Context, accountID string, scopes []string) (*Token, error)

	// StartDeviceCode requests a device code for an interactive sign-in.
	StartDeviceCode(ctx context.Context, scopes []string) (*DeviceCode, error)

	// WaitDeviceCode blocks until the user completes the sign-in, the
	// flow expires, or ctx is done.
	WaitDeviceCode(ctx context.Context, dc *DeviceCode) (*Token, error)

	// Accounts enumerates the provider's cached accounts.
	Accounts() []Account

	// RemoveAccount drops an account and its credentials from the
	// provider cache. Returns false if the account is unknown.
	RemoveAccount(accountID string) bool

	// MarshalCache serializes the provider's credential cache. The
	// resulting bytes are opaque to callers.
	MarshalCache() ([]byte, error)

	// UnmarshalCache restores the provider's credential cache from bytes
	// previously produced by MarshalCache. Nil or empty input resets the
	// cache.
	UnmarshalCache(data []byte) error
}

// reservedScopes are always requested in addition to the resource scopes so
// that the provider returns an id_token (account identity) and a refresh
// token (silent acquisition).
var reservedScopes = []string{"openid", "profile", "offline_access"}

func withReservedScopes(scopes []string) []string {
	have := make(map[string]bool, len(scopes))
	for _, s := range scopes {
		have[s] = true
	}
	out := make([]string, 0, len(scopes)+len(reservedScopes))
	out = append(out, scopes...)
	for _, s := range reservedScopes {
		if !have[s] {
			out = append(out, s)
		}
	}
	return out
}

// cachedAccount is one entry of the provider's serializable cache.
type cachedAccount struct {
	Account      Account `json:"account"`
	RefreshToken string  `json:"refreshToken"`
}

// providerCache is the serialized form of the provider's credential cache.
// Its layout is private to the provider; everything else treats the
// marshaled bytes as opaque.
type providerCache struct {
	Version  int                       `json:"version"`
	Accounts map[string]*cachedAccount `json:"accounts"`
}

// MicrosoftProvider implements ProviderClient against the Microsoft
// identity platform v2.0 endpoints using the device-authorization and
// refresh-token grants.
type MicrosoftProvider struct {
	mu       sync.Mutex
	config   oauth2.Config
	accounts map[string]*cachedAccount
}

// NewMicrosoftProvider creates a provider for the given public client id
// and tenant ("common", "consumers", "organizations", or a directory id).
func NewMicrosoftProvider(clientID, tenant string) *MicrosoftProvider {
	return &MicrosoftProvider{
		config: oauth2.Config{
			ClientID: clientID,
			Endpoint: microsoft.AzureADEndpoint(tenant),
		},
		accounts: make(map[string]*cachedAccount),
	}
}

// scopedConfig returns a copy of the OAuth config carrying the requested
// scopes plus the reserved OIDC scopes.
func (p *MicrosoftProvider) scopedConfig(scopes []string) *oauth2.Config {
	cfg := p.config
	cfg.Scopes = withReservedScopes(scopes)
	return &cfg
}

// AcquireSilent redeems the account's refresh token for a fresh access
// token. The rotated refresh token, if any, replaces the cached one.
func (p *MicrosoftProvider) AcquireSilent(ctx context.Context, accountID string, scopes []string) (*Token, error) {
	p.mu.Lock()
	entry, ok := p.accounts[accountID]
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}

	cfg := p.scopedConfig(scopes)
	src := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: entry.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("refresh grant failed for account %s: %w", accountID, err)
	}

	p.mu.Lock()
	if tok.RefreshToken != "" && tok.RefreshToken != entry.RefreshToken {
		entry.RefreshToken = tok.RefreshToken
	}
	account := entry.Account
	p.mu.Unlock()

	return &Token{
		AccessToken: tok.AccessToken,
		Expiry:      tok.Expiry,
		Account:     account,
	}, nil
}

// StartDeviceCode requests a device code for the given scopes.
func (p *MicrosoftProvider) StartDeviceCode(ctx context.Context, scopes []string) (*DeviceCode, error) {
	cfg := p.scopedConfig(scopes)
	resp, err := cfg.DeviceAuth(ctx)
	if err != nil {
		return nil, fmt.Errorf("device authorization request failed: %w", err)
	}

	message := resp.VerificationURIComplete
	if message != "" {
		message = fmt.Sprintf("To sign in, open %s in a web browser.", message)
	} else {
		message = fmt.Sprintf("To sign in, use a web browser to open %s and enter the code %s.",
			resp.VerificationURI, resp.UserCode)
	}

	return &DeviceCode{
		UserCode:        resp.UserCode,
		VerificationURI: resp.VerificationURI,
		Message:         message,
		Expiry:          resp.Expiry,
		resp:            resp,
	}, nil
}

// WaitDeviceCode polls the token endpoint until the user completes the
// sign-in, the device code expires, or ctx is done. On success the account
// is added to the provider cache.
func (p *MicrosoftProvider) WaitDeviceCode(ctx context.Context, dc *DeviceCode) (*Token, error) {
	if dc == nil || dc.resp == nil {
		return nil, fmt.Errorf("no device authorization in progress")
	}

	tok, err := p.config.DeviceAccessToken(ctx, dc.resp)
	if err != nil {
		return nil, fmt.Errorf("device code exchange failed: %w", err)
	}

	account, err := accountFromIDToken(tok)
	if err != nil {
		return nil, fmt.Errorf("could not identify signed-in account: %w", err)
	}

	p.mu.Lock()
	p.accounts[account.ID] = &cachedAccount{
		Account:      account,
		RefreshToken: tok.RefreshToken,
	}
	p.mu.Unlock()

	logging.Info("Auth", "Device code sign-in completed for %s", account.Username)

	return &Token{
		AccessToken: tok.AccessToken,
		Expiry:      tok.Expiry,
		Account:     account,
	}, nil
}

// accountFromIDToken derives the account identity from the id_token issued
// alongside the access token. The id_token was received directly from the
// token endpoint over TLS, so its signature is not re-verified here.
func accountFromIDToken(tok *oauth2.Token) (Account, error) {
	raw, _ := tok.Extra("id_token").(string)
	if raw == "" {
		return Account{}, fmt.Errorf("token response contained no id_token")
	}

	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(raw, claims); err != nil {
		return Account{}, fmt.Errorf("failed to parse id_token: %w", err)
	}

	oid, _ := claims["oid"].(string)
	tid, _ := claims["tid"].(string)
	if oid == "" {
		return Account{}, fmt.Errorf("id_token has no oid claim")
	}

	// Home account id in the provider's oid.tid form.
	id := oid
	if tid != "" {
		id = oid + "." + tid
	}

	username, _ := claims["preferred_username"].(string)
	name, _ := claims["name"].(string)

	return Account{
		ID:       id,
		Username: username,
		Name:     name,
	}, nil
}

// Accounts returns the cached accounts, sorted by username for stable output.
func (p *MicrosoftProvider) Accounts() []Account {
	p.mu.Lock()
	defer p.mu.Unlock()

	accounts := make([]Account, 0, len(p.accounts))
	for _, entry := range p.accounts {
		accounts = append(accounts, entry.Account)
	}
	sort.Slice(accounts, func(i, j int) bool {
		if accounts[i].Username != accounts[j].Username {
			return accounts[i].Username < accounts[j].Username
		}
		return accounts[i].ID < accounts[j].ID
	})
	return accounts
}

// RemoveAccount drops an account and its refresh token from the cache.
func (p *MicrosoftProvider) RemoveAccount(accountID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.accounts[accountID]; !ok {
		return false
	}
	delete(p.accounts, accountID)
	return true
}

// MarshalCache serializes the provider's credential cache.
func (p *MicrosoftProvider) MarshalCache() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return json.Marshal(providerCache{
		Version:  1,
		Accounts: p.accounts,
	})
}

// UnmarshalCache restores the credential cache. Nil or empty input resets
// the cache to empty.
func (p *MicrosoftProvider) UnmarshalCache(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(data) == 0 {
		p.accounts = make(map[string]*cachedAccount)
		return nil
	}

	var cache providerCache
	if err := json.Unmarshal(data, &cache); err != nil {
		return fmt.Errorf("failed to unmarshal credential cache: %w", err)
	}
	if cache.Accounts == nil {
		cache.Accounts = make(map[string]*cachedAccount)
	}
	p.accounts = cache.Accounts
	return nil
}
