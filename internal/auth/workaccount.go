package auth

import (
	"context"

	"graphmcp/pkg/logging"
)

// HasWorkAccountPermissions probes whether the current account already
// holds the work-account scope tier. The probe is a silent acquisition for
// exactly one work-tier scope and mutates no cached or persisted state. It
// returns false on any failure, including when no account is signed in.
func (m *Manager) HasWorkAccountPermissions(ctx context.Context) bool {
	account, ok := m.GetCurrentAccount()
	if !ok {
		return false
	}

	workScopes := WorkScopes(m.catalog.Operations())
	if len(workScopes) == 0 {
		return false
	}
	probe := workScopes[0]

	if _, err := m.provider.AcquireSilent(ctx, account.ID, []string{probe}); err != nil {
		logging.Debug("Auth", "Work-tier probe with scope %s failed for %s: %v", probe, account.Username, err)
		return false
	}
	return true
}

// ExpandToWorkScopes widens the broker to the work-account scope tier. It
// recomputes the full scope set with work-tier scopes included, runs the
// device-code flow against it, and on success replaces the working scope
// set, caches the new token, and persists state as a normal interactive
// sign-in does. Returns false on failure with no partial mutation.
func (m *Manager) ExpandToWorkScopes(ctx context.Context, progress func(string)) bool {
	full := BuildScopes(m.catalog.Operations(), true)

	tok, err := m.acquireByDeviceCode(ctx, full, progress)
	if err != nil {
		logging.Warn("Auth", "Work-tier scope expansion failed: %v", err)
		return false
	}

	m.mu.Lock()
	m.scopes = full
	m.mu.Unlock()

	m.adoptToken(tok)
	logging.Info("Auth", "Working scope set expanded to the work-account tier")
	return true
}
