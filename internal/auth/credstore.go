package auth

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"graphmcp/pkg/logging"

	"github.com/zalando/go-keyring"
)

// keyringService is the fixed service name under which graphmcp credentials
// are stored in the platform keyring.
const keyringService = "graphmcp"

// Record identifies one of the two logical credential records.
type Record string

const (
	// RecordTokenCache is the identity provider's opaque serialized
	// credential cache.
	RecordTokenCache Record = "token-cache"

	// RecordSelectedAccount is the persisted selected-account pointer.
	RecordSelectedAccount Record = "selected-account"
)

// TierStatus reports what happened at one storage tier during an operation.
type TierStatus string

const (
	// TierSkipped means the tier was not consulted.
	TierSkipped TierStatus = "skipped"

	// TierOK means the tier served the operation.
	TierOK TierStatus = "ok"

	// TierMiss means the tier was consulted and held no entry.
	TierMiss TierStatus = "miss"

	// TierFailed means the tier returned an error.
	TierFailed TierStatus = "failed"
)

// Outcome reports per-tier results so callers and tests can assert which
// storage path actually served an operation.
type Outcome struct {
	Vault TierStatus
	File  TierStatus
}

// keyringBackend abstracts the platform keyring so tests can inject a fake.
type keyringBackend interface {
	Get(service, user string) (string, error)
	Set(service, user, password string) error
	Delete(service, user string) error
}

// systemKeyring is the production keyring backend.
type systemKeyring struct{}

func (systemKeyring) Get(service, user string) (string, error) {
	return keyring.Get(service, user)
}

func (systemKeyring) Set(service, user, password string) error {
	return keyring.Set(service, user, password)
}

func (systemKeyring) Delete(service, user string) error {
	return keyring.Delete(service, user)
}

// isKeyringMiss reports whether a keyring error means "no entry" rather
// than a backend failure.
func isKeyringMiss(err error) bool {
	return errors.Is(err, keyring.ErrNotFound)
}

// CredentialStore persists the two credential records with two tiers: the
// platform keyring first, falling back to a plaintext file when the keyring
// is unavailable. The keyring is always preferred and never bypassed
// opportunistically; the file tier only serves when the keyring cannot.
//
// There is no transactional guarantee across the pair of backends; a write
// is atomic only within the tier that accepted it.
type CredentialStore struct {
	keyring keyringBackend
	dir     string
}

// NewCredentialStore creates a credential store with the fallback file
// directory rooted at dir.
func NewCredentialStore(dir string) *CredentialStore {
	return &CredentialStore{
		keyring: systemKeyring{},
		dir:     dir,
	}
}

// FilePath returns the fallback file path for a record.
func (s *CredentialStore) FilePath(record Record) string {
	return filepath.Join(s.dir, string(record)+".json")
}

// Load reads a record. The keyring is consulted first; the fallback file is
// only read when the keyring held nothing (miss or error). An absent record
// is reported as nil data with no error.
func (s *CredentialStore) Load(record Record) ([]byte, Outcome, error) {
	outcome := Outcome{Vault: TierSkipped, File: TierSkipped}

	value, err := s.keyring.Get(keyringService, string(record))
	switch {
	case err == nil:
		outcome.Vault = TierOK
		return []byte(value), outcome, nil
	case isKeyringMiss(err):
		outcome.Vault = TierMiss
	default:
		outcome.Vault = TierFailed
		logging.Warn("CredentialStore", "Keyring read for %s failed, consulting fallback file: %v", record, err)
	}

	data, err := os.ReadFile(s.FilePath(record))
	if err != nil {
		if os.IsNotExist(err) {
			outcome.File = TierMiss
			return nil, outcome, nil
		}
		outcome.File = TierFailed
		return nil, outcome, fmt.Errorf("failed to read fallback file for %s: %w", record, err)
	}

	outcome.File = TierOK
	return data, outcome, nil
}

// Save writes a record. The keyring is attempted first; the fallback file is
// written only when the keyring write failed.
func (s *CredentialStore) Save(record Record, data []byte) (Outcome, error) {
	outcome := Outcome{Vault: TierSkipped, File: TierSkipped}

	err := s.keyring.Set(keyringService, string(record), string(data))
	if err == nil {
		outcome.Vault = TierOK
		return outcome, nil
	}

	outcome.Vault = TierFailed
	logging.Warn("CredentialStore", "Keyring write for %s failed, using fallback file: %v", record, err)

	if err := os.MkdirAll(s.dir, 0700); err != nil {
		outcome.File = TierFailed
		return outcome, fmt.Errorf("failed to create credential directory: %w", err)
	}
	if err := os.WriteFile(s.FilePath(record), data, 0600); err != nil {
		outcome.File = TierFailed
		return outcome, fmt.Errorf("failed to write fallback file for %s: %w", record, err)
	}

	outcome.File = TierOK
	return outcome, nil
}

// Delete removes a record from both backends unconditionally. It is
// idempotent: an already-absent entry in either backend is not an error.
// A keyring failure is logged but not returned, matching the fallback
// policy of Load and Save; an unreadable keyring cannot hold a live entry
// that Save would have written.
func (s *CredentialStore) Delete(record Record) error {
	if err := s.keyring.Delete(keyringService, string(record)); err != nil && !isKeyringMiss(err) {
		logging.Warn("CredentialStore", "Keyring delete for %s failed: %v", record, err)
	}

	if err := os.Remove(s.FilePath(record)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete fallback file for %s: %w", record, err)
	}
	return nil
}
