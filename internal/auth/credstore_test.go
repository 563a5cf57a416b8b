package auth

import (
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
)

// fakeKeyring is an in-memory keyring backend with optional injected
// failures.
type fakeKeyring struct {
	data   map[string]string
	getErr error
	setErr error
	delErr error
}

func newFakeKeyring() *fakeKeyring {
	return &fakeKeyring{data: make(map[string]string)}
}

func (f *fakeKeyring) Get(service, user string) (string, error) {
	if f.getErr != nil {
		return "", f.getErr
	}
	v, ok := f.data[service+"/"+user]
	if !ok {
		return "", keyring.ErrNotFound
	}
	return v, nil
}

func (f *fakeKeyring) Set(service, user, password string) error {
	if f.setErr != nil {
		return f.setErr
	}
	f.data[service+"/"+user] = password
	return nil
}

func (f *fakeKeyring) Delete(service, user string) error {
	if f.delErr != nil {
		return f.delErr
	}
	key := service + "/" + user
	if _, ok := f.data[key]; !ok {
		return keyring.ErrNotFound
	}
	delete(f.data, key)
	return nil
}

func newTestStore(t *testing.T, kr keyringBackend) *CredentialStore {
	t.Helper()
	store := NewCredentialStore(t.TempDir())
	store.keyring = kr
	return store
}

func TestCredentialStoreVaultRoundTrip(t *testing.T) {
	store := newTestStore(t, newFakeKeyring())

	outcome, err := store.Save(RecordTokenCache, []byte("blob"))
	require.NoError(t, err)
	assert.Equal(t, TierOK, outcome.Vault)
	assert.Equal(t, TierSkipped, outcome.File)

	data, outcome, err := store.Load(RecordTokenCache)
	require.NoError(t, err)
	assert.Equal(t, []byte("blob"), data)
	assert.Equal(t, TierOK, outcome.Vault)
	assert.Equal(t, TierSkipped, outcome.File)

	// The file tier must not have been touched.
	_, statErr := os.Stat(store.FilePath(RecordTokenCache))
	assert.True(t, os.IsNotExist(statErr))
}

func TestCredentialStoreSaveFallsBackToFile(t *testing.T) {
	kr := newFakeKeyring()
	kr.setErr = errors.New("dbus unavailable")
	store := newTestStore(t, kr)

	payload := []byte(`{"version":1,"accounts":{}}`)
	outcome, err := store.Save(RecordTokenCache, payload)
	require.NoError(t, err)
	assert.Equal(t, TierFailed, outcome.Vault)
	assert.Equal(t, TierOK, outcome.File)

	// The fallback file holds identical bytes with restricted permissions.
	data, err := os.ReadFile(store.FilePath(RecordTokenCache))
	require.NoError(t, err)
	assert.Equal(t, payload, data)

	info, err := os.Stat(store.FilePath(RecordTokenCache))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestCredentialStoreLoadPrefersVault(t *testing.T) {
	kr := newFakeKeyring()
	store := newTestStore(t, kr)

	// Entry present in both tiers: the vault wins, the file is not read.
	require.NoError(t, os.WriteFile(store.FilePath(RecordSelectedAccount), []byte("file-account"), 0600))
	require.NoError(t, kr.Set(keyringService, string(RecordSelectedAccount), "vault-account"))

	data, outcome, err := store.Load(RecordSelectedAccount)
	require.NoError(t, err)
	assert.Equal(t, "vault-account", string(data))
	assert.Equal(t, TierOK, outcome.Vault)
	assert.Equal(t, TierSkipped, outcome.File)
}

func TestCredentialStoreLoadFallsBackOnVaultError(t *testing.T) {
	kr := newFakeKeyring()
	kr.getErr = errors.New("keyring locked")
	store := newTestStore(t, kr)

	require.NoError(t, os.WriteFile(store.FilePath(RecordSelectedAccount), []byte("file-account"), 0600))

	data, outcome, err := store.Load(RecordSelectedAccount)
	require.NoError(t, err)
	assert.Equal(t, "file-account", string(data))
	assert.Equal(t, TierFailed, outcome.Vault)
	assert.Equal(t, TierOK, outcome.File)
}

func TestCredentialStoreLoadAbsent(t *testing.T) {
	store := newTestStore(t, newFakeKeyring())

	data, outcome, err := store.Load(RecordTokenCache)
	require.NoError(t, err)
	assert.Nil(t, data)
	assert.Equal(t, TierMiss, outcome.Vault)
	assert.Equal(t, TierMiss, outcome.File)
}

func TestCredentialStoreDeleteClearsBothBackends(t *testing.T) {
	kr := newFakeKeyring()
	store := newTestStore(t, kr)

	require.NoError(t, kr.Set(keyringService, string(RecordTokenCache), "vault-blob"))
	require.NoError(t, os.WriteFile(store.FilePath(RecordTokenCache), []byte("file-blob"), 0600))

	require.NoError(t, store.Delete(RecordTokenCache))

	_, err := kr.Get(keyringService, string(RecordTokenCache))
	assert.ErrorIs(t, err, keyring.ErrNotFound)
	_, statErr := os.Stat(store.FilePath(RecordTokenCache))
	assert.True(t, os.IsNotExist(statErr))

	// Deleting again is not an error.
	require.NoError(t, store.Delete(RecordTokenCache))
}

func TestCredentialStoreDeleteSurvivesKeyringFailure(t *testing.T) {
	kr := newFakeKeyring()
	kr.delErr = errors.New("keyring locked")
	store := newTestStore(t, kr)

	require.NoError(t, os.WriteFile(store.FilePath(RecordTokenCache), []byte("file-blob"), 0600))

	require.NoError(t, store.Delete(RecordTokenCache))
	_, statErr := os.Stat(store.FilePath(RecordTokenCache))
	assert.True(t, os.IsNotExist(statErr))
}
