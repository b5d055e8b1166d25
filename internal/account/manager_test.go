package account

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rolledback/cloudgate/internal/httpx"
	"github.com/rolledback/cloudgate/internal/provider"
	"github.com/rolledback/cloudgate/internal/settings"
)

// fakeFactory builds providers whose general data is fixed per creation.
type fakeFactory struct {
	username string
	probeErr error
}

func (f *fakeFactory) Kind() provider.Kind { return provider.Kind("fake") }

func (f *fakeFactory) AuthorizationURL(data provider.AuthData) string {
	return "https://auth.example.com/?state=" + data.State
}

func (f *fakeFactory) ExchangeAuthorizationCode(ctx context.Context, client httpx.Client, data provider.AuthData, code string) (*provider.Token, error) {
	return &provider.Token{AccessToken: "exchanged:" + code}, nil
}

func (f *fakeFactory) RefreshAccessToken(ctx context.Context, client httpx.Client, data provider.AuthData, tok *provider.Token) (*provider.Token, error) {
	return &provider.Token{AccessToken: tok.AccessToken + "+"}, nil
}

func (f *fakeFactory) New(deps provider.Deps) provider.Provider {
	return &fakeProvider{factory: f}
}

type fakeProvider struct {
	provider.Unsupported
	factory *fakeFactory
}

func (p *fakeProvider) Kind() provider.Kind { return provider.Kind("fake") }

func (p *fakeProvider) Root(ctx context.Context) (provider.Item, error) {
	return provider.Item{ID: "root", IsDir: true, Kind: "fake"}, nil
}

func (p *fakeProvider) ListDirectoryPage(ctx context.Context, dir provider.Item, pageToken string) (provider.PageData, error) {
	return provider.PageData{}, nil
}

func (p *fakeProvider) GeneralData(ctx context.Context) (provider.GeneralData, error) {
	if p.factory.probeErr != nil {
		return provider.GeneralData{}, p.factory.probeErr
	}
	return provider.GeneralData{Username: p.factory.username}, nil
}

func nopHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
}

func newTestManager(t *testing.T, factory *fakeFactory) (*Manager, *settings.Store) {
	t.Helper()
	registry := provider.NewRegistry()
	registry.Register(factory)
	store := settings.NewStore(filepath.Join(t.TempDir(), "settings.json"))
	m := NewManager(Config{
		Registry: registry,
		Store:    store,
		Client:   httpx.New(httpx.Options{}),
		AuthData: func(provider.Kind) provider.AuthData { return provider.AuthData{} },
		Handlers: func(a *Account) []HandlerEntry {
			id := a.ID()
			return []HandlerEntry{
				{AccountID: id, Prefix: "/remove/" + id, Handler: nopHandler()},
				{AccountID: id, Prefix: "/" + id, Handler: nopHandler()},
			}
		},
	})
	return m, store
}

func TestManager_CreateInstallsAccountAndPersistsToken(t *testing.T) {
	m, store := newTestManager(t, &fakeFactory{username: "alice@example.com"})

	a, err := m.Create(context.Background(), "fake", &provider.Token{AccessToken: "T1", RefreshToken: "R1"})
	require.NoError(t, err)
	assert.Equal(t, "fake/alice@example.com", a.ID())

	accounts := m.Accounts()
	require.Len(t, accounts, 1)

	entry, acct := m.ChooseHandler("/fake/alice@example.com/some/file")
	require.NotNil(t, entry)
	require.NotNil(t, acct)
	assert.Equal(t, a, acct)

	entries, err := store.Load()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "fake", entries[0].Type)
	assert.Equal(t, "alice@example.com", entries[0].ID)
	assert.Equal(t, "T1", entries[0].AccessToken)
}

func TestManager_DuplicateAccountReplaced(t *testing.T) {
	m, store := newTestManager(t, &fakeFactory{username: "alice@example.com"})

	first, err := m.Create(context.Background(), "fake", &provider.Token{AccessToken: "T1"})
	require.NoError(t, err)
	second, err := m.Create(context.Background(), "fake", &provider.Token{AccessToken: "T2"})
	require.NoError(t, err)

	accounts := m.Accounts()
	require.Len(t, accounts, 1)
	assert.Equal(t, second, accounts[0])
	assert.Greater(t, second.Version(), first.Version())

	// The replaced account's context is cancelled.
	assert.Error(t, first.Context().Err())
	assert.NoError(t, second.Context().Err())

	// Exactly one token entry remains and it is the new one.
	entries, err := store.Load()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "T2", entries[0].AccessToken)

	// The handler table routes to the new account only.
	_, acct := m.ChooseHandler("/fake/alice@example.com/x")
	assert.Equal(t, second, acct)
}

func TestManager_CreateProbeFailureDiscardsAccount(t *testing.T) {
	m, store := newTestManager(t, &fakeFactory{probeErr: errors.New("probe failed")})

	_, err := m.Create(context.Background(), "fake", &provider.Token{AccessToken: "T1"})
	require.Error(t, err)
	assert.Empty(t, m.Accounts())

	entries, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestManager_RemoveDetachesHandlersAndToken(t *testing.T) {
	m, store := newTestManager(t, &fakeFactory{username: "alice@example.com"})

	a, err := m.Create(context.Background(), "fake", &provider.Token{AccessToken: "T1"})
	require.NoError(t, err)

	m.Remove(a.ID())

	assert.Empty(t, m.Accounts())
	entry, _ := m.ChooseHandler("/fake/alice@example.com/x")
	assert.Nil(t, entry)
	assert.Error(t, a.Context().Err())

	entries, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestManager_RestoreTrustsPersistedID(t *testing.T) {
	factory := &fakeFactory{probeErr: errors.New("network down")}
	m, store := newTestManager(t, factory)

	require.NoError(t, store.Save(settings.Entry{
		Type:        "fake",
		ID:          "alice@example.com",
		AccessToken: "T1",
	}))

	// Restore must not probe the provider: it works while the network is
	// down.
	require.NoError(t, m.Restore())

	accounts := m.Accounts()
	require.Len(t, accounts, 1)
	assert.Equal(t, "fake/alice@example.com", accounts[0].ID())

	_, acct := m.ChooseHandler("/fake/alice@example.com/x")
	assert.Equal(t, accounts[0], acct)
}

func TestManager_RestoreSkipsUnknownKinds(t *testing.T) {
	m, store := newTestManager(t, &fakeFactory{username: "alice"})
	require.NoError(t, store.Save(settings.Entry{Type: "unknown", ID: "x", AccessToken: "T"}))

	require.NoError(t, m.Restore())
	assert.Empty(t, m.Accounts())
}

func TestManager_ShutdownDrainsAll(t *testing.T) {
	m, _ := newTestManager(t, &fakeFactory{username: "alice"})
	a, err := m.Create(context.Background(), "fake", &provider.Token{AccessToken: "T1"})
	require.NoError(t, err)

	m.Shutdown()
	assert.Empty(t, m.Accounts())
	assert.Error(t, a.Context().Err())
}

func TestManager_ChooseHandlerLongestPrefixWins(t *testing.T) {
	m, _ := newTestManager(t, &fakeFactory{username: "alice"})
	_, err := m.Create(context.Background(), "fake", &provider.Token{AccessToken: "T1"})
	require.NoError(t, err)

	entry, _ := m.ChooseHandler("/remove/fake/alice")
	require.NotNil(t, entry)
	assert.Equal(t, "/remove/fake/alice", entry.Prefix)

	entry, _ = m.ChooseHandler("/fake/alice/dir/file")
	require.NotNil(t, entry)
	assert.Equal(t, "/fake/alice", entry.Prefix)
}

func TestEncodeID(t *testing.T) {
	// '@' is a valid path-segment character and stays literal.
	assert.Equal(t, "google/alice@example.com", EncodeID("google/alice@example.com"))
	assert.Equal(t, "google/a%20b%2Fc", EncodeID("google/a b/c"))
}
