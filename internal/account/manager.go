// Package account owns the live-account list, the request handler table,
// and account lifecycle: creation from OAuth callbacks, restoration from
// persisted tokens, removal, and shutdown draining.
package account

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/rolledback/cloudgate/internal/httpx"
	"github.com/rolledback/cloudgate/internal/media"
	"github.com/rolledback/cloudgate/internal/provider"
	"github.com/rolledback/cloudgate/internal/settings"
)

// Account is one authenticated binding to one remote provider. Its context
// is cancelled when the account is removed; in-flight requests composed with
// it stop cooperatively.
type Account struct {
	kind    provider.Kind
	version int64

	mu       sync.Mutex
	username string

	Provider provider.Provider
	Auth     *provider.AuthManager

	ctx    context.Context
	cancel context.CancelFunc
}

func (a *Account) Kind() provider.Kind { return a.kind }

func (a *Account) Version() int64 { return a.version }

// Username is empty while the account is provisioning.
func (a *Account) Username() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.username
}

func (a *Account) setUsername(username string) {
	a.mu.Lock()
	a.username = username
	a.mu.Unlock()
}

// ID is "<kind>/<username>".
func (a *Account) ID() string {
	return AccountID(a.kind, a.Username())
}

// Context is cancelled when the account is removed.
func (a *Account) Context() context.Context { return a.ctx }

// AccountID formats the account identifier.
func AccountID(kind provider.Kind, username string) string {
	return string(kind) + "/" + username
}

// EncodeID percent-encodes an account id for use in a URL path, keeping the
// kind/username separator.
func EncodeID(id string) string {
	kind, username, _ := strings.Cut(id, "/")
	return kind + "/" + url.PathEscape(username)
}

// HandlerEntry maps a decoded path prefix to a per-account handler. The
// fixed routes (static, auth, size, theme) are mounted on the outer router;
// this table only ever changes as accounts come and go.
type HandlerEntry struct {
	AccountID string
	Prefix    string
	Handler   http.Handler
}

// HandlerFactory builds the per-account request handlers when an account
// goes active: the proxy handler under "/<id>" and the removal handler
// under "/remove/<id>". Supplied by the caller, which builds the entries
// from the handlers package, to avoid an import cycle.
type HandlerFactory func(a *Account) []HandlerEntry

// Listener observes account lifecycle.
type Listener interface {
	OnCreate(a *Account)
	OnDestroy(a *Account)
}

// Manager owns the ordered account list and the handler table. All list and
// table mutations run inside its mutex; operations that suspend (network
// probes) re-validate by version afterwards.
type Manager struct {
	registry *provider.Registry
	store    *settings.Store
	client   httpx.Client
	muxer    media.Muxer
	authData func(provider.Kind) provider.AuthData
	handlers HandlerFactory
	listener Listener
	log      *zap.Logger

	mu       sync.Mutex
	version  int64
	accounts []*Account
	table    []HandlerEntry
}

// Config wires a Manager.
type Config struct {
	Registry *provider.Registry
	Store    *settings.Store
	Client   httpx.Client
	Muxer    media.Muxer
	// AuthData yields the OAuth client configuration for a provider kind.
	AuthData func(provider.Kind) provider.AuthData
	Handlers HandlerFactory
	Listener Listener
	Logger   *zap.Logger
}

func NewManager(cfg Config) *Manager {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		registry: cfg.Registry,
		store:    cfg.Store,
		client:   cfg.Client,
		muxer:    cfg.Muxer,
		authData: cfg.AuthData,
		handlers: cfg.Handlers,
		listener: cfg.Listener,
		log:      log,
	}
}

// ChooseHandler picks the entry with the longest prefix of path, plus the
// owning account when the entry has one. A stale entry whose account is gone
// returns a nil account.
func (m *Manager) ChooseHandler(path string) (*HandlerEntry, *Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *HandlerEntry
	for i := range m.table {
		entry := &m.table[i]
		if strings.HasPrefix(path, entry.Prefix) && (best == nil || len(entry.Prefix) > len(best.Prefix)) {
			best = entry
		}
	}
	if best == nil {
		return nil, nil
	}
	if best.AccountID == "" {
		return best, nil
	}
	return best, m.findLocked(best.AccountID)
}

// Accounts returns a snapshot of the active list in insertion order.
func (m *Manager) Accounts() []*Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Account, len(m.accounts))
	copy(out, m.accounts)
	return out
}

// Find returns the active account with the given id.
func (m *Manager) Find(id string) *Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.findLocked(id)
}

func (m *Manager) findLocked(id string) *Account {
	for _, a := range m.accounts {
		if a.ID() == id {
			return a
		}
	}
	return nil
}

// Restore loads persisted tokens and installs each as an active account
// without the username probe; the persisted id is trusted.
func (m *Manager) Restore() error {
	entries, err := m.store.Load()
	if err != nil {
		return err
	}
	for _, entry := range entries {
		kind := provider.Kind(entry.Type)
		if _, ok := m.registry.Get(kind); !ok {
			m.log.Warn("skipping token for unknown provider", zap.String("type", entry.Type))
			continue
		}
		tok := &provider.Token{
			AccessToken:  entry.AccessToken,
			RefreshToken: entry.RefreshToken,
		}
		a := m.newAccount(kind, tok)
		a.setUsername(entry.ID)
		m.mu.Lock()
		m.accounts = append(m.accounts, a)
		m.installLocked(a)
		m.mu.Unlock()
		if m.listener != nil {
			m.listener.OnCreate(a)
		}
		m.log.Info("restored account", zap.String("id", a.ID()))
	}
	return nil
}

// Create runs the versioned account creation protocol: provision, probe the
// username, drain any older duplicate, and only install handlers and persist
// the token if this version is still in the list after the probe.
func (m *Manager) Create(ctx context.Context, kind provider.Kind, tok *provider.Token) (*Account, error) {
	a := m.newAccount(kind, tok)
	m.mu.Lock()
	m.accounts = append(m.accounts, a)
	m.mu.Unlock()

	general, err := a.Provider.GeneralData(ctx)
	if err != nil {
		m.removeWhere(func(e *Account) bool { return e.version == a.version })
		return nil, err
	}
	a.setUsername(general.Username)

	id := a.ID()
	m.removeWhere(func(e *Account) bool {
		return e.version < a.version && e.ID() == id
	})

	m.mu.Lock()
	alive := false
	for _, e := range m.accounts {
		if e.version == a.version {
			alive = true
			break
		}
	}
	if !alive {
		// Superseded while probing; discard.
		m.mu.Unlock()
		a.cancel()
		return nil, fmt.Errorf("account %s superseded during creation", id)
	}
	m.installLocked(a)
	m.mu.Unlock()

	if err := m.persistToken(a, a.Auth.Token()); err != nil {
		m.removeWhere(func(e *Account) bool { return e.version == a.version })
		return nil, err
	}
	if m.listener != nil {
		m.listener.OnCreate(a)
	}
	m.log.Info("account created", zap.String("id", id))
	return a, nil
}

// Remove drains and erases the account with the given id, detaching its
// handlers and removing its token from the store.
func (m *Manager) Remove(id string) {
	m.removeWhere(func(a *Account) bool { return a.ID() == id })
}

// Shutdown drains every account in parallel and clears the list.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	accounts := m.accounts
	m.accounts = nil
	m.table = filterTable(m.table, func(e HandlerEntry) bool { return e.AccountID == "" })
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, a := range accounts {
		wg.Add(1)
		go func(a *Account) {
			defer wg.Done()
			a.cancel()
			if m.listener != nil {
				m.listener.OnDestroy(a)
			}
		}(a)
	}
	wg.Wait()
}

func (m *Manager) removeWhere(predicate func(*Account) bool) {
	m.mu.Lock()
	var victims []*Account
	var kept []*Account
	for _, a := range m.accounts {
		if predicate(a) {
			victims = append(victims, a)
		} else {
			kept = append(kept, a)
		}
	}
	m.accounts = kept
	for _, v := range victims {
		id := v.ID()
		m.table = filterTable(m.table, func(e HandlerEntry) bool { return e.AccountID != id })
	}
	m.mu.Unlock()

	for _, v := range victims {
		v.cancel()
		if v.Username() != "" {
			if err := m.store.Remove(string(v.kind), v.Username()); err != nil {
				m.log.Warn("failed to remove token", zap.String("id", v.ID()), zap.Error(err))
			}
		}
		if m.listener != nil {
			m.listener.OnDestroy(v)
		}
		m.log.Info("account removed", zap.String("id", v.ID()))
	}
}

func filterTable(table []HandlerEntry, keep func(HandlerEntry) bool) []HandlerEntry {
	out := table[:0]
	for _, e := range table {
		if keep(e) {
			out = append(out, e)
		}
	}
	return out
}

// installLocked adds the account's handlers to the table. Callers hold the
// mutex.
func (m *Manager) installLocked(a *Account) {
	for _, entry := range m.handlers(a) {
		m.table = append(m.table, entry)
	}
}

// newAccount provisions an account with a fresh version and its own
// cancellation scope. The auth manager persists refreshed tokens under the
// account's current username, skipping persistence while provisioning.
func (m *Manager) newAccount(kind provider.Kind, tok *provider.Token) *Account {
	factory, _ := m.registry.Get(kind)
	data := m.authData(kind)
	ctx, cancel := context.WithCancel(context.Background())

	m.mu.Lock()
	m.version++
	version := m.version
	m.mu.Unlock()

	a := &Account{
		kind:    kind,
		version: version,
		ctx:     ctx,
		cancel:  cancel,
	}
	refresh := func(ctx context.Context, stale *provider.Token) (*provider.Token, error) {
		return factory.RefreshAccessToken(ctx, m.client, data, stale)
	}
	persist := func(fresh *provider.Token) error {
		if a.Username() == "" {
			return nil
		}
		return m.persistToken(a, fresh)
	}
	a.Auth = provider.NewAuthManager(m.client, tok, refresh, persist)
	a.Provider = factory.New(provider.Deps{
		Auth:  a.Auth,
		HTTP:  m.client,
		Muxer: m.muxer,
	})
	return a
}

func (m *Manager) persistToken(a *Account, tok *provider.Token) error {
	entry := settings.Entry{
		Type:         string(a.Kind()),
		ID:           a.Username(),
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
	}
	if len(tok.Extra) > 0 {
		var extra map[string]json.RawMessage
		if err := json.Unmarshal(tok.Extra, &extra); err == nil {
			entry.Extra = extra
		}
	}
	return m.store.Save(entry)
}

// AuthorizationURL builds the provider's OAuth URL with a fresh state.
func (m *Manager) AuthorizationURL(kind provider.Kind, state string) (string, error) {
	factory, ok := m.registry.Get(kind)
	if !ok {
		return "", fmt.Errorf("unknown provider %q: %w", kind, provider.ErrNotFound)
	}
	data := m.authData(kind)
	data.State = state
	return factory.AuthorizationURL(data), nil
}

// ExchangeCode trades an OAuth callback code for a token.
func (m *Manager) ExchangeCode(ctx context.Context, kind provider.Kind, code string) (*provider.Token, error) {
	factory, ok := m.registry.Get(kind)
	if !ok {
		return nil, fmt.Errorf("unknown provider %q: %w", kind, provider.ErrNotFound)
	}
	return factory.ExchangeAuthorizationCode(ctx, m.client, m.authData(kind), code)
}

// Kinds lists the registered provider kinds, sorted for stable rendering.
func (m *Manager) Kinds() []provider.Kind {
	kinds := m.registry.Kinds()
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
