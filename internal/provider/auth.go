package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/rolledback/cloudgate/internal/httpx"
)

// RefreshFunc obtains a fresh token for the account. Implementations come
// from the provider factory with the auth data already bound.
type RefreshFunc func(ctx context.Context, tok *Token) (*Token, error)

// PersistFunc stores the token durably. It is called after every successful
// refresh, before the new token is visible to any caller.
type PersistFunc func(tok *Token) error

// AuthManager holds the current OAuth token for one account and attaches it
// to outgoing requests. Concurrent refreshes are serialised: waiters queue on
// the refresh mutex and reuse the token installed by whichever waiter got
// there first.
type AuthManager struct {
	client  httpx.Client
	refresh RefreshFunc
	persist PersistFunc

	mu  sync.Mutex
	tok *Token
}

func NewAuthManager(client httpx.Client, tok *Token, refresh RefreshFunc, persist PersistFunc) *AuthManager {
	return &AuthManager{client: client, refresh: refresh, persist: persist, tok: tok}
}

// Token returns the current token cell.
func (m *AuthManager) Token() *Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tok
}

// Do executes req with Authorization attached. On a 401 it refreshes the
// token and retries the original request exactly once. Requests with a body
// must have GetBody set (http.NewRequest does this for the common reader
// types).
func (m *AuthManager) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	tok := m.Token()
	resp, err := m.doWith(ctx, req, tok)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	fresh, err := m.refreshToken(ctx, tok)
	if err != nil {
		return nil, err
	}
	return m.doWith(ctx, req, fresh)
}

// FetchJSON executes req through Do and decodes the response body into v.
// Non-2xx statuses are surfaced as errors.
func (m *AuthManager) FetchJSON(ctx context.Context, req *http.Request, v any) error {
	resp, err := m.Do(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := CheckStatus(resp); err != nil {
		return err
	}
	if v == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w: %v", ErrParse, err)
	}
	return nil
}

func (m *AuthManager) doWith(ctx context.Context, req *http.Request, tok *Token) (*http.Response, error) {
	attempt := req.Clone(ctx)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		attempt.Body = body
	}
	attempt.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	resp, err := m.client.Do(attempt)
	if err != nil {
		return nil, wrapTransport(ctx, err)
	}
	return resp, nil
}

// refreshToken serialises refresh through the mutex. A waiter that finds the
// cell already replaced reuses the result instead of refreshing again.
func (m *AuthManager) refreshToken(ctx context.Context, stale *Token) (*Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tok != stale {
		return m.tok, nil
	}
	fresh, err := m.refresh(ctx, stale)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, ErrCancelled
		}
		return nil, fmt.Errorf("%w: %v", ErrAuthRefreshFailed, err)
	}
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = stale.RefreshToken
	}
	if m.persist != nil {
		if err := m.persist(fresh); err != nil {
			return nil, fmt.Errorf("persist token: %w", err)
		}
	}
	m.tok = fresh
	return fresh, nil
}

// CheckStatus converts a non-2xx response into a sentinel-wrapped error and
// drains the body.
func CheckStatus(resp *http.Response) error {
	if resp.StatusCode/100 == 2 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("status %d: %s: %w", resp.StatusCode, body, ErrNotFound)
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("status %d: %s: %w", resp.StatusCode, body, ErrUnauthenticated)
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable:
		return fmt.Errorf("status %d: %w", resp.StatusCode, ErrRangeNotSatisfiable)
	default:
		return fmt.Errorf("status %d: %s: %w", resp.StatusCode, body, ErrTransport)
	}
}

func wrapTransport(ctx context.Context, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return ErrCancelled
	}
	return fmt.Errorf("%w: %v", ErrTransport, err)
}
