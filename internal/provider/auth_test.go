package provider

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rolledback/cloudgate/internal/httpx"
)

func TestAuthManager_AttachesBearerToken(t *testing.T) {
	var seen string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Get("Authorization")
	}))
	defer server.Close()

	m := NewAuthManager(httpx.New(httpx.Options{}), &Token{AccessToken: "T1"}, nil, nil)
	req, err := http.NewRequest(http.MethodGet, server.URL, nil)
	require.NoError(t, err)
	resp, err := m.Do(context.Background(), req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "Bearer T1", seen)
}

func TestAuthManager_RefreshOn401RetriesOnce(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Header.Get("Authorization") != "Bearer T2" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		io.WriteString(w, "body after refresh")
	}))
	defer server.Close()

	var refreshes atomic.Int64
	var persisted *Token
	refresh := func(ctx context.Context, stale *Token) (*Token, error) {
		refreshes.Add(1)
		return &Token{AccessToken: "T2"}, nil
	}
	persist := func(tok *Token) error {
		persisted = tok
		return nil
	}
	m := NewAuthManager(httpx.New(httpx.Options{}), &Token{AccessToken: "T1", RefreshToken: "R1"}, refresh, persist)

	req, err := http.NewRequest(http.MethodGet, server.URL, nil)
	require.NoError(t, err)
	resp, err := m.Do(context.Background(), req)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "body after refresh", string(body))
	assert.Equal(t, int64(1), refreshes.Load())
	assert.Equal(t, int64(2), calls.Load())

	// Persisted before visible, refresh token preserved from the old one.
	require.NotNil(t, persisted)
	assert.Equal(t, "T2", persisted.AccessToken)
	assert.Equal(t, "R1", persisted.RefreshToken)
	assert.Equal(t, "T2", m.Token().AccessToken)
}

func TestAuthManager_ConcurrentRefreshesCoalesce(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
	}))
	defer server.Close()

	var refreshes atomic.Int64
	refresh := func(ctx context.Context, stale *Token) (*Token, error) {
		refreshes.Add(1)
		return &Token{AccessToken: "fresh"}, nil
	}
	m := NewAuthManager(httpx.New(httpx.Options{}), &Token{AccessToken: "stale"}, refresh, nil)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req, err := http.NewRequest(http.MethodGet, server.URL, nil)
			require.NoError(t, err)
			resp, err := m.Do(context.Background(), req)
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, http.StatusOK, resp.StatusCode)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), refreshes.Load())
}

func TestAuthManager_RefreshFailureSurfacesWithoutRetry(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	refresh := func(ctx context.Context, stale *Token) (*Token, error) {
		return nil, errors.New("revoked")
	}
	m := NewAuthManager(httpx.New(httpx.Options{}), &Token{AccessToken: "T1"}, refresh, nil)

	req, err := http.NewRequest(http.MethodGet, server.URL, nil)
	require.NoError(t, err)
	_, err = m.Do(context.Background(), req)
	assert.ErrorIs(t, err, ErrAuthRefreshFailed)
	assert.Equal(t, int64(1), calls.Load())
}

func TestAuthManager_PersistFailureBlocksTokenInstall(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	refresh := func(ctx context.Context, stale *Token) (*Token, error) {
		return &Token{AccessToken: "T2"}, nil
	}
	persist := func(tok *Token) error { return errors.New("disk full") }
	m := NewAuthManager(httpx.New(httpx.Options{}), &Token{AccessToken: "T1"}, refresh, persist)

	req, err := http.NewRequest(http.MethodGet, server.URL, nil)
	require.NoError(t, err)
	_, err = m.Do(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, "T1", m.Token().AccessToken)
}

func TestAuthManager_RetriesRequestBody(t *testing.T) {
	var bodies []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		bodies = append(bodies, string(body))
		if r.Header.Get("Authorization") != "Bearer T2" {
			w.WriteHeader(http.StatusUnauthorized)
		}
	}))
	defer server.Close()

	refresh := func(ctx context.Context, stale *Token) (*Token, error) {
		return &Token{AccessToken: "T2"}, nil
	}
	m := NewAuthManager(httpx.New(httpx.Options{}), &Token{AccessToken: "T1"}, refresh, nil)

	req, err := http.NewRequest(http.MethodPost, server.URL, strings.NewReader("payload"))
	require.NoError(t, err)
	resp, err := m.Do(context.Background(), req)
	require.NoError(t, err)
	resp.Body.Close()

	require.Len(t, bodies, 2)
	assert.Equal(t, "payload", bodies[0])
	assert.Equal(t, "payload", bodies[1])
}
