package settings

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(filepath.Join(t.TempDir(), "tokens", "settings.json"))
}

func TestStore_SaveAndLoad(t *testing.T) {
	store := newTestStore(t)

	err := store.Save(Entry{Type: "google", ID: "alice@example.com", AccessToken: "t1", RefreshToken: "r1"})
	require.NoError(t, err)

	entries, err := store.Load()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "google", entries[0].Type)
	assert.Equal(t, "alice@example.com", entries[0].ID)
	assert.Equal(t, "t1", entries[0].AccessToken)
	assert.Equal(t, "r1", entries[0].RefreshToken)
}

func TestStore_SaveReplacesMatchingEntry(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Save(Entry{Type: "google", ID: "alice", AccessToken: "t1"}))
	require.NoError(t, store.Save(Entry{Type: "box", ID: "alice", AccessToken: "t2"}))
	require.NoError(t, store.Save(Entry{Type: "google", ID: "alice", AccessToken: "t3"}))

	entries, err := store.Load()
	require.NoError(t, err)
	require.Len(t, entries, 2)

	byType := map[string]Entry{}
	for _, e := range entries {
		byType[e.Type] = e
	}
	assert.Equal(t, "t3", byType["google"].AccessToken)
	assert.Equal(t, "t2", byType["box"].AccessToken)
}

func TestStore_RemoveFiltersEntry(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Save(Entry{Type: "google", ID: "alice", AccessToken: "t1"}))
	require.NoError(t, store.Save(Entry{Type: "google", ID: "bob", AccessToken: "t2"}))

	require.NoError(t, store.Remove("google", "alice"))

	entries, err := store.Load()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "bob", entries[0].ID)
}

func TestStore_RemoveLastEntryDeletesFile(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Save(Entry{Type: "google", ID: "alice", AccessToken: "t1"}))
	require.NoError(t, store.Remove("google", "alice"))

	_, err := os.Stat(store.Path())
	assert.True(t, os.IsNotExist(err))

	// Loading an absent store is an empty store, not an error.
	entries, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestStore_RemoveMissingEntryIsNoop(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Save(Entry{Type: "google", ID: "alice", AccessToken: "t1"}))
	require.NoError(t, store.Remove("dropbox", "nobody"))

	entries, err := store.Load()
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestStore_PreservesExtraFields(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Save(Entry{
		Type:        "mega",
		ID:          "alice",
		AccessToken: "t1",
		Extra: map[string]json.RawMessage{
			"session": json.RawMessage(`"opaque"`),
		},
	}))

	entries, err := store.Load()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.JSONEq(t, `"opaque"`, string(entries[0].Extra["session"]))
}

func TestStore_FileShape(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Save(Entry{Type: "google", ID: "alice", AccessToken: "t1"}))

	raw, err := os.ReadFile(store.Path())
	require.NoError(t, err)

	var doc struct {
		AuthToken []map[string]any `json:"auth_token"`
	}
	require.NoError(t, json.Unmarshal(raw, &doc))
	require.Len(t, doc.AuthToken, 1)
	assert.Equal(t, "google", doc.AuthToken[0]["type"])
	assert.Equal(t, "alice", doc.AuthToken[0]["id"])
	assert.Equal(t, "t1", doc.AuthToken[0]["access_token"])
}
