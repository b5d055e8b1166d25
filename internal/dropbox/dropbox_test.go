package dropbox

import (
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rolledback/cloudgate/internal/provider"
)

func TestAuthorizationURL(t *testing.T) {
	raw := Factory{}.AuthorizationURL(provider.AuthData{
		ClientID:    "cid",
		RedirectURI: "http://localhost:8080/auth/dropbox",
		State:       "nonce",
	})
	parsed, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "www.dropbox.com", parsed.Host)
	query := parsed.Query()
	assert.Equal(t, "cid", query.Get("client_id"))
	assert.Equal(t, "offline", query.Get("token_access_type"))
	assert.Equal(t, "nonce", query.Get("state"))
}

func TestToItem(t *testing.T) {
	modified := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	file := toItem(metadata{
		Tag:            "file",
		Name:           "Notes.txt",
		PathLower:      "/docs/notes.txt",
		Size:           7,
		ServerModified: modified,
	})
	assert.Equal(t, "/docs/notes.txt", file.ID)
	assert.Equal(t, "Notes.txt", file.Name)
	require.NotNil(t, file.Size)
	assert.Equal(t, int64(7), *file.Size)
	assert.Equal(t, modified, file.ModTime)

	folder := toItem(metadata{Tag: "folder", Name: "docs", PathLower: "/docs"})
	assert.True(t, folder.IsDir)
	assert.Nil(t, folder.Size)
}
