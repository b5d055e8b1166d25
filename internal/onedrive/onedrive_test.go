package onedrive

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
		RedirectURI: "http://localhost:8080/auth/onedrive",
		State:       "nonce",
	})
	parsed, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "login.microsoftonline.com", parsed.Host)
	query := parsed.Query()
	assert.Equal(t, "cid", query.Get("client_id"))
	assert.Equal(t, "query", query.Get("response_mode"))
	assert.Contains(t, query.Get("scope"), "offline_access")
}

func TestToItem(t *testing.T) {
	modified := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	file := toItem(driveItem{
		ID:                   "i1",
		Name:                 "a.txt",
		Size:                 9,
		LastModifiedDateTime: modified,
		File: &struct {
			MimeType string `json:"mimeType"`
		}{MimeType: "text/plain"},
	})
	assert.False(t, file.IsDir)
	require.NotNil(t, file.Size)
	assert.Equal(t, int64(9), *file.Size)
	assert.Equal(t, "text/plain", file.MimeType)

	folder := toItem(driveItem{ID: "d1", Name: "docs", Folder: &struct{}{}})
	assert.True(t, folder.IsDir)
	assert.Nil(t, folder.Size)
}
