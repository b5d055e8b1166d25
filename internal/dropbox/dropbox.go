// Package dropbox implements the Dropbox provider over the Dropbox API v2.
// Dropbox addresses items by path rather than parent id, so item ids here
// are the lowercased remote paths.
package dropbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rolledback/cloudgate/internal/httpx"
	"github.com/rolledback/cloudgate/internal/provider"
)

const (
	apiEndpoint     = "https://api.dropboxapi.com/2"
	contentEndpoint = "https://content.dropboxapi.com/2"
	authorizeURL    = "https://www.dropbox.com/oauth2/authorize"
	tokenURL        = "https://api.dropboxapi.com/oauth2/token"
)

// Factory implements provider.Factory for Dropbox.
type Factory struct{}

func (Factory) Kind() provider.Kind { return provider.KindDropbox }

func (Factory) AuthorizationURL(data provider.AuthData) string {
	return authorizeURL + "?" + url.Values{
		"response_type":     {"code"},
		"client_id":         {data.ClientID},
		"redirect_uri":      {data.RedirectURI},
		"token_access_type": {"offline"},
		"state":             {data.State},
	}.Encode()
}

func (Factory) ExchangeAuthorizationCode(ctx context.Context, client httpx.Client, data provider.AuthData, code string) (*provider.Token, error) {
	return postTokenForm(ctx, client, url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {data.ClientID},
		"client_secret": {data.ClientSecret},
		"redirect_uri":  {data.RedirectURI},
		"code":          {code},
	})
}

func (Factory) RefreshAccessToken(ctx context.Context, client httpx.Client, data provider.AuthData, tok *provider.Token) (*provider.Token, error) {
	// Dropbox does not rotate refresh tokens on refresh.
	return postTokenForm(ctx, client, url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {data.ClientID},
		"client_secret": {data.ClientSecret},
		"refresh_token": {tok.RefreshToken},
	})
}

func (Factory) New(deps provider.Deps) provider.Provider {
	return &Dropbox{auth: deps.Auth}
}

func postTokenForm(ctx context.Context, client httpx.Client, form url.Values) (*provider.Token, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request: %w: %v", provider.ErrTransport, err)
	}
	defer resp.Body.Close()
	if err := provider.CheckStatus(resp); err != nil {
		return nil, err
	}
	var tok provider.Token
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return nil, fmt.Errorf("token response: %w: %v", provider.ErrParse, err)
	}
	return &tok, nil
}

// Dropbox is the provider instance for one account.
type Dropbox struct {
	auth *provider.AuthManager
}

type metadata struct {
	Tag            string    `json:".tag"`
	Name           string    `json:"name"`
	PathLower      string    `json:"path_lower"`
	PathDisplay    string    `json:"path_display"`
	Size           int64     `json:"size"`
	ServerModified time.Time `json:"server_modified"`
}

func (d *Dropbox) Kind() provider.Kind { return provider.KindDropbox }

func (d *Dropbox) Root(ctx context.Context) (provider.Item, error) {
	return provider.Item{
		ID:      "",
		Name:    "",
		IsDir:   true,
		Kind:    provider.KindDropbox,
		Payload: metadata{Tag: "folder"},
	}, nil
}

func (d *Dropbox) GeneralData(ctx context.Context) (provider.GeneralData, error) {
	var account struct {
		Email string `json:"email"`
	}
	if err := d.rpc(ctx, "/users/get_current_account", nil, &account); err != nil {
		return provider.GeneralData{}, err
	}
	data := provider.GeneralData{Username: account.Email}
	var usage struct {
		Used       int64 `json:"used"`
		Allocation struct {
			Allocated int64 `json:"allocated"`
		} `json:"allocation"`
	}
	if err := d.rpc(ctx, "/users/get_space_usage", nil, &usage); err == nil {
		data.UsedBytes = provider.Int64(usage.Used)
		data.TotalBytes = provider.Int64(usage.Allocation.Allocated)
	}
	return data, nil
}

func (d *Dropbox) ListDirectoryPage(ctx context.Context, dir provider.Item, pageToken string) (provider.PageData, error) {
	if err := provider.CheckItem(d, dir); err != nil {
		return provider.PageData{}, err
	}
	var listing struct {
		Entries []metadata `json:"entries"`
		Cursor  string     `json:"cursor"`
		HasMore bool       `json:"has_more"`
	}
	if pageToken == "" {
		err := d.rpc(ctx, "/files/list_folder", map[string]any{"path": dir.ID}, &listing)
		if err != nil {
			return provider.PageData{}, err
		}
	} else {
		err := d.rpc(ctx, "/files/list_folder/continue", map[string]any{"cursor": pageToken}, &listing)
		if err != nil {
			return provider.PageData{}, err
		}
	}
	page := provider.PageData{}
	if listing.HasMore {
		page.NextPageToken = listing.Cursor
	}
	for _, entry := range listing.Entries {
		page.Items = append(page.Items, toItem(entry))
	}
	return page, nil
}

func (d *Dropbox) FileContent(ctx context.Context, item provider.Item, rng provider.Range) (provider.FileContent, error) {
	if err := provider.CheckItem(d, item); err != nil {
		return provider.FileContent{}, err
	}
	arg, err := json.Marshal(map[string]any{"path": item.ID})
	if err != nil {
		return provider.FileContent{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, contentEndpoint+"/files/download", nil)
	if err != nil {
		return provider.FileContent{}, err
	}
	req.Header.Set("Dropbox-API-Arg", string(arg))
	if !rng.Full() {
		req.Header.Set("Range", rng.Header())
	}
	resp, err := d.auth.Do(ctx, req)
	if err != nil {
		return provider.FileContent{}, err
	}
	if resp.StatusCode/100 != 2 {
		defer resp.Body.Close()
		return provider.FileContent{}, provider.CheckStatus(resp)
	}
	content := provider.FileContent{Body: resp.Body}
	if v, err := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64); err == nil {
		content.Size = provider.Int64(v)
	}
	return content, nil
}

func (d *Dropbox) CreateFile(ctx context.Context, parent provider.Item, name string, body io.Reader, size int64) (provider.Item, error) {
	if err := provider.CheckItem(d, parent); err != nil {
		return provider.Item{}, err
	}
	arg, err := json.Marshal(map[string]any{
		"path": parent.ID + "/" + name,
		"mode": "overwrite",
	})
	if err != nil {
		return provider.Item{}, err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return provider.Item{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, contentEndpoint+"/files/upload", bytes.NewReader(data))
	if err != nil {
		return provider.Item{}, err
	}
	req.Header.Set("Dropbox-API-Arg", string(arg))
	req.Header.Set("Content-Type", "application/octet-stream")
	var created metadata
	if err := d.auth.FetchJSON(ctx, req, &created); err != nil {
		return provider.Item{}, err
	}
	created.Tag = "file"
	return toItem(created), nil
}

func (d *Dropbox) CreateDirectory(ctx context.Context, parent provider.Item, name string) (provider.Item, error) {
	if err := provider.CheckItem(d, parent); err != nil {
		return provider.Item{}, err
	}
	var result struct {
		Metadata metadata `json:"metadata"`
	}
	err := d.rpc(ctx, "/files/create_folder_v2", map[string]any{"path": parent.ID + "/" + name}, &result)
	if err != nil {
		return provider.Item{}, err
	}
	result.Metadata.Tag = "folder"
	return toItem(result.Metadata), nil
}

func (d *Dropbox) RenameItem(ctx context.Context, item provider.Item, newName string) (provider.Item, error) {
	if err := provider.CheckItem(d, item); err != nil {
		return provider.Item{}, err
	}
	parent := item.ID[:strings.LastIndex(item.ID, "/")+1]
	return d.move(ctx, item.ID, parent+newName)
}

func (d *Dropbox) MoveItem(ctx context.Context, item provider.Item, dest provider.Item) (provider.Item, error) {
	if err := provider.CheckItem(d, item); err != nil {
		return provider.Item{}, err
	}
	if err := provider.CheckItem(d, dest); err != nil {
		return provider.Item{}, err
	}
	return d.move(ctx, item.ID, dest.ID+"/"+item.Name)
}

func (d *Dropbox) RemoveItem(ctx context.Context, item provider.Item) error {
	if err := provider.CheckItem(d, item); err != nil {
		return err
	}
	return d.rpc(ctx, "/files/delete_v2", map[string]any{"path": item.ID}, nil)
}

func (d *Dropbox) ItemThumbnail(ctx context.Context, item provider.Item, rng provider.Range) (provider.Thumbnail, error) {
	if err := provider.CheckItem(d, item); err != nil {
		return provider.Thumbnail{}, err
	}
	arg, err := json.Marshal(map[string]any{
		"resource": map[string]any{".tag": "path", "path": item.ID},
		"format":   "jpeg",
		"size":     "w256h256",
	})
	if err != nil {
		return provider.Thumbnail{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, contentEndpoint+"/files/get_thumbnail_v2", nil)
	if err != nil {
		return provider.Thumbnail{}, err
	}
	req.Header.Set("Dropbox-API-Arg", string(arg))
	if !rng.Full() {
		req.Header.Set("Range", rng.Header())
	}
	resp, err := d.auth.Do(ctx, req)
	if err != nil {
		return provider.Thumbnail{}, err
	}
	if resp.StatusCode/100 != 2 {
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusConflict {
			return provider.Thumbnail{}, fmt.Errorf("no thumbnail: %w", provider.ErrNotFound)
		}
		return provider.Thumbnail{}, provider.CheckStatus(resp)
	}
	size, _ := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64)
	return provider.Thumbnail{
		Body:     resp.Body,
		Size:     size,
		MimeType: resp.Header.Get("Content-Type"),
	}, nil
}

func (d *Dropbox) ItemByID(ctx context.Context, id string) (provider.Item, error) {
	var meta metadata
	if err := d.rpc(ctx, "/files/get_metadata", map[string]any{"path": id}, &meta); err != nil {
		return provider.Item{}, err
	}
	return toItem(meta), nil
}

func (d *Dropbox) move(ctx context.Context, from, to string) (provider.Item, error) {
	var result struct {
		Metadata metadata `json:"metadata"`
	}
	err := d.rpc(ctx, "/files/move_v2", map[string]any{"from_path": from, "to_path": to}, &result)
	if err != nil {
		return provider.Item{}, err
	}
	return toItem(result.Metadata), nil
}

func (d *Dropbox) rpc(ctx context.Context, path string, arg any, result any) error {
	if arg == nil {
		arg = map[string]any{}
	}
	payload, err := json.Marshal(arg)
	if err != nil {
		return err
	}
	var body io.Reader = bytes.NewReader(payload)
	// Endpoints with no argument take a literal null body.
	if path == "/users/get_current_account" || path == "/users/get_space_usage" {
		body = strings.NewReader("null")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiEndpoint+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return d.auth.FetchJSON(ctx, req, result)
}

func toItem(m metadata) provider.Item {
	item := provider.Item{
		ID:      m.PathLower,
		Name:    m.Name,
		IsDir:   m.Tag == "folder",
		ModTime: m.ServerModified,
		Kind:    provider.KindDropbox,
		Payload: m,
	}
	if !item.IsDir {
		item.Size = provider.Int64(m.Size)
	}
	return item
}
