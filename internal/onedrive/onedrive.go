// Package onedrive implements the OneDrive provider over the Microsoft
// Graph API.
package onedrive

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
	msAuthority    = "https://login.microsoftonline.com/common"
	msAuthorizeURL = msAuthority + "/oauth2/v2.0/authorize"
	msTokenURL     = msAuthority + "/oauth2/v2.0/token"
	msGraphURL     = "https://graph.microsoft.com/v1.0"
	onedriveScopes = "Files.ReadWrite User.Read offline_access"
)

// Factory implements provider.Factory for OneDrive.
type Factory struct{}

func (Factory) Kind() provider.Kind { return provider.KindOneDrive }

func (Factory) AuthorizationURL(data provider.AuthData) string {
	return msAuthorizeURL + "?" + url.Values{
		"client_id":     {data.ClientID},
		"response_type": {"code"},
		"redirect_uri":  {data.RedirectURI},
		"scope":         {onedriveScopes},
		"response_mode": {"query"},
		"state":         {data.State},
	}.Encode()
}

func (Factory) ExchangeAuthorizationCode(ctx context.Context, client httpx.Client, data provider.AuthData, code string) (*provider.Token, error) {
	return postTokenForm(ctx, client, url.Values{
		"client_id":     {data.ClientID},
		"client_secret": {data.ClientSecret},
		"code":          {code},
		"redirect_uri":  {data.RedirectURI},
		"grant_type":    {"authorization_code"},
	})
}

func (Factory) RefreshAccessToken(ctx context.Context, client httpx.Client, data provider.AuthData, tok *provider.Token) (*provider.Token, error) {
	// Microsoft may or may not return a new refresh token; the auth
	// manager preserves the old one when absent.
	return postTokenForm(ctx, client, url.Values{
		"client_id":     {data.ClientID},
		"client_secret": {data.ClientSecret},
		"grant_type":    {"refresh_token"},
		"refresh_token": {tok.RefreshToken},
		"scope":         {onedriveScopes},
	})
}

func (Factory) New(deps provider.Deps) provider.Provider {
	return &OneDrive{auth: deps.Auth, http: deps.HTTP}
}

func postTokenForm(ctx context.Context, client httpx.Client, form url.Values) (*provider.Token, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, msTokenURL, strings.NewReader(form.Encode()))
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

// OneDrive is the provider instance for one account.
type OneDrive struct {
	auth *provider.AuthManager
	http httpx.Client
}

type driveItem struct {
	ID                   string    `json:"id"`
	Name                 string    `json:"name"`
	Size                 int64     `json:"size"`
	LastModifiedDateTime time.Time `json:"lastModifiedDateTime"`
	File                 *struct {
		MimeType string `json:"mimeType"`
	} `json:"file"`
	Folder *struct{} `json:"folder"`
}

func (o *OneDrive) Kind() provider.Kind { return provider.KindOneDrive }

// ============ METADATA ============

func (o *OneDrive) Root(ctx context.Context) (provider.Item, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, msGraphURL+"/me/drive/root", nil)
	if err != nil {
		return provider.Item{}, err
	}
	var root driveItem
	if err := o.auth.FetchJSON(ctx, req, &root); err != nil {
		return provider.Item{}, err
	}
	return toItem(root), nil
}

func (o *OneDrive) GeneralData(ctx context.Context) (provider.GeneralData, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, msGraphURL+"/me", nil)
	if err != nil {
		return provider.GeneralData{}, err
	}
	var profile struct {
		Mail              string `json:"mail"`
		UserPrincipalName string `json:"userPrincipalName"`
	}
	if err := o.auth.FetchJSON(ctx, req, &profile); err != nil {
		return provider.GeneralData{}, err
	}
	email := profile.Mail
	if email == "" {
		email = profile.UserPrincipalName
	}
	data := provider.GeneralData{Username: email}

	req, err = http.NewRequestWithContext(ctx, http.MethodGet, msGraphURL+"/me/drive", nil)
	if err != nil {
		return data, err
	}
	var drive struct {
		Quota struct {
			Total int64 `json:"total"`
			Used  int64 `json:"used"`
		} `json:"quota"`
	}
	if err := o.auth.FetchJSON(ctx, req, &drive); err == nil {
		data.UsedBytes = provider.Int64(drive.Quota.Used)
		data.TotalBytes = provider.Int64(drive.Quota.Total)
	}
	return data, nil
}

func (o *OneDrive) ListDirectoryPage(ctx context.Context, dir provider.Item, pageToken string) (provider.PageData, error) {
	if err := provider.CheckItem(o, dir); err != nil {
		return provider.PageData{}, err
	}
	// Graph pages with opaque @odata.nextLink URLs; they are the
	// continuation token verbatim.
	requestURL := pageToken
	if requestURL == "" {
		requestURL = itemURL(dir.ID) + "/children?$top=200"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return provider.PageData{}, err
	}
	var listing struct {
		Value    []driveItem `json:"value"`
		NextLink string      `json:"@odata.nextLink"`
	}
	if err := o.auth.FetchJSON(ctx, req, &listing); err != nil {
		return provider.PageData{}, err
	}
	page := provider.PageData{NextPageToken: listing.NextLink}
	for _, it := range listing.Value {
		page.Items = append(page.Items, toItem(it))
	}
	return page, nil
}

// ============ CONTENT ============

func (o *OneDrive) FileContent(ctx context.Context, item provider.Item, rng provider.Range) (provider.FileContent, error) {
	if err := provider.CheckItem(o, item); err != nil {
		return provider.FileContent{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, itemURL(item.ID)+"/content", nil)
	if err != nil {
		return provider.FileContent{}, err
	}
	if !rng.Full() {
		req.Header.Set("Range", rng.Header())
	}
	resp, err := o.auth.Do(ctx, req)
	if err != nil {
		return provider.FileContent{}, err
	}
	// Graph answers with a 302 to a pre-signed URL; the original Range
	// header has to be re-applied to it.
	if resp.StatusCode/100 == 3 {
		location := resp.Header.Get("Location")
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if location == "" {
			return provider.FileContent{}, fmt.Errorf("redirect without location: %w", provider.ErrTransport)
		}
		redirect, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
		if err != nil {
			return provider.FileContent{}, err
		}
		if !rng.Full() {
			redirect.Header.Set("Range", rng.Header())
		}
		resp, err = o.http.Do(redirect)
		if err != nil {
			return provider.FileContent{}, fmt.Errorf("%w: %v", provider.ErrTransport, err)
		}
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

func (o *OneDrive) ItemThumbnail(ctx context.Context, item provider.Item, rng provider.Range) (provider.Thumbnail, error) {
	if err := provider.CheckItem(o, item); err != nil {
		return provider.Thumbnail{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, itemURL(item.ID)+"/thumbnails/0/medium", nil)
	if err != nil {
		return provider.Thumbnail{}, err
	}
	var thumb struct {
		URL string `json:"url"`
	}
	if err := o.auth.FetchJSON(ctx, req, &thumb); err != nil {
		return provider.Thumbnail{}, err
	}
	if thumb.URL == "" {
		return provider.Thumbnail{}, fmt.Errorf("no thumbnail: %w", provider.ErrNotFound)
	}
	fetch, err := http.NewRequestWithContext(ctx, http.MethodGet, thumb.URL, nil)
	if err != nil {
		return provider.Thumbnail{}, err
	}
	if !rng.Full() {
		fetch.Header.Set("Range", rng.Header())
	}
	resp, err := o.http.Do(fetch)
	if err != nil {
		return provider.Thumbnail{}, fmt.Errorf("%w: %v", provider.ErrTransport, err)
	}
	if resp.StatusCode/100 != 2 {
		defer resp.Body.Close()
		return provider.Thumbnail{}, provider.CheckStatus(resp)
	}
	size, _ := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64)
	return provider.Thumbnail{
		Body:     resp.Body,
		Size:     size,
		MimeType: resp.Header.Get("Content-Type"),
	}, nil
}

// ============ MUTATIONS ============

func (o *OneDrive) CreateFile(ctx context.Context, parent provider.Item, name string, body io.Reader, size int64) (provider.Item, error) {
	if err := provider.CheckItem(o, parent); err != nil {
		return provider.Item{}, err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return provider.Item{}, err
	}
	requestURL := itemURL(parent.ID) + ":/" + url.PathEscape(name) + ":/content"
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, requestURL, bytes.NewReader(data))
	if err != nil {
		return provider.Item{}, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	var created driveItem
	if err := o.auth.FetchJSON(ctx, req, &created); err != nil {
		return provider.Item{}, err
	}
	return toItem(created), nil
}

func (o *OneDrive) CreateDirectory(ctx context.Context, parent provider.Item, name string) (provider.Item, error) {
	if err := provider.CheckItem(o, parent); err != nil {
		return provider.Item{}, err
	}
	return o.sendItem(ctx, http.MethodPost, itemURL(parent.ID)+"/children", map[string]any{
		"name":   name,
		"folder": map[string]any{},
	})
}

func (o *OneDrive) RenameItem(ctx context.Context, item provider.Item, newName string) (provider.Item, error) {
	if err := provider.CheckItem(o, item); err != nil {
		return provider.Item{}, err
	}
	return o.sendItem(ctx, http.MethodPatch, itemURL(item.ID), map[string]any{"name": newName})
}

func (o *OneDrive) MoveItem(ctx context.Context, item provider.Item, dest provider.Item) (provider.Item, error) {
	if err := provider.CheckItem(o, item); err != nil {
		return provider.Item{}, err
	}
	if err := provider.CheckItem(o, dest); err != nil {
		return provider.Item{}, err
	}
	return o.sendItem(ctx, http.MethodPatch, itemURL(item.ID), map[string]any{
		"parentReference": map[string]any{"id": dest.ID},
	})
}

func (o *OneDrive) RemoveItem(ctx context.Context, item provider.Item) error {
	if err := provider.CheckItem(o, item); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, itemURL(item.ID), nil)
	if err != nil {
		return err
	}
	return o.auth.FetchJSON(ctx, req, nil)
}

func (o *OneDrive) ItemByID(ctx context.Context, id string) (provider.Item, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, itemURL(id), nil)
	if err != nil {
		return provider.Item{}, err
	}
	var it driveItem
	if err := o.auth.FetchJSON(ctx, req, &it); err != nil {
		return provider.Item{}, err
	}
	return toItem(it), nil
}

func (o *OneDrive) sendItem(ctx context.Context, method, requestURL string, body map[string]any) (provider.Item, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return provider.Item{}, err
	}
	req, err := http.NewRequestWithContext(ctx, method, requestURL, bytes.NewReader(payload))
	if err != nil {
		return provider.Item{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	var it driveItem
	if err := o.auth.FetchJSON(ctx, req, &it); err != nil {
		return provider.Item{}, err
	}
	return toItem(it), nil
}

func itemURL(id string) string {
	return msGraphURL + "/me/drive/items/" + url.PathEscape(id)
}

func toItem(it driveItem) provider.Item {
	item := provider.Item{
		ID:      it.ID,
		Name:    it.Name,
		IsDir:   it.Folder != nil,
		ModTime: it.LastModifiedDateTime,
		Kind:    provider.KindOneDrive,
		Payload: it,
	}
	if it.Folder == nil {
		item.Size = provider.Int64(it.Size)
		if it.File != nil {
			item.MimeType = it.File.MimeType
		}
	}
	return item
}
