// Package box implements the Box provider over the Box Content API v2.
package box

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
	endpoint     = "https://api.box.com/2.0"
	uploadURL    = "https://upload.box.com/api/2.0/files/content"
	authorizeURL = "https://account.box.com/api/oauth2/authorize"
	tokenURL     = "https://api.box.com/oauth2/token"

	fileProperties = "name,id,size,modified_at"

	// Multipart boundary for uploads. Fixed so the body can be produced
	// without buffering the whole file first.
	uploadSeparator = "Thnlg1ecwyUJHyhYYGrQ"
)

// Factory implements provider.Factory for Box.
type Factory struct{}

func (Factory) Kind() provider.Kind { return provider.KindBox }

func (Factory) AuthorizationURL(data provider.AuthData) string {
	return authorizeURL + "?" + url.Values{
		"response_type": {"code"},
		"client_id":     {data.ClientID},
		"redirect_uri":  {data.RedirectURI},
		"state":         {data.State},
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
	return postTokenForm(ctx, client, url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {data.ClientID},
		"client_secret": {data.ClientSecret},
		"refresh_token": {tok.RefreshToken},
	})
}

func (Factory) New(deps provider.Deps) provider.Provider {
	return &Box{auth: deps.Auth, http: deps.HTTP}
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

// Box is the provider instance for one account.
type Box struct {
	auth *provider.AuthManager
	http httpx.Client
}

type entry struct {
	Type       string `json:"type"`
	ID         string `json:"id"`
	Name       string `json:"name"`
	Size       int64  `json:"size"`
	ModifiedAt string `json:"modified_at"`
}

func (b *Box) Kind() provider.Kind { return provider.KindBox }

func (b *Box) Root(ctx context.Context) (provider.Item, error) {
	return provider.Item{
		ID:      "0",
		Name:    "",
		IsDir:   true,
		Kind:    provider.KindBox,
		Payload: entry{Type: "folder", ID: "0"},
	}, nil
}

func (b *Box) GeneralData(ctx context.Context) (provider.GeneralData, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"/users/me", nil)
	if err != nil {
		return provider.GeneralData{}, err
	}
	var user struct {
		Login       string `json:"login"`
		SpaceAmount int64  `json:"space_amount"`
		SpaceUsed   int64  `json:"space_used"`
	}
	if err := b.auth.FetchJSON(ctx, req, &user); err != nil {
		return provider.GeneralData{}, err
	}
	return provider.GeneralData{
		Username:   user.Login,
		UsedBytes:  provider.Int64(user.SpaceUsed),
		TotalBytes: provider.Int64(user.SpaceAmount),
	}, nil
}

func (b *Box) ListDirectoryPage(ctx context.Context, dir provider.Item, pageToken string) (provider.PageData, error) {
	if err := provider.CheckItem(b, dir); err != nil {
		return provider.PageData{}, err
	}
	offset := int64(0)
	if pageToken != "" {
		v, err := strconv.ParseInt(pageToken, 10, 64)
		if err != nil {
			return provider.PageData{}, fmt.Errorf("bad page token %q: %w", pageToken, provider.ErrParse)
		}
		offset = v
	}
	query := url.Values{
		"fields": {fileProperties},
		"limit":  {"100"},
		"offset": {strconv.FormatInt(offset, 10)},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		endpoint+"/folders/"+url.PathEscape(dir.ID)+"/items?"+query.Encode(), nil)
	if err != nil {
		return provider.PageData{}, err
	}
	var listing struct {
		Entries    []entry `json:"entries"`
		TotalCount int64   `json:"total_count"`
		Offset     int64   `json:"offset"`
		Limit      int64   `json:"limit"`
	}
	if err := b.auth.FetchJSON(ctx, req, &listing); err != nil {
		return provider.PageData{}, err
	}
	page := provider.PageData{}
	for _, e := range listing.Entries {
		page.Items = append(page.Items, toItem(e))
	}
	if next := listing.Offset + int64(len(listing.Entries)); next < listing.TotalCount {
		page.NextPageToken = strconv.FormatInt(next, 10)
	}
	return page, nil
}

func (b *Box) FileContent(ctx context.Context, item provider.Item, rng provider.Range) (provider.FileContent, error) {
	if err := provider.CheckItem(b, item); err != nil {
		return provider.FileContent{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		endpoint+"/files/"+url.PathEscape(item.ID)+"/content", nil)
	if err != nil {
		return provider.FileContent{}, err
	}
	if !rng.Full() {
		req.Header.Set("Range", rng.Header())
	}
	resp, err := b.auth.Do(ctx, req)
	if err != nil {
		return provider.FileContent{}, err
	}
	// Box redirects to a download URL; re-apply the range there.
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
		resp, err = b.http.Do(redirect)
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

// CreateFile uploads via multipart form data with a fixed boundary so the
// file part streams without prior buffering.
func (b *Box) CreateFile(ctx context.Context, parent provider.Item, name string, body io.Reader, size int64) (provider.Item, error) {
	if err := provider.CheckItem(b, parent); err != nil {
		return provider.Item{}, err
	}
	attributes, err := json.Marshal(map[string]any{
		"name":   name,
		"parent": map[string]any{"id": parent.ID},
	})
	if err != nil {
		return provider.Item{}, err
	}
	var head bytes.Buffer
	fmt.Fprintf(&head, "--%s\r\n", uploadSeparator)
	fmt.Fprintf(&head, "Content-Disposition: form-data; name=\"attributes\"\r\n\r\n")
	head.Write(attributes)
	fmt.Fprintf(&head, "\r\n--%s\r\n", uploadSeparator)
	fmt.Fprintf(&head, "Content-Disposition: form-data; name=\"file\"; filename=\"%s\"\r\n", url.PathEscape(name))
	fmt.Fprintf(&head, "Content-Type: application/octet-stream\r\n\r\n")
	tail := strings.NewReader("\r\n--" + uploadSeparator + "--")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadURL,
		io.MultiReader(&head, body, tail))
	if err != nil {
		return provider.Item{}, err
	}
	req.Header.Set("Content-Type", "multipart/form-data; boundary="+uploadSeparator)
	var uploaded struct {
		Entries []entry `json:"entries"`
	}
	if err := b.auth.FetchJSON(ctx, req, &uploaded); err != nil {
		return provider.Item{}, err
	}
	if len(uploaded.Entries) == 0 {
		return provider.Item{}, fmt.Errorf("upload returned no entries: %w", provider.ErrParse)
	}
	return toItem(uploaded.Entries[0]), nil
}

func (b *Box) CreateDirectory(ctx context.Context, parent provider.Item, name string) (provider.Item, error) {
	if err := provider.CheckItem(b, parent); err != nil {
		return provider.Item{}, err
	}
	return b.sendEntry(ctx, http.MethodPost, endpoint+"/folders", map[string]any{
		"name":   name,
		"parent": map[string]any{"id": parent.ID},
	})
}

func (b *Box) RenameItem(ctx context.Context, item provider.Item, newName string) (provider.Item, error) {
	if err := provider.CheckItem(b, item); err != nil {
		return provider.Item{}, err
	}
	return b.sendEntry(ctx, http.MethodPut, b.entryURL(item), map[string]any{"name": newName})
}

func (b *Box) MoveItem(ctx context.Context, item provider.Item, dest provider.Item) (provider.Item, error) {
	if err := provider.CheckItem(b, item); err != nil {
		return provider.Item{}, err
	}
	if err := provider.CheckItem(b, dest); err != nil {
		return provider.Item{}, err
	}
	return b.sendEntry(ctx, http.MethodPut, b.entryURL(item), map[string]any{
		"parent": map[string]any{"id": dest.ID},
	})
}

func (b *Box) RemoveItem(ctx context.Context, item provider.Item) error {
	if err := provider.CheckItem(b, item); err != nil {
		return err
	}
	requestURL := b.entryURL(item)
	if item.IsDir {
		requestURL += "?recursive=true"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, requestURL, nil)
	if err != nil {
		return err
	}
	return b.auth.FetchJSON(ctx, req, nil)
}

func (b *Box) ItemThumbnail(ctx context.Context, item provider.Item, rng provider.Range) (provider.Thumbnail, error) {
	if err := provider.CheckItem(b, item); err != nil {
		return provider.Thumbnail{}, err
	}
	if item.IsDir {
		return provider.Thumbnail{}, fmt.Errorf("no thumbnail: %w", provider.ErrNotFound)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		endpoint+"/files/"+url.PathEscape(item.ID)+"/thumbnail.png?min_height=256&min_width=256", nil)
	if err != nil {
		return provider.Thumbnail{}, err
	}
	if !rng.Full() {
		req.Header.Set("Range", rng.Header())
	}
	resp, err := b.auth.Do(ctx, req)
	if err != nil {
		return provider.Thumbnail{}, err
	}
	if resp.StatusCode/100 != 2 {
		defer resp.Body.Close()
		return provider.Thumbnail{}, fmt.Errorf("no thumbnail: %w", provider.ErrNotFound)
	}
	size, _ := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64)
	return provider.Thumbnail{
		Body:     resp.Body,
		Size:     size,
		MimeType: resp.Header.Get("Content-Type"),
	}, nil
}

func (b *Box) ItemByID(ctx context.Context, id string) (provider.Item, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		endpoint+"/files/"+url.PathEscape(id)+"?fields="+fileProperties, nil)
	if err != nil {
		return provider.Item{}, err
	}
	var e entry
	if err := b.auth.FetchJSON(ctx, req, &e); err != nil {
		return provider.Item{}, err
	}
	return toItem(e), nil
}

func (b *Box) entryURL(item provider.Item) string {
	if item.IsDir {
		return endpoint + "/folders/" + url.PathEscape(item.ID)
	}
	return endpoint + "/files/" + url.PathEscape(item.ID)
}

func (b *Box) sendEntry(ctx context.Context, method, requestURL string, body map[string]any) (provider.Item, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return provider.Item{}, err
	}
	req, err := http.NewRequestWithContext(ctx, method, requestURL, bytes.NewReader(payload))
	if err != nil {
		return provider.Item{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	var e entry
	if err := b.auth.FetchJSON(ctx, req, &e); err != nil {
		return provider.Item{}, err
	}
	return toItem(e), nil
}

func toItem(e entry) provider.Item {
	item := provider.Item{
		ID:      e.ID,
		Name:    e.Name,
		IsDir:   e.Type == "folder",
		Kind:    provider.KindBox,
		Payload: e,
	}
	if !item.IsDir {
		item.Size = provider.Int64(e.Size)
	}
	if t, err := time.Parse(time.RFC3339, e.ModifiedAt); err == nil {
		item.ModTime = t
	}
	return item
}
