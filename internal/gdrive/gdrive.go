// Package gdrive implements the Google Drive provider over the Drive v3
// REST API.
package gdrive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rolledback/cloudgate/internal/httpx"
	"github.com/rolledback/cloudgate/internal/provider"
)

const (
	endpoint       = "https://www.googleapis.com/drive/v3"
	uploadEndpoint = "https://www.googleapis.com/upload/drive/v3"
	tokenURL       = "https://oauth2.googleapis.com/token"
	authorizeURL   = "https://accounts.google.com/o/oauth2/auth"
	scopes         = "https://www.googleapis.com/auth/drive openid email"

	fileFields = "id,name,mimeType,size,modifiedTime,thumbnailLink,parents"

	folderMimeType = "application/vnd.google-apps.folder"
)

// Factory implements provider.Factory for Google Drive.
type Factory struct{}

func (Factory) Kind() provider.Kind { return provider.KindGoogleDrive }

func (Factory) AuthorizationURL(data provider.AuthData) string {
	return authorizeURL + "?" + url.Values{
		"response_type": {"code"},
		"client_id":     {data.ClientID},
		"redirect_uri":  {data.RedirectURI},
		"scope":         {scopes},
		"access_type":   {"offline"},
		"prompt":        {"consent"},
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
	return &Drive{auth: deps.Auth}
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

// Drive is the Google Drive provider instance for one account.
type Drive struct {
	auth *provider.AuthManager
}

type driveFile struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	MimeType      string `json:"mimeType"`
	Size          string `json:"size"`
	ModifiedTime  string `json:"modifiedTime"`
	ThumbnailLink string `json:"thumbnailLink"`
	Parents       []string
}

func (d *Drive) Kind() provider.Kind { return provider.KindGoogleDrive }

func (d *Drive) Root(ctx context.Context) (provider.Item, error) {
	return provider.Item{
		ID:    "root",
		Name:  "",
		IsDir: true,
		Kind:  provider.KindGoogleDrive,
		Payload: driveFile{
			ID:       "root",
			MimeType: folderMimeType,
		},
	}, nil
}

func (d *Drive) GeneralData(ctx context.Context) (provider.GeneralData, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		endpoint+"/about?fields=user,storageQuota", nil)
	if err != nil {
		return provider.GeneralData{}, err
	}
	var about struct {
		User struct {
			EmailAddress string `json:"emailAddress"`
		} `json:"user"`
		StorageQuota struct {
			Limit string `json:"limit"`
			Usage string `json:"usage"`
		} `json:"storageQuota"`
	}
	if err := d.auth.FetchJSON(ctx, req, &about); err != nil {
		return provider.GeneralData{}, err
	}
	data := provider.GeneralData{Username: about.User.EmailAddress}
	if v, err := strconv.ParseInt(about.StorageQuota.Usage, 10, 64); err == nil {
		data.UsedBytes = provider.Int64(v)
	}
	if v, err := strconv.ParseInt(about.StorageQuota.Limit, 10, 64); err == nil {
		data.TotalBytes = provider.Int64(v)
	}
	return data, nil
}

func (d *Drive) ListDirectoryPage(ctx context.Context, dir provider.Item, pageToken string) (provider.PageData, error) {
	if err := provider.CheckItem(d, dir); err != nil {
		return provider.PageData{}, err
	}
	query := url.Values{
		"q":        {fmt.Sprintf("%q in parents and trashed = false", dir.ID)},
		"fields":   {"files(" + fileFields + "),nextPageToken"},
		"pageSize": {"100"},
	}
	if pageToken != "" {
		query.Set("pageToken", pageToken)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		endpoint+"/files?"+query.Encode(), nil)
	if err != nil {
		return provider.PageData{}, err
	}
	var listing struct {
		Files         []driveFile `json:"files"`
		NextPageToken string      `json:"nextPageToken"`
	}
	if err := d.auth.FetchJSON(ctx, req, &listing); err != nil {
		return provider.PageData{}, err
	}
	page := provider.PageData{NextPageToken: listing.NextPageToken}
	for _, f := range listing.Files {
		page.Items = append(page.Items, toItem(f))
	}
	return page, nil
}

func (d *Drive) FileContent(ctx context.Context, item provider.Item, rng provider.Range) (provider.FileContent, error) {
	if err := provider.CheckItem(d, item); err != nil {
		return provider.FileContent{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		endpoint+"/files/"+url.PathEscape(item.ID)+"?alt=media", nil)
	if err != nil {
		return provider.FileContent{}, err
	}
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

func (d *Drive) CreateFile(ctx context.Context, parent provider.Item, name string, body io.Reader, size int64) (provider.Item, error) {
	if err := provider.CheckItem(d, parent); err != nil {
		return provider.Item{}, err
	}
	meta, err := json.Marshal(map[string]any{
		"name":    name,
		"parents": []string{parent.ID},
	})
	if err != nil {
		return provider.Item{}, err
	}
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreatePart(textproto.MIMEHeader{
		"Content-Type": {"application/json; charset=UTF-8"},
	})
	if err != nil {
		return provider.Item{}, err
	}
	part.Write(meta)
	part, err = writer.CreatePart(textproto.MIMEHeader{
		"Content-Type": {"application/octet-stream"},
	})
	if err != nil {
		return provider.Item{}, err
	}
	if _, err := io.Copy(part, body); err != nil {
		return provider.Item{}, err
	}
	writer.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		uploadEndpoint+"/files?uploadType=multipart&fields="+url.QueryEscape(fileFields),
		bytes.NewReader(buf.Bytes()))
	if err != nil {
		return provider.Item{}, err
	}
	req.Header.Set("Content-Type", "multipart/related; boundary="+writer.Boundary())
	var created driveFile
	if err := d.auth.FetchJSON(ctx, req, &created); err != nil {
		return provider.Item{}, err
	}
	return toItem(created), nil
}

func (d *Drive) CreateDirectory(ctx context.Context, parent provider.Item, name string) (provider.Item, error) {
	if err := provider.CheckItem(d, parent); err != nil {
		return provider.Item{}, err
	}
	return d.patchFile(ctx, http.MethodPost, endpoint+"/files?fields="+url.QueryEscape(fileFields), map[string]any{
		"name":     name,
		"mimeType": folderMimeType,
		"parents":  []string{parent.ID},
	})
}

func (d *Drive) RenameItem(ctx context.Context, item provider.Item, newName string) (provider.Item, error) {
	if err := provider.CheckItem(d, item); err != nil {
		return provider.Item{}, err
	}
	return d.patchFile(ctx, http.MethodPatch,
		endpoint+"/files/"+url.PathEscape(item.ID)+"?fields="+url.QueryEscape(fileFields),
		map[string]any{"name": newName})
}

func (d *Drive) MoveItem(ctx context.Context, item provider.Item, dest provider.Item) (provider.Item, error) {
	if err := provider.CheckItem(d, item); err != nil {
		return provider.Item{}, err
	}
	if err := provider.CheckItem(d, dest); err != nil {
		return provider.Item{}, err
	}
	query := url.Values{
		"addParents": {dest.ID},
		"fields":     {fileFields},
	}
	if payload, ok := item.Payload.(driveFile); ok && len(payload.Parents) > 0 {
		query.Set("removeParents", strings.Join(payload.Parents, ","))
	}
	return d.patchFile(ctx, http.MethodPatch,
		endpoint+"/files/"+url.PathEscape(item.ID)+"?"+query.Encode(),
		map[string]any{})
}

func (d *Drive) RemoveItem(ctx context.Context, item provider.Item) error {
	if err := provider.CheckItem(d, item); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		endpoint+"/files/"+url.PathEscape(item.ID), nil)
	if err != nil {
		return err
	}
	return d.auth.FetchJSON(ctx, req, nil)
}

func (d *Drive) ItemThumbnail(ctx context.Context, item provider.Item, rng provider.Range) (provider.Thumbnail, error) {
	if err := provider.CheckItem(d, item); err != nil {
		return provider.Thumbnail{}, err
	}
	payload, ok := item.Payload.(driveFile)
	if !ok || payload.ThumbnailLink == "" {
		return provider.Thumbnail{}, fmt.Errorf("no thumbnail: %w", provider.ErrNotFound)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, payload.ThumbnailLink, nil)
	if err != nil {
		return provider.Thumbnail{}, err
	}
	if !rng.Full() {
		req.Header.Set("Range", rng.Header())
	}
	resp, err := d.auth.Do(ctx, req)
	if err != nil {
		return provider.Thumbnail{}, err
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

func (d *Drive) ItemByID(ctx context.Context, id string) (provider.Item, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		endpoint+"/files/"+url.PathEscape(id)+"?fields="+url.QueryEscape(fileFields), nil)
	if err != nil {
		return provider.Item{}, err
	}
	var f driveFile
	if err := d.auth.FetchJSON(ctx, req, &f); err != nil {
		return provider.Item{}, err
	}
	return toItem(f), nil
}

func (d *Drive) patchFile(ctx context.Context, method, requestURL string, body map[string]any) (provider.Item, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return provider.Item{}, err
	}
	req, err := http.NewRequestWithContext(ctx, method, requestURL, bytes.NewReader(payload))
	if err != nil {
		return provider.Item{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	var f driveFile
	if err := d.auth.FetchJSON(ctx, req, &f); err != nil {
		return provider.Item{}, err
	}
	return toItem(f), nil
}

func toItem(f driveFile) provider.Item {
	item := provider.Item{
		ID:       f.ID,
		Name:     f.Name,
		IsDir:    f.MimeType == folderMimeType,
		MimeType: f.MimeType,
		Kind:     provider.KindGoogleDrive,
		Payload:  f,
	}
	if v, err := strconv.ParseInt(f.Size, 10, 64); err == nil {
		item.Size = provider.Int64(v)
	}
	if t, err := time.Parse(time.RFC3339, f.ModifiedTime); err == nil {
		item.ModTime = t
	}
	return item
}
