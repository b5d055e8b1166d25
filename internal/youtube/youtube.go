// Package youtube implements the YouTube provider. Unlike the storage
// providers it synthesises its file tree: playlists surface as directories
// whose members are DASH manifests, raw streams, or muxed containers, all
// derived from reverse-engineered watch-page metadata.
package youtube

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rolledback/cloudgate/internal/dash"
	"github.com/rolledback/cloudgate/internal/httpx"
	"github.com/rolledback/cloudgate/internal/media"
	"github.com/rolledback/cloudgate/internal/provider"
	"github.com/rolledback/cloudgate/internal/streamcache"
)

const (
	apiEndpoint  = "https://www.googleapis.com/youtube/v3"
	authorizeURL = "https://accounts.google.com/o/oauth2/auth"
	tokenURL     = "https://oauth2.googleapis.com/token"
	userinfoURL  = "https://openidconnect.googleapis.com/v1/userinfo"
	scopes       = "https://www.googleapis.com/auth/youtube.readonly openid email"

	// DashManifestSize is the fixed rendered size of every .mpd file, so
	// manifests have a known length for range requests. A manifest that
	// renders larger than this is rejected rather than grown: growing
	// would contradict the size already advertised in listings.
	DashManifestSize = 16192

	// streamChunkSize splits ranged stream reads into bounded
	// sub-requests.
	streamChunkSize = 10_000_000

	streamCacheCapacity = 32
)

// presentation selects how a virtual directory renders playlist members.
type presentation int

const (
	presentationDash presentation = iota
	presentationStream
	presentationMuxedWebm
	presentationMuxedMp4
)

// Item payloads. The Item.ID is the slash path of the node inside the
// account so ids stay unique across the four parallel trees.
type rootDir struct {
	presentation presentation
}

type playlistDir struct {
	playlistID   string
	presentation presentation
}

type streamDir struct {
	videoID string
}

type streamFile struct {
	videoID string
	itag    int
	size    int64
}

type dashFile struct {
	videoID      string
	thumbnailURL string
}

type muxedFile struct {
	videoID      string
	container    media.Container
	thumbnailURL string
}

// Factory implements provider.Factory for YouTube. OAuth runs against the
// same Google endpoints as Drive with the readonly YouTube scope.
type Factory struct{}

func (Factory) Kind() provider.Kind { return provider.KindYouTube }

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
	y := &YouTube{
		auth:  deps.Auth,
		http:  deps.HTTP,
		muxer: deps.Muxer,
	}
	y.cache = streamcache.New(streamCacheCapacity, y.fetchStreamData)
	return y
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

// YouTube is the provider instance for one account.
type YouTube struct {
	provider.Unsupported

	auth  *provider.AuthManager
	http  httpx.Client
	muxer media.Muxer
	cache *streamcache.Cache[*streamData]
}

func (y *YouTube) Kind() provider.Kind { return provider.KindYouTube }

func (y *YouTube) Root(ctx context.Context) (provider.Item, error) {
	return provider.Item{
		ID:      "/",
		Name:    "",
		IsDir:   true,
		Kind:    provider.KindYouTube,
		Payload: rootDir{presentation: presentationDash},
	}, nil
}

func (y *YouTube) GeneralData(ctx context.Context) (provider.GeneralData, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, userinfoURL, nil)
	if err != nil {
		return provider.GeneralData{}, err
	}
	var userinfo struct {
		Email string `json:"email"`
	}
	if err := y.auth.FetchJSON(ctx, req, &userinfo); err != nil {
		return provider.GeneralData{}, err
	}
	return provider.GeneralData{Username: userinfo.Email}, nil
}

func (y *YouTube) ListDirectoryPage(ctx context.Context, dir provider.Item, pageToken string) (provider.PageData, error) {
	if err := provider.CheckItem(y, dir); err != nil {
		return provider.PageData{}, err
	}
	switch payload := dir.Payload.(type) {
	case rootDir:
		return y.listRoot(ctx, dir.ID, payload)
	case playlistDir:
		return y.listPlaylist(ctx, dir.ID, payload, pageToken)
	case streamDir:
		return y.listStreams(ctx, dir.ID, payload)
	default:
		return provider.PageData{}, fmt.Errorf("not a directory: %w", provider.ErrUnsupported)
	}
}

// listRoot enumerates the channel's related playlists; the DASH root also
// links the three alternative presentations.
func (y *YouTube) listRoot(ctx context.Context, dirID string, dir rootDir) (provider.PageData, error) {
	query := url.Values{
		"mine":       {"true"},
		"part":       {"contentDetails,snippet"},
		"maxResults": {"50"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		apiEndpoint+"/channels?"+query.Encode(), nil)
	if err != nil {
		return provider.PageData{}, err
	}
	var response struct {
		Items []struct {
			ContentDetails struct {
				RelatedPlaylists map[string]string `json:"relatedPlaylists"`
			} `json:"contentDetails"`
		} `json:"items"`
	}
	if err := y.auth.FetchJSON(ctx, req, &response); err != nil {
		return provider.PageData{}, err
	}
	if len(response.Items) == 0 {
		return provider.PageData{}, fmt.Errorf("no channel for account: %w", provider.ErrNotFound)
	}
	related := response.Items[0].ContentDetails.RelatedPlaylists
	names := make([]string, 0, len(related))
	for name, id := range related {
		if id == "" {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	var page provider.PageData
	for _, name := range names {
		page.Items = append(page.Items, provider.Item{
			ID:    dirID + name + "/",
			Name:  name,
			IsDir: true,
			Kind:  provider.KindYouTube,
			Payload: playlistDir{
				playlistID:   related[name],
				presentation: dir.presentation,
			},
		})
	}
	if dir.presentation == presentationDash {
		for _, alt := range []struct {
			name string
			p    presentation
		}{
			{"streams", presentationStream},
			{"muxed-webm", presentationMuxedWebm},
			{"muxed-mp4", presentationMuxedMp4},
		} {
			page.Items = append(page.Items, provider.Item{
				ID:      "/" + alt.name + "/",
				Name:    alt.name,
				IsDir:   true,
				Kind:    provider.KindYouTube,
				Payload: rootDir{presentation: alt.p},
			})
		}
	}
	return page, nil
}

func (y *YouTube) listPlaylist(ctx context.Context, dirID string, dir playlistDir, pageToken string) (provider.PageData, error) {
	query := url.Values{
		"part":       {"snippet"},
		"playlistId": {dir.playlistID},
		"maxResults": {"50"},
	}
	if pageToken != "" {
		query.Set("pageToken", pageToken)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		apiEndpoint+"/playlistItems?"+query.Encode(), nil)
	if err != nil {
		return provider.PageData{}, err
	}
	var response struct {
		Items []struct {
			Snippet struct {
				Title       string    `json:"title"`
				PublishedAt time.Time `json:"publishedAt"`
				ResourceID  struct {
					VideoID string `json:"videoId"`
				} `json:"resourceId"`
				Thumbnails struct {
					Default struct {
						URL string `json:"url"`
					} `json:"default"`
				} `json:"thumbnails"`
			} `json:"snippet"`
		} `json:"items"`
		NextPageToken string `json:"nextPageToken"`
	}
	if err := y.auth.FetchJSON(ctx, req, &response); err != nil {
		return provider.PageData{}, err
	}
	page := provider.PageData{NextPageToken: response.NextPageToken}
	for _, entry := range response.Items {
		snippet := entry.Snippet
		if snippet.ResourceID.VideoID == "" {
			continue
		}
		switch dir.presentation {
		case presentationStream:
			page.Items = append(page.Items, provider.Item{
				ID:      dirID + url.PathEscape(snippet.Title) + "/",
				Name:    snippet.Title,
				IsDir:   true,
				ModTime: snippet.PublishedAt,
				Kind:    provider.KindYouTube,
				Payload: streamDir{videoID: snippet.ResourceID.VideoID},
			})
		case presentationMuxedWebm, presentationMuxedMp4:
			container := media.ContainerWebm
			if dir.presentation == presentationMuxedMp4 {
				container = media.ContainerMP4
			}
			name := snippet.Title + "." + string(container)
			page.Items = append(page.Items, provider.Item{
				ID:       dirID + url.PathEscape(name),
				Name:     name,
				ModTime:  snippet.PublishedAt,
				MimeType: "application/octet-stream",
				Kind:     provider.KindYouTube,
				Payload: muxedFile{
					videoID:      snippet.ResourceID.VideoID,
					container:    container,
					thumbnailURL: snippet.Thumbnails.Default.URL,
				},
			})
		default:
			name := snippet.Title + ".mpd"
			page.Items = append(page.Items, provider.Item{
				ID:       dirID + url.PathEscape(name),
				Name:     name,
				Size:     provider.Int64(DashManifestSize),
				ModTime:  snippet.PublishedAt,
				MimeType: "application/dash+xml",
				Kind:     provider.KindYouTube,
				Payload: dashFile{
					videoID:      snippet.ResourceID.VideoID,
					thumbnailURL: snippet.Thumbnails.Default.URL,
				},
			})
		}
	}
	return page, nil
}

// listStreams lists one stream file per format that reports a content
// length.
func (y *YouTube) listStreams(ctx context.Context, dirID string, dir streamDir) (provider.PageData, error) {
	data, err := y.cache.Get(ctx, dir.videoID)
	if err != nil {
		return provider.PageData{}, err
	}
	var page provider.PageData
	for _, f := range data.allFormats() {
		size, ok := f.contentLength()
		if !ok {
			continue
		}
		name := f.streamName()
		page.Items = append(page.Items, provider.Item{
			ID:       dirID + name,
			Name:     name,
			Size:     provider.Int64(size),
			MimeType: f.MimeType,
			Kind:     provider.KindYouTube,
			Payload: streamFile{
				videoID: dir.videoID,
				itag:    f.Itag,
				size:    size,
			},
		})
	}
	return page, nil
}

func (y *YouTube) FileContent(ctx context.Context, item provider.Item, rng provider.Range) (provider.FileContent, error) {
	if err := provider.CheckItem(y, item); err != nil {
		return provider.FileContent{}, err
	}
	switch payload := item.Payload.(type) {
	case streamFile:
		return y.streamContent(ctx, payload, rng)
	case dashFile:
		return y.manifestContent(ctx, item, payload, rng)
	case muxedFile:
		return y.muxedContent(ctx, payload, rng)
	default:
		return provider.FileContent{}, fmt.Errorf("not a file: %w", provider.ErrUnsupported)
	}
}

// videoURL resolves the media URL for one itag of a video.
func (y *YouTube) videoURL(ctx context.Context, videoID string, itag int) (string, error) {
	data, err := y.cache.Get(ctx, videoID)
	if err != nil {
		return "", err
	}
	for _, f := range data.allFormats() {
		if f.Itag == itag {
			return data.mediaURL(f)
		}
	}
	return "", fmt.Errorf("itag %d: %w", itag, provider.ErrNotFound)
}

func (y *YouTube) streamContent(ctx context.Context, file streamFile, rng provider.Range) (provider.FileContent, error) {
	start, end, err := rng.Clamp(file.size)
	if err != nil {
		return provider.FileContent{}, err
	}
	reader := &streamReader{
		ctx:  ctx,
		yt:   y,
		file: file,
		pos:  start,
		end:  end,
	}
	return provider.FileContent{
		Body: reader,
		Size: provider.Int64(end - start + 1),
	}, nil
}

// manifestContent renders the fixed-size DASH manifest. The BaseURLs point
// back into the parallel /streams tree so players fetch bytes through the
// gateway.
func (y *YouTube) manifestContent(ctx context.Context, item provider.Item, file dashFile, rng provider.Range) (provider.FileContent, error) {
	if (rng.End != nil && *rng.End >= DashManifestSize) || rng.Start >= DashManifestSize {
		return provider.FileContent{}, provider.ErrRangeNotSatisfiable
	}
	data, err := y.cache.Get(ctx, file.videoID)
	if err != nil {
		return provider.FileContent{}, err
	}
	var formats []dash.Format
	for _, f := range data.AdaptiveFormats {
		size, ok := f.contentLength()
		if !ok {
			continue
		}
		formats = append(formats, dash.Format{
			Itag:            f.Itag,
			MimeType:        f.MimeType,
			Bitrate:         f.Bitrate,
			Width:           f.Width,
			Height:          f.Height,
			AudioSampleRate: f.AudioSampleRate,
			ContentLength:   size,
		})
	}
	basePath := "../streams" + strings.TrimSuffix(item.ID, ".mpd") + "/"
	manifest, err := dash.Manifest(basePath, func(f dash.Format) string {
		return format{Itag: f.Itag, MimeType: f.MimeType}.streamName()
	}, formats)
	if err != nil {
		return provider.FileContent{}, err
	}
	if len(manifest) > DashManifestSize {
		return provider.FileContent{}, fmt.Errorf("manifest exceeds %d bytes: %w", DashManifestSize, provider.ErrParse)
	}
	padded := manifest + strings.Repeat(" ", DashManifestSize-len(manifest))
	end := int64(DashManifestSize - 1)
	if rng.End != nil {
		end = *rng.End
	}
	body := padded[int(rng.Start):int(end+1)]
	return provider.FileContent{
		Body: io.NopCloser(strings.NewReader(body)),
		Size: provider.Int64(int64(len(body))),
	}, nil
}

// muxedContent feeds the best video and audio of the container type through
// the external muxer. The output length is unknown up front, so partial
// ranges cannot be served.
func (y *YouTube) muxedContent(ctx context.Context, file muxedFile, rng provider.Range) (provider.FileContent, error) {
	if !rng.Full() {
		return provider.FileContent{}, fmt.Errorf("partial read of muxed stream: %w", provider.ErrRangeNotSatisfiable)
	}
	data, err := y.cache.Get(ctx, file.videoID)
	if err != nil {
		return provider.FileContent{}, err
	}
	video, err := data.bestVideo("video/" + string(file.container))
	if err != nil {
		return provider.FileContent{}, err
	}
	audio, err := data.bestAudio("audio/" + string(file.container))
	if err != nil {
		return provider.FileContent{}, err
	}
	videoReader, err := y.streamReaderAt(ctx, file.videoID, video)
	if err != nil {
		return provider.FileContent{}, err
	}
	audioReader, err := y.streamReaderAt(ctx, file.videoID, audio)
	if err != nil {
		return provider.FileContent{}, err
	}
	body, err := y.muxer.Mux(ctx, videoReader, audioReader, file.container)
	if err != nil {
		return provider.FileContent{}, err
	}
	return provider.FileContent{Body: body}, nil
}

func (y *YouTube) streamReaderAt(ctx context.Context, videoID string, f format) (media.SizedReaderAt, error) {
	size, ok := f.contentLength()
	if !ok {
		return nil, fmt.Errorf("format %d has no content length: %w", f.Itag, provider.ErrNotFound)
	}
	item := provider.Item{
		ID:   "/streams/" + videoID + "/" + f.streamName(),
		Name: f.streamName(),
		Size: provider.Int64(size),
		Kind: provider.KindYouTube,
		Payload: streamFile{
			videoID: videoID,
			itag:    f.Itag,
			size:    size,
		},
	}
	return provider.NewRangeReader(ctx, y, item)
}

func (y *YouTube) ItemThumbnail(ctx context.Context, item provider.Item, rng provider.Range) (provider.Thumbnail, error) {
	if err := provider.CheckItem(y, item); err != nil {
		return provider.Thumbnail{}, err
	}
	var thumbnailURL string
	switch payload := item.Payload.(type) {
	case dashFile:
		thumbnailURL = payload.thumbnailURL
	case muxedFile:
		thumbnailURL = payload.thumbnailURL
	}
	if thumbnailURL == "" {
		return provider.Thumbnail{}, fmt.Errorf("no thumbnail: %w", provider.ErrNotFound)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, thumbnailURL, nil)
	if err != nil {
		return provider.Thumbnail{}, err
	}
	if !rng.Full() {
		req.Header.Set("Range", rng.Header())
	}
	resp, err := httpx.Follow(y.http, req)
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

func decodeJSON(s string, v any) error {
	if err := json.Unmarshal([]byte(s), v); err != nil {
		return fmt.Errorf("%w: %v", provider.ErrParse, err)
	}
	return nil
}
