package youtube

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rolledback/cloudgate/internal/httpx"
	"github.com/rolledback/cloudgate/internal/media"
	"github.com/rolledback/cloudgate/internal/provider"
	"github.com/rolledback/cloudgate/internal/streamcache"
)

// newTestYouTube builds a provider whose stream cache is primed by the given
// fetch function, bypassing the watch-page round trip.
func newTestYouTube(fetch streamcache.FetchFunc[*streamData]) *YouTube {
	y := &YouTube{http: httpx.New(httpx.Options{})}
	y.cache = streamcache.New(streamCacheCapacity, fetch)
	return y
}

func staticData(data *streamData) streamcache.FetchFunc[*streamData] {
	return func(ctx context.Context, key string) (*streamData, error) {
		return data, nil
	}
}

func adaptiveFormats() []format {
	return []format{
		{Itag: 248, URL: "https://m.example.com/248", MimeType: `video/webm; codecs="vp9"`, Bitrate: 2000, Width: 1920, Height: 1080, ContentLength: "5000"},
		{Itag: 136, URL: "https://m.example.com/136", MimeType: `video/mp4; codecs="avc1"`, Bitrate: 1500, Width: 1280, Height: 720, ContentLength: "4000"},
		{Itag: 137, URL: "https://m.example.com/137", MimeType: `video/mp4; codecs="avc1"`, Bitrate: 2500, Width: 1920, Height: 1080, ContentLength: "6000"},
		{Itag: 140, URL: "https://m.example.com/140", MimeType: `audio/mp4; codecs="mp4a"`, Bitrate: 128, AudioSampleRate: "44100", ContentLength: "1000"},
		{Itag: 251, URL: "https://m.example.com/251", MimeType: `audio/webm; codecs="opus"`, Bitrate: 160, AudioSampleRate: "48000", ContentLength: "900"},
		{Itag: 999, URL: "https://m.example.com/999", MimeType: `video/mp4`, Bitrate: 9000}, // no contentLength
	}
}

func dashItem() provider.Item {
	return provider.Item{
		ID:       "/likes/video.mpd",
		Name:     "video.mpd",
		Size:     provider.Int64(DashManifestSize),
		MimeType: "application/dash+xml",
		Kind:     provider.KindYouTube,
		Payload:  dashFile{videoID: "vid1"},
	}
}

func TestManifestContent_FixedSizePadding(t *testing.T) {
	y := newTestYouTube(staticData(&streamData{AdaptiveFormats: adaptiveFormats()}))

	content, err := y.FileContent(context.Background(), dashItem(), provider.Range{})
	require.NoError(t, err)
	body, err := io.ReadAll(content.Body)
	require.NoError(t, err)

	assert.Len(t, body, DashManifestSize)
	assert.Equal(t, byte(' '), body[len(body)-1])
	text := string(body)
	assert.Contains(t, text, "<MPD")
	// BaseURLs route back through the parallel streams tree.
	assert.Contains(t, text, "../streams/likes/video/248.webm")
	assert.Contains(t, text, "../streams/likes/video/140.mp4")
	// Formats without a content length are not represented.
	assert.NotContains(t, text, ">999.")
}

func TestManifestContent_RangeSlice(t *testing.T) {
	y := newTestYouTube(staticData(&streamData{AdaptiveFormats: adaptiveFormats()}))

	end := int64(15999)
	content, err := y.FileContent(context.Background(), dashItem(), provider.Range{Start: 0, End: &end})
	require.NoError(t, err)
	body, err := io.ReadAll(content.Body)
	require.NoError(t, err)
	assert.Len(t, body, 16000)
}

func TestManifestContent_RangeOutsideIs416(t *testing.T) {
	y := newTestYouTube(staticData(&streamData{AdaptiveFormats: adaptiveFormats()}))

	_, err := y.FileContent(context.Background(), dashItem(), provider.Range{Start: 20000})
	assert.ErrorIs(t, err, provider.ErrRangeNotSatisfiable)

	end := int64(DashManifestSize)
	_, err = y.FileContent(context.Background(), dashItem(), provider.Range{Start: 0, End: &end})
	assert.ErrorIs(t, err, provider.ErrRangeNotSatisfiable)
}

type recordingMuxer struct {
	container media.Container
	videoSize int64
	audioSize int64
}

func (m *recordingMuxer) Mux(ctx context.Context, video, audio media.SizedReaderAt, container media.Container) (io.ReadCloser, error) {
	m.container = container
	m.videoSize = video.Size()
	m.audioSize = audio.Size()
	return io.NopCloser(strings.NewReader("muxed")), nil
}

func muxedItem(container media.Container) provider.Item {
	return provider.Item{
		ID:       "/muxed-mp4/video." + string(container),
		Name:     "video." + string(container),
		MimeType: "application/octet-stream",
		Kind:     provider.KindYouTube,
		Payload:  muxedFile{videoID: "vid1", container: container},
	}
}

func TestMuxedContent_RejectsPartialRange(t *testing.T) {
	y := newTestYouTube(staticData(&streamData{AdaptiveFormats: adaptiveFormats()}))
	y.muxer = &recordingMuxer{}

	_, err := y.FileContent(context.Background(), muxedItem(media.ContainerMP4), provider.Range{Start: 100})
	assert.ErrorIs(t, err, provider.ErrRangeNotSatisfiable)

	end := int64(10)
	_, err = y.FileContent(context.Background(), muxedItem(media.ContainerMP4), provider.Range{Start: 0, End: &end})
	assert.ErrorIs(t, err, provider.ErrRangeNotSatisfiable)
}

func TestMuxedContent_SelectsBestStreams(t *testing.T) {
	muxer := &recordingMuxer{}
	y := newTestYouTube(staticData(&streamData{AdaptiveFormats: adaptiveFormats()}))
	y.muxer = muxer

	content, err := y.FileContent(context.Background(), muxedItem(media.ContainerMP4), provider.Range{})
	require.NoError(t, err)
	body, _ := io.ReadAll(content.Body)
	assert.Equal(t, "muxed", string(body))

	assert.Equal(t, media.ContainerMP4, muxer.container)
	// itag 137 is the best mp4 video (6000 bytes), 140 the best mp4 audio.
	assert.Equal(t, int64(6000), muxer.videoSize)
	assert.Equal(t, int64(1000), muxer.audioSize)
}

func TestListStreams(t *testing.T) {
	y := newTestYouTube(staticData(&streamData{AdaptiveFormats: adaptiveFormats()}))

	dir := provider.Item{
		ID:      "/streams/My Video/",
		Name:    "My Video",
		IsDir:   true,
		Kind:    provider.KindYouTube,
		Payload: streamDir{videoID: "vid1"},
	}
	page, err := y.ListDirectoryPage(context.Background(), dir, "")
	require.NoError(t, err)
	// The format without contentLength is skipped.
	require.Len(t, page.Items, 5)
	assert.Empty(t, page.NextPageToken)

	first := page.Items[0]
	assert.Equal(t, "248.webm", first.Name)
	assert.Equal(t, int64(5000), *first.Size)
	payload := first.Payload.(streamFile)
	assert.Equal(t, 248, payload.itag)
}

func TestStreamContent_RetriesAfterInvalidation(t *testing.T) {
	var serverCalls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if serverCalls.Add(1) == 1 {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		assert.Equal(t, "bytes=0-9", r.Header.Get("Range"))
		w.WriteHeader(http.StatusPartialContent)
		io.WriteString(w, "0123456789")
	}))
	defer server.Close()

	var fetches atomic.Int64
	y := newTestYouTube(func(ctx context.Context, key string) (*streamData, error) {
		fetches.Add(1)
		return &streamData{
			Formats: []format{{Itag: 18, URL: server.URL + "/v", MimeType: "video/mp4", ContentLength: "10"}},
		}, nil
	})

	item := provider.Item{
		ID:      "/streams/v/18.mp4",
		Name:    "18.mp4",
		Size:    provider.Int64(10),
		Kind:    provider.KindYouTube,
		Payload: streamFile{videoID: "vid1", itag: 18, size: 10},
	}
	content, err := y.FileContent(context.Background(), item, provider.Range{})
	require.NoError(t, err)
	body, err := io.ReadAll(content.Body)
	require.NoError(t, err)
	content.Body.Close()

	assert.Equal(t, "0123456789", string(body))
	// One 403 plus one successful retry; the 403 invalidated the cache so
	// the metadata was fetched twice.
	assert.Equal(t, int64(2), serverCalls.Load())
	assert.Equal(t, int64(2), fetches.Load())
}

func TestStreamContent_FollowsRedirectsWithRange(t *testing.T) {
	var finalRange string
	mux := http.NewServeMux()
	mux.HandleFunc("/hop1", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/hop2", http.StatusFound)
	})
	mux.HandleFunc("/hop2", func(w http.ResponseWriter, r *http.Request) {
		finalRange = r.Header.Get("Range")
		w.WriteHeader(http.StatusPartialContent)
		io.WriteString(w, "abcde")
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	y := newTestYouTube(staticData(&streamData{
		Formats: []format{{Itag: 18, URL: server.URL + "/hop1", MimeType: "video/mp4", ContentLength: "5"}},
	}))

	item := provider.Item{
		ID:      "/streams/v/18.mp4",
		Size:    provider.Int64(5),
		Kind:    provider.KindYouTube,
		Payload: streamFile{videoID: "vid1", itag: 18, size: 5},
	}
	content, err := y.FileContent(context.Background(), item, provider.Range{})
	require.NoError(t, err)
	body, _ := io.ReadAll(content.Body)
	content.Body.Close()

	assert.Equal(t, "abcde", string(body))
	assert.Equal(t, "bytes=0-4", finalRange)
}

func TestRootItem(t *testing.T) {
	y := newTestYouTube(staticData(&streamData{}))
	root, err := y.Root(context.Background())
	require.NoError(t, err)
	assert.True(t, root.IsDir)
	assert.Equal(t, "/", root.ID)
	assert.Equal(t, presentationDash, root.Payload.(rootDir).presentation)
}

func TestYouTube_MutationsUnsupported(t *testing.T) {
	y := newTestYouTube(staticData(&streamData{}))
	_, err := y.CreateFile(context.Background(), provider.Item{}, "f", strings.NewReader(""), 0)
	assert.ErrorIs(t, err, provider.ErrUnsupported)
	assert.ErrorIs(t, y.RemoveItem(context.Background(), provider.Item{}), provider.ErrUnsupported)
}
