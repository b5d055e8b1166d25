package youtube

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/rolledback/cloudgate/internal/httpx"
	"github.com/rolledback/cloudgate/internal/provider"
)

// format is one entry of streamingData.formats / adaptiveFormats.
type format struct {
	Itag            int    `json:"itag"`
	URL             string `json:"url"`
	MimeType        string `json:"mimeType"`
	Bitrate         int64  `json:"bitrate"`
	Width           int    `json:"width"`
	Height          int    `json:"height"`
	AudioSampleRate string `json:"audioSampleRate"`
	ContentLength   string `json:"contentLength"`
	SignatureCipher string `json:"signatureCipher"`
}

func (f format) contentLength() (int64, bool) {
	v, err := strconv.ParseInt(f.ContentLength, 10, 64)
	return v, err == nil
}

func (f format) extension() string {
	mediaType, _, _ := strings.Cut(f.MimeType, ";")
	_, subtype, _ := strings.Cut(strings.TrimSpace(mediaType), "/")
	if subtype == "" {
		return "bin"
	}
	return subtype
}

// streamName is the member file name a format gets inside a per-video
// stream directory; the DASH manifest's BaseURLs use the same mapping.
func (f format) streamName() string {
	return fmt.Sprintf("%d.%s", f.Itag, f.extension())
}

// streamData is the per-video cache entry: the format lists plus the
// descramblers extracted from the player script.
type streamData struct {
	AdaptiveFormats []format
	Formats         []format

	descrambler  *sigDescrambler
	nDescrambler *nDescrambler
}

func (d *streamData) allFormats() []format {
	out := make([]format, 0, len(d.AdaptiveFormats)+len(d.Formats))
	out = append(out, d.AdaptiveFormats...)
	return append(out, d.Formats...)
}

// bestVideo picks the highest-bitrate adaptive video format of the given
// container type that reports a content length.
func (d *streamData) bestVideo(mimePrefix string) (format, error) {
	return d.best(mimePrefix)
}

func (d *streamData) bestAudio(mimePrefix string) (format, error) {
	return d.best(mimePrefix)
}

func (d *streamData) best(mimePrefix string) (format, error) {
	var (
		found bool
		pick  format
	)
	for _, f := range d.AdaptiveFormats {
		if !strings.HasPrefix(f.MimeType, mimePrefix) {
			continue
		}
		if _, ok := f.contentLength(); !ok {
			continue
		}
		if !found || f.Bitrate > pick.Bitrate {
			found = true
			pick = f
		}
	}
	if !found {
		return format{}, fmt.Errorf("no %s format available: %w", mimePrefix, provider.ErrNotFound)
	}
	return pick, nil
}

// mediaURL resolves the fetchable URL of a format, applying the signature
// and n-parameter descramblers as needed.
func (d *streamData) mediaURL(f format) (string, error) {
	mediaURL := f.URL
	if mediaURL == "" {
		if d.descrambler == nil {
			return "", fmt.Errorf("format %d needs a descrambler: %w", f.Itag, provider.ErrParse)
		}
		var err error
		mediaURL, err = d.descrambler.Apply(f.SignatureCipher)
		if err != nil {
			return "", err
		}
	}
	if d.nDescrambler == nil {
		return mediaURL, nil
	}
	parsed, err := url.Parse(mediaURL)
	if err != nil {
		return "", fmt.Errorf("bad media url: %w", provider.ErrParse)
	}
	query := parsed.Query()
	n := query.Get("n")
	if n == "" {
		return mediaURL, nil
	}
	replaced, err := d.nDescrambler.Apply(n)
	if err != nil {
		return "", err
	}
	query.Set("n", replaced)
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

// fetchStreamData retrieves the watch page and the player script for one
// video and assembles the cache entry. The descrambler is only extracted
// when some format lacks a direct URL.
func (y *YouTube) fetchStreamData(ctx context.Context, videoID string) (*streamData, error) {
	page, err := y.fetchText(ctx, "https://www.youtube.com/watch?v="+url.QueryEscape(videoID))
	if err != nil {
		return nil, err
	}
	config, err := playerConfig(page)
	if err != nil {
		return nil, err
	}
	var response struct {
		StreamingData struct {
			Formats         []format `json:"formats"`
			AdaptiveFormats []format `json:"adaptiveFormats"`
		} `json:"streamingData"`
	}
	if err := decodeJSON(config, &response); err != nil {
		return nil, err
	}
	data := &streamData{
		AdaptiveFormats: response.StreamingData.AdaptiveFormats,
		Formats:         response.StreamingData.Formats,
	}
	scriptURL, err := playerURL(page)
	if err != nil {
		return nil, err
	}
	script, err := y.fetchText(ctx, scriptURL)
	if err != nil {
		return nil, err
	}
	if data.nDescrambler, err = newNDescrambler(script); err != nil {
		return nil, err
	}
	for _, f := range data.allFormats() {
		if f.URL == "" {
			if data.descrambler, err = newSigDescrambler(script); err != nil {
				return nil, err
			}
			break
		}
	}
	return data, nil
}

func (y *YouTube) fetchText(ctx context.Context, requestURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := httpx.Follow(y.http, req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", provider.ErrTransport, err)
	}
	defer resp.Body.Close()
	if err := provider.CheckStatus(resp); err != nil {
		return "", err
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: %v", provider.ErrTransport, err)
	}
	return string(body), nil
}
