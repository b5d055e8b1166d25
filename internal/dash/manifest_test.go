package dash

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormat_Codecs(t *testing.T) {
	f := Format{MimeType: `video/webm; codecs="vp9"`}
	mediaType, codecs := f.Codecs()
	assert.Equal(t, "video/webm", mediaType)
	assert.Equal(t, "vp9", codecs)

	f = Format{MimeType: "audio/mp4"}
	mediaType, codecs = f.Codecs()
	assert.Equal(t, "audio/mp4", mediaType)
	assert.Empty(t, codecs)
}

func TestManifest(t *testing.T) {
	formats := []Format{
		{
			Itag:     248,
			MimeType: `video/webm; codecs="vp9"`,
			Bitrate:  1500000,
			Width:    1920,
			Height:   1080,
		},
		{
			Itag:            251,
			MimeType:        `audio/webm; codecs="opus"`,
			Bitrate:         160000,
			AudioSampleRate: "48000",
		},
	}
	out, err := Manifest("../streams/video/", func(f Format) string {
		return fmt.Sprintf("%d.webm", f.Itag)
	}, formats)
	require.NoError(t, err)

	assert.Contains(t, out, `<MPD xmlns="urn:mpeg:dash:schema:mpd:2011"`)
	assert.Contains(t, out, `type="static"`)
	assert.Contains(t, out, `<AdaptationSet mimeType="video/webm">`)
	assert.Contains(t, out, `id="248"`)
	assert.Contains(t, out, `bandwidth="1500000"`)
	assert.Contains(t, out, `codecs="vp9"`)
	assert.Contains(t, out, `width="1920"`)
	assert.Contains(t, out, `height="1080"`)
	assert.Contains(t, out, `audioSamplingRate="48000"`)
	assert.Contains(t, out, "<BaseURL>../streams/video/248.webm</BaseURL>")
	assert.Contains(t, out, "<BaseURL>../streams/video/251.webm</BaseURL>")
}

func TestManifest_Empty(t *testing.T) {
	out, err := Manifest("base/", func(Format) string { return "" }, nil)
	require.NoError(t, err)
	assert.Contains(t, out, "<MPD")
}
