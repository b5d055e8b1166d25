package youtube

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testWatchPage = `<!DOCTYPE html>
<html>
<head><title>watch</title></head>
<body>
<script src="/s/player/abc123/player_ias.vflset/en_US/base.js"></script>
<script>var ytInitialPlayerResponse = {"streamingData":{"adaptiveFormats":[{"itag":248,"url":"https://m.example.com/248","mimeType":"video/webm","contentLength":"5000"}],"formats":[]},"videoDetails":{"title":"brace } in string"}};var other = 1;</script>
</body>
</html>`

func TestPlayerConfig(t *testing.T) {
	config, err := playerConfig(testWatchPage)
	require.NoError(t, err)

	var response struct {
		StreamingData struct {
			AdaptiveFormats []format `json:"adaptiveFormats"`
		} `json:"streamingData"`
	}
	require.NoError(t, decodeJSON(config, &response))
	require.Len(t, response.StreamingData.AdaptiveFormats, 1)
	assert.Equal(t, 248, response.StreamingData.AdaptiveFormats[0].Itag)
}

func TestPlayerConfig_Missing(t *testing.T) {
	_, err := playerConfig("<html><script>var x = 1;</script></html>")
	assert.Error(t, err)
}

func TestPlayerURL_FromScriptSrc(t *testing.T) {
	u, err := playerURL(testWatchPage)
	require.NoError(t, err)
	assert.Equal(t, "https://www.youtube.com/s/player/abc123/player_ias.vflset/en_US/base.js", u)
}

func TestPlayerURL_FromJSON(t *testing.T) {
	page := `<html><script>var cfg = {"jsUrl":"/s/player/xyz/base.js"};</script></html>`
	u, err := playerURL(page)
	require.NoError(t, err)
	assert.Equal(t, "https://www.youtube.com/s/player/xyz/base.js", u)
}

func TestBalancedJSON(t *testing.T) {
	object, ok := balancedJSON(`{"a":{"b":"}"},"c":[1,2]} tail`)
	require.True(t, ok)
	assert.Equal(t, `{"a":{"b":"}"},"c":[1,2]}`, object)
}
