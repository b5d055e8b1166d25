// Package dash synthesises MPEG-DASH manifests from YouTube adaptive format
// lists so that media players fetch per-representation bytes back through
// the gateway.
package dash

import (
	"encoding/xml"
	"fmt"
	"strings"
)

// Format is one adaptive representation.
type Format struct {
	Itag            int
	MimeType        string
	Bitrate         int64
	Width           int
	Height          int
	AudioSampleRate string
	ContentLength   int64
}

// Codecs splits `video/webm; codecs="vp9"` into its media type and codec
// string.
func (f Format) Codecs() (mediaType, codecs string) {
	mediaType, _, _ = strings.Cut(f.MimeType, ";")
	mediaType = strings.TrimSpace(mediaType)
	if _, rest, ok := strings.Cut(f.MimeType, `codecs="`); ok {
		codecs, _, _ = strings.Cut(rest, `"`)
	}
	return mediaType, codecs
}

type mpd struct {
	XMLName                   xml.Name        `xml:"MPD"`
	Xmlns                     string          `xml:"xmlns,attr"`
	Type                      string          `xml:"type,attr"`
	MediaPresentationDuration string          `xml:"mediaPresentationDuration,attr,omitempty"`
	Profiles                  string          `xml:"profiles,attr"`
	Period                    []adaptationSet `xml:"Period>AdaptationSet"`
}

type adaptationSet struct {
	MimeType       string         `xml:"mimeType,attr"`
	Representation representation `xml:"Representation"`
}

type representation struct {
	ID                string `xml:"id,attr"`
	Bandwidth         int64  `xml:"bandwidth,attr"`
	Codecs            string `xml:"codecs,attr,omitempty"`
	MimeType          string `xml:"mimeType,attr"`
	Width             int    `xml:"width,attr,omitempty"`
	Height            int    `xml:"height,attr,omitempty"`
	AudioSamplingRate string `xml:"audioSamplingRate,attr,omitempty"`
	BaseURL           string `xml:"BaseURL"`
}

// Manifest renders a static MPD. basePath points at the gateway's per-stream
// directory for the video; streamName maps a format to its member file name
// in that directory, so each BaseURL is basePath + streamName(format). Both
// parts are used as given; no escaping is applied here.
func Manifest(basePath string, streamName func(Format) string, formats []Format) (string, error) {
	doc := mpd{
		Xmlns:    "urn:mpeg:dash:schema:mpd:2011",
		Type:     "static",
		Profiles: "urn:mpeg:dash:profile:isoff-on-demand:2011",
	}
	for _, f := range formats {
		mediaType, codecs := f.Codecs()
		doc.Period = append(doc.Period, adaptationSet{
			MimeType: mediaType,
			Representation: representation{
				ID:                fmt.Sprintf("%d", f.Itag),
				Bandwidth:         f.Bitrate,
				Codecs:            codecs,
				MimeType:          mediaType,
				Width:             f.Width,
				Height:            f.Height,
				AudioSamplingRate: f.AudioSampleRate,
				BaseURL:           basePath + streamName(f),
			},
		})
	}
	out, err := xml.Marshal(doc)
	if err != nil {
		return "", err
	}
	return xml.Header + string(out), nil
}
