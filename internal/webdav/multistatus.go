// Package webdav renders the 207 multi-status documents served on PROPFIND.
// Only the read-only property set the gateway exposes is emitted. Elements
// live in the default "DAV:" namespace; encoding/xml cannot emit namespace
// prefixes, and prefix-free WebDAV is equally valid.
package webdav

import (
	"encoding/xml"
	"time"
)

// Element describes one resource in a multi-status response.
type Element struct {
	Path     string
	Name     string
	IsDir    bool
	Size     *int64
	MimeType string
	ModTime  time.Time
}

type multistatus struct {
	XMLName  xml.Name   `xml:"multistatus"`
	Xmlns    string     `xml:"xmlns,attr"`
	Response []response `xml:"response"`
}

type response struct {
	Href     string   `xml:"href"`
	Propstat propstat `xml:"propstat"`
}

type propstat struct {
	Prop   prop   `xml:"prop"`
	Status string `xml:"status"`
}

type prop struct {
	DisplayName     string        `xml:"displayname"`
	ResourceType    *resourceType `xml:"resourcetype"`
	ContentLength   *int64        `xml:"getcontentlength,omitempty"`
	ContentType     string        `xml:"getcontenttype,omitempty"`
	LastModifiedRaw string        `xml:"getlastmodified,omitempty"`
}

type resourceType struct {
	Collection *struct{} `xml:"collection"`
}

const http1123 = "Mon, 02 Jan 2006 15:04:05 GMT"

// MultiStatus renders the 207 body for the given resources.
func MultiStatus(elements []Element) ([]byte, error) {
	doc := multistatus{Xmlns: "DAV:"}
	for _, e := range elements {
		rt := &resourceType{}
		if e.IsDir {
			rt.Collection = &struct{}{}
		}
		p := prop{
			DisplayName:  e.Name,
			ResourceType: rt,
			ContentType:  e.MimeType,
		}
		if !e.IsDir {
			p.ContentLength = e.Size
		}
		if !e.ModTime.IsZero() {
			p.LastModifiedRaw = e.ModTime.UTC().Format(http1123)
		}
		doc.Response = append(doc.Response, response{
			Href: e.Path,
			Propstat: propstat{
				Prop:   p,
				Status: "HTTP/1.1 200 OK",
			},
		})
	}
	out, err := xml.Marshal(doc)
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), out...), nil
}
