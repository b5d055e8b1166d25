package handlers

import (
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/rolledback/cloudgate/internal/account"
	"github.com/rolledback/cloudgate/internal/media"
	"github.com/rolledback/cloudgate/internal/provider"
	"github.com/rolledback/cloudgate/internal/webdav"
)

// Proxy serves one account's subtree: streamed file bodies with range
// support, directory listings as HTML or WebDAV multi-status, thumbnails,
// and the WebDAV mutations (PUT, MKCOL, DELETE, MOVE).
type Proxy struct {
	account  *account.Account
	prefix   string
	thumbs   media.ThumbnailGenerator
	log      *zap.Logger
	resolve  singleflight.Group
	resolved sync.Map // path -> provider.Item
}

// NewProxy builds the proxy handler mounted at prefix ("/<account id>").
func NewProxy(a *account.Account, prefix string, thumbs media.ThumbnailGenerator, log *zap.Logger) *Proxy {
	return &Proxy{account: a, prefix: prefix, thumbs: thumbs, log: log}
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	decoded, err := url.PathUnescape(r.URL.EscapedPath())
	if err != nil {
		http.Error(w, "bad path", http.StatusBadRequest)
		return
	}
	itemPath := strings.TrimPrefix(decoded, p.prefix)

	switch r.Method {
	case http.MethodGet, http.MethodHead, "PROPFIND":
		p.serveRead(w, r, itemPath)
	case http.MethodPut:
		p.servePut(w, r, itemPath)
	case "MKCOL":
		p.serveMkcol(w, r, itemPath)
	case http.MethodDelete:
		p.serveDelete(w, r, itemPath)
	case "MOVE":
		p.serveMove(w, r, itemPath)
	default:
		w.Header().Set("Allow", allowedMethods)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (p *Proxy) serveRead(w http.ResponseWriter, r *http.Request, itemPath string) {
	item, err := p.item(r, itemPath)
	if err != nil {
		WriteError(w, err)
		return
	}
	if r.Method == "PROPFIND" {
		p.servePropfind(w, r, itemPath, item)
		return
	}
	if r.URL.Query().Has("thumbnail") {
		p.serveThumbnail(w, r, item)
		return
	}
	if item.IsDir {
		p.serveDirectory(w, r, itemPath, item)
		return
	}
	p.serveFile(w, r, item)
}

// serveFile streams the item body, honouring a Range header. 206 is used
// exactly when the client sent a range and the file size is known.
func (p *Proxy) serveFile(w http.ResponseWriter, r *http.Request, item provider.Item) {
	rangeHeader := r.Header.Get("Range")
	rng, err := parseRange(rangeHeader)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	h := w.Header()
	h.Set("Content-Type", contentType(item))
	h.Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", item.Name))
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Headers", "*")

	status := http.StatusOK
	if item.Size != nil {
		size := *item.Size
		start, end, err := rng.Clamp(size)
		if err != nil {
			h.Set("Content-Range", fmt.Sprintf("bytes */%d", size))
			http.Error(w, "range not satisfiable", http.StatusRequestedRangeNotSatisfiable)
			return
		}
		h.Set("Accept-Ranges", "bytes")
		h.Set("Content-Length", strconv.FormatInt(end-start+1, 10))
		if rangeHeader != "" {
			h.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
			status = http.StatusPartialContent
		}
	}

	if r.Method == http.MethodHead {
		w.WriteHeader(status)
		return
	}

	content, err := p.account.Provider.FileContent(r.Context(), item, rng)
	if err != nil {
		WriteError(w, err)
		return
	}
	defer content.Body.Close()
	w.WriteHeader(status)
	if _, err := io.Copy(w, content.Body); err != nil {
		// Status already sent; terminate the body.
		p.log.Debug("stream aborted", zap.String("item", item.Name), zap.Error(err))
	}
}

// serveDirectory renders a paged HTML listing, streaming rows page by page.
func (p *Proxy) serveDirectory(w http.ResponseWriter, r *http.Request, itemPath string, dir provider.Item) {
	if !strings.HasSuffix(itemPath, "/") {
		itemPath += "/"
	}
	base := p.prefix + itemPath
	h := w.Header()
	h.Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, "<!DOCTYPE html><html><head><meta charset='UTF-8'></head><body><table>")
	fmt.Fprintf(w, "<tr><td>[DIR]</td><td><a href='%s'>..</a></td></tr>", html(parentPath(base)))

	pageToken := ""
	for {
		page, err := p.account.Provider.ListDirectoryPage(r.Context(), dir, pageToken)
		if err != nil {
			fmt.Fprintf(w, "</table><p>error: %s</p></body></html>", html(err.Error()))
			return
		}
		for _, item := range page.Items {
			kind := "FILE"
			if item.IsDir {
				kind = "DIR"
			}
			fmt.Fprintf(w, "<tr><td>[%s]</td><td><a href='%s'>%s</a></td></tr>",
				kind, html(base+url.PathEscape(item.Name)), html(item.Name))
		}
		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}
	fmt.Fprint(w, "</table></body></html>")
}

func (p *Proxy) servePropfind(w http.ResponseWriter, r *http.Request, itemPath string, item provider.Item) {
	href := p.prefix + itemPath
	if item.IsDir && !strings.HasSuffix(href, "/") {
		href += "/"
	}
	name := item.Name
	if name == "" {
		name = p.account.ID()
	}
	elements := []webdav.Element{{
		Path:     encodePath(href),
		Name:     name,
		IsDir:    item.IsDir,
		Size:     item.Size,
		MimeType: item.MimeType,
		ModTime:  item.ModTime,
	}}
	if item.IsDir && r.Header.Get("Depth") != "0" {
		children, err := provider.ListDirectory(r.Context(), p.account.Provider, item)
		if err != nil {
			WriteError(w, err)
			return
		}
		for _, child := range children {
			childHref := href + url.PathEscape(child.Name)
			if child.IsDir {
				childHref += "/"
			}
			elements = append(elements, webdav.Element{
				Path:     encodePath(childHref),
				Name:     child.Name,
				IsDir:    child.IsDir,
				Size:     child.Size,
				MimeType: child.MimeType,
				ModTime:  child.ModTime,
			})
		}
	}
	body, err := webdav.MultiStatus(elements)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusMultiStatus)
	w.Write(body)
}

// serveThumbnail tries the provider thumbnail first and falls back to frame
// extraction for image and video files.
func (p *Proxy) serveThumbnail(w http.ResponseWriter, r *http.Request, item provider.Item) {
	thumb, err := p.account.Provider.ItemThumbnail(r.Context(), item, provider.Range{})
	if err == nil {
		defer thumb.Body.Close()
		w.Header().Set("Content-Type", thumb.MimeType)
		if thumb.Size > 0 {
			w.Header().Set("Content-Length", strconv.FormatInt(thumb.Size, 10))
		}
		io.Copy(w, thumb.Body)
		return
	}
	if p.thumbs == nil || item.IsDir || !thumbnailable(contentType(item)) {
		WriteError(w, fmt.Errorf("no thumbnail: %w", provider.ErrNotFound))
		return
	}
	src, err := provider.NewRangeReader(r.Context(), p.account.Provider, item)
	if err != nil {
		WriteError(w, err)
		return
	}
	data, err := p.thumbs.Generate(r.Context(), src, media.ThumbnailOptions{Codec: media.CodecPNG})
	if err != nil {
		WriteError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Write(data)
}

func (p *Proxy) servePut(w http.ResponseWriter, r *http.Request, itemPath string) {
	dirPath, name := path.Split(strings.TrimSuffix(itemPath, "/"))
	if name == "" {
		http.Error(w, "missing file name", http.StatusBadRequest)
		return
	}
	parent, err := p.item(r, dirPath)
	if err != nil {
		WriteError(w, err)
		return
	}
	if _, err := p.account.Provider.CreateFile(r.Context(), parent, name, r.Body, r.ContentLength); err != nil {
		WriteError(w, err)
		return
	}
	p.forget(itemPath)
	p.forget(dirPath)
	w.WriteHeader(http.StatusCreated)
}

func (p *Proxy) serveMkcol(w http.ResponseWriter, r *http.Request, itemPath string) {
	dirPath, name := path.Split(strings.TrimSuffix(itemPath, "/"))
	if name == "" {
		http.Error(w, "missing directory name", http.StatusBadRequest)
		return
	}
	parent, err := p.item(r, dirPath)
	if err != nil {
		WriteError(w, err)
		return
	}
	if _, err := p.account.Provider.CreateDirectory(r.Context(), parent, name); err != nil {
		WriteError(w, err)
		return
	}
	p.forget(dirPath)
	w.WriteHeader(http.StatusCreated)
}

func (p *Proxy) serveDelete(w http.ResponseWriter, r *http.Request, itemPath string) {
	item, err := p.item(r, itemPath)
	if err != nil {
		WriteError(w, err)
		return
	}
	if err := p.account.Provider.RemoveItem(r.Context(), item); err != nil {
		WriteError(w, err)
		return
	}
	p.forget(itemPath)
	p.forget(path.Dir(strings.TrimSuffix(itemPath, "/")))
	w.WriteHeader(http.StatusNoContent)
}

// serveMove renames within the same parent and moves otherwise. The
// Destination header must stay inside this account.
func (p *Proxy) serveMove(w http.ResponseWriter, r *http.Request, itemPath string) {
	destination := r.Header.Get("Destination")
	if destination == "" {
		http.Error(w, "missing Destination", http.StatusBadRequest)
		return
	}
	parsed, err := url.Parse(destination)
	if err != nil {
		http.Error(w, "bad Destination", http.StatusBadRequest)
		return
	}
	destPath, err := url.PathUnescape(parsed.EscapedPath())
	if err != nil || !strings.HasPrefix(destPath, p.prefix) {
		http.Error(w, "destination outside account", http.StatusBadGateway)
		return
	}
	destPath = strings.TrimPrefix(destPath, p.prefix)

	item, err := p.item(r, itemPath)
	if err != nil {
		WriteError(w, err)
		return
	}
	sourceDir, _ := path.Split(strings.TrimSuffix(itemPath, "/"))
	destDir, destName := path.Split(strings.TrimSuffix(destPath, "/"))

	if sourceDir == destDir {
		if _, err := p.account.Provider.RenameItem(r.Context(), item, destName); err != nil {
			WriteError(w, err)
			return
		}
	} else {
		parent, err := p.item(r, destDir)
		if err != nil {
			WriteError(w, err)
			return
		}
		moved, err := p.account.Provider.MoveItem(r.Context(), item, parent)
		if err != nil {
			WriteError(w, err)
			return
		}
		if destName != "" && destName != moved.Name {
			if _, err := p.account.Provider.RenameItem(r.Context(), moved, destName); err != nil {
				WriteError(w, err)
				return
			}
		}
	}
	p.forget(itemPath)
	p.forget(sourceDir)
	p.forget(destPath)
	p.forget(destDir)
	w.WriteHeader(http.StatusCreated)
}

// item resolves an account-relative path, coalescing concurrent resolutions
// of the same path and memoising the result.
func (p *Proxy) item(r *http.Request, itemPath string) (provider.Item, error) {
	key := strings.Trim(itemPath, "/")
	if cached, ok := p.resolved.Load(key); ok {
		return cached.(provider.Item), nil
	}
	result, err, _ := p.resolve.Do(key, func() (any, error) {
		// Resolution runs under the account's lifetime, not the first
		// requester's, so one cancelled request does not fail the
		// other waiters.
		item, err := provider.GetItemByPath(p.account.Context(), p.account.Provider, key)
		if err != nil {
			return provider.Item{}, err
		}
		p.resolved.Store(key, item)
		return item, nil
	})
	if err != nil {
		return provider.Item{}, err
	}
	return result.(provider.Item), nil
}

// forget drops memoised resolutions under a mutated path.
func (p *Proxy) forget(itemPath string) {
	key := strings.Trim(itemPath, "/")
	p.resolved.Delete(key)
	p.resolve.Forget(key)
}

func contentType(item provider.Item) string {
	if item.MimeType != "" {
		return item.MimeType
	}
	if t := mime.TypeByExtension(path.Ext(item.Name)); t != "" {
		return t
	}
	return "application/octet-stream"
}

func thumbnailable(mimeType string) bool {
	return strings.HasPrefix(mimeType, "image/") || strings.HasPrefix(mimeType, "video/")
}

// parseRange parses a single-range "bytes=a-b" or "bytes=a-" header.
// Multi-range and suffix ("bytes=-n") requests are rejected with an error.
func parseRange(header string) (provider.Range, error) {
	if header == "" {
		return provider.Range{}, nil
	}
	value, ok := strings.CutPrefix(header, "bytes=")
	if !ok || strings.Contains(value, ",") {
		return provider.Range{}, fmt.Errorf("unsupported range %q", header)
	}
	startStr, endStr, ok := strings.Cut(value, "-")
	if !ok {
		return provider.Range{}, fmt.Errorf("malformed range %q", header)
	}
	var rng provider.Range
	if startStr == "" {
		return provider.Range{}, fmt.Errorf("suffix ranges unsupported: %q", header)
	}
	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return provider.Range{}, fmt.Errorf("malformed range %q", header)
	}
	rng.Start = start
	if endStr != "" {
		end, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || end < start {
			return provider.Range{}, fmt.Errorf("malformed range %q", header)
		}
		rng.End = &end
	}
	return rng, nil
}

// encodePath percent-encodes each segment of an already-decoded path.
func encodePath(p string) string {
	segments := strings.Split(p, "/")
	for i, segment := range segments {
		segments[i] = url.PathEscape(segment)
	}
	return strings.Join(segments, "/")
}

func parentPath(p string) string {
	p = strings.TrimSuffix(p, "/")
	idx := strings.LastIndexByte(p, '/')
	if idx < 0 {
		return "/"
	}
	return p[:idx+1]
}

func html(s string) string {
	replacer := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		`"`, "&quot;",
		"'", "&#39;",
	)
	return replacer.Replace(s)
}
