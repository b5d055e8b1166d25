// Package handlers implements the HTTP surface of the gateway: the
// longest-prefix dispatcher, the per-account proxy, OAuth callbacks, and the
// auxiliary endpoints (home, static assets, theme, size).
package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"github.com/rolledback/cloudgate/internal/account"
	"github.com/rolledback/cloudgate/internal/provider"
	"github.com/rolledback/cloudgate/internal/webdav"
)

const allowedMethods = "OPTIONS, GET, HEAD, POST, PUT, DELETE, MOVE, MKCOL, PROPFIND, PATCH, PROPPATCH"

// StatusClientClosedRequest reports cooperative cancellation; nginx's 499.
const StatusClientClosedRequest = 499

// Gateway routes every request: OPTIONS short-circuit, longest-prefix
// handler dispatch with account cancellation composed in, and the root
// fallbacks (PROPFIND listing, home page, redirect).
type Gateway struct {
	manager *account.Manager
	home    *HomeHandler
	log     *zap.Logger
}

func NewGateway(manager *account.Manager, home *HomeHandler, log *zap.Logger) *Gateway {
	return &Gateway{manager: manager, home: home, log: log}
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		h := w.Header()
		h.Set("Allow", allowedMethods)
		h.Set("DAV", "1")
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Headers", "*")
		w.WriteHeader(http.StatusNoContent)
		return
	}
	path, err := url.PathUnescape(r.URL.EscapedPath())
	if err != nil {
		http.Error(w, "bad path", http.StatusBadRequest)
		return
	}
	g.log.Info("request",
		zap.String("method", r.Method),
		zap.String("path", path),
		zap.String("range", r.Header.Get("Range")),
	)

	if entry, acct := g.manager.ChooseHandler(path); entry != nil {
		if entry.AccountID != "" {
			if acct == nil {
				http.Error(w, "account not found", http.StatusNotFound)
				return
			}
			// Either the request or the account going away cancels
			// downstream work.
			ctx, cancel := context.WithCancel(r.Context())
			defer cancel()
			stop := context.AfterFunc(acct.Context(), cancel)
			defer stop()
			r = r.WithContext(ctx)
		}
		entry.Handler.ServeHTTP(w, r)
		return
	}

	if path == "" || path == "/" {
		if r.Method == "PROPFIND" {
			g.rootPropfind(w, r)
			return
		}
		g.home.ServeHTTP(w, r)
		return
	}
	http.Redirect(w, r, "/", http.StatusFound)
}

// rootPropfind lists the account roots as WebDAV collections.
func (g *Gateway) rootPropfind(w http.ResponseWriter, r *http.Request) {
	elements := []webdav.Element{{Path: "/", Name: "root", IsDir: true}}
	if r.Header.Get("Depth") == "1" {
		for _, a := range g.manager.Accounts() {
			elements = append(elements, webdav.Element{
				Path:  "/" + account.EncodeID(a.ID()) + "/",
				Name:  a.ID(),
				IsDir: true,
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

// WriteError maps sentinel errors to HTTP statuses per the gateway's error
// contract.
func WriteError(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), StatusForError(err))
}

// StatusForError maps an error chain to its HTTP status.
func StatusForError(err error) int {
	switch {
	case errors.Is(err, provider.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, provider.ErrUnauthenticated), errors.Is(err, provider.ErrAuthRefreshFailed):
		return http.StatusUnauthorized
	case errors.Is(err, provider.ErrUnsupported):
		return http.StatusNotImplemented
	case errors.Is(err, provider.ErrRangeNotSatisfiable):
		return http.StatusRequestedRangeNotSatisfiable
	case errors.Is(err, provider.ErrTransport):
		return http.StatusBadGateway
	case errors.Is(err, provider.ErrParse):
		return http.StatusInternalServerError
	case errors.Is(err, provider.ErrCancelled), errors.Is(err, context.Canceled):
		return StatusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}
