package handlers

import (
	"embed"
	"encoding/json"
	"html/template"
	"io/fs"
	"net/http"

	"go.uber.org/zap"

	"github.com/rolledback/cloudgate/internal/account"
)

//go:embed assets
var assets embed.FS

// StaticHandler serves the embedded assets under /static/.
func StaticHandler() http.Handler {
	sub, err := fs.Sub(assets, "assets/static")
	if err != nil {
		panic(err)
	}
	return http.StripPrefix("/static/", http.FileServer(http.FS(sub)))
}

const themeCookie = "theme"

// ThemeHandler toggles the theme cookie and redirects back.
type ThemeHandler struct{}

func (ThemeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	theme := "dark"
	if cookie, err := r.Cookie(themeCookie); err == nil && cookie.Value == "dark" {
		theme = "light"
	}
	http.SetCookie(w, &http.Cookie{
		Name:  themeCookie,
		Value: theme,
		Path:  "/",
	})
	back := r.Referer()
	if back == "" {
		back = "/"
	}
	http.Redirect(w, r, back, http.StatusFound)
}

// SizeHandler reports per-account used/total bytes as JSON.
type SizeHandler struct {
	manager *account.Manager
	log     *zap.Logger
}

func NewSizeHandler(manager *account.Manager, log *zap.Logger) *SizeHandler {
	return &SizeHandler{manager: manager, log: log}
}

type accountSize struct {
	ID    string `json:"id"`
	Used  *int64 `json:"used,omitempty"`
	Total *int64 `json:"total,omitempty"`
}

func (h *SizeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sizes := make([]accountSize, 0)
	for _, a := range h.manager.Accounts() {
		entry := accountSize{ID: a.ID()}
		general, err := a.Provider.GeneralData(r.Context())
		if err != nil {
			h.log.Warn("size probe failed", zap.String("id", a.ID()), zap.Error(err))
		} else {
			entry.Used = general.UsedBytes
			entry.Total = general.TotalBytes
		}
		sizes = append(sizes, entry)
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sizes)
}

var homeTemplate = template.Must(template.ParseFS(assets, "assets/home.html"))

// HomeHandler renders the account list and provider sign-in links.
type HomeHandler struct {
	manager *account.Manager
}

func NewHomeHandler(manager *account.Manager) *HomeHandler {
	return &HomeHandler{manager: manager}
}

type homeAccount struct {
	ID        string
	EncodedID string
	Username  string
	Kind      string
}

type homeData struct {
	Theme     string
	Providers []string
	Accounts  []homeAccount
}

func (h *HomeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	theme := "light"
	if cookie, err := r.Cookie(themeCookie); err == nil && cookie.Value == "dark" {
		theme = "dark"
	}
	data := homeData{Theme: theme}
	for _, kind := range h.manager.Kinds() {
		data.Providers = append(data.Providers, string(kind))
	}
	for _, a := range h.manager.Accounts() {
		data.Accounts = append(data.Accounts, homeAccount{
			ID:        a.ID(),
			EncodedID: account.EncodeID(a.ID()),
			Username:  a.Username(),
			Kind:      string(a.Kind()),
		})
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	homeTemplate.Execute(w, data)
}
