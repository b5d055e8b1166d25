package handlers

import (
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rolledback/cloudgate/internal/account"
	"github.com/rolledback/cloudgate/internal/provider"
)

// AuthHandler serves /auth/<provider>: without a code it redirects the user
// to the provider's consent page; with one it finishes the OAuth flow and
// creates the account.
type AuthHandler struct {
	manager *account.Manager
	kind    provider.Kind
	log     *zap.Logger
}

func NewAuthHandler(manager *account.Manager, kind provider.Kind, log *zap.Logger) *AuthHandler {
	return &AuthHandler{manager: manager, kind: kind, log: log}
}

func (h *AuthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	code := r.URL.Query().Get("code")
	if code == "" {
		if errDesc := r.URL.Query().Get("error_description"); errDesc != "" {
			h.log.Warn("oauth error", zap.String("provider", string(h.kind)), zap.String("description", errDesc))
			http.Redirect(w, r, "/", http.StatusFound)
			return
		}
		authURL, err := h.manager.AuthorizationURL(h.kind, uuid.NewString())
		if err != nil {
			WriteError(w, err)
			return
		}
		http.Redirect(w, r, authURL, http.StatusFound)
		return
	}

	tok, err := h.manager.ExchangeCode(r.Context(), h.kind, code)
	if err != nil {
		h.log.Warn("code exchange failed", zap.String("provider", string(h.kind)), zap.Error(err))
		WriteError(w, err)
		return
	}
	a, err := h.manager.Create(r.Context(), h.kind, tok)
	if err != nil {
		h.log.Warn("account creation failed", zap.String("provider", string(h.kind)), zap.Error(err))
		WriteError(w, err)
		return
	}
	http.Redirect(w, r, "/"+account.EncodeID(a.ID()), http.StatusFound)
}

// RemoveHandler serves /remove/<account id>: drains and erases the account.
type RemoveHandler struct {
	manager   *account.Manager
	accountID string
}

func NewRemoveHandler(manager *account.Manager, accountID string) *RemoveHandler {
	return &RemoveHandler{manager: manager, accountID: accountID}
}

func (h *RemoveHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.manager.Remove(h.accountID)
	http.Redirect(w, r, "/", http.StatusFound)
}
