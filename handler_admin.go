package oauth

import (
	"net/http"
	"time"

	"github.com/giantswarm/mcp-gateway-auth/providers"
	"github.com/giantswarm/mcp-gateway-auth/server"
	"github.com/giantswarm/mcp-gateway-auth/storage"
)

func (h *Handler) serveCreateUser(w http.ResponseWriter, r *http.Request) {
	var req server.NewUser
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeServerError(w, r, err)
		return
	}
	user, err := h.server.CreateUser(r.Context(), req)
	if err != nil {
		h.writeServerError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, user)
}

func (h *Handler) serveListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.server.ListUsers(r.Context())
	if err != nil {
		h.writeServerError(w, r, err)
		return
	}
	if users == nil {
		users = []*storage.User{}
	}
	h.writeJSON(w, http.StatusOK, users)
}

func (h *Handler) serveGetUser(w http.ResponseWriter, r *http.Request) {
	user, err := h.server.GetUser(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeServerError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, user)
}

func (h *Handler) serveUpdateUser(w http.ResponseWriter, r *http.Request) {
	var req UpdateUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeServerError(w, r, err)
		return
	}
	if req.Disabled == nil {
		h.writeError(w, NewOAuthError(server.ErrorCodeInvalidRequest, "nothing to update", http.StatusBadRequest))
		return
	}
	user, err := h.server.SetUserDisabled(r.Context(), r.PathValue("id"), *req.Disabled)
	if err != nil {
		h.writeServerError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, user)
}

func (h *Handler) serveDeleteUser(w http.ResponseWriter, r *http.Request) {
	if err := h.server.DeleteUser(r.Context(), r.PathValue("id")); err != nil {
		h.writeServerError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) serveCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	var req CreateAPIKeyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeServerError(w, r, err)
		return
	}

	var ttl time.Duration
	if req.ExpiresIn != "" {
		d, err := time.ParseDuration(req.ExpiresIn)
		if err != nil || d <= 0 {
			h.writeError(w, NewOAuthError(server.ErrorCodeInvalidRequest, "expires_in must be a positive duration such as \"720h\"", http.StatusBadRequest))
			return
		}
		ttl = d
	}

	key, plaintext, err := h.server.CreateAPIKey(r.Context(), r.PathValue("id"), req.Name, req.Scopes, ttl)
	if err != nil {
		h.writeServerError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, CreateAPIKeyResponse{APIKey: plaintext, Key: key})
}

func (h *Handler) serveListAPIKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := h.server.ListAPIKeys(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeServerError(w, r, err)
		return
	}
	if keys == nil {
		keys = []*storage.APIKey{}
	}
	h.writeJSON(w, http.StatusOK, keys)
}

func (h *Handler) serveRevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	if err := h.server.RevokeAPIKey(r.Context(), r.PathValue("id"), r.PathValue("keyID")); err != nil {
		h.writeServerError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) serveListIdPs(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.idpStatus())
}

func (h *Handler) serveAddIdP(w http.ResponseWriter, r *http.Request) {
	if h.federation == nil {
		h.writeError(w, NewOAuthError(ErrorCodeNotFound, "federation is not enabled", http.StatusNotFound))
		return
	}
	var cfg providers.IdPConfig
	if err := decodeJSON(w, r, &cfg); err != nil {
		h.writeServerError(w, r, err)
		return
	}
	if err := h.federation.AddIdP(cfg); err != nil {
		h.writeError(w, NewOAuthError(server.ErrorCodeInvalidRequest, err.Error(), http.StatusBadRequest))
		return
	}
	added, _ := h.federation.GetIdP(cfg.Issuer)
	h.writeJSON(w, http.StatusCreated, added)
}

func (h *Handler) serveRemoveIdP(w http.ResponseWriter, r *http.Request) {
	issuer := r.URL.Query().Get("issuer")
	if issuer == "" {
		h.writeError(w, NewOAuthError(server.ErrorCodeInvalidRequest, "issuer query parameter is required", http.StatusBadRequest))
		return
	}
	if h.federation == nil || !h.federation.RemoveIdP(issuer) {
		h.writeError(w, NewOAuthError(ErrorCodeNotFound, "IdP not found", http.StatusNotFound))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) serveClearKeyCache(w http.ResponseWriter, r *http.Request) {
	if h.resolver != nil {
		h.resolver.ClearCache()
		h.logger.Info("Key cache cleared")
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) serveStatus(w http.ResponseWriter, r *http.Request) {
	status := StatusResponse{
		Time:        h.now().UTC(),
		IdPs:        h.idpStatus(),
		SigningKeys: []string{h.keys.KeyID()},
	}
	if h.sessions != nil {
		status.Sessions = h.sessions.Statistics()
	}
	if h.resolver != nil {
		status.KeyCache = h.resolver.CacheStats()
	}
	if h.permissions != nil {
		status.Rules = h.permissions.RuleCount()
	}
	h.writeJSON(w, http.StatusOK, status)
}

func (h *Handler) idpStatus() []IdPStatus {
	out := []IdPStatus{}
	if h.federation == nil {
		return out
	}
	for _, idp := range h.federation.ListIdPs() {
		health, _ := h.federation.HealthStatus(idp.Issuer)
		out = append(out, IdPStatus{IdPConfig: idp, Health: health})
	}
	return out
}
