// Package admin is the key-management API: the account portal's backend
// half. It owns key and keyword mutations; the proxy path only reads them.
package admin

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/tokenguard/gateway/internal/auth"
	"github.com/tokenguard/gateway/internal/cache"
	"github.com/tokenguard/gateway/internal/db"
	"github.com/tokenguard/gateway/internal/moderation"
	"github.com/tokenguard/gateway/internal/models"
)

type Handler struct {
	db    *db.DB
	cache *cache.SemanticCache
	log   zerolog.Logger
}

func NewHandler(database *db.DB, semCache *cache.SemanticCache, log zerolog.Logger) *Handler {
	return &Handler{db: database, cache: semCache, log: log}
}

// RegisterRoutes mounts the management surface. The caller wraps the
// router with the JWT middleware; every handler here assumes an
// authenticated owner in the context.
func (h *Handler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/manage/keys", h.ListKeys).Methods("GET")
	router.HandleFunc("/manage/keys", h.CreateKey).Methods("POST")
	router.HandleFunc("/manage/keys/{id}/enable", h.EnableKey).Methods("POST")
	router.HandleFunc("/manage/keys/{id}/disable", h.DisableKey).Methods("POST")
	router.HandleFunc("/manage/keys/{id}/rotate", h.RotateKey).Methods("POST")

	router.HandleFunc("/manage/keys/{id}/keywords", h.ListKeywords).Methods("GET")
	router.HandleFunc("/manage/keys/{id}/keywords", h.AddKeyword).Methods("POST")
	router.HandleFunc("/manage/keys/{id}/keywords/{kid}", h.RemoveKeyword).Methods("DELETE")

	router.HandleFunc("/manage/cache/stats", h.CacheStats).Methods("GET")
	router.HandleFunc("/manage/logs", h.ListLogs).Methods("GET")
}

func (h *Handler) ListKeys(w http.ResponseWriter, r *http.Request) {
	owner, ok := auth.OwnerFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	keys, err := h.db.ListAPIKeys(r.Context(), owner.UserID)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to list keys")
		http.Error(w, "Failed to list keys", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, keys)
}

func (h *Handler) CreateKey(w http.ResponseWriter, r *http.Request) {
	owner, ok := auth.OwnerFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		KeyName string `json:"key_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	req.KeyName = strings.TrimSpace(req.KeyName)
	if req.KeyName == "" || len(req.KeyName) > 6 {
		http.Error(w, "key_name is required (max 6 characters)", http.StatusBadRequest)
		return
	}

	keyValue, err := auth.GenerateKeyValue()
	if err != nil {
		http.Error(w, "Failed to generate key", http.StatusInternalServerError)
		return
	}

	key := &models.APIKey{
		UserID:   owner.UserID,
		KeyName:  req.KeyName,
		KeyValue: keyValue,
		State:    models.KeyStateEnabled,
	}

	if err := h.db.CreateAPIKey(r.Context(), key); err != nil {
		h.log.Error().Err(err).Msg("failed to create key")
		http.Error(w, "Failed to create key", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, key)
}

func (h *Handler) EnableKey(w http.ResponseWriter, r *http.Request) {
	h.setKeyState(w, r, models.KeyStateEnabled)
}

func (h *Handler) DisableKey(w http.ResponseWriter, r *http.Request) {
	h.setKeyState(w, r, models.KeyStateDisabled)
}

func (h *Handler) setKeyState(w http.ResponseWriter, r *http.Request, state string) {
	owner, keyID, ok := h.ownedKey(w, r)
	if !ok {
		return
	}

	if err := h.db.SetAPIKeyState(r.Context(), keyID, owner.UserID, state); err != nil {
		h.log.Error().Err(err).Int("key_id", keyID).Msg("failed to update key state")
		http.Error(w, "Failed to update key", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"state": state})
}

func (h *Handler) RotateKey(w http.ResponseWriter, r *http.Request) {
	owner, keyID, ok := h.ownedKey(w, r)
	if !ok {
		return
	}

	newValue, err := auth.GenerateKeyValue()
	if err != nil {
		http.Error(w, "Failed to generate key", http.StatusInternalServerError)
		return
	}

	if err := h.db.RotateAPIKeyValue(r.Context(), keyID, owner.UserID, newValue); err != nil {
		h.log.Error().Err(err).Int("key_id", keyID).Msg("failed to rotate key")
		http.Error(w, "Failed to rotate key", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"key_value": newValue,
		"status":    "rotated",
	})
}

func (h *Handler) ListKeywords(w http.ResponseWriter, r *http.Request) {
	_, keyID, ok := h.ownedKey(w, r)
	if !ok {
		return
	}

	keywords, err := h.db.ListBannedKeywords(r.Context(), keyID)
	if err != nil {
		h.log.Error().Err(err).Int("key_id", keyID).Msg("failed to list keywords")
		http.Error(w, "Failed to list keywords", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, keywords)
}

func (h *Handler) AddKeyword(w http.ResponseWriter, r *http.Request) {
	_, keyID, ok := h.ownedKey(w, r)
	if !ok {
		return
	}

	var req struct {
		Keyword string `json:"keyword"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	// Stored normalized so moderation matching is consistent.
	keyword := moderation.Normalize(req.Keyword)
	if keyword == "" || len(keyword) > 100 {
		http.Error(w, "keyword is required (max 100 characters)", http.StatusBadRequest)
		return
	}

	kw := &models.BannedKeyword{APIKeyID: keyID, Keyword: keyword}
	if err := h.db.AddBannedKeyword(r.Context(), kw); err != nil {
		// ON CONFLICT DO NOTHING returns no row for duplicates.
		http.Error(w, "Keyword already exists", http.StatusConflict)
		return
	}

	writeJSON(w, http.StatusCreated, kw)
}

func (h *Handler) RemoveKeyword(w http.ResponseWriter, r *http.Request) {
	_, keyID, ok := h.ownedKey(w, r)
	if !ok {
		return
	}

	keywordID, err := strconv.Atoi(mux.Vars(r)["kid"])
	if err != nil {
		http.Error(w, "Invalid keyword ID", http.StatusBadRequest)
		return
	}

	if err := h.db.RemoveBannedKeyword(r.Context(), keyID, keywordID); err != nil {
		h.log.Error().Err(err).Int("keyword_id", keywordID).Msg("failed to remove keyword")
		http.Error(w, "Failed to remove keyword", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) CacheStats(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		http.Error(w, "Cache not configured", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, h.cache.Stats())
}

func (h *Handler) ListLogs(w http.ResponseWriter, r *http.Request) {
	owner, ok := auth.OwnerFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	limit := queryInt(r, "limit", 100)
	if limit > 1000 {
		limit = 1000
	}
	offset := queryInt(r, "offset", 0)

	logs, err := h.db.ListProxyLogs(r.Context(), owner.UserID, limit, offset)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to list proxy logs")
		http.Error(w, "Failed to list logs", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, logs)
}

// ownedKey resolves the {id} path var and verifies the key belongs to the
// authenticated owner.
func (h *Handler) ownedKey(w http.ResponseWriter, r *http.Request) (*auth.Claims, int, bool) {
	owner, ok := auth.OwnerFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return nil, 0, false
	}

	keyID, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "Invalid key ID", http.StatusBadRequest)
		return nil, 0, false
	}

	if _, err := h.db.GetAPIKeyByID(r.Context(), keyID, owner.UserID); err != nil {
		http.Error(w, "Key not found", http.StatusNotFound)
		return nil, 0, false
	}

	return owner, keyID, true
}

func queryInt(r *http.Request, name string, defaultVal int) int {
	if v := r.URL.Query().Get(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return defaultVal
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
