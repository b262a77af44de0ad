package proxy

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/tokenguard/gateway/internal/models"
	"github.com/tokenguard/gateway/internal/tokens"
)

// LogStore persists proxy attempt records. May be nil when persistence is
// not configured.
type LogStore interface {
	LogProxyRequest(ctx context.Context, log *models.ProxyLog) error
}

// MetricsRecorder receives per-request observations. May be nil.
type MetricsRecorder interface {
	ObserveRequest(status string, seconds float64)
	ObserveTokens(inputTokens, outputTokens int, costUSD, costSavedUSD float64)
}

// Handler exposes the orchestrator as POST /api/proxy.
type Handler struct {
	orchestrator *Orchestrator
	logs         LogStore
	metrics      MetricsRecorder
	log          zerolog.Logger
}

func NewHandler(o *Orchestrator, logs LogStore, metrics MetricsRecorder, log zerolog.Logger) *Handler {
	return &Handler{orchestrator: o, logs: logs, metrics: metrics, log: log}
}

// proxyRequest is the explicit inbound schema, validated once at the
// boundary.
type proxyRequest struct {
	APIKey      string   `json:"api_key"`
	Text        string   `json:"text"`
	Model       string   `json:"model,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
}

type proxyResponse struct {
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
	Response  string `json:"response,omitempty"`
	FromCache bool   `json:"from_cache"`
	RequestID string `json:"request_id"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req proxyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, proxyResponse{
			Status:  StatusKeyError,
			Message: "Invalid request format. JSON payload required.",
		})
		return
	}

	// The key may arrive in the payload or the X-API-Key header.
	apiKey := strings.TrimSpace(req.APIKey)
	if apiKey == "" {
		apiKey = strings.TrimSpace(r.Header.Get("X-API-Key"))
	}

	result := h.orchestrator.Process(r.Context(), Request{
		APIKey: apiKey,
		Text:   req.Text,
		Model:  req.Model,
	})

	h.log.Info().
		Str("request_id", result.RequestID).
		Str("status", result.Status).
		Bool("from_cache", result.FromCache).
		Int("elapsed_ms", result.ElapsedMs).
		Msg("proxy request")

	if h.metrics != nil {
		h.metrics.ObserveRequest(result.Status, float64(result.ElapsedMs)/1000)
	}

	// Log every attempt that presented a key, including rejected ones.
	if h.logs != nil && apiKey != "" {
		go h.logAttempt(result, apiKey, req.Text, req.Model, clientIP(r), r.UserAgent())
	}

	writeJSON(w, result.HTTPStatus, proxyResponse{
		Status:    result.Status,
		Message:   result.Message,
		Response:  result.Response,
		FromCache: result.FromCache,
		RequestID: result.RequestID,
	})
}

func (h *Handler) logAttempt(result *Result, apiKey, text, model, clientIP, userAgent string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	entry := &models.ProxyLog{
		RequestID:        result.RequestID,
		KeyValue:         truncate(apiKey, 64),
		Status:           result.Status,
		FromCache:        result.FromCache,
		MatchedKeyword:   result.MatchedKeyword,
		ClientIP:         clientIP,
		UserAgent:        userAgent,
		ProcessingTimeMs: result.ElapsedMs,
		InputTokens:      tokens.Count(text),
	}
	if result.Key != nil {
		entry.APIKeyID = &result.Key.ID
	}

	// Cost accrues only for answered requests: upstream answers cost
	// money, cache hits save the same amount.
	if result.Status == StatusKeyPass {
		entry.OutputTokens = tokens.Count(result.Response)
		estimate := tokens.EstimateCost(entry.InputTokens, entry.OutputTokens, model)
		if result.FromCache {
			entry.CostSavedUSD = estimate
		} else {
			entry.CostUSD = estimate
		}
		if h.metrics != nil {
			h.metrics.ObserveTokens(entry.InputTokens, entry.OutputTokens, entry.CostUSD, entry.CostSavedUSD)
		}
	}

	if err := h.logs.LogProxyRequest(ctx, entry); err != nil {
		h.log.Warn().Err(err).Str("request_id", result.RequestID).Msg("failed to log proxy request")
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i > 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return fwd
	}
	host := r.RemoteAddr
	if i := strings.LastIndexByte(host, ':'); i > 0 {
		host = host[:i]
	}
	return host
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
