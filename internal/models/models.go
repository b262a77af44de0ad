package models

import "time"

// API key states. Disable/enable are the only transitions; key rows are
// never deleted so proxy logs keep a valid reference.
const (
	KeyStateEnabled  = "enabled"
	KeyStateDisabled = "disabled"
)

// Opaque key format: "tk-" followed by 32 alphanumeric characters.
const (
	KeyPrefix = "tk-"
	KeyLength = 35
)

type APIKey struct {
	ID        int        `json:"id"`
	UserID    int        `json:"user_id"`
	KeyName   string     `json:"key_name"`
	KeyValue  string     `json:"key_value"`
	State     string     `json:"state"`
	CreatedAt time.Time  `json:"created_at"`
	LastUsed  *time.Time `json:"last_used,omitempty"`
}

func (k *APIKey) Enabled() bool {
	return k.State == KeyStateEnabled
}

// BannedKeyword is a single moderation rule bound to one API key. The
// keyword is stored normalized (case-folded, whitespace-collapsed) and is
// unique per key. Rules are evaluated in id (insertion) order.
type BannedKeyword struct {
	ID        int       `json:"id"`
	APIKeyID  int       `json:"api_key_id"`
	Keyword   string    `json:"keyword"`
	CreatedAt time.Time `json:"created_at"`
}

// ProxyLog records one proxy attempt. APIKeyID is nil when the presented
// key did not match any record; KeyValue is then the truncated attempt.
// Token counts are heuristic estimates; exactly one of CostUSD and
// CostSavedUSD is nonzero for a successful request, depending on whether
// the response came from the upstream or the cache.
type ProxyLog struct {
	ID               int64     `json:"id"`
	RequestID        string    `json:"request_id"`
	APIKeyID         *int      `json:"api_key_id,omitempty"`
	KeyValue         string    `json:"key_value"`
	Status           string    `json:"status"`
	FromCache        bool      `json:"from_cache"`
	MatchedKeyword   string    `json:"matched_keyword,omitempty"`
	ClientIP         string    `json:"client_ip"`
	UserAgent        string    `json:"user_agent"`
	ProcessingTimeMs int       `json:"processing_time_ms"`
	InputTokens      int       `json:"input_tokens"`
	OutputTokens     int       `json:"output_tokens"`
	CostUSD          float64   `json:"cost_usd"`
	CostSavedUSD     float64   `json:"cost_saved_usd"`
	CreatedAt        time.Time `json:"created_at"`
}
