package auth

import (
	"context"
	"crypto/subtle"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/tokenguard/gateway/internal/models"
)

// Reason classifies a rejected key.
type Reason string

const (
	ReasonMissing   Reason = "missing"
	ReasonMalformed Reason = "malformed"
	ReasonUnknown   Reason = "unknown"
	ReasonInactive  Reason = "inactive"
)

// Verdict is the result of authorizing a presented key. Key is set only
// when Authorized is true.
type Verdict struct {
	Authorized bool
	Reason     Reason
	Key        *models.APIKey
}

// KeyStore is the slice of the store the authenticator needs.
type KeyStore interface {
	GetAPIKeyByValue(ctx context.Context, keyValue string) (*models.APIKey, error)
	TouchAPIKeyLastUsed(ctx context.Context, keyID int) error
}

type Authenticator struct {
	store KeyStore
	log   zerolog.Logger
}

func NewAuthenticator(store KeyStore, log zerolog.Logger) *Authenticator {
	return &Authenticator{store: store, log: log}
}

// Authorize validates a presented key string. Empty and malformed keys are
// rejected before any store lookup. The stored secret is compared in
// constant time so a near-miss costs the same as a full mismatch.
func (a *Authenticator) Authorize(ctx context.Context, presented string) Verdict {
	presented = strings.TrimSpace(presented)
	if presented == "" {
		return Verdict{Reason: ReasonMissing}
	}
	if !WellFormed(presented) {
		return Verdict{Reason: ReasonMalformed}
	}

	key, err := a.store.GetAPIKeyByValue(ctx, presented)
	if err != nil || key == nil {
		return Verdict{Reason: ReasonUnknown}
	}
	if subtle.ConstantTimeCompare([]byte(key.KeyValue), []byte(presented)) != 1 {
		return Verdict{Reason: ReasonUnknown}
	}
	if !key.Enabled() {
		return Verdict{Reason: ReasonInactive}
	}

	// Best-effort; a failed touch never fails the request.
	go a.touchLastUsed(key.ID)

	return Verdict{Authorized: true, Key: key}
}

func (a *Authenticator) touchLastUsed(keyID int) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := a.store.TouchAPIKeyLastUsed(ctx, keyID); err != nil {
		a.log.Warn().Err(err).Int("key_id", keyID).Msg("failed to update last_used")
	}
}

// WellFormed reports whether a key string has the issued shape:
// "tk-" prefix, 35 characters total, alphanumeric body.
func WellFormed(key string) bool {
	if len(key) != models.KeyLength || !strings.HasPrefix(key, models.KeyPrefix) {
		return false
	}
	for _, c := range key[len(models.KeyPrefix):] {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		default:
			return false
		}
	}
	return true
}
