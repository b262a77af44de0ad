package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const mirrorKeyPrefix = "semcache:entry:"

// mirror persists entries to Redis so a restart does not start cold. Every
// operation is best-effort; a broken mirror degrades the cache to
// memory-only.
type mirror struct {
	client *redis.Client
	ttl    time.Duration
	log    zerolog.Logger
}

type mirrorEntry struct {
	Fingerprint string    `json:"fingerprint"`
	Text        string    `json:"text"`
	Response    string    `json:"response"`
	Vector      []float64 `json:"vector"`
	CreatedAt   time.Time `json:"created_at"`
}

func (m *mirror) store(ctx context.Context, e *entry) {
	payload, err := json.Marshal(mirrorEntry{
		Fingerprint: e.fingerprint,
		Text:        e.text,
		Response:    e.response,
		Vector:      e.vector,
		CreatedAt:   e.createdAt,
	})
	if err != nil {
		return
	}

	if err := m.client.Set(ctx, mirrorKeyPrefix+e.fingerprint, payload, m.ttl).Err(); err != nil {
		m.log.Warn().Err(err).Msg("cache mirror store failed")
	}
}

func (m *mirror) delete(ctx context.Context, fp string) {
	if err := m.client.Del(ctx, mirrorKeyPrefix+fp).Err(); err != nil {
		m.log.Warn().Err(err).Msg("cache mirror delete failed")
	}
}

func (m *mirror) load(ctx context.Context, add func(fp, text, response string, vector []float64)) int {
	var loaded int
	iter := m.client.Scan(ctx, 0, mirrorKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		raw, err := m.client.Get(ctx, iter.Val()).Result()
		if err != nil {
			continue
		}

		var me mirrorEntry
		if err := json.Unmarshal([]byte(raw), &me); err != nil || len(me.Vector) == 0 {
			continue
		}

		add(me.Fingerprint, me.Text, me.Response, me.Vector)
		loaded++
	}
	if err := iter.Err(); err != nil {
		m.log.Warn().Err(err).Msg("cache mirror scan failed")
	}
	return loaded
}
