// Package cache implements the semantic response cache: an in-process,
// sharded vector index keyed by embedding similarity, with an optional
// Redis mirror for warm restarts.
package cache

import (
	"context"
	"crypto/sha256"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const shardCount = 16

// CachedResponse is what a lookup hit returns.
type CachedResponse struct {
	Response   string
	Similarity float64
	CreatedAt  time.Time
	HitCount   int64
}

// Stats is a point-in-time snapshot for the management surface.
type Stats struct {
	Size      int     `json:"size"`
	Capacity  int     `json:"capacity"`
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Inserts   int64   `json:"inserts"`
	Evictions int64   `json:"evictions"`
	HitRate   float64 `json:"hit_rate"`
}

// entry is one semantic cluster center. Hit stats are atomics so lookups
// only ever need a shard read lock.
type entry struct {
	fingerprint string
	text        string
	response    string
	vector      []float64
	createdAt   time.Time
	lastHit     atomic.Int64 // unix nanos
	hits        atomic.Int64
}

func (e *entry) expired(ttl time.Duration, now time.Time) bool {
	return ttl > 0 && now.Sub(e.createdAt) > ttl
}

// score is the eviction composite: frequently and recently hit entries
// score high and stay resident.
func (e *entry) score(now time.Time) float64 {
	idle := now.Sub(time.Unix(0, e.lastHit.Load())).Seconds()
	return float64(e.hits.Load()+1) / (1 + idle)
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

type SemanticCache struct {
	shards    [shardCount]*shard
	embedder  Embedder
	threshold float64
	capacity  int
	ttl       time.Duration

	size      atomic.Int64
	hits      atomic.Int64
	misses    atomic.Int64
	inserts   atomic.Int64
	evictions atomic.Int64

	flight   singleflight.Group
	mirror   *mirror
	observer Observer
	log      zerolog.Logger
}

// Observer receives answered lookup outcomes, e.g. the Prometheus
// recorder. Unanswered lookups (embedder failures) are not reported.
type Observer interface {
	ObserveLookup(hit bool, bestSimilarity, seconds float64)
}

// SetObserver installs the lookup observer. Call before the cache starts
// serving traffic.
func (sc *SemanticCache) SetObserver(o Observer) {
	sc.observer = o
}

// New builds a cache. rdb may be nil, in which case entries live only in
// memory. threshold is the cosine similarity above which two texts belong
// to the same cluster.
func New(embedder Embedder, threshold float64, capacity int, ttl time.Duration, rdb *redis.Client, log zerolog.Logger) *SemanticCache {
	sc := &SemanticCache{
		embedder:  embedder,
		threshold: threshold,
		capacity:  capacity,
		ttl:       ttl,
		log:       log,
	}
	for i := range sc.shards {
		sc.shards[i] = &shard{entries: make(map[string]*entry)}
	}
	if rdb != nil {
		sc.mirror = &mirror{client: rdb, ttl: ttl, log: log}
	}
	return sc
}

func fingerprint(normalized string) string {
	hash := sha256.Sum256([]byte(normalized))
	return fmt.Sprintf("%x", hash)
}

func normalize(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

func (sc *SemanticCache) shardFor(fp string) *shard {
	// First fingerprint byte is already uniform.
	return sc.shards[fp[0]%shardCount]
}

// Lookup returns the cached response for text or any text semantically
// close enough to it. Exact repeats short-circuit without an embedding
// call. A miss is (nil, false, nil); errors mean the cache could not
// answer and the caller should fall through to the upstream.
func (sc *SemanticCache) Lookup(ctx context.Context, text string) (*CachedResponse, bool, error) {
	normalized := normalize(text)
	fp := fingerprint(normalized)
	now := time.Now()

	// Exact match fast path.
	if cr := sc.exactLookup(fp, now); cr != nil {
		sc.hits.Add(1)
		sc.observeLookup(true, 1, now)
		return cr, true, nil
	}

	vector, err := sc.embed(ctx, fp, normalized)
	if err != nil {
		// Not a miss: the lookup was never answered, so hit rate only
		// reflects lookups the cache could actually decide.
		return nil, false, fmt.Errorf("cache lookup: %w", err)
	}

	best, similarity := sc.nearest(vector, now)
	if best == nil {
		sc.misses.Add(1)
		sc.observeLookup(false, similarity, now)
		return nil, false, nil
	}

	sc.hits.Add(1)
	sc.observeLookup(true, similarity, now)
	return sc.recordHit(best, similarity, now), true, nil
}

func (sc *SemanticCache) observeLookup(hit bool, similarity float64, start time.Time) {
	if sc.observer == nil {
		return
	}
	sc.observer.ObserveLookup(hit, similarity, time.Since(start).Seconds())
}

// Insert stores a response for text, merging into an existing cluster when
// one is close enough. Inserting the same text twice never creates two
// entries.
func (sc *SemanticCache) Insert(ctx context.Context, text, response string) error {
	normalized := normalize(text)
	fp := fingerprint(normalized)

	vector, err := sc.embed(ctx, fp, normalized)
	if err != nil {
		return fmt.Errorf("cache insert: %w", err)
	}

	sc.insertVector(fp, text, response, vector)
	return nil
}

func (sc *SemanticCache) insertVector(fp, text, response string, vector []float64) {
	now := time.Now()

	// Same cluster already resident: supersede the response, keep the hit
	// history.
	if existing := sc.clusterMatch(fp, vector, now); existing != nil {
		s := sc.shardFor(existing.fingerprint)
		s.mu.Lock()
		existing.response = response
		existing.lastHit.Store(now.UnixNano())
		s.mu.Unlock()
		sc.mirrorStore(existing)
		return
	}

	e := &entry{
		fingerprint: fp,
		text:        text,
		response:    response,
		vector:      vector,
		createdAt:   now,
	}
	e.lastHit.Store(now.UnixNano())

	s := sc.shardFor(fp)
	s.mu.Lock()
	if _, ok := s.entries[fp]; !ok {
		sc.size.Add(1)
	}
	s.entries[fp] = e
	s.mu.Unlock()

	sc.inserts.Add(1)
	sc.mirrorStore(e)

	for sc.capacity > 0 && int(sc.size.Load()) > sc.capacity {
		if !sc.evictOne(now) {
			break
		}
	}
}

func (sc *SemanticCache) exactLookup(fp string, now time.Time) *CachedResponse {
	s := sc.shardFor(fp)
	s.mu.RLock()
	e, ok := s.entries[fp]
	var expired bool
	if ok {
		expired = e.expired(sc.ttl, now)
	}
	s.mu.RUnlock()

	if !ok {
		return nil
	}
	if expired {
		sc.remove(e)
		return nil
	}
	return sc.recordHit(e, 1, now)
}

// nearest scans every resident entry for the best cosine match at or above
// the threshold. Exact scan: corpus sizes here are thousands, not
// millions.
func (sc *SemanticCache) nearest(vector []float64, now time.Time) (*entry, float64) {
	var best *entry
	bestSimilarity := 0.0

	for _, s := range sc.shards {
		s.mu.RLock()
		for _, e := range s.entries {
			if e.expired(sc.ttl, now) {
				continue
			}
			similarity := cosineSimilarity(vector, e.vector)
			if similarity >= sc.threshold && similarity > bestSimilarity {
				bestSimilarity = similarity
				best = e
			}
		}
		s.mu.RUnlock()
	}

	return best, bestSimilarity
}

// clusterMatch is nearest plus the exact fast path, used on insert.
func (sc *SemanticCache) clusterMatch(fp string, vector []float64, now time.Time) *entry {
	s := sc.shardFor(fp)
	s.mu.RLock()
	e, ok := s.entries[fp]
	s.mu.RUnlock()
	if ok && !e.expired(sc.ttl, now) {
		return e
	}

	best, _ := sc.nearest(vector, now)
	return best
}

func (sc *SemanticCache) recordHit(e *entry, similarity float64, now time.Time) *CachedResponse {
	e.hits.Add(1)
	e.lastHit.Store(now.UnixNano())

	s := sc.shardFor(e.fingerprint)
	s.mu.RLock()
	cr := &CachedResponse{
		Response:   e.response,
		Similarity: similarity,
		CreatedAt:  e.createdAt,
		HitCount:   e.hits.Load(),
	}
	s.mu.RUnlock()
	return cr
}

// evictOne removes the expired or lowest-scoring entry. Returns false when
// there was nothing to evict.
func (sc *SemanticCache) evictOne(now time.Time) bool {
	var victim *entry
	victimScore := 0.0

	for _, s := range sc.shards {
		s.mu.RLock()
		for _, e := range s.entries {
			if e.expired(sc.ttl, now) {
				victim = e
				victimScore = -1
				break
			}
			score := e.score(now)
			if victim == nil || score < victimScore {
				victim = e
				victimScore = score
			}
		}
		s.mu.RUnlock()
		if victimScore < 0 {
			break
		}
	}

	if victim == nil {
		return false
	}
	sc.remove(victim)
	sc.evictions.Add(1)
	return true
}

func (sc *SemanticCache) remove(e *entry) {
	s := sc.shardFor(e.fingerprint)
	s.mu.Lock()
	if cur, ok := s.entries[e.fingerprint]; ok && cur == e {
		delete(s.entries, e.fingerprint)
		sc.size.Add(-1)
	}
	s.mu.Unlock()
	sc.mirrorDelete(e.fingerprint)
}

// embed dedupes concurrent embedding calls for the same fingerprint.
func (sc *SemanticCache) embed(ctx context.Context, fp, normalized string) ([]float64, error) {
	v, err, _ := sc.flight.Do(fp, func() (interface{}, error) {
		return sc.embedder.Embed(ctx, normalized)
	})
	if err != nil {
		return nil, err
	}
	return v.([]float64), nil
}

func (sc *SemanticCache) Stats() Stats {
	hits := sc.hits.Load()
	misses := sc.misses.Load()
	var hitRate float64
	if total := hits + misses; total > 0 {
		hitRate = float64(hits) / float64(total)
	}
	return Stats{
		Size:      int(sc.size.Load()),
		Capacity:  sc.capacity,
		Hits:      hits,
		Misses:    misses,
		Inserts:   sc.inserts.Load(),
		Evictions: sc.evictions.Load(),
		HitRate:   hitRate,
	}
}

func (sc *SemanticCache) mirrorStore(e *entry) {
	if sc.mirror == nil {
		return
	}
	go sc.mirror.store(context.Background(), e)
}

func (sc *SemanticCache) mirrorDelete(fp string) {
	if sc.mirror == nil {
		return
	}
	go sc.mirror.delete(context.Background(), fp)
}

// Warm reloads mirrored entries after a restart. All mirror errors are
// soft.
func (sc *SemanticCache) Warm(ctx context.Context) {
	if sc.mirror == nil {
		return
	}
	loaded := sc.mirror.load(ctx, func(fp, text, response string, vector []float64) {
		sc.insertVector(fp, text, response, vector)
	})
	if loaded > 0 {
		sc.log.Info().Int("entries", loaded).Msg("semantic cache warmed from redis")
	}
}
