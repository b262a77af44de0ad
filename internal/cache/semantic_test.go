package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubEmbedder maps normalized texts to fixed vectors so similarity is
// fully controlled by the test.
type stubEmbedder struct {
	vectors map[string][]float64
	calls   atomic.Int32
}

func (e *stubEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	e.calls.Add(1)
	v, ok := e.vectors[text]
	if !ok {
		return nil, fmt.Errorf("no stub vector for %q", text)
	}
	return v, nil
}

func newTestCache(e Embedder, threshold float64, capacity int, ttl time.Duration) *SemanticCache {
	return New(e, threshold, capacity, ttl, nil, zerolog.Nop())
}

func TestLookupMissOnEmptyCache(t *testing.T) {
	e := &stubEmbedder{vectors: map[string][]float64{
		"hello world": {1, 0, 0},
	}}
	sc := newTestCache(e, 0.85, 100, 0)

	cached, hit, err := sc.Lookup(context.Background(), "Hello world")
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Nil(t, cached)
	assert.Equal(t, int64(1), sc.Stats().Misses)
}

func TestRoundTripSimilarText(t *testing.T) {
	e := &stubEmbedder{vectors: map[string][]float64{
		"what is the significance of number 42": {1, 0, 0},
		"tell me about 42 number":               {0.95, 0.1, 0},
	}}
	sc := newTestCache(e, 0.85, 100, 0)

	require.NoError(t, sc.Insert(context.Background(), "what is the significance of number 42", "the answer"))

	cached, hit, err := sc.Lookup(context.Background(), "tell me about 42 number")
	require.NoError(t, err)
	require.True(t, hit)
	assert.Equal(t, "the answer", cached.Response)
	assert.GreaterOrEqual(t, cached.Similarity, 0.85)
}

func TestLookupBelowThresholdMisses(t *testing.T) {
	e := &stubEmbedder{vectors: map[string][]float64{
		"what is the significance of number 42": {1, 0, 0},
		"how do i bake bread":                   {0, 1, 0},
	}}
	sc := newTestCache(e, 0.85, 100, 0)

	require.NoError(t, sc.Insert(context.Background(), "what is the significance of number 42", "the answer"))

	_, hit, err := sc.Lookup(context.Background(), "how do i bake bread")
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestExactRepeatSkipsEmbedding(t *testing.T) {
	e := &stubEmbedder{vectors: map[string][]float64{
		"hello world": {1, 0, 0},
	}}
	sc := newTestCache(e, 0.85, 100, 0)

	require.NoError(t, sc.Insert(context.Background(), "Hello world", "hi"))
	embedsAfterInsert := e.calls.Load()

	// Case and spacing differences still take the exact path.
	cached, hit, err := sc.Lookup(context.Background(), "hello   WORLD")
	require.NoError(t, err)
	require.True(t, hit)
	assert.Equal(t, "hi", cached.Response)
	assert.Equal(t, embedsAfterInsert, e.calls.Load(), "exact repeat should not call the embedder")
}

func TestInsertIsIdempotent(t *testing.T) {
	e := &stubEmbedder{vectors: map[string][]float64{
		"hello world": {1, 0, 0},
	}}
	sc := newTestCache(e, 0.85, 100, 0)

	require.NoError(t, sc.Insert(context.Background(), "hello world", "first"))

	// Accumulate some hit history.
	_, hit, err := sc.Lookup(context.Background(), "hello world")
	require.NoError(t, err)
	require.True(t, hit)

	// Re-inserting the same text supersedes the response in place.
	require.NoError(t, sc.Insert(context.Background(), "hello world", "second"))
	assert.Equal(t, 1, sc.Stats().Size)

	cached, hit, err := sc.Lookup(context.Background(), "hello world")
	require.NoError(t, err)
	require.True(t, hit)
	assert.Equal(t, "second", cached.Response)
	assert.GreaterOrEqual(t, cached.HitCount, int64(2), "hit history survives the merge")
}

func TestSemanticMergeOnInsert(t *testing.T) {
	e := &stubEmbedder{vectors: map[string][]float64{
		"what is the significance of number 42": {1, 0, 0},
		"tell me about 42 number":               {0.95, 0.1, 0},
	}}
	sc := newTestCache(e, 0.85, 100, 0)

	require.NoError(t, sc.Insert(context.Background(), "what is the significance of number 42", "a"))
	require.NoError(t, sc.Insert(context.Background(), "tell me about 42 number", "b"))

	// Same semantic cluster: one entry, latest response.
	assert.Equal(t, 1, sc.Stats().Size)
	cached, hit, err := sc.Lookup(context.Background(), "what is the significance of number 42")
	require.NoError(t, err)
	require.True(t, hit)
	assert.Equal(t, "b", cached.Response)
}

func TestEvictionKeepsHotEntries(t *testing.T) {
	e := &stubEmbedder{vectors: map[string][]float64{
		"topic one":   {1, 0, 0},
		"topic two":   {0, 1, 0},
		"topic three": {0, 0, 1},
	}}
	sc := newTestCache(e, 0.85, 2, 0)

	require.NoError(t, sc.Insert(context.Background(), "topic one", "r1"))
	require.NoError(t, sc.Insert(context.Background(), "topic two", "r2"))

	// Make "topic one" hot.
	for i := 0; i < 5; i++ {
		_, hit, err := sc.Lookup(context.Background(), "topic one")
		require.NoError(t, err)
		require.True(t, hit)
	}
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, sc.Insert(context.Background(), "topic three", "r3"))

	assert.Equal(t, 2, sc.Stats().Size)
	assert.Equal(t, int64(1), sc.Stats().Evictions)

	// The cold entry went; the hot one and the newcomer stay.
	_, hit, err := sc.Lookup(context.Background(), "topic two")
	require.NoError(t, err)
	assert.False(t, hit, "cold entry should have been evicted")

	_, hit, err = sc.Lookup(context.Background(), "topic one")
	require.NoError(t, err)
	assert.True(t, hit)

	_, hit, err = sc.Lookup(context.Background(), "topic three")
	require.NoError(t, err)
	assert.True(t, hit)
}

func TestTTLExpiry(t *testing.T) {
	e := &stubEmbedder{vectors: map[string][]float64{
		"hello world": {1, 0, 0},
	}}
	sc := newTestCache(e, 0.85, 100, 50*time.Millisecond)

	require.NoError(t, sc.Insert(context.Background(), "hello world", "hi"))
	time.Sleep(80 * time.Millisecond)

	_, hit, err := sc.Lookup(context.Background(), "hello world")
	require.NoError(t, err)
	assert.False(t, hit, "expired entry should miss")
}

func TestLookupEmbedderFailureIsAnError(t *testing.T) {
	sc := newTestCache(&failingEmbedder{}, 0.85, 100, 0)

	_, hit, err := sc.Lookup(context.Background(), "anything")
	assert.Error(t, err)
	assert.False(t, hit)

	// An unanswered lookup is neither a hit nor a miss, so the hit rate
	// only reflects lookups the cache could decide.
	assert.Equal(t, int64(0), sc.Stats().Misses)
	assert.Equal(t, int64(0), sc.Stats().Hits)
}

type recordingObserver struct {
	mu        sync.Mutex
	hits      int
	misses    int
	lastScore float64
}

func (o *recordingObserver) ObserveLookup(hit bool, bestSimilarity, seconds float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if hit {
		o.hits++
	} else {
		o.misses++
	}
	o.lastScore = bestSimilarity
}

func TestObserverSeesAnsweredLookups(t *testing.T) {
	e := &stubEmbedder{vectors: map[string][]float64{
		"hello world": {1, 0, 0},
	}}
	sc := newTestCache(e, 0.85, 100, 0)
	obs := &recordingObserver{}
	sc.SetObserver(obs)

	_, hit, err := sc.Lookup(context.Background(), "hello world")
	require.NoError(t, err)
	require.False(t, hit)

	require.NoError(t, sc.Insert(context.Background(), "hello world", "hi"))

	_, hit, err = sc.Lookup(context.Background(), "hello world")
	require.NoError(t, err)
	require.True(t, hit)

	assert.Equal(t, 1, obs.misses)
	assert.Equal(t, 1, obs.hits)
	assert.Equal(t, 1.0, obs.lastScore, "exact repeats report full similarity")
}

type failingEmbedder struct{}

func (f *failingEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	return nil, errors.New("embedding service down")
}

func TestConcurrentLookupsAndInserts(t *testing.T) {
	vectors := make(map[string][]float64)
	for i := 0; i < 8; i++ {
		v := make([]float64, 8)
		v[i] = 1
		vectors[fmt.Sprintf("topic %d", i)] = v
	}
	e := &stubEmbedder{vectors: vectors}
	sc := newTestCache(e, 0.85, 4, 0)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			text := fmt.Sprintf("topic %d", i%8)
			for j := 0; j < 20; j++ {
				if j%3 == 0 {
					_ = sc.Insert(context.Background(), text, "response")
				} else {
					_, _, _ = sc.Lookup(context.Background(), text)
				}
			}
		}(i)
	}
	wg.Wait()

	// Index stayed within capacity and consistent.
	assert.LessOrEqual(t, sc.Stats().Size, 4)
}
