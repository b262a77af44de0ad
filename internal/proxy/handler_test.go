package proxy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokenguard/gateway/internal/models"
)

type fakeLogStore struct {
	entries chan *models.ProxyLog
}

func (f *fakeLogStore) LogProxyRequest(ctx context.Context, log *models.ProxyLog) error {
	f.entries <- log
	return nil
}

type tokenEvent struct {
	in, out     int
	cost, saved float64
}

type fakeRecorder struct {
	mu       sync.Mutex
	statuses []string
	tokens   []tokenEvent
}

func (f *fakeRecorder) ObserveRequest(status string, seconds float64) {
	f.mu.Lock()
	f.statuses = append(f.statuses, status)
	f.mu.Unlock()
}

func (f *fakeRecorder) ObserveTokens(in, out int, cost, saved float64) {
	f.mu.Lock()
	f.tokens = append(f.tokens, tokenEvent{in: in, out: out, cost: cost, saved: saved})
	f.mu.Unlock()
}

func (f *fakeRecorder) requestStatuses() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.statuses...)
}

func newTestHandler(t *testing.T) (*Handler, *pipeline, *fakeLogStore) {
	t.Helper()
	p := newPipeline(t)
	logs := &fakeLogStore{entries: make(chan *models.ProxyLog, 8)}
	return NewHandler(p.o, logs, nil, zerolog.Nop()), p, logs
}

func postProxy(t *testing.T, h *Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/proxy", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) proxyResponse {
	t.Helper()
	var resp proxyResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

func TestHandlerValidKey(t *testing.T) {
	h, p, logs := newTestHandler(t)

	rec := postProxy(t, h, `{"api_key": "`+validKeyValue+`", "text": "Hello world"}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	resp := decodeResponse(t, rec)
	assert.Equal(t, StatusKeyPass, resp.Status)
	assert.Equal(t, "generated response", resp.Response)
	assert.False(t, resp.FromCache)
	assert.NotEmpty(t, resp.RequestID)

	p.waitForInsert(t)

	select {
	case entry := <-logs.entries:
		assert.Equal(t, StatusKeyPass, entry.Status)
		require.NotNil(t, entry.APIKeyID)
		assert.Equal(t, 1, *entry.APIKeyID)
		assert.GreaterOrEqual(t, entry.ProcessingTimeMs, 1)
	case <-time.After(time.Second):
		t.Fatal("expected a proxy log entry")
	}
}

func TestHandlerInvalidJSON(t *testing.T) {
	h, _, _ := newTestHandler(t)

	rec := postProxy(t, h, "not json")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeResponse(t, rec)
	assert.Equal(t, StatusKeyError, resp.Status)
}

func TestHandlerMissingKey(t *testing.T) {
	h, _, _ := newTestHandler(t)

	rec := postProxy(t, h, `{"text": "no key provided"}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeResponse(t, rec)
	assert.Equal(t, StatusKeyError, resp.Status)
}

func TestHandlerUnknownKeyIsLogged(t *testing.T) {
	h, _, logs := newTestHandler(t)

	rec := postProxy(t, h, `{"api_key": "`+unknownKeyValue+`", "text": "anything"}`)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	resp := decodeResponse(t, rec)
	assert.Equal(t, StatusKeyError, resp.Status)

	// Rejected attempts are still logged, without a key reference.
	select {
	case entry := <-logs.entries:
		assert.Equal(t, StatusKeyError, entry.Status)
		assert.Nil(t, entry.APIKeyID)
		assert.Equal(t, unknownKeyValue, entry.KeyValue)
	case <-time.After(time.Second):
		t.Fatal("expected a proxy log entry")
	}
}

func TestHandlerAcceptsHeaderKey(t *testing.T) {
	h, _, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/api/proxy", strings.NewReader(`{"text": "Hello world"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", validKeyValue)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	resp := decodeResponse(t, rec)
	assert.Equal(t, StatusKeyPass, resp.Status)
}

func TestHandlerLogsTokenCost(t *testing.T) {
	p := newPipeline(t)
	logs := &fakeLogStore{entries: make(chan *models.ProxyLog, 8)}
	h := NewHandler(p.o, logs, nil, zerolog.Nop())

	body := `{"api_key": "` + validKeyValue + `", "text": "Hello world", "model": "gpt-4"}`

	// First request goes to the upstream: actual cost, nothing saved.
	rec := postProxy(t, h, body)
	assert.Equal(t, http.StatusOK, rec.Code)
	p.waitForInsert(t)

	entry := nextLogEntry(t, logs)
	assert.Equal(t, 2, entry.InputTokens)
	assert.Equal(t, 3, entry.OutputTokens, `"generated response" estimates to 3 tokens`)
	assert.InDelta(t, 0.00024, entry.CostUSD, 1e-9)
	assert.Zero(t, entry.CostSavedUSD)

	// Identical repeat is served from cache: same estimate, now a saving.
	rec = postProxy(t, h, body)
	assert.Equal(t, http.StatusOK, rec.Code)

	entry = nextLogEntry(t, logs)
	assert.True(t, entry.FromCache)
	assert.Zero(t, entry.CostUSD)
	assert.InDelta(t, 0.00024, entry.CostSavedUSD, 1e-9)
}

func TestHandlerObservesRequestMetrics(t *testing.T) {
	p := newPipeline(t)
	recorder := &fakeRecorder{}
	h := NewHandler(p.o, nil, recorder, zerolog.Nop())

	postProxy(t, h, `{"api_key": "`+validKeyValue+`", "text": "Hello world"}`)
	postProxy(t, h, `{"text": "no key"}`)

	assert.Equal(t, []string{StatusKeyPass, StatusKeyError}, recorder.requestStatuses())
}

func nextLogEntry(t *testing.T, logs *fakeLogStore) *models.ProxyLog {
	t.Helper()
	select {
	case entry := <-logs.entries:
		return entry
	case <-time.After(time.Second):
		t.Fatal("expected a proxy log entry")
		return nil
	}
}

func TestHandlerBlockedContent(t *testing.T) {
	h, p, _ := newTestHandler(t)
	p.rules.rules[1] = []models.BannedKeyword{{ID: 1, APIKeyID: 1, Keyword: "banned"}}

	rec := postProxy(t, h, `{"api_key": "`+validKeyValue+`", "text": "this is banned content"}`)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	resp := decodeResponse(t, rec)
	assert.Equal(t, StatusBlocked, resp.Status)
	assert.Contains(t, resp.Message, "banned")
}
