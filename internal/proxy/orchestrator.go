// Package proxy composes the authenticator, moderation filter, semantic
// cache and upstream dispatcher into the request pipeline behind
// POST /api/proxy.
package proxy

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tokenguard/gateway/internal/auth"
	"github.com/tokenguard/gateway/internal/cache"
	"github.com/tokenguard/gateway/internal/moderation"
	"github.com/tokenguard/gateway/internal/models"
	"github.com/tokenguard/gateway/internal/upstream"
)

// Externally visible statuses. key_pass, key_error and content_blocked are
// the portal's vocabulary; the rest cover outcomes the pipeline can reach
// on its own.
const (
	StatusKeyPass       = "key_pass"
	StatusKeyError      = "key_error"
	StatusBlocked       = "content_blocked"
	StatusRateLimited   = "rate_limited"
	StatusUpstreamError = "upstream_error"
	StatusAborted       = "aborted"
	StatusError         = "error"
)

// statusClientClosedRequest mirrors nginx's code for a client that went
// away mid-request.
const statusClientClosedRequest = 499

// Request is the validated inbound payload.
type Request struct {
	APIKey string
	Text   string
	Model  string
}

// Result is the single terminal outcome of one pipeline execution. Built
// per request, never persisted; the proxy log row is derived from it.
type Result struct {
	Status         string
	Message        string
	Response       string
	FromCache      bool
	MatchedKeyword string
	Reason         auth.Reason
	RequestID      string
	ElapsedMs      int
	HTTPStatus     int

	Key *models.APIKey
}

// Component interfaces, sized to what the orchestrator calls. Test doubles
// substitute any of them.
type Authenticator interface {
	Authorize(ctx context.Context, presented string) auth.Verdict
}

type RuleSource interface {
	ListBannedKeywords(ctx context.Context, apiKeyID int) ([]models.BannedKeyword, error)
}

type Cache interface {
	Lookup(ctx context.Context, text string) (*cache.CachedResponse, bool, error)
	Insert(ctx context.Context, text, response string) error
}

type Dispatcher interface {
	Generate(ctx context.Context, text, model string) (string, error)
}

type Limiter interface {
	Allow(ctx context.Context, keyID int) bool
}

type Orchestrator struct {
	auth       Authenticator
	rules      RuleSource
	cache      Cache
	dispatcher Dispatcher
	limiter    Limiter
	model      string
	log        zerolog.Logger
}

// NewOrchestrator wires the pipeline. limiter may be nil.
func NewOrchestrator(a Authenticator, rules RuleSource, c Cache, d Dispatcher, limiter Limiter, model string, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		auth:       a,
		rules:      rules,
		cache:      c,
		dispatcher: d,
		limiter:    limiter,
		model:      model,
		log:        log,
	}
}

// Process runs one request through authenticate → moderate → cache →
// upstream, in that order, and always terminates in exactly one Result.
// Blocked or rejected requests never touch the cache or the upstream.
func (o *Orchestrator) Process(ctx context.Context, req Request) *Result {
	start := time.Now()
	requestID := uuid.NewString()

	finish := func(r *Result) *Result {
		r.RequestID = requestID
		r.ElapsedMs = int(time.Since(start).Milliseconds())
		if r.ElapsedMs < 1 {
			r.ElapsedMs = 1
		}
		return r
	}

	// 1. Authenticate.
	verdict := o.auth.Authorize(ctx, req.APIKey)
	if !verdict.Authorized {
		return finish(o.keyError(verdict.Reason))
	}
	key := verdict.Key

	if ctx.Err() != nil {
		return finish(aborted(key))
	}

	// 2. Rate limit.
	if o.limiter != nil && !o.limiter.Allow(ctx, key.ID) {
		return finish(&Result{
			Status:     StatusRateLimited,
			Message:    "Rate limit exceeded.",
			HTTPStatus: http.StatusTooManyRequests,
			Key:        key,
		})
	}

	// 3. Moderate. A rule-fetch failure fails closed: text whose rules are
	// unknown must not reach the upstream.
	rules, err := o.rules.ListBannedKeywords(ctx, key.ID)
	if err != nil {
		o.log.Error().Err(err).Int("key_id", key.ID).Msg("failed to load moderation rules")
		return finish(&Result{
			Status:     StatusError,
			Message:    "Keyword validation failed.",
			HTTPStatus: http.StatusInternalServerError,
			Key:        key,
		})
	}
	if screen := moderation.Screen(req.Text, rules); !screen.Pass {
		return finish(&Result{
			Status:         StatusBlocked,
			Message:        "Content contains banned keyword: " + screen.Matched,
			MatchedKeyword: screen.Matched,
			HTTPStatus:     http.StatusForbidden,
			Key:            key,
		})
	}

	if ctx.Err() != nil {
		return finish(aborted(key))
	}

	// 4. Cache lookup. Failures degrade to a miss, never abort the request.
	cached, hit, err := o.cache.Lookup(ctx, req.Text)
	if err != nil {
		if ctx.Err() != nil {
			return finish(aborted(key))
		}
		o.log.Warn().Err(err).Msg("cache lookup failed, falling through to upstream")
	}
	if hit {
		return finish(&Result{
			Status:     StatusKeyPass,
			Message:    "API key is valid.",
			Response:   cached.Response,
			FromCache:  true,
			HTTPStatus: http.StatusOK,
			Key:        key,
		})
	}

	// 5. Upstream.
	model := req.Model
	if model == "" {
		model = o.model
	}
	content, err := o.dispatcher.Generate(ctx, req.Text, model)
	if err != nil {
		if ctx.Err() != nil {
			return finish(aborted(key))
		}
		return finish(o.upstreamError(err, key))
	}

	// 6. Cache insert, detached from the request context: the upstream cost
	// is paid, so the entry should land even if the caller is gone.
	go o.insertDetached(req.Text, content)

	return finish(&Result{
		Status:     StatusKeyPass,
		Message:    "API key is valid.",
		Response:   content,
		HTTPStatus: http.StatusOK,
		Key:        key,
	})
}

func (o *Orchestrator) insertDetached(text, response string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := o.cache.Insert(ctx, text, response); err != nil {
		o.log.Warn().Err(err).Msg("cache insert failed")
	}
}

func (o *Orchestrator) keyError(reason auth.Reason) *Result {
	r := &Result{
		Status:     StatusKeyError,
		Reason:     reason,
		HTTPStatus: http.StatusUnauthorized,
	}
	switch reason {
	case auth.ReasonMissing:
		r.Message = "API key is required."
		r.HTTPStatus = http.StatusBadRequest
	case auth.ReasonMalformed:
		r.Message = "API key format is invalid."
	case auth.ReasonInactive:
		r.Message = "API key is inactive."
	default:
		r.Message = "API key not found."
	}
	return r
}

func (o *Orchestrator) upstreamError(err error, key *models.APIKey) *Result {
	r := &Result{
		Status:     StatusUpstreamError,
		Message:    "Upstream service unavailable. Please try again later.",
		HTTPStatus: http.StatusBadGateway,
		Key:        key,
	}

	var uerr *upstream.Error
	if errors.As(err, &uerr) {
		switch uerr.Kind {
		case upstream.KindTimeout:
			r.Message = "Upstream request timed out."
			r.HTTPStatus = http.StatusGatewayTimeout
		case upstream.KindRejected:
			r.Message = "Upstream rejected the request."
		}
	}

	o.log.Error().Err(err).Msg("upstream call failed")
	return r
}

func aborted(key *models.APIKey) *Result {
	return &Result{
		Status:     StatusAborted,
		Message:    "Request cancelled by client.",
		HTTPStatus: statusClientClosedRequest,
		Key:        key,
	}
}
