// Package upstream calls the external language-model provider and owns the
// retry and timeout policy for it.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Kind classifies an upstream failure.
type Kind string

const (
	KindTimeout   Kind = "timeout"
	KindTransient Kind = "transient"
	KindRejected  Kind = "rejected"
)

// Error is the dispatcher's failure type. Transient errors have already
// been retried by the time the caller sees one.
type Error struct {
	Kind   Kind
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("upstream %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("upstream %s (status %d)", e.Kind, e.Status)
}

func (e *Error) Unwrap() error { return e.Err }

// Options are the dispatcher tunables, taken from the startup config.
type Options struct {
	URL        string
	APIKey     string
	Timeout    time.Duration
	MaxRetries int
	Backoff    time.Duration
}

type Dispatcher struct {
	client *http.Client
	opts   Options
	log    zerolog.Logger
}

func NewDispatcher(opts Options, log zerolog.Logger) *Dispatcher {
	// A negative retry count would skip the attempt loop entirely and
	// return an empty completion with a nil error.
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	return &Dispatcher{
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		opts: opts,
		log:  log,
	}
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Generate sends text to the provider and returns the completion. Network
// errors and 5xx responses are retried up to MaxRetries with linear
// backoff; 4xx responses are surfaced immediately as rejected. The request
// carries only the text and model, never moderation metadata.
func (d *Dispatcher) Generate(ctx context.Context, text, model string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:    model,
		Messages: []chatMessage{{Role: "user", Content: text}},
	})
	if err != nil {
		return "", &Error{Kind: KindRejected, Err: err}
	}

	var lastErr *Error
	for attempt := 0; attempt <= d.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			d.log.Debug().Int("attempt", attempt).Msg("retrying upstream call")
			select {
			case <-time.After(time.Duration(attempt) * d.opts.Backoff):
			case <-ctx.Done():
				return "", &Error{Kind: KindTimeout, Err: ctx.Err()}
			}
		}

		content, uerr := d.attempt(ctx, body)
		if uerr == nil {
			return content, nil
		}
		if uerr.Kind != KindTransient {
			return "", uerr
		}
		lastErr = uerr
	}

	return "", lastErr
}

func (d *Dispatcher) attempt(ctx context.Context, body []byte) (string, *Error) {
	attemptCtx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, d.opts.URL, bytes.NewReader(body))
	if err != nil {
		return "", &Error{Kind: KindRejected, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if d.opts.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+d.opts.APIKey)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			// Per-attempt deadline, not the caller's: worth another try.
			return "", &Error{Kind: KindTransient, Err: err}
		}
		if ctx.Err() != nil {
			return "", &Error{Kind: KindTimeout, Err: ctx.Err()}
		}
		return "", &Error{Kind: KindTransient, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &Error{Kind: KindTransient, Err: err}
	}

	switch {
	case resp.StatusCode >= 500:
		return "", &Error{Kind: KindTransient, Status: resp.StatusCode}
	case resp.StatusCode >= 400:
		return "", &Error{Kind: KindRejected, Status: resp.StatusCode}
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", &Error{Kind: KindRejected, Err: fmt.Errorf("decode response: %w", err)}
	}
	if len(parsed.Choices) == 0 {
		return "", &Error{Kind: KindRejected, Err: errors.New("response has no choices")}
	}

	return parsed.Choices[0].Message.Content, nil
}
