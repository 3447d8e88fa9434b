// Package router owns the request pipeline: credential acquisition,
// parameter translation, dispatch, and outcome reporting.
package router

import (
	"context"
	"errors"
	"log/slog"

	"gateway-proxy/internal/keypool"
	"gateway-proxy/internal/metrics"
	"gateway-proxy/internal/models"
	"gateway-proxy/internal/providers"
	"gateway-proxy/internal/upstream"
)

// ErrNoCredentials mirrors the pool's exhaustion error for callers.
var ErrNoCredentials = keypool.ErrNoCredentials

// maxAttempts bounds the dispatch loop: the initial call plus at most one
// retry with a rotated credential.
const maxAttempts = 2

// Dispatcher issues the upstream call with a chosen credential.
type Dispatcher interface {
	Generate(ctx context.Context, credential string, kind providers.Kind, req models.UnifiedChatRequest, opts providers.OptionSet) (*models.UnifiedChatResponse, error)
	Stream(ctx context.Context, credential string, kind providers.Kind, req models.UnifiedChatRequest, opts providers.OptionSet) (<-chan models.StreamEvent, error)
}

// Router dispatches unified requests through the credential pool.
type Router struct {
	pool     *keypool.Pool
	dispatch Dispatcher
}

// New constructs a router backed by the given pool and dispatcher.
func New(pool *keypool.Pool, dispatch Dispatcher) *Router {
	return &Router{pool: pool, dispatch: dispatch}
}

// Chat performs a non-streaming completion.
func (r *Router) Chat(ctx context.Context, req models.UnifiedChatRequest) (*models.UnifiedChatResponse, error) {
	kind := providers.Detect(req.Model)
	opts := providers.BuildOptions(kind, req.Model, req.Thinking)
	return dispatchWithRetry(r, func(credential string) (*models.UnifiedChatResponse, error) {
		return r.dispatch.Generate(ctx, credential, kind, req, opts)
	})
}

// ChatStream opens a streaming completion. The credential is reported
// successful once the upstream stream opens; mid-stream aborts are the
// consumer's to observe.
func (r *Router) ChatStream(ctx context.Context, req models.UnifiedChatRequest) (<-chan models.StreamEvent, error) {
	kind := providers.Detect(req.Model)
	opts := providers.BuildOptions(kind, req.Model, req.Thinking)
	return dispatchWithRetry(r, func(credential string) (<-chan models.StreamEvent, error) {
		return r.dispatch.Stream(ctx, credential, kind, req, opts)
	})
}

// Kind exposes provider detection for capability annotation.
func (r *Router) Kind(modelID string) providers.Kind {
	return providers.Detect(modelID)
}

// dispatchWithRetry runs the bounded attempt loop. Options and messages are
// translated once by the caller and reused across attempts. Pool state is
// always updated before an error is surfaced. A retry happens only for
// rate-limit errors and only when a different credential is available.
func dispatchWithRetry[T any](r *Router, attempt func(credential string) (T, error)) (T, error) {
	var (
		zero       T
		lastSecret string
		lastErr    error
	)

	for i := 0; i < maxAttempts; i++ {
		credential, err := r.pool.Acquire()
		if err != nil {
			if lastErr != nil {
				return zero, lastErr
			}
			return zero, err
		}
		if i > 0 && credential == lastSecret {
			// The pool rotated back to the credential that just failed;
			// there is nothing different to try.
			return zero, lastErr
		}

		result, err := attempt(credential)
		if err == nil {
			r.pool.ReportSuccess(credential)
			return result, nil
		}

		r.pool.ReportFailure(credential)
		lastSecret = credential
		lastErr = err

		if !upstream.IsRateLimited(err) {
			return zero, err
		}
		if i+1 < maxAttempts {
			metrics.UpstreamRetriesTotal.Inc()
			slog.Warn("rate-limited upstream call, rotating credential", "err", err)
		}
	}

	return zero, lastErr
}

// IsPoolExhausted reports whether the error means no credential was
// eligible for the request.
func IsPoolExhausted(err error) bool {
	return errors.Is(err, keypool.ErrNoCredentials)
}
