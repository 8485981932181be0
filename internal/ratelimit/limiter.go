// Package ratelimit slows down callers after failed authentication.
package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/dgellow/oauth-front/internal/log"
	"github.com/dgellow/oauth-front/internal/metrics"
)

// Limiter is one process-wide token bucket shared by every client and every
// remote address. Limit blocks the calling goroutine until a token is
// available. Keying the bucket per client or per IP is a policy change that
// would be made here.
type Limiter struct {
	limiter *rate.Limiter
	metrics metrics.Recorder
}

// New builds a limiter allowing perSecond failures with the given burst.
// A non-positive rate disables limiting.
func New(perSecond float64, burst int, recorder metrics.Recorder) *Limiter {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	if recorder == nil {
		recorder = metrics.Noop{}
	}
	return &Limiter{
		limiter: rate.NewLimiter(limit, burst),
		metrics: recorder,
	}
}

// Limit waits for the shared bucket. Cancellation of ctx ends the wait early.
func (l *Limiter) Limit(ctx context.Context) {
	start := time.Now()
	if err := l.limiter.Wait(ctx); err != nil {
		log.LogDebugWithFields("ratelimit", "Rate limit wait aborted", map[string]any{
			"error": err.Error(),
		})
	}
	waited := time.Since(start)
	l.metrics.RecordRateLimitDelay(waited)
	if waited > 100*time.Millisecond {
		log.LogTraceWithFields("ratelimit", "Delayed failed authentication", map[string]any{
			"wait": waited.String(),
		})
	}
}
