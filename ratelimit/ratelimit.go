// Package ratelimit wraps golang.org/x/time/rate behind the byte-oriented
// token bucket spec.md §4.6 describes gating aggregate TCP output
// ("Configurable token bucket (bytesPerSec, burstBytes) gates the
// aggregate TCP output"). Grounded on
// ws/internal/shared/limits/connection_rate_limiter.go's use of
// rate.Limiter, generalized from a connection-count limiter to a
// byte-count limiter shared by every peer session on a Domain.
package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Bucket gates aggregate byte throughput. A Bucket with bytesPerSec <= 0 is
// unlimited, so callers needn't special-case rate limiting being disabled.
type Bucket struct {
	lim       *rate.Limiter
	unlimited bool
}

// New builds a Bucket allowing bytesPerSec sustained throughput with
// burstBytes of slack. bytesPerSec <= 0 disables limiting entirely.
func New(bytesPerSec, burstBytes int) *Bucket {
	if bytesPerSec <= 0 {
		return &Bucket{unlimited: true}
	}
	return &Bucket{lim: rate.NewLimiter(rate.Limit(bytesPerSec), burstBytes)}
}

// AllowN reports whether n bytes may be sent right now without blocking,
// consuming the tokens if so.
func (b *Bucket) AllowN(n int) bool {
	if b.unlimited {
		return true
	}
	return b.lim.AllowN(time.Now(), n)
}

// WaitN blocks until n bytes' worth of tokens are available or ctx is
// done. Sessions configured with waitForSlowReceivers=true call this
// instead of AllowN (spec.md §4.6 "Otherwise, producers may block").
func (b *Bucket) WaitN(ctx context.Context, n int) error {
	if b.unlimited {
		return nil
	}
	return b.lim.WaitN(ctx, n)
}
