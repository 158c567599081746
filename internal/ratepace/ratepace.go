// Package ratepace wraps golang.org/x/time/rate limiters around the
// engine's trust-tier pacing envelope, giving the random-jitter delays
// spec.md describes a hard token-bucket ceiling underneath so a
// misconfigured or misbehaving loop cannot spin faster than the tier
// allows even if jitter collapses toward zero.
package ratepace

import (
	"context"
	"math/rand"
	"time"

	"golang.org/x/time/rate"

	"github.com/nrlim/wa-engine/internal/trust"
)

// UniformDuration returns a duration drawn uniformly from [min, max), or min
// when max <= min. Used
// throughout the anti-ban pipeline for reconnect backoff, cooldowns, and
// post-send delays, where the spread itself is part of the anti-ban
// contract (spec.md §9: "randomness is load-bearing").
func UniformDuration(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}

// Pacer combines a tier-seeded token bucket with the jittered sleep the
// anti-ban pipeline actually wants to perform.
type Pacer struct {
	limiter *rate.Limiter
}

// FromTier builds a Pacer seeded from a trust tier's pacing parameters.
func FromTier(p trust.Params) *Pacer {
	return &Pacer{limiter: p.TokenBucket()}
}

// FromRate builds a Pacer from an explicit events-per-second ceiling, for
// components (the Connection Manager) that pace against a fixed interval
// rather than a tier table.
func FromRate(perSecond float64, burst int) *Pacer {
	return &Pacer{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Wait blocks until the token bucket admits one event or ctx is done.
func (p *Pacer) Wait(ctx context.Context) error {
	return p.limiter.Wait(ctx)
}

// WaitJittered blocks for the token bucket ceiling, then additionally sleeps
// for the duration jitter returns, honoring ctx cancellation throughout.
func (p *Pacer) WaitJittered(ctx context.Context, jitter func() time.Duration) error {
	if err := p.Wait(ctx); err != nil {
		return err
	}
	select {
	case <-time.After(jitter()):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
