// Package limits provides the shared rate-limit and retry layer through
// which every wire-crossing call of the collector is routed: protocol
// client calls, KV reads and writes, drive probes and uploads, and
// durable-queue publishes.
package limits

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// Tier orders callers by priority. Interactive work outranks transfers,
// and transfers outrank housekeeping.
type Tier int

const (
	TierUI Tier = iota
	TierHigh
	TierNormal
	TierLow
	TierBackground
	numTiers
)

// String names the tier for logging and metrics labels.
func (t Tier) String() string {
	switch t {
	case TierUI:
		return "ui"
	case TierHigh:
		return "high"
	case TierNormal:
		return "normal"
	case TierLow:
		return "low"
	case TierBackground:
		return "background"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// TierRate configures one tier's token bucket.
type TierRate struct {
	PerSecond float64
	Burst     int
}

// DefaultRates reflect the upstream chat API's flood limits: interactive
// edits get headroom, background housekeeping trickles.
func DefaultRates() map[Tier]TierRate {
	return map[Tier]TierRate{
		TierUI:         {PerSecond: 4, Burst: 4},
		TierHigh:       {PerSecond: 8, Burst: 8},
		TierNormal:     {PerSecond: 5, Burst: 5},
		TierLow:        {PerSecond: 2, Burst: 2},
		TierBackground: {PerSecond: 1, Burst: 1},
	}
}

// Limiter meters calls by priority tier. Each tier has an independent
// token bucket; acquiring from one tier never starves another.
type Limiter struct {
	buckets [numTiers]*rate.Limiter
}

// NewLimiter builds a Limiter from per-tier rates. Tiers absent from
// |rates| use DefaultRates.
func NewLimiter(rates map[Tier]TierRate) *Limiter {
	var l = new(Limiter)
	var defaults = DefaultRates()

	for t := Tier(0); t < numTiers; t++ {
		var r, ok = rates[t]
		if !ok {
			r = defaults[t]
		}
		l.buckets[t] = rate.NewLimiter(rate.Limit(r.PerSecond), r.Burst)
	}
	return l
}

// Acquire blocks until a token of |tier| is available, or the context is
// done. It returns the context's error on cancellation.
func (l *Limiter) Acquire(ctx context.Context, tier Tier) error {
	if tier < 0 || tier >= numTiers {
		tier = TierNormal
	}
	waitingGauge.WithLabelValues(tier.String()).Inc()
	defer waitingGauge.WithLabelValues(tier.String()).Dec()

	if err := l.buckets[tier].Wait(ctx); err != nil {
		return fmt.Errorf("acquiring %s rate token: %w", tier, err)
	}
	acquiredCounter.WithLabelValues(tier.String()).Inc()
	return nil
}

// Allow reports whether a token of |tier| is immediately available,
// consuming it if so. Used by callers that prefer to drop work rather
// than queue it (per-task progress edits).
func (l *Limiter) Allow(tier Tier) bool {
	if tier < 0 || tier >= numTiers {
		tier = TierNormal
	}
	return l.buckets[tier].Allow()
}
