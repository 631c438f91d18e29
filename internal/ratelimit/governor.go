// Package ratelimit keeps upstream request rates inside the registry's limits.
//
// Two independent mechanisms are provided. Governor caps the aggregate number
// of requests issued by the whole process inside a rolling window, layering
// tiered soft pauses in front of the hard ceiling. Throttle enforces a minimum
// gap between consecutive requests to the same host. Both are safe for
// concurrent use and never hold their lock while a caller sleeps.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/jmhodges/clock"
	"go.uber.org/zap"

	"github.com/pearswick/dumpany/internal/metrics"
)

const (
	defaultCeiling      = 600
	defaultWindow       = 5 * time.Minute
	defaultSoftCooldown = 30 * time.Second
)

// Tier is a soft-throttling step: once the window holds Fraction*Ceiling
// requests the governor pauses every caller for Pause.
type Tier struct {
	Fraction float64
	Pause    time.Duration
}

// DefaultTiers returns the 83/92/96 percent steps with 30/60/120 second pauses.
func DefaultTiers() []Tier {
	return []Tier{
		{Fraction: 0.83, Pause: 30 * time.Second},
		{Fraction: 0.92, Pause: 60 * time.Second},
		{Fraction: 0.96, Pause: 120 * time.Second},
	}
}

// GovernorConfig holds the rolling-window limits.
type GovernorConfig struct {
	// Ceiling is the maximum number of requests inside Window. Default: 600.
	Ceiling int
	// Window is the trailing span the ceiling applies to. Default: 5m.
	Window time.Duration
	// Tiers are the soft-throttling steps. A nil slice selects DefaultTiers;
	// an empty non-nil slice disables soft throttling.
	Tiers []Tier
	// SoftCooldown is the minimum time between the end of one soft pause and
	// the start of the next. Default: 30s.
	SoftCooldown time.Duration
}

type waitKind string

const (
	waitNone    waitKind = ""
	waitPaused  waitKind = "paused"
	waitSoft    waitKind = "soft"
	waitCeiling waitKind = "ceiling"
)

type tierLimit struct {
	threshold int
	pause     time.Duration
}

// Governor enforces a process-wide request ceiling over a rolling window.
type Governor struct {
	mu     sync.Mutex
	cfg    GovernorConfig
	tiers  []tierLimit
	clock  clock.Clock
	pauser Pauser
	logger *zap.Logger

	// window holds admitted request timestamps, oldest first.
	window []time.Time
	// pausedUntil blocks every caller until it passes.
	pausedUntil time.Time
	// softEnd is when the most recent soft pause ended.
	softEnd time.Time
}

// NewGovernor builds a Governor. A nil clock selects the wall clock and a nil
// pauser waits on that clock's timers.
func NewGovernor(cfg GovernorConfig, clk clock.Clock, pauser Pauser, logger *zap.Logger) *Governor {
	if cfg.Ceiling <= 0 {
		cfg.Ceiling = defaultCeiling
	}
	if cfg.Window <= 0 {
		cfg.Window = defaultWindow
	}
	if cfg.Tiers == nil {
		cfg.Tiers = DefaultTiers()
	}
	if cfg.SoftCooldown <= 0 {
		cfg.SoftCooldown = defaultSoftCooldown
	}
	if clk == nil {
		clk = clock.New()
	}
	if pauser == nil {
		pauser = NewTimerPauser(clk)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Governor{
		cfg:    cfg,
		tiers:  buildTiers(cfg.Ceiling, cfg.Tiers),
		clock:  clk,
		pauser: pauser,
		logger: logger,
	}
}

func buildTiers(ceiling int, tiers []Tier) []tierLimit {
	out := make([]tierLimit, 0, len(tiers))
	for _, t := range tiers {
		threshold := int(math.Ceil(t.Fraction*float64(ceiling) - 1e-9))
		if threshold <= 0 || threshold >= ceiling || t.Pause <= 0 {
			continue
		}
		out = append(out, tierLimit{threshold: threshold, pause: t.Pause})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].threshold < out[j].threshold })
	return out
}

// Admit blocks until one more request fits inside the ceiling, then records it.
func (g *Governor) Admit(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("governor admit: %w", err)
		}
		wait, kind, count := g.tryAdmit()
		if kind == waitNone {
			return nil
		}
		metrics.ObserveGovernorWait(string(kind), wait)
		if kind != waitPaused {
			g.logger.Info("rate governor pausing requests",
				zap.String("kind", string(kind)),
				zap.Int("window_count", count),
				zap.Int("ceiling", g.cfg.Ceiling),
				zap.Duration("wait", wait),
			)
		}
		if err := g.pauser.Pause(ctx, wait); err != nil {
			return fmt.Errorf("governor admit: %w", err)
		}
	}
}

// tryAdmit makes a single admission decision. It either records a request and
// returns waitNone, or reports how long the caller must wait before retrying.
func (g *Governor) tryAdmit() (time.Duration, waitKind, int) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	g.prune(now)
	count := len(g.window)

	if now.Before(g.pausedUntil) {
		return g.pausedUntil.Sub(now), waitPaused, count
	}
	if tier, ok := g.softTier(count); ok && !now.Before(g.softEnd.Add(g.cfg.SoftCooldown)) {
		g.pausedUntil = now.Add(tier.pause)
		g.softEnd = g.pausedUntil
		return tier.pause, waitSoft, count
	}
	if count >= g.cfg.Ceiling {
		// Entries still inside the window stay after the wait; only prune drops them.
		wait :=g.cfg.Window - now.Sub(g.window[0])
		g.pausedUntil = now.Add(wait)
		return wait, waitCeiling, count
	}
	g.window = append(g.window, now)
	return 0, waitNone, count + 1
}

// softTier returns the highest tier whose threshold count has reached.
func (g *Governor) softTier(count int) (tierLimit, bool) {
	for i := len(g.tiers) - 1; i >= 0; i-- {
		if count >= g.tiers[i].threshold {
			return g.tiers[i], true
		}
	}
	return tierLimit{}, false
}

// prune drops timestamps that have left the trailing window. Callers hold mu.
func (g *Governor) prune(now time.Time) {
	i := 0
	for i < len(g.window) && now.Sub(g.window[i]) >= g.cfg.Window {
		i++
	}
	if i > 0 {
		g.window = append(g.window[:0], g.window[i:]...)
	}
}

// Reset discards all tracked requests and any pending pause. It is called when
// the upstream rejects a request as rate limited, so the server's own cooldown
// is not compounded by stale local state.
func (g *Governor) Reset() {
	g.mu.Lock()
	g.window = g.window[:0]
	g.pausedUntil = time.Time{}
	g.mu.Unlock()
	metrics.ObserveGovernorReset()
	g.logger.Info("rate governor history reset")
}

// Count returns the number of requests currently inside the window.
func (g *Governor) Count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prune(g.clock.Now())
	return len(g.window)
}
