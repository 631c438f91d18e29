package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/jmhodges/clock"
	"golang.org/x/time/rate"

	"github.com/pearswick/dumpany/internal/metrics"
)

const defaultMinInterval = 500 * time.Millisecond

// ErrNoHost is returned when a URL carries no authority to throttle on.
var ErrNoHost = errors.New("ratelimit: url has no host")

// Throttle spaces consecutive requests to the same host by at least MinInterval.
type Throttle struct {
	mu          sync.Mutex
	limiters    map[string]*rate.Limiter
	minInterval time.Duration
	clock       clock.Clock
	pauser      Pauser
}

// NewThrottle builds a Throttle. A non-positive interval selects 500ms.
func NewThrottle(minInterval time.Duration, clk clock.Clock, pauser Pauser) *Throttle {
	if minInterval <= 0 {
		minInterval = defaultMinInterval
	}
	if clk == nil {
		clk = clock.New()
	}
	if pauser == nil {
		pauser = NewTimerPauser(clk)
	}
	return &Throttle{
		limiters:    make(map[string]*rate.Limiter),
		minInterval: minInterval,
		clock:       clk,
		pauser:      pauser,
	}
}

// HostOf returns the lowercase authority (host[:port]) of rawURL.
func HostOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: %q", ErrNoHost, rawURL)
	}
	return strings.ToLower(u.Host), nil
}

// WaitFor blocks until host may be contacted again. The slot is reserved under
// the lock and the sleep happens outside it, so callers for other hosts are
// never held up.
func (t *Throttle) WaitFor(ctx context.Context, host string) error {
	t.mu.Lock()
	lim, ok := t.limiters[host]
	if !ok {
		lim = rate.NewLimiter(rate.Every(t.minInterval), 1)
		t.limiters[host] = lim
	}
	now := t.clock.Now()
	res := lim.ReserveN(now, 1)
	delay := res.DelayFrom(now)
	t.mu.Unlock()

	if delay <= 0 {
		return nil
	}
	metrics.ObserveThrottleDelay(host, delay)
	if err := t.pauser.Pause(ctx, delay); err != nil {
		t.mu.Lock()
		res.CancelAt(t.clock.Now())
		t.mu.Unlock()
		return fmt.Errorf("throttle %s: %w", host, err)
	}
	return nil
}
