package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/jmhodges/clock"
)

// Pauser abstracts how callers back off: it blocks for d or until ctx ends.
type Pauser interface {
	Pause(ctx context.Context, d time.Duration) error
}

// TimerPauser waits on timers drawn from a clock.Clock.
type TimerPauser struct {
	clock clock.Clock
}

// NewTimerPauser returns a Pauser backed by clk, or the wall clock when clk is nil.
func NewTimerPauser(clk clock.Clock) *TimerPauser {
	if clk == nil {
		clk = clock.New()
	}
	return &TimerPauser{clock: clk}
}

// Pause blocks for d. It returns early with the context error when ctx ends.
func (p *TimerPauser) Pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := p.clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("pause interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
