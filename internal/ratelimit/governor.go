// Package ratelimit tracks remote-imposed rate limits and preemptively
// throttles outgoing calls before the store starts rejecting them.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
)

var ErrLimited = errors.New("ratelimit: remote is throttling requests")

// Config bounds the waits the governor will honor.
type Config struct {
	// MinWait and MaxWait clamp remote-supplied retry directives.
	MinWait time.Duration
	MaxWait time.Duration
	// FailFast makes Acquire return ErrLimited instead of sleeping out an
	// active limit.
	FailFast bool
	// PerSecond and PerMinute bound the preemptive call rate. Zero
	// disables that window.
	PerSecond int64
	PerMinute int64
}

func DefaultConfig() Config {
	return Config{
		MinWait:   time.Second,
		MaxWait:   5 * time.Minute,
		PerSecond: 10,
		PerMinute: 300,
	}
}

// Governor tracks a limited-until deadline set by remote rate-limit signals
// and a preemptive sliding window of recent calls. One governor instance is
// consulted before every remote call an engine makes.
type Governor struct {
	cfg    Config
	mu     sync.Mutex
	until  time.Time
	second *limiter.Limiter
	minute *limiter.Limiter
	// sleep hook for tests
	sleep func(ctx context.Context, d time.Duration) error
}

func NewGovernor(cfg Config) *Governor {
	g := &Governor{cfg: cfg, sleep: sleepCtx}

	if cfg.PerSecond > 0 {
		g.second = limiter.New(memory.NewStore(), limiter.Rate{Period: time.Second, Limit: cfg.PerSecond})
	}
	if cfg.PerMinute > 0 {
		g.minute = limiter.New(memory.NewStore(), limiter.Rate{Period: time.Minute, Limit: cfg.PerMinute})
	}
	return g
}

// ParseDirective interprets a rate-limit wait directive: either a plain
// integer seconds value or an HTTP-date deadline. The result is clamped to
// the configured bounds. Unparseable directives yield the minimum wait.
func (g *Governor) ParseDirective(directive string) time.Duration {
	wait := g.cfg.MinWait

	if directive != "" {
		if secs, err := strconv.Atoi(directive); err == nil {
			wait = time.Duration(secs) * time.Second
		} else if at, err := http.ParseTime(directive); err == nil {
			wait = time.Until(at)
		}
	}

	if wait < g.cfg.MinWait {
		wait = g.cfg.MinWait
	}
	if g.cfg.MaxWait > 0 && wait > g.cfg.MaxWait {
		wait = g.cfg.MaxWait
	}
	return wait
}

// NoteLimited records a rate-limit signal carrying the given directive and
// returns the wait it resolved to.
func (g *Governor) NoteLimited(directive string) time.Duration {
	wait := g.ParseDirective(directive)

	g.mu.Lock()
	defer g.mu.Unlock()
	until := time.Now().Add(wait)
	if until.After(g.until) {
		g.until = until
	}
	return wait
}

// LimitedFor reports the remaining limited window, zero when clear.
func (g *Governor) LimitedFor() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()

	remaining := time.Until(g.until)
	if remaining <= 0 {
		g.until = time.Time{} // deadline passed, governor clears itself
		return 0
	}
	return remaining
}

// Acquire blocks until a remote call is allowed: first waiting out any active
// limited-until deadline (or failing fast), then consulting the preemptive
// windows and inserting a small delay when a threshold is exhausted.
func (g *Governor) Acquire(ctx context.Context) error {
	if remaining := g.LimitedFor(); remaining > 0 {
		if g.cfg.FailFast {
			return fmt.Errorf("%w: %s remaining", ErrLimited, remaining.Round(time.Millisecond))
		}
		if err := g.sleep(ctx, remaining); err != nil {
			return err
		}
	}

	for _, l := range []*limiter.Limiter{g.second, g.minute} {
		if l == nil {
			continue
		}
		lctx, err := l.Get(ctx, "remote")
		if err != nil {
			return fmt.Errorf("ratelimit window: %w", err)
		}
		if lctx.Reached {
			delay := time.Until(time.Unix(lctx.Reset, 0))
			if delay > 0 {
				if err := g.sleep(ctx, delay); err != nil {
					return err
				}
			}
		}
	}

	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
