package ratelimit

import (
	"context"
	"time"

	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"

	"github.com/keithlinneman/fileguard/internal/xerrors"
)

// WindowChecker is a fixed window counter on the ulule/limiter memory store:
// the first request for a key opens a window of Policy.Window and every
// request inside it increments the same counter.
type WindowChecker struct {
	store limiter.Store
	now   func() time.Time
}

type WindowOption func(*windowConfig)

type windowConfig struct {
	prefix          string
	cleanupInterval time.Duration
	store           limiter.Store
}

// WithCleanupInterval sets how often expired counters are swept from memory.
func WithCleanupInterval(d time.Duration) WindowOption {
	return func(c *windowConfig) { c.cleanupInterval = d }
}

// WithStore swaps the counter store, mostly for tests.
func WithStore(s limiter.Store) WindowOption {
	return func(c *windowConfig) { c.store = s }
}

func NewWindowChecker(opts ...WindowOption) *WindowChecker {
	c := windowConfig{
		prefix:          "fileguard",
		cleanupInterval: time.Minute,
	}
	for _, o := range opts {
		o(&c)
	}
	if c.store == nil {
		c.store = memory.NewStoreWithOptions(limiter.StoreOptions{
			Prefix:          c.prefix,
			CleanUpInterval: c.cleanupInterval,
		})
	}
	return &WindowChecker{store: c.store, now: time.Now}
}

func (w *WindowChecker) Check(ctx context.Context, key string, p Policy) (Decision, error) {
	// counters live in the store, the limiter only carries p's rate
	l := limiter.New(w.store, limiter.Rate{
		Period: p.Window,
		Limit:  int64(p.Max),
	})
	lc, err := l.Get(ctx, counterKey(p.Category, key))
	if err != nil {
		return Decision{}, xerrors.Wrapf(err, "count request for %s", p.Category)
	}

	reset := time.Unix(lc.Reset, 0).Sub(w.now())
	if reset < 0 {
		reset = 0
	}
	return Decision{
		Allowed:   !lc.Reached,
		Limit:     int(lc.Limit),
		Remaining: int(lc.Remaining),
		Reset:     reset,
	}, nil
}
