package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// visitor tracks one key's bucket and last activity
type visitor struct {
	limiter  *rate.Limiter
	window   time.Duration
	max      int
	lastSeen time.Time
	// logged tracks whether the first-denial hook already ran for this entry,
	// resets when the entry is evicted and re-created
	logged bool
}

// BucketChecker keeps a token bucket per category and client. A policy of Max
// per Window becomes a bucket of Max tokens refilled at Max/Window per second,
// so a full burst is allowed once and then the average rate applies. It bounds
// the burst and the long-run rate, not the count per window: a client that
// spaces requests out gets up to 2*Max-1 within one Window. Use WindowChecker
// when Max per Window must hold exactly.
//
// Idle entries are evicted in the background and the number of tracked
// entries is capped. At the cap, unknown keys are denied while known keys keep
// their buckets.
type BucketChecker struct {
	mu       sync.Mutex
	visitors map[string]*visitor

	// ttl controls how long an idle key stays in the map before cleanup evicts it
	ttl time.Duration

	// maxVisitors caps the map size, 0 disables the cap
	maxVisitors int
	// capacityHit is set when the cap first rejects a key and cleared once
	// eviction frees room, so OnCapacity fires once per saturation
	capacityHit bool

	// OnFirstDenied is called once per tracked key when it first runs dry,
	// key is "category:client"
	OnFirstDenied func(key string)

	// OnCapacity is called when the visitor cap starts rejecting new keys
	OnCapacity func()

	now func() time.Time
}

type BucketOption func(*BucketChecker)

// WithTTL controls how long an idle key stays in the map before cleanup.
// Keep it at or above the longest policy window, otherwise an evicted client
// comes back with a full bucket.
func WithTTL(d time.Duration) BucketOption {
	return func(b *BucketChecker) {
		b.ttl = d
	}
}

// WithMaxVisitors caps the number of tracked keys. 0 means unlimited.
func WithMaxVisitors(n int) BucketOption {
	return func(b *BucketChecker) {
		b.maxVisitors = n
	}
}

// WithOnFirstDenied sets a callback for the first denial per key, used for
// logging. Counting every denial is the caller's job.
func WithOnFirstDenied(fn func(key string)) BucketOption {
	return func(b *BucketChecker) {
		b.OnFirstDenied = fn
	}
}

// WithOnCapacity sets a callback for when the visitor cap is reached.
func WithOnCapacity(fn func()) BucketOption {
	return func(b *BucketChecker) {
		b.OnCapacity = fn
	}
}

// NewBucketChecker creates a BucketChecker and starts the background cleanup
// goroutine, which stops when ctx is done.
func NewBucketChecker(ctx context.Context, opts ...BucketOption) *BucketChecker {
	b := &BucketChecker{
		visitors:    make(map[string]*visitor),
		ttl:         DefaultWindow,
		maxVisitors: 100000,
		now:         time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	if b.ttl <= 0 {
		b.ttl = DefaultWindow
	}
	go b.cleanup(ctx)
	return b
}

func bucketRate(p Policy) rate.Limit {
	return rate.Limit(float64(p.Max) / p.Window.Seconds())
}

func (b *BucketChecker) Check(_ context.Context, key string, p Policy) (Decision, error) {
	k := counterKey(p.Category, key)
	now := b.now()

	b.mu.Lock()
	v, exists := b.visitors[k]
	if !exists {
		if b.maxVisitors > 0 && len(b.visitors) >= b.maxVisitors {
			fire := !b.capacityHit
			b.capacityHit = true
			b.mu.Unlock()
			if fire && b.OnCapacity != nil {
				b.OnCapacity()
			}
			return Decision{Allowed: false, Limit: p.Max, Remaining: 0, Reset: p.Window}, nil
		}
		v = &visitor{}
		b.visitors[k] = v
	}
	if v.limiter == nil || v.window != p.Window || v.max != p.Max {
		v.limiter = rate.NewLimiter(bucketRate(p), p.Max)
		v.window, v.max = p.Window, p.Max
	}
	v.lastSeen = now
	allowed := v.limiter.AllowN(now, 1)
	tokens := v.limiter.TokensAt(now)

	firstDenial := !allowed && !v.logged
	if firstDenial {
		v.logged = true
	}
	// release before hooks, they may do slow work
	b.mu.Unlock()

	if firstDenial && b.OnFirstDenied != nil {
		b.OnFirstDenied(k)
	}

	remaining := int(math.Floor(tokens))
	if remaining < 0 {
		remaining = 0
	}
	var reset time.Duration
	if missing := float64(p.Max) - tokens; missing > 0 {
		reset = time.Duration(missing / float64(bucketRate(p)) * float64(time.Second))
	}
	return Decision{
		Allowed:   allowed,
		Limit:     p.Max,
		Remaining: remaining,
		Reset:     reset,
	}, nil
}

// Len reports how many keys are tracked.
func (b *BucketChecker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.visitors)
}

// minCleanupInterval floors the eviction tick for tiny TTLs.
const minCleanupInterval = time.Second

// cleanupInterval is TTL/2, so stale entries live at most 1.5x the TTL.
func (b *BucketChecker) cleanupInterval() time.Duration {
	return max(b.ttl/2, minCleanupInterval)
}

// cleanup periodically evicts keys that haven't been seen within the TTL.
func (b *BucketChecker) cleanup(ctx context.Context) {
	ticker := time.NewTicker(b.cleanupInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.evict(b.now())
		}
	}
}

func (b *BucketChecker) evict(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k, v := range b.visitors {
		if now.Sub(v.lastSeen) > b.ttl {
			delete(b.visitors, k)
		}
	}
	if b.maxVisitors <= 0 || len(b.visitors) < b.maxVisitors {
		b.capacityHit = false
	}
}
