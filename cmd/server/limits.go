package main

import (
	"context"
	"time"

	"github.com/keithlinneman/fileguard/internal/cfg"
	"github.com/keithlinneman/fileguard/internal/log"
	"github.com/keithlinneman/fileguard/internal/ratelimit"
	"github.com/keithlinneman/fileguard/internal/xerrors"
)

// overrideSource is satisfied by ratelimit.SSMSource and fileSource.
type overrideSource interface {
	Load(ctx context.Context) (ratelimit.Overrides, error)
}

type fileSource string

func (f fileSource) Load(context.Context) (ratelimit.Overrides, error) {
	return ratelimit.LoadFile(string(f))
}

// policyTable builds the default table and merges overrides from src when
// one is configured. A bad override source fails start-up rather than
// silently falling back to defaults.
func policyTable(ctx context.Context, src overrideSource) (ratelimit.Table, error) {
	table := ratelimit.DefaultTable()
	if src == nil {
		return table, nil
	}
	o, err := src.Load(ctx)
	if err != nil {
		return ratelimit.Table{}, xerrors.Wrap(err, "load rate limit overrides")
	}
	merged, err := table.Merge(o)
	if err != nil {
		return ratelimit.Table{}, xerrors.Wrap(err, "apply rate limit overrides")
	}
	return merged, nil
}

type checkerHooks struct {
	OnCapacity func()
}

// newChecker returns the counter backend selected by conf.RateLimitStore.
func newChecker(ctx context.Context, L log.Logger, conf cfg.App, table ratelimit.Table, hooks checkerHooks) ratelimit.Checker {
	if conf.RateLimitStore != cfg.BackendBucket {
		return ratelimit.NewWindowChecker()
	}
	return ratelimit.NewBucketChecker(ctx,
		// idle buckets must outlive the longest window or clients get a fresh burst
		ratelimit.WithTTL(longestWindow(table)),
		ratelimit.WithMaxVisitors(conf.MaxVisitors),
		// only log the first time a key is denied each time it is cleaned from the map
		ratelimit.WithOnFirstDenied(func(key string) {
			L.Warn(ctx, "rate limit triggered", "key", key)
		}),
		ratelimit.WithOnCapacity(func() {
			if hooks.OnCapacity != nil {
				hooks.OnCapacity()
			}
			L.Warn(ctx, "rate limit capacity reached, rejecting new clients until some are evicted")
		}),
	)
}

func longestWindow(t ratelimit.Table) time.Duration {
	var d time.Duration
	for _, p := range t.Policies() {
		if p.Window > d {
			d = p.Window
		}
	}
	return d
}
