// Package ratelimit binds HTTP routes to per-category request budgets.
//
// A Table maps each route category (auth, api, files, sensitive, plugins) to a
// Policy: a window, a request ceiling and the message returned once the
// ceiling is crossed. The table is built once at start-up from the defaults
// plus optional YAML overrides (local file or SSM parameter) and is read-only
// afterwards.
//
// Counting is delegated to a Checker:
//   - WindowChecker: fixed window counter on the ulule/limiter memory store
//   - BucketChecker: golang.org/x/time/rate token bucket per visitor, with
//     idle eviction and a cap on tracked visitors
//
// Guard turns a Table and a Checker into chi-compatible middleware, one per
// category. It sets RateLimit-* quota headers on every response and answers
// 429 with {"error", "retryAfter"} once the budget is spent.
//
// State is in-memory and per process. It is not shared between instances, so
// it is defense in depth alongside upstream filtering, not a replacement for it.
package ratelimit
