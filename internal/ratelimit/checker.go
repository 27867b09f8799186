package ratelimit

import (
	"context"
	"time"
)

// Decision is the outcome of counting one request against a policy.
type Decision struct {
	Allowed bool
	// Limit is the policy ceiling, Remaining what is left of it after this request.
	Limit     int
	Remaining int
	// Reset is how long until the budget is fully available again.
	Reset time.Duration
}

// Checker counts a request for key (the client identity) against p. The
// increment and the comparison happen atomically with respect to other calls
// for the same key and category.
type Checker interface {
	Check(ctx context.Context, key string, p Policy) (Decision, error)
}

// counterKey namespaces a client identity by category so each category keeps
// its own budget.
func counterKey(c Category, key string) string {
	return string(c) + ":" + key
}
