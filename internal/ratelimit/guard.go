package ratelimit

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/keithlinneman/fileguard/internal/httpmw"
	"github.com/keithlinneman/fileguard/internal/log"
	"github.com/keithlinneman/fileguard/internal/xerrors"
)

// Response headers set on every rate limited route.
const (
	HeaderLimit     = "RateLimit-Limit"
	HeaderRemaining = "RateLimit-Remaining"
	HeaderReset     = "RateLimit-Reset"
	HeaderPolicy    = "RateLimit-Policy"
)

type GuardOptions struct {
	Table   Table
	Checker Checker
	Logger  log.Logger

	// KeyFunc picks the client identity, defaults to the address stored by
	// httpmw.ClientIP
	KeyFunc func(r *http.Request) string

	// OnDenied is called on every rejected request, used for prometheus counters
	OnDenied func(c Category)

	// OnBackendError is called when the checker fails and the request is
	// rejected without a count
	OnBackendError func(c Category)
}

// Guard applies a Table through a Checker as per-category middleware.
type Guard struct {
	opts   GuardOptions
	logger log.Logger
}

func NewGuard(opts GuardOptions) (*Guard, error) {
	if opts.Checker == nil {
		return nil, xerrors.New("ratelimit: guard requires a checker")
	}
	if opts.KeyFunc == nil {
		opts.KeyFunc = func(r *http.Request) string {
			return httpmw.ClientIPFromContext(r.Context())
		}
	}
	return &Guard{opts: opts, logger: log.OrNop(opts.Logger)}, nil
}

// Table returns the policies the guard enforces.
func (g *Guard) Table() Table { return g.opts.Table }

// Middleware returns the limiter for category c. Resolving the policy here
// makes a route bound to an unknown category fail at start-up, not per request.
func (g *Guard) Middleware(c Category) (func(http.Handler) http.Handler, error) {
	p, err := g.opts.Table.Get(c)
	if err != nil {
		return nil, err
	}
	policyHeader := fmt.Sprintf("%d;w=%d", p.Max, p.RetryAfterSeconds())

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			key := g.opts.KeyFunc(r)

			d, err := g.opts.Checker.Check(ctx, key, p)
			if err != nil {
				// fail closed, a broken counter must not lift the limit
				g.logger.Error(ctx, err, "rate limit check failed, rejecting request",
					"ratelimit_category", string(c),
					"client_ip", key,
				)
				if g.opts.OnBackendError != nil {
					g.opts.OnBackendError(c)
				}
				Reject(w, p)
				return
			}

			h := w.Header()
			h.Set(HeaderLimit, strconv.Itoa(d.Limit))
			h.Set(HeaderRemaining, strconv.Itoa(d.Remaining))
			h.Set(HeaderReset, strconv.Itoa(ceilSeconds(d.Reset)))
			h.Set(HeaderPolicy, policyHeader)

			if !d.Allowed {
				g.logger.Debug(ctx, "rate limit exceeded",
					"ratelimit_category", string(c),
					"client_ip", key,
					"limit", d.Limit,
				)
				if g.opts.OnDenied != nil {
					g.opts.OnDenied(c)
				}
				Reject(w, p)
				return
			}

			next.ServeHTTP(w, r)
		})
	}, nil
}

// rejection is the 429 body.
type rejection struct {
	Error      string `json:"error"`
	RetryAfter int    `json:"retryAfter"`
}

// Reject writes the 429 response for p.
func Reject(w http.ResponseWriter, p Policy) {
	retry := p.RetryAfterSeconds()
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Retry-After", strconv.Itoa(retry))
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(rejection{Error: p.Message, RetryAfter: retry})
}

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}
