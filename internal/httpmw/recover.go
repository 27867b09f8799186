package httpmw

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/keithlinneman/fileguard/internal/log"
)

// Recover turns a handler panic into a logged error and a bare 500; onPanic,
// when set, runs once per recovered panic. http.ErrAbortHandler is re-raised
// so net/http can abort the connection quietly. Mounted outside the router,
// it seeds a chi route context so the matched pattern is visible on panic.
func Recover(L log.Logger, onPanic func()) Middleware {
	L = log.OrNop(L)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if chi.RouteContext(r.Context()) == nil {
				r = r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, chi.NewRouteContext()))
			}
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if e, ok := rec.(error); ok && errors.Is(e, http.ErrAbortHandler) {
					panic(rec)
				}

				err, ok := rec.(error)
				if ok {
					err = fmt.Errorf("panic: %w", err)
				} else {
					err = fmt.Errorf("panic: %v", rec)
				}

				ctx := r.Context()
				L.With(
					"http.request.method", r.Method,
					"http.route", routePattern(r),
					"request_id", RequestIDFromContext(ctx),
				).Error(ctx, err, "handler panic recovered")

				if onPanic != nil {
					onPanic()
				}
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}()
			next.ServeHTTP(w, r)
		})
	}
}
