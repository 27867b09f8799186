package httpmw

import "net/http"

// Middleware wraps a handler.
type Middleware = func(http.Handler) http.Handler

// Chain wraps h so that mws[0] sees the request first. Nil entries are
// skipped, which lets callers leave optional middleware unset.
func Chain(h http.Handler, mws ...Middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] != nil {
			h = mws[i](h)
		}
	}
	return h
}

// Compose folds mws into a single Middleware with the same ordering as Chain.
func Compose(mws ...Middleware) Middleware {
	return func(next http.Handler) http.Handler {
		return Chain(next, mws...)
	}
}
