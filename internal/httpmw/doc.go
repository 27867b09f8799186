// Package httpmw provides HTTP middleware for the public file API server.
//
// httpserver.NewHandler composes them outermost first: security headers,
// recover, request ID, client IP resolution, OTEL tracing, trace headers,
// metrics, request-scoped logger, then the chi router with route annotation,
// access log and body limit. Rate limiting is not applied here; each route
// binds its own category middleware from package ratelimit.
//
// User-supplied data (query params, user-agent, headers) is kept out of logs
// to prevent PII leaks and log injection.
package httpmw
