package httpmw

import (
	"bufio"
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/fileguard/internal/log"
)

type capturedLog struct {
	msg    string
	fields []any
}

// flatLogger returns itself from With so every call lands in one place.
type flatLogger struct {
	log.Logger
	mu    sync.Mutex
	infos []capturedLog
	withs []any
}

func newFlatLogger() *flatLogger { return &flatLogger{Logger: log.Nop()} }

func (l *flatLogger) With(kv ...any) log.Logger {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.withs = append(l.withs, kv...)
	return l
}

func (l *flatLogger) Info(_ context.Context, msg string, kv ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.infos = append(l.infos, capturedLog{msg: msg, fields: kv})
}

func (l *flatLogger) lastInfo(t *testing.T) capturedLog {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.infos) == 0 {
		t.Fatal("no info log emitted")
	}
	return l.infos[len(l.infos)-1]
}

func fieldValue(fields []any, key string) (any, bool) {
	for i := 0; i+1 < len(fields); i += 2 {
		if k, ok := fields[i].(string); ok && k == key {
			return fields[i+1], true
		}
	}
	return nil, false
}

// withLogger stands in for WithLogger when only AccessLog is under test.
func withLogger(L log.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(log.WithContext(r.Context(), L)))
		})
	}
}

type flusherRecorder struct {
	*httptest.ResponseRecorder
	flushed bool
}

func (f *flusherRecorder) Flush() { f.flushed = true }

type hijackRecorder struct {
	*httptest.ResponseRecorder
	hijacked bool
}

func (h *hijackRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h.hijacked = true
	return nil, nil, nil
}

func TestResponseWriter(t *testing.T) {
	tests := []struct {
		name       string
		write      func(w http.ResponseWriter)
		wantStatus int
		wantBytes  int64
	}{
		{"write defaults to 200", func(w http.ResponseWriter) { _, _ = w.Write([]byte("hello")) }, http.StatusOK, 5},
		{"header then write", func(w http.ResponseWriter) {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"rate limited"}`))
		}, http.StatusTooManyRequests, 24},
		{"writes accumulate", func(w http.ResponseWriter) {
			_, _ = w.Write([]byte("abc"))
			_, _ = w.Write([]byte("defg"))
		}, http.StatusOK, 7},
		{"header only", func(w http.ResponseWriter) { w.WriteHeader(http.StatusNoContent) }, http.StatusNoContent, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			rw := &responseWriter{ResponseWriter: rec, ctx: context.Background()}
			tt.write(rw)

			if rw.status != tt.wantStatus || rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, recorder = %d, want %d", rw.status, rec.Code, tt.wantStatus)
			}
			if rw.bytes != tt.wantBytes {
				t.Fatalf("bytes = %d, want %d", rw.bytes, tt.wantBytes)
			}
			// no recording parent span
			if !rw.writeSpanStarted || rw.writeSpan != nil {
				t.Fatalf("writeSpanStarted=%v writeSpan=%v", rw.writeSpanStarted, rw.writeSpan)
			}
			rw.finishWriteSpan()
		})
	}
}

func TestResponseWriter_FlushAndHijack(t *testing.T) {
	fr := &flusherRecorder{ResponseRecorder: httptest.NewRecorder()}
	(&responseWriter{ResponseWriter: fr}).Flush()
	if !fr.flushed {
		t.Fatal("Flush not forwarded")
	}

	// writer without Flush; must not panic
	(&responseWriter{ResponseWriter: struct{ http.ResponseWriter }{httptest.NewRecorder()}}).Flush()

	hr := &hijackRecorder{ResponseRecorder: httptest.NewRecorder()}
	if _, _, err := (&responseWriter{ResponseWriter: hr}).Hijack(); err != nil || !hr.hijacked {
		t.Fatalf("Hijack err=%v hijacked=%v", err, hr.hijacked)
	}
	if _, _, err := (&responseWriter{ResponseWriter: httptest.NewRecorder()}).Hijack(); err == nil {
		t.Fatal("expected error when the writer cannot hijack")
	}
}

func TestSchemeFromRequest(t *testing.T) {
	tests := []struct {
		name      string
		forwarded string
		urlScheme string
		tls       bool
		want      string
	}{
		{name: "default", want: "http"},
		{name: "forwarded https", forwarded: "https", want: "https"},
		{name: "forwarded http beats tls", forwarded: "http", tls: true, want: "http"},
		{name: "forwarded case", forwarded: "HTTPS", want: "https"},
		{name: "forwarded first value wins", forwarded: " https , http", want: "https"},
		{name: "forwarded invalid falls through", forwarded: "ftp", want: "http"},
		{name: "forwarded newline", forwarded: "https\r\nX-Injected: evil", want: "http"},
		{name: "forwarded null byte", forwarded: "https\x00evil", want: "http"},
		{name: "url scheme", urlScheme: "https", want: "https"},
		{name: "url scheme invalid", urlScheme: "javascript", want: "http"},
		{name: "tls", tls: true, want: "https"},
		{name: "forwarded beats url scheme", forwarded: "http", urlScheme: "https", want: "http"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
			if tt.forwarded != "" {
				r.Header["X-Forwarded-Proto"] = []string{tt.forwarded}
			}
			r.URL.Scheme = tt.urlScheme
			if tt.tls {
				r.TLS = &tls.ConnectionState{}
			}
			if got := schemeFromRequest(r); got != tt.want {
				t.Fatalf("schemeFromRequest = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWithLogger(t *testing.T) {
	tests := []struct {
		name    string
		remote  string
		prepare func(r *http.Request) *http.Request
		key     string
		want    any
	}{
		{name: "method", key: "http.request.method", want: http.MethodGet},
		{name: "path", key: "url.path", want: "/api/v1/files"},
		{name: "peer port stripped", remote: "192.168.1.100:54321", key: "network.peer.address", want: "192.168.1.100"},
		{name: "peer without port", remote: "10.0.0.1", key: "network.peer.address", want: "10.0.0.1"},
		{
			name: "scheme", key: "url.scheme", want: "https",
			prepare: func(r *http.Request) *http.Request { r.Header.Set("X-Forwarded-Proto", "https"); return r },
		},
		{
			name: "request id", key: "request_id", want: "req-abc-123",
			prepare: func(r *http.Request) *http.Request {
				return r.WithContext(WithRequestID(r.Context(), "req-abc-123"))
			},
		},
		{
			name: "resolved client ip", remote: "10.0.0.5:443", key: "client.address", want: "203.0.113.9",
			prepare: func(r *http.Request) *http.Request {
				r.Header.Set("X-Forwarded-For", "6.6.6.6")
				return r.WithContext(WithClientIP(r.Context(), "203.0.113.9"))
			},
		},
		{
			// XFF is untrusted without ClientIP
			name: "client ip falls back to peer", remote: "10.0.0.5:443", key: "client.address", want: "10.0.0.5",
			prepare: func(r *http.Request) *http.Request { r.Header.Set("X-Forwarded-For", "6.6.6.6"); return r },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fl := newFlatLogger()
			req := httptest.NewRequest(http.MethodGet, "/api/v1/files", http.NoBody)
			if tt.remote != "" {
				req.RemoteAddr = tt.remote
			}
			if tt.prepare != nil {
				req = tt.prepare(req)
			}

			var ctxLogger log.Logger
			WithLogger(fl)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				ctxLogger = log.FromContext(r.Context())
			})).ServeHTTP(httptest.NewRecorder(), req)

			if ctxLogger != fl {
				t.Fatal("request logger not placed in context")
			}
			if v, _ := fieldValue(fl.withs, tt.key); v != tt.want {
				t.Fatalf("%s = %v, want %v", tt.key, v, tt.want)
			}
		})
	}
}

func TestWithLogger_NoClientControlledFields(t *testing.T) {
	fl := newFlatLogger()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/files?secret=hunter2", http.NoBody)
	req.Header.Set("User-Agent", "EvilBot/1.0")
	req.Header.Set("Cookie", "session=abc123")
	req.Host = "evil.example.com"

	WithLogger(fl)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})).ServeHTTP(httptest.NewRecorder(), req)

	for _, key := range []string{"user_agent", "User-Agent", "cookie", "Cookie", "server.address", "url.query"} {
		if _, found := fieldValue(fl.withs, key); found {
			t.Errorf("field %q attached to request logger", key)
		}
	}
	for _, v := range fl.withs {
		if s, ok := v.(string); ok && strings.Contains(s, "hunter2") {
			t.Fatalf("query string leaked: %q", s)
		}
	}
}

func TestAccessLog(t *testing.T) {
	fileRoutes := func(r chi.Router) {
		r.Get("/api/v1/files/{name}", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("hello"))
		})
		r.Post("/api/v1/files", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
		})
	}

	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		wantStatus int
		wantRoute  string
		wantBytes  int64
		wantReq    int64
	}{
		{"download", http.MethodGet, "/api/v1/files/report.pdf", "", http.StatusOK, "/api/v1/files/{name}", 5, 0},
		{"rejected upload", http.MethodPost, "/api/v1/files", "payload", http.StatusTooManyRequests, "/api/v1/files", 0, 7},
		{"unmatched hides path", http.MethodGet, "/secret/name.txt", "", http.StatusNotFound, UnmatchedRoute, 19, 0},
		// health lives on the ops listener; here it is just another 404
		{"ready is logged", http.MethodGet, "/-/ready", "", http.StatusNotFound, UnmatchedRoute, 19, 0},
		{"healthy is logged", http.MethodGet, "/-/healthy", "", http.StatusNotFound, UnmatchedRoute, 19, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fl := newFlatLogger()
			r := chi.NewRouter()
			r.Use(withLogger(fl), AccessLog())
			fileRoutes(r)

			r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body)))

			entry := fl.lastInfo(t)
			if entry.msg != "http request" {
				t.Fatalf("msg = %q", entry.msg)
			}
			if v, _ := fieldValue(entry.fields, "http.response.status_code"); v != tt.wantStatus {
				t.Fatalf("status = %v, want %d", v, tt.wantStatus)
			}
			if v, _ := fieldValue(entry.fields, "http.route"); v != tt.wantRoute {
				t.Fatalf("http.route = %v, want %q", v, tt.wantRoute)
			}
			if v, _ := fieldValue(entry.fields, "http.response.body.size"); v != tt.wantBytes {
				t.Fatalf("body.size = %v, want %d", v, tt.wantBytes)
			}
			if v, _ := fieldValue(entry.fields, "http.request.body.size"); v != tt.wantReq {
				t.Fatalf("request body size = %v, want %d", v, tt.wantReq)
			}
			if v, ok := fieldValue(entry.fields, "http.server.request.duration"); !ok || v.(float64) < 0 {
				t.Fatalf("duration = %v", v)
			}
		})
	}
}

func TestAccessLog_NoLoggerInContext(t *testing.T) {
	rec := httptest.NewRecorder()
	AccessLog()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/limits", http.NoBody))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestScope(t *testing.T) {
	fl := newFlatLogger()
	called := false
	h := withLogger(fl)(Scope("files")(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		called = true
	})))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", http.NoBody))

	if !called {
		t.Fatal("next handler not called")
	}
	if v, _ := fieldValue(fl.withs, "handler"); v != "files" {
		t.Fatalf("handler = %v, want files", v)
	}
}

func FuzzSchemeFromRequest(f *testing.F) {
	for _, s := range []string{"http", "https", "HTTPS", "ftp", "", "https, http", "  https  ",
		"https\r\nX-Injected: evil", "https\x00evil", strings.Repeat("A", 10000), "\nhttps"} {
		f.Add(s, s)
	}

	f.Fuzz(func(t *testing.T, proto, scheme string) {
		r := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
		r.Header["X-Forwarded-Proto"] = []string{proto}
		r.URL.Scheme = scheme

		if got := schemeFromRequest(r); got != "http" && got != "https" {
			t.Fatalf("schemeFromRequest = %q for proto=%q scheme=%q", got, proto, scheme)
		}
	})
}

// raw paths never reach http.route
func FuzzAccessLog_Path(f *testing.F) {
	for _, p := range []string{"/", "/api/v1/files/a.txt", "/-/ready", "", strings.Repeat("/a", 1000),
		"/path\x00with\x00nulls", "/../../../etc/passwd", "/path%20with%20encoding"} {
		f.Add(p)
	}

	f.Fuzz(func(t *testing.T, urlPath string) {
		fl := newFlatLogger()
		h := withLogger(fl)(AccessLog()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})))

		req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
		req.URL.Path = urlPath
		h.ServeHTTP(httptest.NewRecorder(), req)

		if v, _ := fieldValue(fl.lastInfo(t).fields, "http.route"); v != UnmatchedRoute {
			t.Fatalf("http.route = %v for path %q", v, urlPath)
		}
	})
}
