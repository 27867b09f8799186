package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/keithlinneman/fileguard/internal/log"
)

const EnvPrefix = "FILEGUARD_"

// rate limit counter backends
const (
	BackendWindow = "window"
	BackendBucket = "bucket"
)

type App struct {
	LogJSON           bool
	LogLevel          string
	HTTPPort          int
	AdminPort         int
	EnablePprof       bool
	EnablePyroscope   bool
	EnableTracing     bool
	PyroServer        string
	PyroTenantID      string
	OTLPEndpoint      string
	TraceSample       float64
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int

	DataRoot        string
	MaxUploadBytes  int64
	TrustedHops     int
	IPv6Prefix      int
	RateLimitStore  string
	PolicyFile      string
	PolicySSMParam  string
	MaxVisitors     int
	TransferTimeout time.Duration
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.IntVar(&c.HTTPPort, "http-port", 8080, "listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")

	fs.StringVar(&c.DataRoot, "data-root", "/var/lib/fileguard", "directory uploads are stored under")
	fs.Int64Var(&c.MaxUploadBytes, "max-upload-bytes", 32<<20, "largest accepted upload body in bytes")
	fs.IntVar(&c.TrustedHops, "trusted-proxy-hops", 0, "number of reverse proxies whose X-Forwarded-For entries are trusted (0..16)")
	fs.IntVar(&c.IPv6Prefix, "ipv6-prefix", 0, "fold IPv6 clients into one rate limit key per /N (0 disables, 1..128)")
	fs.StringVar(&c.RateLimitStore, "ratelimit-store", BackendWindow, "rate limit counter backend: window|bucket")
	fs.StringVar(&c.PolicyFile, "ratelimit-policy-file", "", "YAML file with rate limit policy overrides")
	fs.StringVar(&c.PolicySSMParam, "ratelimit-policy-ssm-param", "", "SSM parameter holding YAML rate limit policy overrides")
	fs.IntVar(&c.MaxVisitors, "ratelimit-max-visitors", 100000, "bucket backend: max distinct clients tracked at once")
	fs.DurationVar(&c.TransferTimeout, "transfer-timeout", 5*time.Minute, "read/write timeout for upload and download requests")
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, envVal)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			_ = fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, envVal, err)
			}
		}
	})
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	// Ports
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort))
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
	}
	if c.AdminPort == c.HTTPPort {
		errs = append(errs, fmt.Errorf("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort))
	}

	// Log levels
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}

	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}

	// Pyroscope (URL, scheme and tenant)
	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, fmt.Errorf("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}

	// OTLP tracing (grpc exporter wants host:port, no scheme)
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	if c.IncludeErrorLinks {
		if c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64 {
			errs = append(errs, fmt.Errorf("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks))
		}
	}

	// Storage
	if strings.TrimSpace(c.DataRoot) == "" {
		errs = append(errs, fmt.Errorf("DATA_ROOT is required"))
	}
	if c.MaxUploadBytes < 1 {
		errs = append(errs, fmt.Errorf("invalid MAX_UPLOAD_BYTES %d (must be > 0)", c.MaxUploadBytes))
	}
	if c.TransferTimeout < 0 {
		errs = append(errs, fmt.Errorf("invalid TRANSFER_TIMEOUT %s (must be >= 0)", c.TransferTimeout))
	}

	// Client identity
	if c.TrustedHops < 0 || c.TrustedHops > 16 {
		errs = append(errs, fmt.Errorf("invalid TRUSTED_PROXY_HOPS %d (must be 0..16)", c.TrustedHops))
	}
	if c.IPv6Prefix < 0 || c.IPv6Prefix > 128 {
		errs = append(errs, fmt.Errorf("invalid IPV6_PREFIX %d (must be 0..128)", c.IPv6Prefix))
	}

	// Rate limiting
	switch c.RateLimitStore {
	case BackendWindow:
	case BackendBucket:
		if c.MaxVisitors < 1 {
			errs = append(errs, fmt.Errorf("RATELIMIT_MAX_VISITORS must be > 0 with the bucket store (got %d)", c.MaxVisitors))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid RATELIMIT_STORE %q (must be %s or %s)", c.RateLimitStore, BackendWindow, BackendBucket))
	}
	if c.PolicyFile != "" && c.PolicySSMParam != "" {
		errs = append(errs, fmt.Errorf("RATELIMIT_POLICY_FILE and RATELIMIT_POLICY_SSM_PARAM are mutually exclusive"))
	}
	if c.PolicySSMParam != "" && !strings.HasPrefix(c.PolicySSMParam, "/") {
		errs = append(errs, fmt.Errorf("RATELIMIT_POLICY_SSM_PARAM must be a path starting with / (got %q)", c.PolicySSMParam))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
