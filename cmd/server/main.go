package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/fileguard/internal/cfg"
	"github.com/keithlinneman/fileguard/internal/filehttp"
	"github.com/keithlinneman/fileguard/internal/filestore"
	"github.com/keithlinneman/fileguard/internal/health"
	"github.com/keithlinneman/fileguard/internal/httpmw"
	"github.com/keithlinneman/fileguard/internal/httpserver"
	"github.com/keithlinneman/fileguard/internal/log"
	"github.com/keithlinneman/fileguard/internal/metrics"
	"github.com/keithlinneman/fileguard/internal/opshttp"
	"github.com/keithlinneman/fileguard/internal/otelx"
	"github.com/keithlinneman/fileguard/internal/prof"
	"github.com/keithlinneman/fileguard/internal/ratelimit"
	v "github.com/keithlinneman/fileguard/internal/version"
)

const (
	component   = "server"
	drainPeriod = 30 * time.Second
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf(
			"%s %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			v.AppName, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		os.Exit(0)
	}

	cfg.FillFromEnv(flag.CommandLine, cfg.EnvPrefix, func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	// Validate already checked both levels
	lvl, _ := log.ParseLevel(conf.LogLevel)
	stackLvl, _ := log.ParseLevel(conf.StacktraceLevel)
	lg, err := log.New(log.Options{
		App:               v.AppName,
		Version:           vi.Version,
		Level:             lvl,
		StacktraceLevel:   stackLvl,
		JSON:              conf.LogJSON,
		MaxErrorLinks:     conf.MaxErrorLinks,
		IncludeErrorLinks: conf.IncludeErrorLinks,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	defer lg.Sync()
	L := lg.With("component", component)
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application", append(vi.LogFields(),
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"otlp_endpoint", conf.OTLPEndpoint,
		"trace_sample", conf.TraceSample,
		"data_root", conf.DataRoot,
		"max_upload_bytes", conf.MaxUploadBytes,
		"trusted_proxy_hops", conf.TrustedHops,
		"ipv6_prefix", conf.IPv6Prefix,
		"ratelimit_store", conf.RateLimitStore,
		"ratelimit_policy_file", conf.PolicyFile,
		"ratelimit_policy_ssm_param", conf.PolicySSMParam,
	)...)

	m := metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, component, vi)

	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.AppName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags:          prof.DefaultTags(vi.Version, component),
		OnActive:      m.SetProfilingActive,
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	defer stopProf()

	// Insecure is true because we only export to a collector on localhost
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   v.AppName,
		Component: component,
		Version:   vi.Version,
		Logger:    L,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
		shutdownOTEL = func(context.Context) error { return nil }
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	// rate limit policies, built once and injected
	var src overrideSource
	switch {
	case conf.PolicyFile != "":
		src = fileSource(conf.PolicyFile)
	case conf.PolicySSMParam != "":
		awsCfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			L.Error(ctx, err, "failed to load AWS config")
			os.Exit(1)
		}
		src = ratelimit.SSMSource{Client: ssm.NewFromConfig(awsCfg), Param: conf.PolicySSMParam}
	}
	table, err := policyTable(ctx, src)
	if err != nil {
		L.Error(ctx, err, "invalid rate limit policy")
		os.Exit(1)
	}
	for _, p := range table.Policies() {
		m.SetRateLimitPolicy(string(p.Category), p.Window.String(), p.Max)
		L.Info(ctx, "rate limit policy", "category", p.Category, "window", p.Window, "max", p.Max)
	}

	checker := newChecker(ctx, L, conf, table, checkerHooks{OnCapacity: m.IncRateLimitCapacity})
	guard, err := ratelimit.NewGuard(ratelimit.GuardOptions{
		Table:   table,
		Checker: checker,
		Logger:  L,
		OnDenied: func(c ratelimit.Category) {
			m.IncRateLimitDenied(string(c))
		},
		OnBackendError: func(c ratelimit.Category) {
			m.IncRateLimitBackendError(string(c))
		},
	})
	if err != nil {
		L.Error(ctx, err, "failed to create rate limit guard")
		os.Exit(1)
	}

	store, err := filestore.New(filestore.Options{
		Root:    conf.DataRoot,
		Logger:  L,
		Metrics: m,
	})
	if err != nil {
		L.Error(ctx, err, "failed to open data root", "data_root", conf.DataRoot)
		os.Exit(1)
	}

	api, err := filehttp.NewAPI(filehttp.Options{
		Store:          store,
		Limiter:        guard,
		Logger:         L,
		MaxUploadBytes: conf.MaxUploadBytes,
	})
	if err != nil {
		L.Error(ctx, err, "failed to create file API")
		os.Exit(1)
	}

	var gate health.ShutdownGate

	// ready only while not draining and the data root is writable; the root
	// check writes to disk, so it is served on the ops listener only
	readiness := health.All(
		gate.Probe(),
		health.Named("data root", store.Probe()),
	)
	liveness := health.Fixed(true, "")

	appHTTPStop, err := httpserver.Start(ctx, &httpserver.Options{
		Logger:          L,
		Port:            conf.HTTPPort,
		UseRecoverMW:    true,
		OnPanic:         m.IncHttpPanic,
		MetricsMW:       m.Middleware,
		ClientIPOpts:    httpmw.ClientIPOptions{TrustedHops: conf.TrustedHops, IPv6Prefix: conf.IPv6Prefix},
		APIRoutes:       api.RegisterRoutes,
		MaxBodyBytes:    conf.MaxUploadBytes,
		TransferTimeout: conf.TransferTimeout,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start app http listener")
		os.Exit(1)
	}
	defer func() { _ = appHTTPStop(context.Background()) }()

	// metrics, health and pprof; public peers are refused in middleware in
	// case the listener is ever exposed by mistake
	opsHTTPStop, err := opshttp.Start(ctx, L, &opshttp.Options{
		Port:         conf.AdminPort,
		Metrics:      m.Handler(),
		EnablePprof:  conf.EnablePprof,
		Health:       liveness,
		Readiness:    readiness,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		os.Exit(1)
	}
	defer func() { _ = opsHTTPStop(context.Background()) }()

	if err := notifySystemd(); err != nil {
		// worst case systemd kills the process after its start timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	<-ctx.Done()
	stop()
	L.Info(context.Background(), "shutdown signal received")

	// fail readiness so the load balancer stops sending new requests
	gate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed, draining", "period", drainPeriod)

	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(drainPeriod):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := appHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "app http server shutdown")
	}
	if err := opsHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "ops http server shutdown")
	}
	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "otel shutdown")
	}
	stopProf()

	L.Info(context.Background(), "shutdown complete")
}

func notifySystemd() error {
	// set by systemd for Type=notify units
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		_ = conn.Close()
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	if err := conn.Close(); err != nil {
		return fmt.Errorf("systemd notify failed: close failed: %w", err)
	}
	return nil
}
