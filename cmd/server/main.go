package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hefzhail/botops/internal/ai"
	"github.com/hefzhail/botops/internal/backup"
	"github.com/hefzhail/botops/internal/bot"
	"github.com/hefzhail/botops/internal/cfg"
	"github.com/hefzhail/botops/internal/dashboard"
	"github.com/hefzhail/botops/internal/opshttp"
	"github.com/hefzhail/botops/internal/probe"
	"github.com/hefzhail/botops/internal/ratelimit"
	"github.com/hefzhail/botops/internal/secrets"
	"github.com/hefzhail/botops/internal/storage"
	"github.com/hefzhail/botops/internal/webassets"

	"github.com/hefzhail/botops/internal/httpserver"
	"github.com/hefzhail/botops/internal/log"
	"github.com/hefzhail/botops/internal/metrics"
	"github.com/hefzhail/botops/internal/otelx"
	"github.com/hefzhail/botops/internal/prof"
	v "github.com/hefzhail/botops/internal/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Get build/version info
	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	// Parse config from flags and env
	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf(
			"%s %s (commit=%s, build_date=%s, go=%s, dirty=%v)\n",
			v.AppName, vi.Version, vi.Commit, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		os.Exit(0)
	}

	// Fill in config from environment variables with prefix BOTOPS_ and validate
	cfg.FillFromEnv(flag.CommandLine, "BOTOPS_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	// validate config
	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	// Setup logging
	lvl, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %s: %v\n", conf.LogLevel, err)
		os.Exit(1)
	}
	stLvl, err := log.ParseLevel(conf.StacktraceLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid stacktrace level %s: %v\n", conf.StacktraceLevel, err)
		os.Exit(1)
	}

	// mirror logs to a file when configured so the dashboard logs tab has
	// something to tail
	var logWriter io.Writer = os.Stderr
	if conf.LogFile != "" {
		f, err := os.OpenFile(conf.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "cannot open log file %s: %v\n", conf.LogFile, err)
			os.Exit(1)
		}
		defer f.Close()
		logWriter = io.MultiWriter(os.Stderr, f)
	}

	lg, err := log.New(log.Options{
		App:             v.AppName,
		Level:           lvl,
		StacktraceLevel: stLvl,
		JsonFormat:      conf.LogJSON,
		Writer:          logWriter,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	// no-op for slog/stderr, but here if we swap backends in the future to ensure any buffered logs are flushed on shutdown
	defer lg.Sync()
	L := lg.With("component", "server")
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"otlp_endpoint", conf.OTLPEndpoint,
		"pyro_server", conf.PyroServer,
		"pyro_tenant", conf.PyroTenantID,
		"trace_sample", conf.TraceSample,
		"rate_per_minute", conf.RatePerMinute,
		"rate_per_hour", conf.RatePerHour,
		"data_file", conf.DataFile,
		"lock_port", conf.LockPort,
		"token_ssm_param", conf.TokenSSMParam,
		"backup_s3_bucket", conf.BackupS3Bucket,
		"backup_s3_prefix", conf.BackupS3Prefix,
	)

	// Setup pyroscope profiling
	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.AppName,
		AuthToken:     "",
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"app":       v.AppName,
			"component": "server",
			"version":   vi.Version,
			"commit":    vi.Commit,
			"source":    "go-agent",
		},
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	defer func() { stopProf() }()

	// Setup otel for tracing
	// Insecure is true because we are only writing to a collector on localhost
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   v.AppName,
		Component: "server",
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	// Setup metrics / admin listener
	var m *metrics.ServerMetrics = metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, "server", vi)

	// single-instance lock: a second copy of the process would corrupt the
	// spreadsheet and double-answer users, so refuse to start
	if conf.LockPort > 0 {
		lock, err := bot.AcquireInstanceLock(conf.LockPort)
		if err != nil {
			L.Error(ctx, err, "another instance appears to be running", "lock_port", conf.LockPort)
			os.Exit(1)
		}
		defer lock.Release()
		L.Info(ctx, "instance lock acquired", "addr", lock.Addr())
	}

	// resolve the bot token and clear any stale webhook registration so
	// polling starts clean. Both are best-effort: the dashboard works
	// without a token, the bot transport just stays offline.
	if token := resolveToken(ctx, L, conf); token != "" {
		cleaner := bot.NewWebhookCleaner(&http.Client{Timeout: 10 * time.Second}, bot.DefaultTelegramAPI)
		if err := cleaner.DeleteWebhook(ctx, token, true); err != nil {
			L.Warn(ctx, "webhook cleanup failed", "error", err)
		} else {
			L.Info(ctx, "stale webhook cleared, pending updates dropped")
		}
	}

	// open the message log; xlsx first, sibling CSV when the workbook is
	// unreadable
	store, err := storage.Open(ctx, storage.Options{
		Logger: L,
		Path:   conf.DataFile,
		OnFallback: func() {
			m.IncStorageFallback()
			L.Warn(ctx, "spreadsheet unreadable, storage downgraded to CSV")
		},
		OnError: m.IncStorageError,
	})
	if err != nil {
		L.Error(ctx, err, "failed to open message log", "data_file", conf.DataFile)
		os.Exit(1)
	}
	L.Info(ctx, "message log open", "format", store.DataFormat(), "file", store.DataFile())

	// per-user admission limiter for incoming messages
	limiter := ratelimit.New(ctx,
		ratelimit.WithLimits(conf.RatePerMinute, conf.RatePerHour),
		// increment prometheus counter on each denied request
		ratelimit.WithOnDenied(func(identity string, window ratelimit.Window) {
			m.IncRateLimitDenied(string(window))
		}),
		// only log the first time an identity is denied each time it is cleaned from the table
		ratelimit.WithOnFirstDenied(func(identity string) {
			L.Warn(ctx, "rate limit triggered", "identity", identity)
		}),
		ratelimit.WithOnCapacity(func() {
			m.IncRateLimitCapacity()
			L.Warn(ctx, "rate limit capacity reached, rejecting new identities until some are evicted")
		}),
	)

	// separate limiter for the dashboard HTTP surface, keyed by client IP.
	// Generous budget: the UI polls several endpoints per refresh and must
	// not compete with the bot's per-user message budget.
	httpLimiter := ratelimit.New(ctx,
		ratelimit.WithLimits(300, 5000),
		ratelimit.WithOnDenied(func(identity string, window ratelimit.Window) {
			m.IncRateLimitDenied(string(window))
		}),
		ratelimit.WithOnFirstDenied(func(ip string) {
			L.Warn(ctx, "dashboard rate limit triggered", "ip", ip)
		}),
		ratelimit.WithOnCapacity(m.IncRateLimitCapacity),
	)

	// message pipeline: limiter, intent classifier, canned AI responder,
	// spreadsheet append
	processor, err := bot.NewProcessor(bot.Options{
		Logger:    L,
		Limiter:   limiter,
		Responder: ai.NewDummy(),
		Store:     store,
		OnStored:  m.IncMessageStored,
		OnReply:   m.IncAIReply,
	})
	if err != nil {
		L.Error(ctx, err, "failed to build message processor")
		os.Exit(1)
	}

	// S3 uploader for backup snapshots, only when a bucket is configured
	var uploader *backup.Uploader
	if conf.BackupS3Bucket != "" {
		uploader, err = backup.NewUploader(ctx, backup.UploaderOptions{
			Logger: L,
			Bucket: conf.BackupS3Bucket,
			Prefix: conf.BackupS3Prefix,
		})
		if err != nil {
			// backups fall back to local copies only
			L.Error(ctx, err, "failed to build S3 uploader, backups stay local")
			uploader = nil
		}
	}

	api, err := dashboard.NewAPI(dashboard.Options{
		Logger:        L,
		Store:         store,
		Processor:     processor,
		Limiter:       limiter,
		Uploader:      uploader,
		LogFile:       conf.LogFile,
		RatePerMinute: conf.RatePerMinute,
		RatePerHour:   conf.RatePerHour,
		OnAdminOp:     m.IncAdminOp,
	})
	if err != nil {
		L.Error(ctx, err, "failed to build dashboard API")
		os.Exit(1)
	}

	// setup toggle for server shutdown
	var gate probe.ShutdownGate

	// readiness is the shutdown gate only: storage and the limiter have no
	// meaningful degraded state once startup succeeded
	readiness := probe.Multi(gate.Probe())

	// start dashboard http server
	dashHTTPStop, err := httpserver.Start(
		ctx,
		httpserver.Options{
			Port:      conf.HTTPPort,
			Health:    probe.Static(true, ""),
			Readiness: readiness,
			RegisterRoutes: func(r chi.Router) {
				api.RegisterRoutes(r)
				dashboard.RegisterUI(r, webassets.DashboardFS())
			},
			UseRecoverMW: true,
			OnPanic:      m.IncHttpPanic,
			MetricsMW:    m.Middleware,
			RateLimitMW:  httpLimiter.Middleware,
			Logger:       L,
			DataInfo:     store, // feeds the X-Data-Format / X-Data-File headers
		},
	)
	if err != nil {
		L.Error(ctx, err, "failed to start dashboard http listener")
		os.Exit(1)
	}
	defer func() { _ = dashHTTPStop(context.Background()) }()

	// start admin/ops listener to serve metrics, health checks, pprof and any future admin APIs
	// sg restricts inbound to internal monitoring infrastructure
	// we reject connections from public ips in middleware to prevent
	// accidental exposure if sg is misconfigured
	opsHTTPStop, err := opshttp.Start(ctx, L, &opshttp.Options{
		Port:         conf.AdminPort,
		Metrics:      m.Handler(),
		EnablePprof:  conf.EnablePprof,
		Health:       probe.Static(true, ""),
		Readiness:    readiness,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		os.Exit(1)
	}
	defer func() { _ = opsHTTPStop(context.Background()) }()

	// notify systemd that we started successfully if started under systemd
	if err := notifySystemd(); err != nil {
		// log and dont exit, worst case systemd will kill the process after timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	// block until signal so we dont exit
	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	// wait for ctrl+c / sigterm
	<-sigCtx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	L.Info(context.Background(), "shutdown signal received")

	// fail readiness to drain connections
	gate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed")

	// short drain: this sits behind no load balancer, we only need
	// in-flight dashboard requests and a mid-append spreadsheet write
	L.Info(context.Background(), "sleeping 10s for in-flight requests to drain")
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(10 * time.Second):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	if err := dashHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "dashboard http server shutdown")
	}

	if err := opsHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "ops http server shutdown")
	}

	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "otel shutdown")
	}

	stopProf()

	L.Info(context.Background(), "shutdown complete")
	os.Exit(0)
}

// resolveToken returns the bot token or "" when none is configured or the
// SSM fetch fails. Failure is non-fatal, the process runs dashboard-only.
func resolveToken(ctx context.Context, L log.Logger, conf cfg.App) string {
	if conf.BotToken == "" && conf.TokenSSMParam == "" {
		L.Info(ctx, "no bot token configured, skipping webhook cleanup")
		return ""
	}
	src, err := secrets.NewTokenSource(secrets.TokenSourceOptions{
		Logger:   L,
		Token:    conf.BotToken,
		SSMParam: conf.TokenSSMParam,
	})
	if err != nil {
		L.Error(ctx, err, "token source init failed")
		return ""
	}
	token, err := src.Resolve(ctx)
	if err != nil {
		L.Error(ctx, err, "bot token resolution failed, continuing without bot transport")
		return ""
	}
	return token
}

func notifySystemd() error {
	// systemd will set NOTIFY_SOCKET to a unix socket path if we were started under systemd with type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	conn.Write([]byte("READY=1"))
	if err := conn.Close(); err != nil {
		return fmt.Errorf("systemd notify failed: close failed: %w", err)
	}
	return nil
}
