package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"

	"github.com/hefzhail/botops/internal/log"
)

type App struct {
	LogJSON         bool
	LogLevel        string
	StacktraceLevel string
	LogFile         string

	HTTPPort  int
	AdminPort int

	EnablePprof     bool
	EnablePyroscope bool
	EnableTracing   bool
	PyroServer      string
	PyroTenantID    string
	OTLPEndpoint    string
	TraceSample     float64

	// admission thresholds for the per-identity rate limiter
	RatePerMinute int
	RatePerHour   int

	// message log location; sibling .csv is the fallback format
	DataFile string

	// local TCP port held for the single-instance lock
	LockPort int

	// Telegram credentials: explicit token wins, otherwise fetched from
	// the SSM parameter when one is configured
	BotToken      string
	TokenSSMParam string

	// S3 destination for backup uploads; empty disables the uploader
	BackupS3Bucket string
	BackupS3Prefix string
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.StringVar(&c.LogFile, "log-file", "", "also mirror logs to this file (enables the dashboard logs tab)")
	fs.IntVar(&c.HTTPPort, "http-port", 8080, "dashboard listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
	fs.IntVar(&c.RatePerMinute, "rate-per-minute", 10, "max requests per identity per rolling minute")
	fs.IntVar(&c.RatePerHour, "rate-per-hour", 100, "max requests per identity per rolling hour")
	fs.StringVar(&c.DataFile, "data-file", "requests.xlsx", "spreadsheet holding the message log")
	fs.IntVar(&c.LockPort, "lock-port", 8765, "local TCP port held to prevent a second instance (0 disables)")
	fs.StringVar(&c.BotToken, "bot-token", "", "Telegram bot token")
	fs.StringVar(&c.TokenSSMParam, "token-ssm-param", "", "SSM parameter to read the bot token from when -bot-token is unset")
	fs.StringVar(&c.BackupS3Bucket, "backup-s3-bucket", "", "s3 bucket for backup uploads (empty disables)")
	fs.StringVar(&c.BackupS3Prefix, "backup-s3-prefix", "botops/backups", "s3 prefix (key) for backup uploads")
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
		if err := fs.Set(f.Name, cleanEnvValue(f.Name, envVal)); err != nil {
			fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, envVal, err)
			}
		}
	})
}

// cleanEnvValue normalizes common .env mistakes: surrounding quotes,
// whitespace, and accidental NAME=value prefixes.
func cleanEnvValue(name, v string) string {
	v = strings.TrimSpace(v)
	v = strings.Trim(v, `"'`)
	upper := strings.ReplaceAll(strings.ToUpper(name), "-", "_")
	if rest, ok := strings.CutPrefix(v, upper+"="); ok {
		v = strings.TrimSpace(rest)
	}
	if rest, ok := strings.CutPrefix(v, "="); ok {
		v = strings.TrimSpace(rest)
	}
	return v
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
	if c.LockPort < 0 || c.LockPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid LOCK_PORT %d (must be 0..65535)", c.LockPort))
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

	// Rate limits: two positive thresholds, hourly at least the per-minute
	if c.RatePerMinute < 1 {
		errs = append(errs, fmt.Errorf("RATE_PER_MINUTE must be positive (got %d)", c.RatePerMinute))
	}
	if c.RatePerHour < 1 {
		errs = append(errs, fmt.Errorf("RATE_PER_HOUR must be positive (got %d)", c.RatePerHour))
	}
	if c.RatePerMinute >= 1 && c.RatePerHour >= 1 && c.RatePerHour < c.RatePerMinute {
		errs = append(errs, fmt.Errorf("RATE_PER_HOUR (%d) must be >= RATE_PER_MINUTE (%d)", c.RatePerHour, c.RatePerMinute))
	}

	// Storage
	if c.DataFile == "" {
		errs = append(errs, fmt.Errorf("DATA_FILE is required"))
	}

	// Tracing sample
	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}

	// Pyroscope (URL, scheme, tenant)
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

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
