package cfg

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"testing"
)

func wantErrContains(t *testing.T, err error, sub string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error containing %q, got <nil>", sub)
	}
	if !strings.Contains(err.Error(), sub) {
		t.Fatalf("error %q does not contain %q", err.Error(), sub)
	}
}

// newTestConfig registers flags on a fresh FlagSet, parses the given args,
// and returns the resulting App. This isolates each test from flag.CommandLine.
func newTestConfig(t *testing.T, args []string) App {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var c App
	Register(fs, &c)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("flag parse: %v", err)
	}
	return c
}

func TestRegister_Defaults(t *testing.T) {
	c := newTestConfig(t, nil)

	if !c.LogJSON {
		t.Error("LogJSON: want true")
	}
	if c.LogLevel != "info" {
		t.Errorf("LogLevel: want %q, got %q", "info", c.LogLevel)
	}
	if c.HTTPPort != 8080 {
		t.Errorf("HTTPPort: want 8080, got %d", c.HTTPPort)
	}
	if c.AdminPort != 9000 {
		t.Errorf("AdminPort: want 9000, got %d", c.AdminPort)
	}
	if c.RatePerMinute != 10 {
		t.Errorf("RatePerMinute: want 10, got %d", c.RatePerMinute)
	}
	if c.RatePerHour != 100 {
		t.Errorf("RatePerHour: want 100, got %d", c.RatePerHour)
	}
	if c.DataFile != "requests.xlsx" {
		t.Errorf("DataFile: want requests.xlsx, got %q", c.DataFile)
	}
	if c.LockPort != 8765 {
		t.Errorf("LockPort: want 8765, got %d", c.LockPort)
	}
	if c.BackupS3Bucket != "" {
		t.Errorf("BackupS3Bucket: want empty, got %q", c.BackupS3Bucket)
	}
}

func TestValidate_DefaultsPass(t *testing.T) {
	c := newTestConfig(t, nil)
	if err := Validate(c); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestValidate_PortChecks(t *testing.T) {
	c := newTestConfig(t, nil)
	c.HTTPPort = 0
	wantErrContains(t, Validate(c), "HTTP_PORT")

	c = newTestConfig(t, nil)
	c.AdminPort = c.HTTPPort
	wantErrContains(t, Validate(c), "must differ")

	c = newTestConfig(t, nil)
	c.LockPort = 70000
	wantErrContains(t, Validate(c), "LOCK_PORT")
}

func TestValidate_RateThresholds(t *testing.T) {
	c := newTestConfig(t, nil)
	c.RatePerMinute = 0
	wantErrContains(t, Validate(c), "RATE_PER_MINUTE")

	c = newTestConfig(t, nil)
	c.RatePerHour = -5
	wantErrContains(t, Validate(c), "RATE_PER_HOUR")

	c = newTestConfig(t, nil)
	c.RatePerMinute = 50
	c.RatePerHour = 10
	wantErrContains(t, Validate(c), "must be >= RATE_PER_MINUTE")
}

func TestValidate_DataFileRequired(t *testing.T) {
	c := newTestConfig(t, nil)
	c.DataFile = ""
	wantErrContains(t, Validate(c), "DATA_FILE")
}

func TestValidate_PyroscopeRequirements(t *testing.T) {
	c := newTestConfig(t, nil)
	c.EnablePyroscope = true
	err := Validate(c)
	wantErrContains(t, err, "PYRO_SERVER")
	wantErrContains(t, err, "PYRO_TENANT")

	c.PyroServer = "not a url"
	wantErrContains(t, Validate(c), "must be a URL")
}

func TestValidate_TracingRequirements(t *testing.T) {
	c := newTestConfig(t, nil)
	c.EnableTracing = true
	wantErrContains(t, Validate(c), "OTLP_ENDPOINT")

	c.OTLPEndpoint = "http://collector:4317"
	wantErrContains(t, Validate(c), "host:port")

	c.OTLPEndpoint = "collector:4317"
	if err := Validate(c); err != nil {
		t.Fatalf("valid endpoint rejected: %v", err)
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	c := newTestConfig(t, nil)
	c.HTTPPort = 0
	c.RatePerMinute = 0
	c.LogLevel = "loud"

	err := Validate(c)
	wantErrContains(t, err, "HTTP_PORT")
	wantErrContains(t, err, "RATE_PER_MINUTE")
	wantErrContains(t, err, "LOG_LEVEL")
}

func TestFillFromEnv_Precedence(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var c App
	Register(fs, &c)

	// cli beats env, env beats default
	if err := fs.Parse([]string{"-rate-per-minute", "7"}); err != nil {
		t.Fatalf("parse: %v", err)
	}
	os.Setenv("BOTOPS_RATE_PER_MINUTE", "3")
	os.Setenv("BOTOPS_RATE_PER_HOUR", "55")
	defer os.Unsetenv("BOTOPS_RATE_PER_MINUTE")
	defer os.Unsetenv("BOTOPS_RATE_PER_HOUR")

	FillFromEnv(fs, "BOTOPS_", nil)

	if c.RatePerMinute != 7 {
		t.Errorf("RatePerMinute = %d, want 7 (cli wins)", c.RatePerMinute)
	}
	if c.RatePerHour != 55 {
		t.Errorf("RatePerHour = %d, want 55 (env wins)", c.RatePerHour)
	}
	if c.HTTPPort != 8080 {
		t.Errorf("HTTPPort = %d, want default 8080", c.HTTPPort)
	}
}

func TestFillFromEnv_InvalidValueIgnored(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var c App
	Register(fs, &c)
	if err := fs.Parse(nil); err != nil {
		t.Fatalf("parse: %v", err)
	}

	os.Setenv("BOTOPS_HTTP_PORT", "not-a-number")
	defer os.Unsetenv("BOTOPS_HTTP_PORT")

	var logged []string
	FillFromEnv(fs, "BOTOPS_", func(format string, args ...any) {
		logged = append(logged, fmt.Sprintf(format, args...))
	})

	if c.HTTPPort != 8080 {
		t.Errorf("HTTPPort = %d, want default retained", c.HTTPPort)
	}
	if len(logged) != 1 || !strings.Contains(logged[0], "ignoring invalid env") {
		t.Errorf("logged = %v", logged)
	}
}

func TestCleanEnvValue(t *testing.T) {
	cases := []struct {
		name, in, want string
	}{
		{"bot-token", "abc123", "abc123"},
		{"bot-token", `"abc123"`, "abc123"},
		{"bot-token", "  'abc123' ", "abc123"},
		{"bot-token", "BOT_TOKEN=abc123", "abc123"},
		{"bot-token", "=abc123", "abc123"},
	}
	for _, tc := range cases {
		if got := cleanEnvValue(tc.name, tc.in); got != tc.want {
			t.Errorf("cleanEnvValue(%q, %q) = %q, want %q", tc.name, tc.in, got, tc.want)
		}
	}
}
