package config

// loader.go - configuration loading from environment variables.
//
// Precedence order (highest wins):
//   1. CLI flags  (handled by cmd/root.go)
//   2. Environment variables  (this file)
//   3. Config file  (file.go)
//   4. Defaults   (defaults.go)

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	ncerr "tcpfwd/internal/errors"
)

// ── Environment variable mapping ─────────────────────────────────────
//
// Every supported env var uses the TCPFWD_ prefix.  Boolean values
// accept "1", "true", "yes" (case-insensitive).  Durations accept Go
// syntax ("750ms", "5s") or a bare number of seconds.  An explicit 0
// is honoured where 0 means something (backlog, max sessions, stats,
// breaker, keepalive, verbosity).

// LoadFromEnv overlays environment variables onto cfg.  Only non-empty
// env vars override the existing value.  This should be called BEFORE
// CLI flag parsing so that flags take precedence.  A malformed or out
// of range value is reported as a *errors.ConfigError naming the
// variable; the first one found is returned and cfg keeps the rest.
func LoadFromEnv(cfg *Config) error {
	env := &envLoader{}

	// Forwarding
	env.intVar(&cfg.LocalPort, "TCPFWD_LOCAL_PORT", 1)
	env.stringVar(&cfg.BindHost, "TCPFWD_BIND")
	env.stringVar(&cfg.RemoteHost, "TCPFWD_REMOTE_HOST")
	env.intVar(&cfg.RemotePort, "TCPFWD_REMOTE_PORT", 1)
	env.boolVar(&cfg.NoDNS, "TCPFWD_NO_DNS")

	// Tuning
	env.durationVar(&cfg.ConnectTimeout, "TCPFWD_CONNECT_TIMEOUT", false)
	env.intVar(&cfg.BufferSize, "TCPFWD_BUFFER_SIZE", 1)
	env.intVar(&cfg.Backlog, "TCPFWD_BACKLOG", 0)
	env.intVar(&cfg.MaxSessions, "TCPFWD_MAX_SESSIONS", 0)
	env.durationVar(&cfg.StatsInterval, "TCPFWD_STATS_INTERVAL", true)
	env.intVar(&cfg.BreakerFailures, "TCPFWD_BREAKER_FAILURES", 0)
	env.durationVar(&cfg.BreakerReset, "TCPFWD_BREAKER_RESET", false)

	// SSH gateway
	env.stringVar(&cfg.Via, "TCPFWD_VIA")
	env.intVar(&cfg.ViaAttempts, "TCPFWD_VIA_ATTEMPTS", 1)
	env.stringVar(&cfg.SSHKeyPath, "TCPFWD_SSH_KEY")
	env.boolVar(&cfg.SSHPassword, "TCPFWD_SSH_PASSWORD")
	env.stringVar(&cfg.SSHPass, "TCPFWD_SSHPASS")
	env.boolVar(&cfg.UseSSHAgent, "TCPFWD_SSH_AGENT")
	env.boolVar(&cfg.StrictHostKey, "TCPFWD_STRICT_HOSTKEY")
	env.stringVar(&cfg.KnownHostsPath, "TCPFWD_KNOWN_HOSTS")
	env.durationVar(&cfg.SSHKeepAlive, "TCPFWD_SSH_KEEPALIVE", true)

	// Output
	env.intVar(&cfg.Verbose, "TCPFWD_VERBOSE", 0)
	if v := os.Getenv("TCPFWD_LOG_FORMAT"); v != "" {
		cfg.LogFormat = strings.ToLower(v)
	}
	return env.err
}

// Load builds a Config from defaults, the YAML file at path (skipped
// when path is empty), and the environment, in that order.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := LoadFile(cfg, path); err != nil {
			return nil, err
		}
		cfg.ConfigFile = path
	}
	if err := LoadFromEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ── helpers ──────────────────────────────────────────────────────────

// envLoader applies env vars and keeps the first bad one.
type envLoader struct {
	err error
}

func (l *envLoader) fail(key, value, msg string) {
	if l.err == nil {
		l.err = &ncerr.ConfigError{Field: key, Value: value, Message: msg}
	}
}

func (l *envLoader) stringVar(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func (l *envLoader) boolVar(dst *bool, key string) {
	v := strings.ToLower(os.Getenv(key))
	if v == "1" || v == "true" || v == "yes" {
		*dst = true
	}
}

func (l *envLoader) intVar(dst *int, key string, floor int) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < floor {
		l.fail(key, v, fmt.Sprintf("must be an integer >= %d", floor))
		return
	}
	*dst = n
}

func (l *envLoader) durationVar(dst *time.Duration, key string, zeroOK bool) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	d, err := parseDuration(v)
	switch {
	case err != nil:
		l.fail(key, v, `must be a duration such as "5s" or a number of seconds`)
	case d < 0 || (d == 0 && !zeroOK):
		l.fail(key, v, "out of range")
	default:
		*dst = d
	}
}

// parseDuration accepts "5s"-style durations or whole seconds.
func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, strconv.ErrSyntax
	}
	if sec, err := strconv.Atoi(s); err == nil {
		return secondsDuration(sec), nil
	}
	return time.ParseDuration(s)
}

func secondsDuration(sec int) time.Duration {
	return time.Duration(sec) * time.Second
}
