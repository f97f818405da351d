// Package config defines the runtime configuration for tcpfwd and
// the layers it is assembled from: defaults, an optional YAML file,
// TCPFWD_* environment variables, and finally command-line flags.
package config

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
	"time"

	ncerr "tcpfwd/internal/errors"
	"tcpfwd/util"
)

// Config holds every tuneable for one forwarder.
type Config struct {
	// ── Forwarding ───────────────────────────────────────────────────
	LocalPort  int
	BindHost   string
	RemoteHost string
	RemotePort int
	NoDNS      bool

	// ── Tuning ───────────────────────────────────────────────────────
	ConnectTimeout  time.Duration
	BufferSize      int
	Backlog         int
	MaxSessions     int           // 0 = unbounded
	StatsInterval   time.Duration // 0 = no periodic stats
	BreakerFailures int           // 0 = no circuit breaker
	BreakerReset    time.Duration

	// ── SSH gateway ──────────────────────────────────────────────────
	Via            string // raw [user@]host[:port] from --via
	ViaUser        string
	ViaHost        string
	ViaPort        int
	ViaAttempts    int
	SSHKeyPath     string
	SSHPassword    bool   // true → prompt interactively
	SSHPass        string // non-interactive password (TCPFWD_SSHPASS only)
	UseSSHAgent    bool
	StrictHostKey  bool
	KnownHostsPath string
	SSHKeepAlive   time.Duration

	// ── Output ───────────────────────────────────────────────────────
	Verbose    int
	LogFormat  string // "text" or "json"
	ConfigFile string
	DryRun     bool
}

// LocalAddr is the listen address, "bind:port".
func (c *Config) LocalAddr() string {
	return util.FormatAddr(c.BindHost, c.LocalPort)
}

// RemoteAddr is the fixed outbound endpoint, "host:port".
func (c *Config) RemoteAddr() string {
	return util.FormatAddr(c.RemoteHost, c.RemotePort)
}

// GatewayEnabled reports whether the outbound leg goes through SSH.
func (c *Config) GatewayEnabled() bool { return c.Via != "" }

// ── Port parsing ─────────────────────────────────────────────────────

// ParsePort accepts a decimal port in 1-65535.
func ParsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	if port < 1 || port > 65535 {
		return 0, fmt.Errorf("port %d out of range 1-65535", port)
	}
	return port, nil
}

// ── Gateway-spec parser ──────────────────────────────────────────────

// gatewayRe matches [user@]host[:port].
var gatewayRe = regexp.MustCompile(`^(?:([^@]+)@)?([^:@]+)(?::(\d+))?$`)

// ParseGatewaySpec extracts user, host, and port from a string such as
// "admin@bastion.example.com:2222".  Port defaults to 22.
func ParseGatewaySpec(spec string) (user, host string, port int, err error) {
	m := gatewayRe.FindStringSubmatch(spec)
	if m == nil {
		return "", "", 0, fmt.Errorf("invalid gateway %q; expected [user@]host[:port]", spec)
	}
	user, host, port = m[1], m[2], DefaultSSHPort
	if m[3] != "" {
		port, err = ParsePort(m[3])
		if err != nil {
			return "", "", 0, fmt.Errorf("invalid gateway port %q", m[3])
		}
	}
	return user, host, port, nil
}

// ── Validation ───────────────────────────────────────────────────────

// Validate checks that the configuration is complete and internally
// consistent, and resolves the gateway spec into ViaUser/ViaHost/ViaPort.
// Failures are *errors.ConfigError values with a hint where one helps.
func (c *Config) Validate() error {
	if c.LocalPort < 1 || c.LocalPort > 65535 {
		return &ncerr.ConfigError{
			Field:   "local-port",
			Value:   c.LocalPort,
			Message: "must be in 1-65535",
			Hint:    "usage: tcpfwd [options] <local_port> <remote_host> <remote_port>",
		}
	}
	if c.BindHost == "" {
		return &ncerr.ConfigError{Field: "bind", Message: "must not be empty", Hint: "use 0.0.0.0 for all interfaces"}
	}
	if c.RemoteHost == "" {
		return &ncerr.ConfigError{
			Field:   "remote-host",
			Message: "required",
			Hint:    "usage: tcpfwd [options] <local_port> <remote_host> <remote_port>",
		}
	}
	if c.RemotePort < 1 || c.RemotePort > 65535 {
		return &ncerr.ConfigError{Field: "remote-port", Value: c.RemotePort, Message: "must be in 1-65535"}
	}
	if c.NoDNS && net.ParseIP(c.RemoteHost) == nil {
		return &ncerr.ConfigError{
			Field:   "remote-host",
			Value:   c.RemoteHost,
			Message: "is not an IP address and DNS is disabled",
			Hint:    "drop -n or pass a numeric address",
		}
	}

	if c.ConnectTimeout <= 0 {
		return &ncerr.ConfigError{Field: "connect-timeout", Value: c.ConnectTimeout, Message: "must be positive"}
	}
	if c.BufferSize < 1 || c.BufferSize > MaxBufferSize {
		return &ncerr.ConfigError{
			Field:   "buffer-size",
			Value:   c.BufferSize,
			Message: fmt.Sprintf("must be in 1-%d", MaxBufferSize),
			Hint:    fmt.Sprintf("the default is %d", DefaultBufferSize),
		}
	}
	if c.Backlog < 0 {
		return &ncerr.ConfigError{Field: "backlog", Value: c.Backlog, Message: "must not be negative", Hint: "0 keeps the system default"}
	}
	if c.MaxSessions < 0 {
		return &ncerr.ConfigError{Field: "max-sessions", Value: c.MaxSessions, Message: "must not be negative", Hint: "0 means unbounded"}
	}
	if c.StatsInterval < 0 {
		return &ncerr.ConfigError{Field: "stats-interval", Value: c.StatsInterval, Message: "must not be negative"}
	}
	if c.BreakerFailures < 0 {
		return &ncerr.ConfigError{Field: "breaker-failures", Value: c.BreakerFailures, Message: "must not be negative", Hint: "0 disables the circuit breaker"}
	}
	if c.BreakerFailures > 0 && c.BreakerReset <= 0 {
		return &ncerr.ConfigError{Field: "breaker-reset", Value: c.BreakerReset, Message: "must be positive when the breaker is enabled"}
	}

	if c.Via != "" {
		user, host, port, err := ParseGatewaySpec(c.Via)
		if err != nil {
			return &ncerr.ConfigError{Field: "via", Value: c.Via, Message: err.Error()}
		}
		c.ViaUser, c.ViaHost, c.ViaPort = user, host, port
		if c.ViaUser == "" {
			return &ncerr.ConfigError{
				Field:   "via",
				Value:   c.Via,
				Message: "gateway user is required",
				Hint:    "write it as user@host[:port]",
			}
		}
		if c.ViaAttempts < 1 {
			return &ncerr.ConfigError{Field: "via-attempts", Value: c.ViaAttempts, Message: "must be at least 1"}
		}
		if c.SSHKeepAlive < 0 {
			return &ncerr.ConfigError{Field: "ssh-keepalive", Value: c.SSHKeepAlive, Message: "must not be negative", Hint: "0 disables keepalives"}
		}
	}

	if c.LogFormat != "text" && c.LogFormat != "json" {
		return &ncerr.ConfigError{Field: "log-format", Value: c.LogFormat, Message: `must be "text" or "json"`}
	}
	return nil
}
