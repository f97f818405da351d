package config

import "time"

// ── Default values ───────────────────────────────────────────────────
//
// All tuneable defaults live here so they are easy to audit and reuse
// across CLI flags, config file parsing, and environment variable
// loading.

const (
	// DefaultBindHost listens on every IPv4 interface.
	DefaultBindHost = "0.0.0.0"

	// DefaultConnectTimeout bounds each outbound connect.
	DefaultConnectTimeout = 5 * time.Second

	// DefaultBufferSize is the per-direction read size.
	DefaultBufferSize = 4096

	// MaxBufferSize caps --buffer-size so a typo cannot allocate
	// gigabytes per session.
	MaxBufferSize = 1 << 20

	// DefaultBacklog is the accept queue length passed to listen(2).
	DefaultBacklog = 128

	// DefaultBreakerReset is how long an open circuit waits before
	// probing the remote again.
	DefaultBreakerReset = 30 * time.Second

	// DefaultSSHPort is the standard SSH port.
	DefaultSSHPort = 22

	// DefaultViaAttempts is how many times the SSH gateway is dialed
	// before giving up.
	DefaultViaAttempts = 1

	// DefaultSSHKeepAlive is the interval between gateway keepalives.
	DefaultSSHKeepAlive = 30 * time.Second

	// DefaultVerbose logs lifecycle events at info level.
	DefaultVerbose = 1

	// DefaultLogFormat is the human-readable logrus text format.
	DefaultLogFormat = "text"
)

// Default returns a Config populated with every default value.
func Default() *Config {
	return &Config{
		BindHost:       DefaultBindHost,
		ConnectTimeout: DefaultConnectTimeout,
		BufferSize:     DefaultBufferSize,
		Backlog:        DefaultBacklog,
		BreakerReset:   DefaultBreakerReset,
		ViaAttempts:    DefaultViaAttempts,
		SSHKeepAlive:   DefaultSSHKeepAlive,
		Verbose:        DefaultVerbose,
		LogFormat:      DefaultLogFormat,
	}
}
