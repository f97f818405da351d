package core

import (
	"context"
	"errors"

	"tcpfwd/config"
	"tcpfwd/internal/events"
	"tcpfwd/internal/metrics"
	"tcpfwd/internal/retry"
	"tcpfwd/internal/transport"
	"tcpfwd/tunnel"
	"tcpfwd/util"
)

// Build constructs a Forwarder from a validated configuration.  Its
// events go to a logrus sink on logger and to a fresh metrics
// collector, which is also returned on the Forwarder.
func Build(cfg *config.Config, logger *util.Logger) (*Forwarder, error) {
	remote, err := util.ResolveAddr(cfg.RemoteHost, cfg.RemotePort, cfg.NoDNS)
	if err != nil {
		return nil, err
	}

	collector := metrics.New()
	return &Forwarder{
		Address:        cfg.LocalAddr(),
		Remote:         remote,
		Backlog:        cfg.Backlog,
		Dialer:         buildDialer(cfg, logger),
		ConnectTimeout: cfg.ConnectTimeout,
		BufSize:        cfg.BufferSize,
		MaxSessions:    cfg.MaxSessions,
		StatsInterval:  cfg.StatsInterval,
		Sink:           events.Multi(events.NewLogSink(logger.Logrus()), collector),
		Metrics:        collector,
		Logger:         logger,
	}, nil
}

// ── dialer stack ─────────────────────────────────────────────────────

// buildDialer picks the outbound transport and wraps it in a circuit
// breaker when one is configured.
func buildDialer(cfg *config.Config, logger *util.Logger) transport.Dialer {
	var d transport.Dialer = &transport.TCPDialer{Timeout: cfg.ConnectTimeout}
	if cfg.GatewayEnabled() {
		d = transport.NewSSHDialer(sshConfig(cfg), cfg.ViaAttempts, logger)
	}

	if cfg.BreakerFailures > 0 {
		d = &transport.BreakerDialer{
			Dialer: d,
			Breaker: retry.NewCircuitBreaker(&retry.CircuitBreakerConfig{
				MaxFailures:  cfg.BreakerFailures,
				ResetTimeout: cfg.BreakerReset,
				Probes:       1,
				OnStateChange: func(from, to retry.State) {
					logger.Warn("circuit to %s: %s -> %s", cfg.RemoteAddr(), from, to)
				},
				// A dial abandoned by shutdown or Close says nothing
				// about the remote.
				IsFailure: func(err error) bool {
					return !errors.Is(err, context.Canceled)
				},
			}),
		}
	}
	return d
}

func sshConfig(cfg *config.Config) *tunnel.SSHConfig {
	return &tunnel.SSHConfig{
		User:          cfg.ViaUser,
		Host:          cfg.ViaHost,
		Port:          cfg.ViaPort,
		KeyPath:       cfg.SSHKeyPath,
		Password:      cfg.SSHPass,
		PromptPass:    cfg.SSHPassword,
		UseAgent:      cfg.UseSSHAgent,
		StrictHostKey: cfg.StrictHostKey,
		KnownHosts:    cfg.KnownHostsPath,
		ConnTimeout:   cfg.ConnectTimeout,
		KeepAlive:     cfg.SSHKeepAlive,
	}
}
