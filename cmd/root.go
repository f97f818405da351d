// Package cmd wires up the CLI flags and starts the forwarder.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	flag "github.com/spf13/pflag"

	"tcpfwd/config"
	"tcpfwd/internal/core"
	"tcpfwd/util"
)

// version is overridable at link time:
//
//	go build -ldflags "-X tcpfwd/cmd.version=1.1.0"
var version = "1.0.0" //nolint:gochecknoglobals

const usageLine = "tcpfwd [options] <local_port> <remote_host> <remote_port>"

// errUsage is returned when no arguments are given at all.
var errUsage = errors.New("missing arguments (use --help for usage)")

// Execute parses args and runs the forwarder until ctx is cancelled.
func Execute(ctx context.Context, args []string) error {
	return run(ctx, args, os.Stdout, os.Stderr)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		printUsage(stderr, newFlagSet(config.Default(), &cliFlags{}))
		return errUsage
	}

	// ── config file + environment ────────────────────────────────
	cfg, err := config.Load(configPath(args))
	if err != nil {
		return err
	}

	// ── flags (defaults are the file/env values) ─────────────────
	var cli cliFlags
	fs := newFlagSet(cfg, &cli)
	fs.SetOutput(stderr)
	fs.Usage = func() { printUsage(stderr, fs) }

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}

	if cli.help {
		printUsage(stdout, fs)
		return nil
	}
	if cli.version {
		fmt.Fprintf(stdout, "tcpfwd %s\n", version)
		return nil
	}

	switch {
	case cli.quiet:
		cfg.Verbose = 0
	case fs.Changed("verbose"):
		cfg.Verbose = config.DefaultVerbose + cli.verbose
	}

	// ── positional arguments ─────────────────────────────────────
	if err := parsePositional(cfg, fs.Args()); err != nil {
		printUsage(stderr, fs)
		return err
	}

	// ── validate ─────────────────────────────────────────────────
	if err := cfg.Validate(); err != nil {
		return err
	}

	if cfg.DryRun {
		printPlan(stdout, cfg)
		return nil
	}

	// ── build components ─────────────────────────────────────────
	logger := util.NewLogger(cfg.Verbose)
	logger.SetJSON(cfg.LogFormat == "json")

	fwd, err := core.Build(cfg, logger)
	if err != nil {
		return err
	}
	return fwd.Run(ctx)
}

// cliFlags holds the flags that do not map directly onto a Config field.
type cliFlags struct {
	verbose    int
	quiet      bool
	configFile string
	version    bool
	help       bool
}

func newFlagSet(cfg *config.Config, cli *cliFlags) *flag.FlagSet {
	fs := flag.NewFlagSet("tcpfwd", flag.ContinueOnError)
	fs.SortFlags = false

	// ── forwarding ───────────────────────────────────────────────
	fs.StringVarP(&cfg.BindHost, "bind", "b", cfg.BindHost, "Local address to listen on")
	fs.DurationVarP(&cfg.ConnectTimeout, "connect-timeout", "w", cfg.ConnectTimeout, "Outbound connect timeout")
	fs.BoolVarP(&cfg.NoDNS, "no-dns", "n", cfg.NoDNS, "Numeric-only remote host, no DNS resolution")

	// ── tuning ───────────────────────────────────────────────────
	fs.IntVar(&cfg.BufferSize, "buffer-size", cfg.BufferSize, "Relay read size per direction, in bytes")
	fs.IntVar(&cfg.Backlog, "backlog", cfg.Backlog, "Listen backlog (0 = system default)")
	fs.IntVarP(&cfg.MaxSessions, "max-sessions", "m", cfg.MaxSessions, "Concurrent session limit (0 = unbounded)")
	fs.DurationVar(&cfg.StatsInterval, "stats-interval", cfg.StatsInterval, "Log a stats snapshot this often (0 = off)")
	fs.IntVar(&cfg.BreakerFailures, "breaker-failures", cfg.BreakerFailures, "Open the circuit after N consecutive connect failures (0 = off)")
	fs.DurationVar(&cfg.BreakerReset, "breaker-reset", cfg.BreakerReset, "How long an open circuit waits before probing")

	// ── SSH gateway ──────────────────────────────────────────────
	fs.StringVarP(&cfg.Via, "via", "T", cfg.Via, "Reach the remote through an SSH gateway user@host[:port]")
	fs.StringVar(&cfg.SSHKeyPath, "ssh-key", cfg.SSHKeyPath, "SSH private key file")
	fs.BoolVar(&cfg.SSHPassword, "ssh-password", cfg.SSHPassword, "Prompt for SSH password")
	fs.BoolVar(&cfg.UseSSHAgent, "ssh-agent", cfg.UseSSHAgent, "Use SSH agent")
	fs.BoolVar(&cfg.StrictHostKey, "strict-hostkey", cfg.StrictHostKey, "Verify SSH host keys")
	fs.StringVar(&cfg.KnownHostsPath, "known-hosts", cfg.KnownHostsPath, "Custom known_hosts path")
	fs.IntVar(&cfg.ViaAttempts, "via-attempts", cfg.ViaAttempts, "Gateway connection attempts")
	fs.DurationVar(&cfg.SSHKeepAlive, "ssh-keepalive", cfg.SSHKeepAlive, "Gateway keepalive interval (0 = off)")

	// ── output ───────────────────────────────────────────────────
	fs.CountVarP(&cli.verbose, "verbose", "v", "Increase verbosity (repeatable)")
	fs.BoolVarP(&cli.quiet, "quiet", "q", false, "Only log errors")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, `Log format, "text" or "json"`)

	// ── misc ─────────────────────────────────────────────────────
	fs.StringVarP(&cli.configFile, "config", "f", cfg.ConfigFile, "YAML config file")
	fs.BoolVar(&cfg.DryRun, "dry-run", false, "Validate configuration, print the plan and exit")
	fs.BoolVar(&cli.version, "version", false, "Print version and exit")
	fs.BoolVarP(&cli.help, "help", "h", false, "Show this help")
	return fs
}

// configPath finds -f/--config ahead of the real parse: the file
// supplies the defaults the real flag set is built with.  Errors are
// left for the real parse to report.  TCPFWD_CONFIG is the fallback.
func configPath(args []string) string {
	var cli cliFlags
	pre := newFlagSet(config.Default(), &cli)
	pre.SetOutput(io.Discard)
	pre.Usage = func() {}
	_ = pre.Parse(args)

	if cli.configFile == "" {
		return os.Getenv("TCPFWD_CONFIG")
	}
	return cli.configFile
}

// ── helpers ──────────────────────────────────────────────────────────

// parsePositional reads <local_port> <remote_host> <remote_port>.  With
// no positionals the file or environment must supply all three.
func parsePositional(cfg *config.Config, remaining []string) error {
	switch len(remaining) {
	case 0:
		if cfg.LocalPort == 0 || cfg.RemoteHost == "" || cfg.RemotePort == 0 {
			return fmt.Errorf("expected <local_port> <remote_host> <remote_port>")
		}
		return nil
	case 3:
	default:
		return fmt.Errorf("expected 3 arguments, got %d", len(remaining))
	}

	local, err := config.ParsePort(remaining[0])
	if err != nil {
		return fmt.Errorf("local port: %w", err)
	}
	remote, err := config.ParsePort(remaining[2])
	if err != nil {
		return fmt.Errorf("remote port: %w", err)
	}
	if remaining[1] == "" {
		return fmt.Errorf("remote host must not be empty")
	}
	cfg.LocalPort = local
	cfg.RemoteHost = remaining[1]
	cfg.RemotePort = remote
	return nil
}

func printPlan(w io.Writer, cfg *config.Config) {
	fmt.Fprintf(w, "listen   %s (backlog %d)\n", cfg.LocalAddr(), cfg.Backlog)
	fmt.Fprintf(w, "remote   %s (connect timeout %v)\n", cfg.RemoteAddr(), cfg.ConnectTimeout)
	if cfg.GatewayEnabled() {
		fmt.Fprintf(w, "via      ssh %s@%s:%d (attempts %d, keepalive %v)\n",
			cfg.ViaUser, cfg.ViaHost, cfg.ViaPort, cfg.ViaAttempts, cfg.SSHKeepAlive)
	} else {
		fmt.Fprintf(w, "via      direct\n")
	}

	sessions := "unbounded"
	if cfg.MaxSessions > 0 {
		sessions = fmt.Sprint(cfg.MaxSessions)
	}
	fmt.Fprintf(w, "sessions %s, buffer %d bytes\n", sessions, cfg.BufferSize)
	if cfg.BreakerFailures > 0 {
		fmt.Fprintf(w, "breaker  open after %d failures, reset %v\n", cfg.BreakerFailures, cfg.BreakerReset)
	}
	if cfg.ConfigFile != "" {
		fmt.Fprintf(w, "config   %s\n", cfg.ConfigFile)
	}
}

func printUsage(w io.Writer, fs *flag.FlagSet) {
	fmt.Fprintf(w, `tcpfwd v%s

Bidirectional TCP forwarder: every connection accepted on the local
port is relayed to a fixed remote endpoint.

Usage:
  %s

Options:
`, version, usageLine)
	fmt.Fprint(w, fs.FlagUsages())
	fmt.Fprintf(w, `
Examples:
  tcpfwd 8080 10.0.0.5 80                     Forward :8080 to 10.0.0.5:80
  tcpfwd -b 127.0.0.1 -m 100 5432 db 5432     Loopback only, 100 sessions max
  tcpfwd -T ops@bastion 5432 db-internal 5432 Reach the remote over SSH
  tcpfwd -f tcpfwd.yaml --dry-run             Check a config file
`)
}
