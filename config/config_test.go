package config

import (
	"strings"
	"testing"
	"time"

	ncerr "tcpfwd/internal/errors"
)

func TestParseGatewaySpec(t *testing.T) {
	tests := []struct {
		spec     string
		wantUser string
		wantHost string
		wantPort int
		wantErr  bool
	}{
		{"user@host", "user", "host", 22, false},
		{"user@host:2222", "user", "host", 2222, false},
		{"host", "", "host", 22, false},
		{"host:22", "", "host", 22, false},
		{"admin@bastion.example.com:443", "admin", "bastion.example.com", 443, false},
		{"", "", "", 0, true},
		{"user@", "", "", 0, true},
		{"user@host:0", "", "", 0, true},
		{"user@host:70000", "", "", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			user, host, port, err := ParseGatewaySpec(tt.spec)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if user != tt.wantUser || host != tt.wantHost || port != tt.wantPort {
				t.Errorf("got (%q, %q, %d), want (%q, %q, %d)",
					user, host, port, tt.wantUser, tt.wantHost, tt.wantPort)
			}
		})
	}
}

func TestParsePort(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"1", 1, false},
		{"8080", 8080, false},
		{"65535", 65535, false},
		{"0", 0, true},
		{"65536", 0, true},
		{"-1", 0, true},
		{"http", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePort(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("got %d, want %d", got, tt.want)
			}
		})
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.BindHost != "0.0.0.0" || cfg.ConnectTimeout != 5*time.Second || cfg.BufferSize != 4096 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if cfg.MaxSessions != 0 || cfg.BreakerFailures != 0 || cfg.StatsInterval != 0 {
		t.Error("optional features should default off")
	}
}

func valid() *Config {
	cfg := Default()
	cfg.LocalPort = 8080
	cfg.RemoteHost = "10.0.0.5"
	cfg.RemotePort = 80
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		wantField string // "" = valid
		wantHint  bool
	}{
		{"valid", func(*Config) {}, "", false},
		{"missing local port", func(c *Config) { c.LocalPort = 0 }, "local-port", true},
		{"local port too high", func(c *Config) { c.LocalPort = 70000 }, "local-port", true},
		{"missing remote host", func(c *Config) { c.RemoteHost = "" }, "remote-host", true},
		{"bad remote port", func(c *Config) { c.RemotePort = 0 }, "remote-port", false},
		{"empty bind", func(c *Config) { c.BindHost = "" }, "bind", true},
		{"no-dns with hostname", func(c *Config) { c.NoDNS = true; c.RemoteHost = "example.com" }, "remote-host", true},
		{"no-dns with ip", func(c *Config) { c.NoDNS = true }, "", false},
		{"zero timeout", func(c *Config) { c.ConnectTimeout = 0 }, "connect-timeout", false},
		{"zero buffer", func(c *Config) { c.BufferSize = 0 }, "buffer-size", true},
		{"huge buffer", func(c *Config) { c.BufferSize = MaxBufferSize + 1 }, "buffer-size", true},
		{"negative backlog", func(c *Config) { c.Backlog = -1 }, "backlog", true},
		{"negative max sessions", func(c *Config) { c.MaxSessions = -1 }, "max-sessions", true},
		{"negative stats", func(c *Config) { c.StatsInterval = -time.Second }, "stats-interval", false},
		{"breaker without reset", func(c *Config) { c.BreakerFailures = 3; c.BreakerReset = 0 }, "breaker-reset", false},
		{"bad via", func(c *Config) { c.Via = "u@h:notaport" }, "via", false},
		{"via without user", func(c *Config) { c.Via = "bastion" }, "via", true},
		{"via zero attempts", func(c *Config) { c.Via = "u@bastion"; c.ViaAttempts = 0 }, "via-attempts", false},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, "log-format", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantField == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var ce *ncerr.ConfigError
			if !ncerr.As(err, &ce) {
				t.Fatalf("want *ConfigError, got %v", err)
			}
			if ce.Field != tt.wantField {
				t.Errorf("Field = %q, want %q", ce.Field, tt.wantField)
			}
			if tt.wantHint && !strings.Contains(err.Error(), "hint:") {
				t.Errorf("error %q should carry a hint", err)
			}
		})
	}
}

func TestValidate_ResolvesGateway(t *testing.T) {
	cfg := valid()
	cfg.Via = "ops@bastion:2222"
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	if cfg.ViaUser != "ops" || cfg.ViaHost != "bastion" || cfg.ViaPort != 2222 {
		t.Errorf("gateway = %s@%s:%d", cfg.ViaUser, cfg.ViaHost, cfg.ViaPort)
	}
	if !cfg.GatewayEnabled() {
		t.Error("GatewayEnabled should be true")
	}
}

func TestAddrs(t *testing.T) {
	cfg := valid()
	if got := cfg.LocalAddr(); got != "0.0.0.0:8080" {
		t.Errorf("LocalAddr = %q", got)
	}
	cfg.RemoteHost = "::1"
	if got := cfg.RemoteAddr(); got != "[::1]:80" {
		t.Errorf("RemoteAddr = %q", got)
	}
}
