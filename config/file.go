package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	ncerr "tcpfwd/internal/errors"
)

// fileConfig mirrors the YAML layout.  Pointer fields tell "absent"
// apart from an explicit zero so only keys present in the file
// override earlier layers.
type fileConfig struct {
	LocalPort       *int    `yaml:"local_port"`
	Bind            *string `yaml:"bind"`
	RemoteHost      *string `yaml:"remote_host"`
	RemotePort      *int    `yaml:"remote_port"`
	NoDNS           *bool   `yaml:"no_dns"`
	ConnectTimeout  *string `yaml:"connect_timeout"`
	BufferSize      *int    `yaml:"buffer_size"`
	Backlog         *int    `yaml:"backlog"`
	MaxSessions     *int    `yaml:"max_sessions"`
	StatsInterval   *string `yaml:"stats_interval"`
	BreakerFailures *int    `yaml:"breaker_failures"`
	BreakerReset    *string `yaml:"breaker_reset"`
	Via             *string `yaml:"via"`
	SSH             struct {
		Key           *string `yaml:"key"`
		Password      *bool   `yaml:"password"`
		Agent         *bool   `yaml:"agent"`
		StrictHostKey *bool   `yaml:"strict_hostkey"`
		KnownHosts    *string `yaml:"known_hosts"`
		Attempts      *int    `yaml:"attempts"`
		KeepAlive     *string `yaml:"keepalive"`
	} `yaml:"ssh"`
	Verbose   *int    `yaml:"verbose"`
	LogFormat *string `yaml:"log_format"`
}

// LoadFile overlays the YAML file at path onto cfg.  Unknown keys are
// rejected so a misspelt option does not silently fall back to its
// default.
func LoadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return &ncerr.ConfigError{Field: "config", Value: path, Message: err.Error()}
	}
	return applyYAML(cfg, path, data)
}

func applyYAML(cfg *Config, path string, data []byte) error {
	var fc fileConfig
	if err := yaml.UnmarshalStrict(data, &fc); err != nil {
		return &ncerr.ConfigError{
			Field:   "config",
			Value:   path,
			Message: err.Error(),
			Hint:    "keys are snake_case, e.g. connect_timeout: 5s",
		}
	}

	setInt(&cfg.LocalPort, fc.LocalPort)
	setString(&cfg.BindHost, fc.Bind)
	setString(&cfg.RemoteHost, fc.RemoteHost)
	setInt(&cfg.RemotePort, fc.RemotePort)
	setBool(&cfg.NoDNS, fc.NoDNS)
	setInt(&cfg.BufferSize, fc.BufferSize)
	setInt(&cfg.Backlog, fc.Backlog)
	setInt(&cfg.MaxSessions, fc.MaxSessions)
	setInt(&cfg.BreakerFailures, fc.BreakerFailures)
	setString(&cfg.Via, fc.Via)
	setString(&cfg.SSHKeyPath, fc.SSH.Key)
	setBool(&cfg.SSHPassword, fc.SSH.Password)
	setBool(&cfg.UseSSHAgent, fc.SSH.Agent)
	setBool(&cfg.StrictHostKey, fc.SSH.StrictHostKey)
	setString(&cfg.KnownHostsPath, fc.SSH.KnownHosts)
	setInt(&cfg.ViaAttempts, fc.SSH.Attempts)
	setInt(&cfg.Verbose, fc.Verbose)
	setString(&cfg.LogFormat, fc.LogFormat)

	durations := []struct {
		key string
		src *string
		dst *time.Duration
	}{
		{"connect_timeout", fc.ConnectTimeout, &cfg.ConnectTimeout},
		{"stats_interval", fc.StatsInterval, &cfg.StatsInterval},
		{"breaker_reset", fc.BreakerReset, &cfg.BreakerReset},
		{"ssh.keepalive", fc.SSH.KeepAlive, &cfg.SSHKeepAlive},
	}
	for _, d := range durations {
		if d.src == nil {
			continue
		}
		v, err := parseDuration(*d.src)
		if err != nil {
			return &ncerr.ConfigError{
				Field:   "config",
				Value:   path,
				Message: fmt.Sprintf("%s: invalid duration %q", d.key, *d.src),
				Hint:    `use Go syntax such as "5s" or "750ms"`,
			}
		}
		*d.dst = v
	}
	return nil
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func setBool(dst *bool, src *bool) {
	if src != nil {
		*dst = *src
	}
}
