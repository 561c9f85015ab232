package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/tailvisor/internal/auth"
	"github.com/loykin/tailvisor/internal/env"
	"github.com/loykin/tailvisor/internal/logger"
	"github.com/loykin/tailvisor/internal/process"
	storefactory "github.com/loykin/tailvisor/internal/store/factory"
	tlsconf "github.com/loykin/tailvisor/internal/tls"
)

// EnvPrefix prefixes environment overrides, e.g. TAILVISOR_SERVER_LISTEN.
const EnvPrefix = "TAILVISOR"

type Config struct {
	Server     ServerConfig        `toml:"server" mapstructure:"server"`
	Supervisor SupervisorConfig    `toml:"supervisor" mapstructure:"supervisor"`
	Store      storefactory.Config `toml:"store" mapstructure:"store"`
	Log        logger.Config       `toml:"log" mapstructure:"log"`
	Metrics    MetricsConfig       `toml:"metrics" mapstructure:"metrics"`
	History    []HistoryConfig     `toml:"history" mapstructure:"history"`
}

type ServerConfig struct {
	Listen   string         `toml:"listen" mapstructure:"listen"`
	BasePath string         `toml:"base_path" mapstructure:"base_path"`
	TLS      tlsconf.Config `toml:"tls" mapstructure:"tls"`
	Auth     auth.Config    `toml:"auth" mapstructure:"auth"`
}

type SupervisorConfig struct {
	LogCapacity        int           `toml:"log_capacity" mapstructure:"log_capacity"`
	ReadTimeout        time.Duration `toml:"read_timeout" mapstructure:"read_timeout"`
	CrashLoopThreshold time.Duration `toml:"crash_loop_threshold" mapstructure:"crash_loop_threshold"`
	Wrapper            string        `toml:"wrapper" mapstructure:"wrapper"`
	Shell              string        `toml:"shell" mapstructure:"shell"`
	Term               string        `toml:"term" mapstructure:"term"`
	TailQueue          int           `toml:"tail_queue" mapstructure:"tail_queue"`
	StopGrace          time.Duration `toml:"stop_grace" mapstructure:"stop_grace"`
	// Env entries (KEY=VALUE, ${KEY} expanded) are added to every child's environment.
	Env []string `toml:"env" mapstructure:"env"`
}

// MetricsConfig enables Prometheus metrics. With Listen empty they are served
// on the API server at /metrics.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	Listen  string `toml:"listen" mapstructure:"listen"`
	// ResourceInterval is how often CPU and memory of running children are
	// sampled; zero turns sampling off.
	ResourceInterval time.Duration `toml:"resource_interval" mapstructure:"resource_interval"`
}

type HistoryConfig struct {
	DSN string `toml:"dsn" mapstructure:"dsn"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen", "0.0.0.0:8232")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.tls.cert_file", "")
	v.SetDefault("server.tls.key_file", "")
	v.SetDefault("server.tls.dir", "")
	v.SetDefault("server.tls.auto_generate", false)
	v.SetDefault("server.tls.client_ca", "")
	v.SetDefault("server.auth.enabled", false)

	v.SetDefault("supervisor.log_capacity", 4000)
	v.SetDefault("supervisor.read_timeout", 250*time.Millisecond)
	v.SetDefault("supervisor.crash_loop_threshold", 30*time.Second)
	v.SetDefault("supervisor.wrapper", process.WrapperScript)
	v.SetDefault("supervisor.shell", "/bin/bash")
	v.SetDefault("supervisor.term", "xterm")
	v.SetDefault("supervisor.tail_queue", 16)
	v.SetDefault("supervisor.stop_grace", 5*time.Second)

	v.SetDefault("store.type", "file")
	v.SetDefault("store.path", "./cfg.json")
	v.SetDefault("store.dsn", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.color", false)
	v.SetDefault("log.file.path", "")
	v.SetDefault("log.file.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.file.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.file.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.file.compress", false)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", "")
	v.SetDefault("metrics.resource_interval", 15*time.Second)
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg, err := Load("")
	if err != nil {
		// defaults always validate
		panic(err)
	}
	return cfg
}

// Load reads the TOML file at path, applies TAILVISOR_* environment overrides
// and validates the result. An empty path or a missing file yields the
// defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil && !isNotFound(err) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func isNotFound(err error) bool {
	var nf viper.ConfigFileNotFoundError
	return errors.As(err, &nf) || errors.Is(err, fs.ErrNotExist)
}

// Validate rejects values the supervisor cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Server.Listen) == "" {
		errs = append(errs, errors.New("server.listen must not be empty"))
	}
	if err := c.Server.TLS.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("server.tls: %w", err))
	}
	if err := c.Server.Auth.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("server.auth: %w", err))
	}
	s := c.Supervisor
	if s.LogCapacity <= 0 {
		errs = append(errs, fmt.Errorf("supervisor.log_capacity must be positive, got %d", s.LogCapacity))
	}
	if s.ReadTimeout <= 0 {
		errs = append(errs, fmt.Errorf("supervisor.read_timeout must be positive, got %s", s.ReadTimeout))
	}
	if s.CrashLoopThreshold < 0 {
		errs = append(errs, fmt.Errorf("supervisor.crash_loop_threshold must not be negative, got %s", s.CrashLoopThreshold))
	}
	if s.Wrapper != process.WrapperScript && s.Wrapper != process.WrapperShell {
		errs = append(errs, fmt.Errorf("supervisor.wrapper must be %q or %q, got %q", process.WrapperScript, process.WrapperShell, s.Wrapper))
	}
	if err := env.Layer(s.Env).Validate(); err != nil {
		errs = append(errs, fmt.Errorf("supervisor.%w", err))
	}
	if s.TailQueue <= 0 {
		errs = append(errs, fmt.Errorf("supervisor.tail_queue must be positive, got %d", s.TailQueue))
	}
	if s.StopGrace < 0 {
		errs = append(errs, fmt.Errorf("supervisor.stop_grace must not be negative, got %s", s.StopGrace))
	}
	switch strings.ToLower(c.Store.Type) {
	case "", "file", "json", "sqlite":
	case "postgres", "postgresql":
		if c.Store.DSN == "" {
			errs = append(errs, errors.New("store.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported store.type %q", c.Store.Type))
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Metrics.ResourceInterval < 0 {
		errs = append(errs, fmt.Errorf("metrics.resource_interval must not be negative, got %s", c.Metrics.ResourceInterval))
	}
	for i, h := range c.History {
		if strings.TrimSpace(h.DSN) == "" {
			errs = append(errs, fmt.Errorf("history[%d].dsn must not be empty", i))
		}
	}
	return errors.Join(errs...)
}

// HistoryDSNs lists the configured history sink DSNs.
func (c *Config) HistoryDSNs() []string {
	out := make([]string, 0, len(c.History))
	for _, h := range c.History {
		out = append(out, h.DSN)
	}
	return out
}

// ProcessOptions returns the command construction options.
func (s SupervisorConfig) ProcessOptions() process.Options {
	return process.Options{Wrapper: s.Wrapper, Shell: s.Shell, Term: s.Term, Env: s.Env}
}
