// Package config loads supervisor settings with viper. Every key has a
// default, so running without a config file is valid.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/ensemble/internal/env"
	"github.com/loykin/ensemble/internal/logger"
	tpl "github.com/loykin/ensemble/pkg/template"
)

const EnvPrefix = "ENSEMBLE"

type Config struct {
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Endpoints  EndpointsConfig  `mapstructure:"endpoints"`
	Ensemble   EnsembleConfig   `mapstructure:"ensemble"`
	Log        LogConfig        `mapstructure:"log"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	History    HistoryConfig    `mapstructure:"history"`
}

type SupervisorConfig struct {
	Document        string              `mapstructure:"document"`
	KeepAlive       bool                `mapstructure:"keep_alive"`
	WorkingDir      string              `mapstructure:"working_dir"`
	CrashWindow     time.Duration       `mapstructure:"crash_window"`
	CrashThreshold  int                 `mapstructure:"crash_threshold"`
	BlockingTimeout time.Duration       `mapstructure:"blocking_timeout"`
	StopTimeout     time.Duration       `mapstructure:"stop_timeout"`
	Env             []string            `mapstructure:"env"`
	EnvFiles        []string            `mapstructure:"env_files"`
	UseOSEnv        bool                `mapstructure:"use_os_env"`
	CommandServer   CommandServerConfig `mapstructure:"command_server"`
	Launcher        LauncherConfig      `mapstructure:"launcher"`
	Hosts           tpl.Hosts           `mapstructure:"hosts"`
	TemplateDir     string              `mapstructure:"template_dir"`
}

type CommandServerConfig struct {
	Name           string `mapstructure:"name"`
	SocketDir      string `mapstructure:"socket_dir"`
	MaxConnections int    `mapstructure:"max_connections"`
}

// LauncherConfig is the host used for managed runner libraries.
type LauncherConfig struct {
	Command   string `mapstructure:"command"`
	Extension string `mapstructure:"extension"`
	// Guess turns on managed-library detection for runner paths.
	Guess bool `mapstructure:"guess"`
}

type EndpointsConfig struct {
	StartingPort int    `mapstructure:"starting_port"`
	Scheme       string `mapstructure:"scheme"`
}

// EnsembleConfig feeds the parameter context of topology documents.
type EnsembleConfig struct {
	Environment string         `mapstructure:"environment"`
	Params      map[string]any `mapstructure:"params"`
	Render      bool           `mapstructure:"render"`
}

type LogConfig struct {
	logger.SlogConfig `mapstructure:",squash"`
	Runners           logger.FileConfig `mapstructure:"runners"`
}

// Logger converts the log section to a logger.Config.
func (l LogConfig) Logger() logger.Config {
	return logger.Config{Slog: l.SlogConfig, File: l.Runners}
}

type MetricsConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Listen         string        `mapstructure:"listen"`
	SampleInterval time.Duration `mapstructure:"sample_interval"`
}

type HTTPConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

type HistoryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DSN     string `mapstructure:"dsn"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("supervisor.document", "ensemble.ens")
	v.SetDefault("supervisor.keep_alive", true)
	v.SetDefault("supervisor.working_dir", "")
	v.SetDefault("supervisor.crash_window", 30*time.Second)
	v.SetDefault("supervisor.crash_threshold", 2)
	v.SetDefault("supervisor.blocking_timeout", 30*time.Second)
	v.SetDefault("supervisor.stop_timeout", 5*time.Second)
	v.SetDefault("supervisor.env", []string{})
	v.SetDefault("supervisor.env_files", []string{})
	v.SetDefault("supervisor.use_os_env", true)
	v.SetDefault("supervisor.command_server.name", "ensemble")
	v.SetDefault("supervisor.command_server.socket_dir", os.TempDir())
	v.SetDefault("supervisor.command_server.max_connections", 4)
	v.SetDefault("supervisor.launcher.command", "dotnet")
	v.SetDefault("supervisor.launcher.extension", ".dll")
	v.SetDefault("supervisor.launcher.guess", true)
	v.SetDefault("supervisor.hosts.rpc", tpl.DefaultRPCHost)
	v.SetDefault("supervisor.hosts.component", tpl.DefaultComponentHost)
	v.SetDefault("supervisor.hosts.healthcheck", tpl.DefaultHealthCheck)
	v.SetDefault("supervisor.template_dir", "")

	v.SetDefault("endpoints.starting_port", 5000)
	v.SetDefault("endpoints.scheme", "https")

	v.SetDefault("ensemble.environment", "")
	v.SetDefault("ensemble.params", map[string]any{})
	v.SetDefault("ensemble.render", true)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.color", true)
	v.SetDefault("log.timestamps", true)
	v.SetDefault("log.source", false)
	v.SetDefault("log.file", "")
	v.SetDefault("log.runners.dir", "")
	v.SetDefault("log.runners.stdout", "")
	v.SetDefault("log.runners.stderr", "")
	v.SetDefault("log.runners.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.runners.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.runners.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.runners.compress", false)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", ":9090")
	v.SetDefault("metrics.sample_interval", 15*time.Second)
	v.SetDefault("http.enabled", false)
	v.SetDefault("http.listen", "127.0.0.1:8080")
	v.SetDefault("history.enabled", false)
	v.SetDefault("history.dsn", "")
}

// Load reads path (toml, yaml or json by extension) over the defaults and
// applies ENSEMBLE_* environment overrides. An empty or missing path is
// not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// short names runner programs and scripts already use
	_ = v.BindEnv("supervisor.working_dir", "ENSEMBLE_SUPERVISOR_WORKING_DIR", "ENSEMBLE_WORKING_DIR")
	_ = v.BindEnv("ensemble.environment", "ENSEMBLE_ENSEMBLE_ENVIRONMENT", "ENSEMBLE_ENVIRONMENT")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	c, err := Load("")
	if err != nil {
		// defaults always validate
		panic(err)
	}
	return c
}

func (c *Config) Validate() error {
	s := c.Supervisor
	if s.CrashThreshold < 1 {
		return fmt.Errorf("supervisor.crash_threshold must be >= 1, got %d", s.CrashThreshold)
	}
	if s.CrashWindow <= 0 {
		return fmt.Errorf("supervisor.crash_window must be positive, got %s", s.CrashWindow)
	}
	if s.BlockingTimeout < 0 {
		return fmt.Errorf("supervisor.blocking_timeout must not be negative")
	}
	if s.CommandServer.Name == "" {
		return fmt.Errorf("supervisor.command_server.name is required")
	}
	if s.Launcher.Extension != "" && !strings.HasPrefix(s.Launcher.Extension, ".") {
		return fmt.Errorf("supervisor.launcher.extension must start with '.', got %q", s.Launcher.Extension)
	}
	if p := c.Endpoints.StartingPort; p < 1 || p > 65535 {
		return fmt.Errorf("endpoints.starting_port out of range: %d", p)
	}
	if c.History.Enabled && c.History.DSN == "" {
		return fmt.Errorf("history.dsn is required when history is enabled")
	}
	return nil
}

// GlobalEnv builds the environment shared by all runners. Precedence: OS
// environment (when use_os_env), then env_files in order, then env entries.
func (c *Config) GlobalEnv() (env.Env, error) {
	e := env.New()
	if c.Supervisor.UseOSEnv {
		e = env.FromOS()
	}
	for _, p := range c.Supervisor.EnvFiles {
		vars, err := loadEnvFile(p)
		if err != nil {
			return env.Env{}, err
		}
		e = e.WithVars(vars)
	}
	for _, kv := range c.Supervisor.Env {
		if i := strings.IndexByte(kv, '='); i > 0 {
			e = e.WithSet(kv[:i], kv[i+1:])
		}
	}
	return e, nil
}

// LoadEnvFile parses a .env file and returns "KEY=VALUE" entries.
func LoadEnvFile(path string) ([]string, error) {
	m, err := loadEnvFile(path)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out, nil
}

// loadEnvFile reads KEY=VALUE lines (no export, no quotes). Lines starting
// with # are ignored.
func loadEnvFile(path string) (env.Var, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read env file: %w", err)
	}
	m := env.Var{}
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i > 0 {
			m[strings.TrimSpace(line[:i])] = strings.TrimSpace(line[i+1:])
		}
	}
	return m, nil
}

// DocumentPath resolves the topology document: an explicit argument wins,
// then supervisor.document.
func (c *Config) DocumentPath(arg string) string {
	if arg != "" {
		return arg
	}
	return c.Supervisor.Document
}

// WorkingDir is where runners with relative paths start.
func (c *Config) WorkingDir() string {
	if c.Supervisor.WorkingDir != "" {
		return c.Supervisor.WorkingDir
	}
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}
