// Package config loads cellrunner's settings from environment variables
// and command-line flags via viper, following the CELLRUNNER_-prefixed
// convention and mapstructure tags wilke-cwe-cwl's sandbox.Config uses.
// It generalizes steel-orchestrator's flag-only main.go, which only ever
// read four hardcoded-default flags.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the fully resolved, Go-typed configuration for one
// cellrunner process.
type Config struct {
	Port int `mapstructure:"port"`

	MaxSessions  int           `mapstructure:"max_sessions"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MemoryLimit  int64         `mapstructure:"memory_limit"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	ReapInterval time.Duration `mapstructure:"reap_interval"`

	WorkerBinary string `mapstructure:"worker_binary"`

	EnableDebugRoutes bool   `mapstructure:"enable_debug_routes"`
	LogFormat         string `mapstructure:"log_format"`
}

const (
	defaultMemoryLimitBytes = 100 * 1024 * 1024 // 100MB
)

// BindFlags registers the cobra/pflag flags this Config can be overridden
// by, mirroring steel-orchestrator's flag.Int/flag.String declarations in
// main.go but routed through viper so environment variables take the same
// names.
func BindFlags(flags *pflag.FlagSet, v *viper.Viper) error {
	flags.Int("port", 8080, "HTTP listen port")
	flags.Int("max-sessions", 40, "maximum number of concurrently live sessions")
	flags.Duration("timeout", 2*time.Second, "per-execution wall-clock budget")
	flags.Int64("memory-limit", defaultMemoryLimitBytes, "per-session resident memory limit, in bytes")
	flags.Duration("idle-timeout", 60*time.Second, "idle duration after which a session is reaped")
	flags.Duration("poll-interval", 100*time.Millisecond, "RSS sampling cadence")
	flags.Duration("reap-interval", 60*time.Second, "how often the reaper sweeps for idle sessions")
	flags.String("worker-binary", "", "path to the sandbox worker binary (defaults to this binary, re-exec'd with --sandbox-worker)")
	flags.Bool("enable-debug-routes", false, "mount the /debug/* test-only routes")
	flags.String("log-format", "console", "zap log encoding: console or json")

	for _, name := range []string{
		"port", "max-sessions", "timeout", "memory-limit", "idle-timeout",
		"poll-interval", "reap-interval", "worker-binary", "enable-debug-routes", "log-format",
	} {
		if err := v.BindPFlag(dottedToUnderscore(name), flags.Lookup(name)); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}

// Load resolves a Config from v, defaulting WorkerBinary to the running
// binary's own path so it can re-exec itself as a sandbox worker,
// following wilke-cwe-cwl's startWorker pattern.
func Load(v *viper.Viper) (Config, error) {
	v.SetEnvPrefix("CELLRUNNER")
	v.AutomaticEnv()

	cfg := Config{
		Port:              v.GetInt("port"),
		MaxSessions:       v.GetInt("max_sessions"),
		Timeout:           v.GetDuration("timeout"),
		MemoryLimit:       v.GetInt64("memory_limit"),
		IdleTimeout:       v.GetDuration("idle_timeout"),
		PollInterval:      v.GetDuration("poll_interval"),
		ReapInterval:      v.GetDuration("reap_interval"),
		WorkerBinary:      v.GetString("worker_binary"),
		EnableDebugRoutes: v.GetBool("enable_debug_routes"),
		LogFormat:         v.GetString("log_format"),
	}

	if cfg.WorkerBinary == "" {
		self, err := os.Executable()
		if err != nil {
			return Config{}, fmt.Errorf("resolve own executable path: %w", err)
		}
		cfg.WorkerBinary = self
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.MaxSessions < 1 {
		return fmt.Errorf("max-sessions must be >= 1, got %d", c.MaxSessions)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", c.Timeout)
	}
	if c.MemoryLimit <= 0 {
		return fmt.Errorf("memory-limit must be positive, got %d", c.MemoryLimit)
	}
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("idle-timeout must be positive, got %s", c.IdleTimeout)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll-interval must be positive, got %s", c.PollInterval)
	}
	if c.ReapInterval <= 0 {
		return fmt.Errorf("reap-interval must be positive, got %s", c.ReapInterval)
	}
	return nil
}

func dottedToUnderscore(flagName string) string {
	out := make([]byte, 0, len(flagName))
	for i := 0; i < len(flagName); i++ {
		if flagName[i] == '-' {
			out = append(out, '_')
			continue
		}
		out = append(out, flagName[i])
	}
	return string(out)
}
