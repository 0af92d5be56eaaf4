package config

import (
	"os"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestViper(t *testing.T) (*viper.Viper, *pflag.FlagSet) {
	t.Helper()
	v := viper.New()
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	require.NoError(t, BindFlags(flags, v))
	require.NoError(t, flags.Parse(nil))
	return v, flags
}

func TestLoad_Defaults(t *testing.T) {
	v, _ := newTestViper(t)

	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 40, cfg.MaxSessions)
	assert.Equal(t, 2*time.Second, cfg.Timeout)
	assert.Equal(t, int64(100*1024*1024), cfg.MemoryLimit)
	assert.Equal(t, 60*time.Second, cfg.IdleTimeout)
	assert.Equal(t, 100*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, 60*time.Second, cfg.ReapInterval)
	assert.False(t, cfg.EnableDebugRoutes)
	assert.Equal(t, "console", cfg.LogFormat)
}

func TestLoad_WorkerBinaryDefaultsToOwnExecutable(t *testing.T) {
	v, _ := newTestViper(t)

	cfg, err := Load(v)
	require.NoError(t, err)

	self, err := os.Executable()
	require.NoError(t, err)
	assert.Equal(t, self, cfg.WorkerBinary)
}

func TestLoad_FlagOverridesDefault(t *testing.T) {
	v, flags := newTestViper(t)
	require.NoError(t, flags.Set("max-sessions", "7"))

	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.MaxSessions)
}

func TestLoad_EnvOverridesFlagDefault(t *testing.T) {
	v, _ := newTestViper(t)
	t.Setenv("CELLRUNNER_MAX_SESSIONS", "13")

	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, 13, cfg.MaxSessions)
}

func TestLoad_RejectsNonPositiveTimeout(t *testing.T) {
	v, flags := newTestViper(t)
	require.NoError(t, flags.Set("timeout", "0s"))

	_, err := Load(v)
	assert.Error(t, err)
}

func TestLoad_RejectsZeroMaxSessions(t *testing.T) {
	v, flags := newTestViper(t)
	require.NoError(t, flags.Set("max-sessions", "0"))

	_, err := Load(v)
	assert.Error(t, err)
}

func TestLoad_RejectsNonPositiveMemoryLimit(t *testing.T) {
	v, flags := newTestViper(t)
	require.NoError(t, flags.Set("memory-limit", "-1"))

	_, err := Load(v)
	assert.Error(t, err)
}

func TestDottedToUnderscore(t *testing.T) {
	assert.Equal(t, "max_sessions", dottedToUnderscore("max-sessions"))
	assert.Equal(t, "port", dottedToUnderscore("port"))
}
