package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const validDevelopment = `{
  "server": {"port": "8080", "environment": "development"},
  "redis": {"host": "localhost", "port": "6379", "db": 0},
  "limit_policy": {
    "environment": "development",
    "rate_window_seconds": 60,
    "rate_max_calls": 1000,
    "session_max_calls": 10000,
    "global_max_calls": 100000,
    "session_max_projects": 100,
    "sessions_per_hour": 100,
    "sessions_per_24h": 1000,
    "session_duration_minutes": 30,
    "max_extensions": 2,
    "extension_minutes": 15,
    "anonymized_multiplier": 0.5,
    "auto_flag_sessions_24h": 10,
    "denial_flag_threshold": 5,
    "denial_flag_window_minutes": 60
  }
}`

const validProduction = `{
  "server": {"port": "8080", "environment": "production"},
  "redis": {"host": "redis", "port": "6379", "db": 0},
  "limit_policy": {
    "environment": "production",
    "rate_window_seconds": 60,
    "rate_max_calls": 10,
    "session_max_calls": 25,
    "global_max_calls": 30,
    "session_max_projects": 3,
    "sessions_per_hour": 2,
    "sessions_per_24h": 5,
    "session_duration_minutes": 30,
    "max_extensions": 2,
    "extension_minutes": 15,
    "anonymized_multiplier": 0.5,
    "auto_flag_sessions_24h": 4,
    "denial_flag_threshold": 5,
    "denial_flag_window_minutes": 60
  }
}`

func TestLoadValidConfigs(t *testing.T) {
	cfg, err := Load(writeConfig(t, validDevelopment))
	require.NoError(t, err)
	assert.Equal(t, "development", cfg.Server.Environment)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr())
	assert.Equal(t, time.Minute, cfg.LimitPolicy.RateWindow())

	cfg, err = Load(writeConfig(t, validProduction))
	require.NoError(t, err)
	assert.Equal(t, 30, cfg.LimitPolicy.GlobalMaxCalls)
	assert.Equal(t, 30*time.Minute, cfg.LimitPolicy.SessionDuration())
	assert.Equal(t, 15*time.Minute, cfg.LimitPolicy.ExtensionDuration())
}

func TestMissingFileIsConfigurationFault(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	assert.ErrorIs(t, err, ErrConfigurationFault)
}

func TestMalformedFileIsConfigurationFault(t *testing.T) {
	_, err := Load(writeConfig(t, "{not json"))
	assert.ErrorIs(t, err, ErrConfigurationFault)
}

func TestEnvironmentMismatchIsConfigurationFault(t *testing.T) {
	// Development policy deployed into a production process.
	body := strings.Replace(validDevelopment,
		`"environment": "development"`, `"environment": "production"`, 1)

	_, err := Load(writeConfig(t, body))
	require.ErrorIs(t, err, ErrConfigurationFault)
	assert.Contains(t, err.Error(), "does not match")
}

func TestDevelopmentScaleLimitsRejectedInProduction(t *testing.T) {
	body := strings.Replace(validProduction, `"global_max_calls": 30`, `"global_max_calls": 100000`, 1)
	_, err := Load(writeConfig(t, body))
	require.ErrorIs(t, err, ErrConfigurationFault)
	assert.Contains(t, err.Error(), "development-scale")
}

func TestZeroThresholdRejected(t *testing.T) {
	body := strings.Replace(validProduction, `"rate_max_calls": 10`, `"rate_max_calls": 0`, 1)
	_, err := Load(writeConfig(t, body))
	assert.ErrorIs(t, err, ErrConfigurationFault)
}

func TestMultiplierBounds(t *testing.T) {
	for _, bad := range []string{`"anonymized_multiplier": 0`, `"anonymized_multiplier": 1.5`, `"anonymized_multiplier": -0.5`} {
		body := strings.Replace(validProduction, `"anonymized_multiplier": 0.5`, bad, 1)
		_, err := Load(writeConfig(t, body))
		assert.ErrorIs(t, err, ErrConfigurationFault, bad)
	}
}

func TestAdjustedHalvesEveryThreshold(t *testing.T) {
	policy := LimitPolicy{
		RateMaxCalls:         10,
		SessionMaxCalls:      24,
		GlobalMaxCalls:       30,
		SessionMaxProjects:   3,
		SessionsPerHour:      2,
		SessionsPer24h:       5,
		AnonymizedMultiplier: 0.5,
	}

	adjusted := policy.Adjusted(true)
	assert.Equal(t, 5, adjusted.RateMaxCalls)
	assert.Equal(t, 12, adjusted.SessionMaxCalls)
	assert.Equal(t, 15, adjusted.GlobalMaxCalls)
	assert.Equal(t, 1, adjusted.SessionMaxProjects)
	assert.Equal(t, 1, adjusted.SessionsPerHour)
	assert.Equal(t, 2, adjusted.SessionsPer24h)

	// Non-anonymized callers and a neutral multiplier get the policy as-is.
	assert.Equal(t, policy, policy.Adjusted(false))
	policy.AnonymizedMultiplier = 1.0
	assert.Equal(t, policy, policy.Adjusted(true))
}

func TestAdjustedNeverDropsBelowOne(t *testing.T) {
	policy := LimitPolicy{
		RateMaxCalls:         1,
		SessionMaxCalls:      1,
		GlobalMaxCalls:       1,
		SessionMaxProjects:   1,
		SessionsPerHour:      1,
		SessionsPer24h:       1,
		AnonymizedMultiplier: 0.5,
	}

	adjusted := policy.Adjusted(true)
	assert.Equal(t, 1, adjusted.RateMaxCalls)
	assert.Equal(t, 1, adjusted.GlobalMaxCalls)
}
