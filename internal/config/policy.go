package config

import (
	"fmt"
	"time"
)

// The development profile ships with deliberately permissive limits so local
// work is never throttled. Seeing numbers at or above these outside a
// development environment means the wrong policy file was deployed.
const (
	devScaleRateMaxCalls    = 1000
	devScaleSessionMaxCalls = 10000
	devScaleGlobalMaxCalls  = 100000
)

// The set of numeric thresholds active for one process. Loaded once at
// startup, read-only afterwards, safe for unsynchronized concurrent reads.
type LimitPolicy struct {
	// Which deployment environment this policy was authored for. Must match
	// the server's declared environment.
	Environment string `json:"environment"`

	RateWindowSeconds int `json:"rate_window_seconds"`
	RateMaxCalls      int `json:"rate_max_calls"`

	SessionMaxCalls    int `json:"session_max_calls"`
	GlobalMaxCalls     int `json:"global_max_calls"`
	SessionMaxProjects int `json:"session_max_projects"`

	SessionsPerHour        int `json:"sessions_per_hour"`
	SessionsPer24h         int `json:"sessions_per_24h"`
	SessionDurationMinutes int `json:"session_duration_minutes"`

	MaxExtensions    int `json:"max_extensions"`
	ExtensionMinutes int `json:"extension_minutes"`

	// Threshold scale applied to anonymized (datacenter/VPN) origins.
	// 0.5 halves every numeric threshold; 1.0 disables the penalty.
	AnonymizedMultiplier float64 `json:"anonymized_multiplier"`

	AutoFlagSessions24h     int `json:"auto_flag_sessions_24h"`
	DenialFlagThreshold     int `json:"denial_flag_threshold"`
	DenialFlagWindowMinutes int `json:"denial_flag_window_minutes"`
}

func (p LimitPolicy) RateWindow() time.Duration {
	return time.Duration(p.RateWindowSeconds) * time.Second
}

func (p LimitPolicy) SessionDuration() time.Duration {
	return time.Duration(p.SessionDurationMinutes) * time.Minute
}

func (p LimitPolicy) ExtensionDuration() time.Duration {
	return time.Duration(p.ExtensionMinutes) * time.Minute
}

func (p LimitPolicy) DenialFlagWindow() time.Duration {
	return time.Duration(p.DenialFlagWindowMinutes) * time.Minute
}

// Returns a copy with every numeric threshold scaled by the anonymized
// multiplier. A non-anonymized caller gets the policy unchanged.
func (p LimitPolicy) Adjusted(anonymized bool) LimitPolicy {
	if !anonymized || p.AnonymizedMultiplier == 1.0 {
		return p
	}

	scale := func(n int) int {
		v := int(float64(n) * p.AnonymizedMultiplier)
		if v < 1 {
			v = 1
		}
		return v
	}

	adjusted := p
	adjusted.RateMaxCalls = scale(p.RateMaxCalls)
	adjusted.SessionMaxCalls = scale(p.SessionMaxCalls)
	adjusted.GlobalMaxCalls = scale(p.GlobalMaxCalls)
	adjusted.SessionMaxProjects = scale(p.SessionMaxProjects)
	adjusted.SessionsPerHour = scale(p.SessionsPerHour)
	adjusted.SessionsPer24h = scale(p.SessionsPer24h)
	return adjusted
}

// Checks the policy is complete and consistent with the declared deployment
// environment. Any violation is a ConfigurationFault: the process must not
// start with wrong limits rather than silently run permissive.
func (p LimitPolicy) Validate(environment string) error {
	required := map[string]int{
		"rate_window_seconds":        p.RateWindowSeconds,
		"rate_max_calls":             p.RateMaxCalls,
		"session_max_calls":          p.SessionMaxCalls,
		"global_max_calls":           p.GlobalMaxCalls,
		"session_max_projects":       p.SessionMaxProjects,
		"sessions_per_hour":          p.SessionsPerHour,
		"sessions_per_24h":           p.SessionsPer24h,
		"session_duration_minutes":   p.SessionDurationMinutes,
		"max_extensions":             p.MaxExtensions,
		"extension_minutes":          p.ExtensionMinutes,
		"auto_flag_sessions_24h":     p.AutoFlagSessions24h,
		"denial_flag_threshold":      p.DenialFlagThreshold,
		"denial_flag_window_minutes": p.DenialFlagWindowMinutes,
	}
	for name, value := range required {
		if value <= 0 {
			return fmt.Errorf("%w: limit_policy.%s must be positive, got %d", ErrConfigurationFault, name, value)
		}
	}

	if p.AnonymizedMultiplier <= 0 || p.AnonymizedMultiplier > 1.0 {
		return fmt.Errorf("%w: limit_policy.anonymized_multiplier must be in (0, 1], got %v", ErrConfigurationFault, p.AnonymizedMultiplier)
	}

	if p.Environment != environment {
		return fmt.Errorf("%w: limit_policy.environment %q does not match server environment %q",
			ErrConfigurationFault, p.Environment, environment)
	}

	// Development-scale thresholds outside development means the wrong
	// policy got deployed.
	if environment != "development" {
		if p.RateMaxCalls >= devScaleRateMaxCalls {
			return fmt.Errorf("%w: rate_max_calls %d is development-scale in environment %q",
				ErrConfigurationFault, p.RateMaxCalls, environment)
		}
		if p.SessionMaxCalls >= devScaleSessionMaxCalls {
			return fmt.Errorf("%w: session_max_calls %d is development-scale in environment %q",
				ErrConfigurationFault, p.SessionMaxCalls, environment)
		}
		if p.GlobalMaxCalls >= devScaleGlobalMaxCalls {
			return fmt.Errorf("%w: global_max_calls %d is development-scale in environment %q",
				ErrConfigurationFault, p.GlobalMaxCalls, environment)
		}
	}

	return nil
}
