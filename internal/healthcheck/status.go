package healthcheck

import (
	"time"
)

// Holds health information for one store dependency
type Status struct {
	Name         string    `json:"name"`
	IsHealthy    bool      `json:"is_healthy"`
	LastCheck    time.Time `json:"last_check"`
	LastSuccess  time.Time `json:"last_success,omitempty"`
	LastFailure  time.Time `json:"last_failure,omitempty"`
	FailureCount int       `json:"failure_count"`
	LastError    string    `json:"last_error,omitempty"`
}

// Overall health summary exposed on /health
type HealthStatus struct {
	Healthy      bool               `json:"healthy"`
	TotalTargets int                `json:"total_targets"`
	Targets      map[string]*Status `json:"targets"`
}
