package quota

import (
	"time"

	"github.com/triallabs/trial-guard/internal/config"
	"github.com/triallabs/trial-guard/internal/models"
)

// Denial names which threshold failed. Empty means allowed.
type Denial string

const (
	DenialNone           Denial = ""
	DenialSessionExpired Denial = "session_expired"
	DenialSessionQuota   Denial = "session_quota_exhausted"
	DenialGlobalQuota    Denial = "global_quota_exhausted"
	DenialProjectQuota   Denial = "session_project_quota_exhausted"
	DenialSessionsHour   Denial = "session_cap_hour"
	DenialSessions24h    Denial = "session_cap_24h"
)

// Checks a metered AI call against the network-adjusted policy. Checks are
// independent and short-circuit in fixed order: session expiry, then
// session-local quota, then global cumulative quota. An expired session must
// never consume global quota, and expiry is the cheapest certain check.
func EvaluateCall(visitor *models.VisitorRecord, session *models.SessionUsage, policy config.LimitPolicy, now time.Time) Denial {
	if session != nil {
		if session.IsExpired(now) {
			return DenialSessionExpired
		}
		if session.AICallsUsed >= policy.SessionMaxCalls {
			return DenialSessionQuota
		}
	}

	if visitor.CumulativeAICalls >= policy.GlobalMaxCalls {
		return DenialGlobalQuota
	}

	return DenialNone
}

// Checks a project creation against the session-local project cap, same
// ordering discipline as EvaluateCall.
func EvaluateProjectCreate(session *models.SessionUsage, policy config.LimitPolicy, now time.Time) Denial {
	if session == nil {
		return DenialNone
	}
	if session.IsExpired(now) {
		return DenialSessionExpired
	}
	if session.ProjectsCreated >= policy.SessionMaxProjects {
		return DenialProjectQuota
	}
	return DenialNone
}

// Checks session creation against the hour and 24h windowed caps. The
// caller refreshes the windowed counters before invoking this.
func EvaluateSessionCreate(visitor *models.VisitorRecord, policy config.LimitPolicy) Denial {
	if visitor.SessionsLastHour >= policy.SessionsPerHour {
		return DenialSessionsHour
	}
	if visitor.SessionsLast24h >= policy.SessionsPer24h {
		return DenialSessions24h
	}
	return DenialNone
}

// Smallest remaining headroom across the session and global call quotas,
// reported to callers alongside an admitted decision.
func RemainingCalls(visitor *models.VisitorRecord, session *models.SessionUsage, policy config.LimitPolicy) int {
	remaining := policy.GlobalMaxCalls - visitor.CumulativeAICalls
	if session != nil {
		if sessionRemaining := policy.SessionMaxCalls - session.AICallsUsed; sessionRemaining < remaining {
			remaining = sessionRemaining
		}
	}
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}
