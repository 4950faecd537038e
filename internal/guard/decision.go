package guard

import (
	"time"

	"github.com/triallabs/trial-guard/internal/quota"
)

// Why a request was allowed or denied.
type Reason string

const (
	ReasonOK                    Reason = "ok"
	ReasonRateLimited           Reason = "rate_limited"
	ReasonSessionQuotaExhausted Reason = "session_quota_exhausted"
	ReasonGlobalQuotaExhausted  Reason = "global_quota_exhausted"
	ReasonProjectQuotaExhausted Reason = "session_project_quota_exhausted"
	ReasonSessionExpired        Reason = "session_expired"
	ReasonSessionCapReached     Reason = "session_cap_reached"
	ReasonExtensionCapReached   Reason = "extension_cap_reached"
	ReasonBlocked               Reason = "blocked"
	ReasonStoreUnavailable      Reason = "store_unavailable"
)

// One admission decision. A denial is terminal for its request; the caller
// decides whether to surface a retry affordance.
type Decision struct {
	Allowed bool
	Reason  Reason

	// Seconds until the caller can expect headroom again. Set only for
	// rate-limit and session-cap denials.
	RetryAfterSeconds int

	// Remaining headroom on the tightest applicable quota after an
	// admitted call. -1 when not applicable.
	Remaining int
}

func allow(remaining int) Decision {
	return Decision{Allowed: true, Reason: ReasonOK, Remaining: remaining}
}

func deny(reason Reason) Decision {
	return Decision{Allowed: false, Reason: reason, Remaining: -1}
}

// Rounded up so a caller sleeping exactly RetryAfterSeconds always clears
// the window.
func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	secs := int(d / time.Second)
	if d%time.Second != 0 {
		secs++
	}
	return secs
}

func quotaReason(d quota.Denial) Reason {
	switch d {
	case quota.DenialSessionExpired:
		return ReasonSessionExpired
	case quota.DenialSessionQuota:
		return ReasonSessionQuotaExhausted
	case quota.DenialGlobalQuota:
		return ReasonGlobalQuotaExhausted
	case quota.DenialProjectQuota:
		return ReasonProjectQuotaExhausted
	case quota.DenialSessionsHour, quota.DenialSessions24h:
		return ReasonSessionCapReached
	default:
		return ReasonOK
	}
}
