package guard

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/triallabs/trial-guard/internal/breaker"
	"github.com/triallabs/trial-guard/internal/config"
	"github.com/triallabs/trial-guard/internal/flagger"
	"github.com/triallabs/trial-guard/internal/identity"
	"github.com/triallabs/trial-guard/internal/ledger"
	"github.com/triallabs/trial-guard/internal/models"
	"github.com/triallabs/trial-guard/internal/netclass"
	"github.com/triallabs/trial-guard/internal/quota"
	"github.com/triallabs/trial-guard/internal/ratewindow"
)

// Everything the guard needs to know about one incoming request.
type Request struct {
	// Caller's network origin (IP address in string form).
	Origin string

	// Header metadata and optional client fingerprint token.
	Meta identity.RequestMeta

	// Trial session the request runs under, empty when none.
	SessionID string
}

// Admission coordinator: the only entry point other subsystems call. Each
// check runs resolve -> classify -> load -> blocked -> rate window -> quota
// inside the ledger's per-identity critical section, and records usage only
// when admitted. Every store failure is a fail-closed denial.
type Guard struct {
	ledger     ledger.Ledger
	classifier *netclass.Classifier
	policy     config.LimitPolicy
	flagger    *flagger.Flagger
	breaker    *breaker.StoreBreaker

	// Injected for window-advance tests; defaults to time.Now.
	NowFunc func() time.Time
}

func New(usageLedger ledger.Ledger, classifier *netclass.Classifier, policy config.LimitPolicy) *Guard {
	return &Guard{
		ledger:     usageLedger,
		classifier: classifier,
		policy:     policy,
		flagger:    flagger.New(usageLedger, policy),
		breaker:    breaker.New(breaker.Config{}),
		NowFunc:    time.Now,
	}
}

// The exact policy values loaded at startup, for the audit surface.
func (g *Guard) Policy() config.LimitPolicy {
	return g.policy
}

func (g *Guard) now() time.Time {
	if g.NowFunc != nil {
		return g.NowFunc()
	}
	return time.Now()
}

// Checks and, when admitted, records one metered AI call.
func (g *Guard) CheckCall(ctx context.Context, req Request) Decision {
	fingerprint := identity.Resolve(req.Meta)
	anonymized := g.classifier.IsAnonymized(req.Origin)
	limits := g.policy.Adjusted(anonymized)
	now := g.now()

	var decision Decision
	err := g.breaker.Call(func() error {
		return g.ledger.WithVisitor(ctx, req.Origin, fingerprint, req.SessionID, func(v *models.VisitorRecord, s *models.SessionUsage) error {
			v.IsNetworkAnonymized = anonymized

			if v.IsBlocked {
				decision = deny(ReasonBlocked)
				return nil
			}

			if req.SessionID != "" && s == nil {
				// Unknown session ids fail like expired ones; an attacker
				// probing for valid ids learns nothing extra.
				decision = deny(ReasonSessionExpired)
				return nil
			}

			window := ratewindow.Evaluate(v.RecentCallTimestamps, now, limits.RateWindow(), limits.RateMaxCalls)
			if !window.Allowed {
				decision = deny(ReasonRateLimited)
				decision.RetryAfterSeconds = ceilSeconds(window.RetryAfter)
				return nil
			}

			if denial := quota.EvaluateCall(v, s, limits, now); denial != quota.DenialNone {
				decision = deny(quotaReason(denial))
				return nil
			}

			// Admitted: record usage. Pruning uses the unadjusted window,
			// the widest one in use.
			v.ApplyCall(now, g.policy.RateWindow())
			if s != nil {
				s.AICallsUsed++
			}
			decision = allow(quota.RemainingCalls(v, s, limits))
			return nil
		})
	})
	if err != nil {
		decision = g.storeFailure("check call", err)
	}

	g.afterDenial(ctx, req.Origin, fingerprint, decision, now)
	return decision
}

// Checks and, when admitted, records a project creation within the session.
func (g *Guard) CheckProjectCreate(ctx context.Context, req Request) Decision {
	fingerprint := identity.Resolve(req.Meta)
	anonymized := g.classifier.IsAnonymized(req.Origin)
	limits := g.policy.Adjusted(anonymized)
	now := g.now()

	var decision Decision
	err := g.breaker.Call(func() error {
		return g.ledger.WithVisitor(ctx, req.Origin, fingerprint, req.SessionID, func(v *models.VisitorRecord, s *models.SessionUsage) error {
			v.IsNetworkAnonymized = anonymized

			if v.IsBlocked {
				decision = deny(ReasonBlocked)
				return nil
			}
			if s == nil {
				decision = deny(ReasonSessionExpired)
				return nil
			}

			if denial := quota.EvaluateProjectCreate(s, limits, now); denial != quota.DenialNone {
				decision = deny(quotaReason(denial))
				return nil
			}

			s.ProjectsCreated++
			decision = allow(limits.SessionMaxProjects - s.ProjectsCreated)
			return nil
		})
	})
	if err != nil {
		decision = g.storeFailure("check project create", err)
	}

	g.afterDenial(ctx, req.Origin, fingerprint, decision, now)
	return decision
}

// Checks session-creation caps and, when admitted, creates the trial session
// and returns it alongside the decision.
func (g *Guard) CreateSession(ctx context.Context, req Request) (Decision, *models.SessionUsage) {
	fingerprint := identity.Resolve(req.Meta)
	anonymized := g.classifier.IsAnonymized(req.Origin)
	limits := g.policy.Adjusted(anonymized)
	now := g.now()

	var decision Decision
	var sessions24h int
	err := g.breaker.Call(func() error {
		return g.ledger.WithVisitor(ctx, req.Origin, fingerprint, "", func(v *models.VisitorRecord, _ *models.SessionUsage) error {
			v.IsNetworkAnonymized = anonymized

			if v.IsBlocked {
				decision = deny(ReasonBlocked)
				return nil
			}

			v.RefreshSessionWindows(now)
			if denial := quota.EvaluateSessionCreate(v, limits); denial != quota.DenialNone {
				decision = deny(quotaReason(denial))
				decision.RetryAfterSeconds = ceilSeconds(sessionCapRetry(v.RecentSessionTimestamps, denial, now))
				return nil
			}

			v.ApplySessionCreated(now)
			sessions24h = v.SessionsLast24h
			decision = allow(limits.SessionsPerHour - v.SessionsLastHour)
			return nil
		})
	})
	if err != nil {
		decision = g.storeFailure("create session", err)
	}

	g.afterDenial(ctx, req.Origin, fingerprint, decision, now)
	if !decision.Allowed {
		return decision, nil
	}

	session := &models.SessionUsage{
		SessionID:   uuid.NewString(),
		Fingerprint: fingerprint,
		CreatedAt:   now,
		ExpiresAt:   now.Add(g.policy.SessionDuration()),
	}
	err = g.breaker.Call(func() error {
		return g.ledger.CreateSession(ctx, session)
	})
	if err != nil {
		return g.storeFailure("persist session", err), nil
	}

	g.flagger.OnSessionCreated(ctx, req.Origin, fingerprint, sessions24h)
	return decision, session
}

// Checks the extension cap and, when admitted, extends the session by the
// configured fixed duration. Extension never resets session counters.
func (g *Guard) ExtendSession(ctx context.Context, req Request) (Decision, *models.SessionUsage) {
	fingerprint := identity.Resolve(req.Meta)
	now := g.now()

	var decision Decision
	var extended *models.SessionUsage
	err := g.breaker.Call(func() error {
		return g.ledger.WithVisitor(ctx, req.Origin, fingerprint, req.SessionID, func(v *models.VisitorRecord, s *models.SessionUsage) error {
			if v.IsBlocked {
				decision = deny(ReasonBlocked)
				return nil
			}
			if s == nil {
				decision = deny(ReasonSessionExpired)
				return nil
			}
			if s.IsExpired(now) {
				decision = deny(ReasonSessionExpired)
				return nil
			}
			if s.ExtensionsUsed >= g.policy.MaxExtensions {
				decision = deny(ReasonExtensionCapReached)
				return nil
			}

			s.ExtensionsUsed++
			s.ExpiresAt = s.ExpiresAt.Add(g.policy.ExtensionDuration())
			extended = s.Clone()
			decision = allow(g.policy.MaxExtensions - s.ExtensionsUsed)
			return nil
		})
	})
	if err != nil {
		decision = g.storeFailure("extend session", err)
	}

	g.afterDenial(ctx, req.Origin, fingerprint, decision, now)
	return decision, extended
}

// Maps any ledger failure (store down, breaker open, context cancelled) to a
// fail-closed denial: false rejection beats uncontrolled cost exposure.
func (g *Guard) storeFailure(op string, err error) Decision {
	log.Printf("guard: %s: fail-closed, %v", op, err)
	return deny(ReasonStoreUnavailable)
}

// Feeds the flagger after a denial. Blocked identities are already flagged
// territory and store failures say nothing about the caller, so neither
// counts toward breach promotion.
func (g *Guard) afterDenial(ctx context.Context, origin, fingerprint string, decision Decision, now time.Time) {
	if decision.Allowed {
		return
	}
	switch decision.Reason {
	case ReasonBlocked, ReasonStoreUnavailable:
		return
	}
	g.flagger.OnDenial(ctx, origin, fingerprint, string(decision.Reason), now)
}

// How long until the oldest session creation inside the violated window ages
// out and frees a slot.
func sessionCapRetry(timestamps models.TimestampList, denial quota.Denial, now time.Time) time.Duration {
	window := 24 * time.Hour
	if denial == quota.DenialSessionsHour {
		window = time.Hour
	}
	windowStart := now.Add(-window)

	var oldest time.Time
	for _, ts := range timestamps {
		if ts.After(windowStart) && (oldest.IsZero() || ts.Before(oldest)) {
			oldest = ts
		}
	}
	if oldest.IsZero() {
		return 0
	}
	return window - now.Sub(oldest)
}
