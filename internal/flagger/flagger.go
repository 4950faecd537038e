package flagger

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/triallabs/trial-guard/internal/config"
	"github.com/triallabs/trial-guard/internal/ledger"
)

// Promotes abuse patterns into the persistent is_flagged state: repeated
// threshold breaches within the configured window, or a session-creation
// spike. Flagging is monotonic and never denies by itself; is_blocked is the
// separate administrative always-deny state.
type Flagger struct {
	ledger ledger.Ledger
	policy config.LimitPolicy
}

func New(usageLedger ledger.Ledger, policy config.LimitPolicy) *Flagger {
	return &Flagger{ledger: usageLedger, policy: policy}
}

// Records a threshold breach and flags the identity once breaches within the
// flag window reach the configured threshold. Failures here only lose flag
// bookkeeping - the denial itself has already been decided - so they are
// logged, never propagated.
func (f *Flagger) OnDenial(ctx context.Context, origin, fingerprint, kind string, at time.Time) {
	count, err := f.ledger.RecordDenial(ctx, origin, fingerprint, kind, at, f.policy.DenialFlagWindow())
	if err != nil {
		log.Printf("flagger: record denial for %s|%s: %v", origin, fingerprint, err)
		return
	}

	if count < f.policy.DenialFlagThreshold {
		return
	}

	reason := fmt.Sprintf("%d threshold breaches within %s (latest: %s)",
		count, f.policy.DenialFlagWindow(), kind)
	if err := f.ledger.SetFlag(ctx, origin, fingerprint, reason); err != nil {
		log.Printf("flagger: set flag for %s|%s: %v", origin, fingerprint, err)
	}
}

// Flags an identity whose 24h session-creation count crossed the auto-flag
// threshold. Called after an admitted session creation.
func (f *Flagger) OnSessionCreated(ctx context.Context, origin, fingerprint string, sessionsLast24h int) {
	if sessionsLast24h < f.policy.AutoFlagSessions24h {
		return
	}

	reason := fmt.Sprintf("%d sessions created within 24h", sessionsLast24h)
	if err := f.ledger.SetFlag(ctx, origin, fingerprint, reason); err != nil {
		log.Printf("flagger: set flag for %s|%s: %v", origin, fingerprint, err)
	}
}
