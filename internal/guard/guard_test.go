package guard

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/triallabs/trial-guard/internal/config"
	"github.com/triallabs/trial-guard/internal/identity"
	"github.com/triallabs/trial-guard/internal/ledger"
	"github.com/triallabs/trial-guard/internal/ledger/memory"
	"github.com/triallabs/trial-guard/internal/models"
	"github.com/triallabs/trial-guard/internal/netclass"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func testPolicy() config.LimitPolicy {
	return config.LimitPolicy{
		Environment:             "test",
		RateWindowSeconds:       60,
		RateMaxCalls:            4,
		SessionMaxCalls:         10,
		GlobalMaxCalls:          30,
		SessionMaxProjects:      2,
		SessionsPerHour:         2,
		SessionsPer24h:          5,
		SessionDurationMinutes:  30,
		MaxExtensions:           2,
		ExtensionMinutes:        15,
		AnonymizedMultiplier:    0.5,
		AutoFlagSessions24h:     4,
		DenialFlagThreshold:     5,
		DenialFlagWindowMinutes: 60,
	}
}

// Classifier that marks 104.131.0.0/16 (a datacenter block) and nothing else.
func testClassifier(t *testing.T) *netclass.Classifier {
	c := netclass.NewClassifier()
	require.NoError(t, c.Replace([]string{"104.131.0.0/16"}))
	return c
}

func newTestGuard(t *testing.T) (*Guard, *memory.Ledger, *fakeClock) {
	store := memory.New()
	clock := newFakeClock()
	g := New(store, testClassifier(t), testPolicy())
	g.NowFunc = clock.Now
	return g, store, clock
}

func residentialReq() Request {
	return Request{
		Origin: "203.0.113.7",
		Meta:   identity.RequestMeta{UserAgent: "Mozilla/5.0", AcceptLanguage: "en-US", AcceptEncoding: "gzip"},
	}
}

func TestRateWindowDeniesWithRetryAfter(t *testing.T) {
	g, _, clock := newTestGuard(t)
	ctx := context.Background()
	req := residentialReq()

	for i := 0; i < 4; i++ {
		decision := g.CheckCall(ctx, req)
		require.True(t, decision.Allowed, "call %d should be admitted", i)
		clock.Advance(time.Second)
	}

	decision := g.CheckCall(ctx, req)
	assert.False(t, decision.Allowed)
	assert.Equal(t, ReasonRateLimited, decision.Reason)
	assert.Greater(t, decision.RetryAfterSeconds, 0)
	assert.LessOrEqual(t, decision.RetryAfterSeconds, 60)
}

func TestSlidingWindowBlocksBoundaryBurst(t *testing.T) {
	g, _, clock := newTestGuard(t)
	ctx := context.Background()
	req := residentialReq()

	// Full burst at t=0.
	for i := 0; i < 4; i++ {
		require.True(t, g.CheckCall(ctx, req).Allowed)
	}

	// Second burst just before the window closes: a fixed bucket would
	// admit all of it, the sliding window must deny.
	clock.Advance(59 * time.Second)
	denied := 0
	for i := 0; i < 4; i++ {
		if !g.CheckCall(ctx, req).Allowed {
			denied++
		}
	}
	assert.Greater(t, denied, 0)
}

func TestRateWindowRecoversAfterRetryAfter(t *testing.T) {
	g, _, clock := newTestGuard(t)
	ctx := context.Background()
	req := residentialReq()

	for i := 0; i < 4; i++ {
		require.True(t, g.CheckCall(ctx, req).Allowed)
	}
	decision := g.CheckCall(ctx, req)
	require.False(t, decision.Allowed)

	clock.Advance(time.Duration(decision.RetryAfterSeconds) * time.Second)
	assert.True(t, g.CheckCall(ctx, req).Allowed)
}

func TestGlobalQuotaBoundary(t *testing.T) {
	g, store, clock := newTestGuard(t)
	ctx := context.Background()
	req := residentialReq()
	fingerprint := identity.Resolve(req.Meta)

	// Seed the identity at 29 cumulative calls, one below the cap of 30.
	err := store.WithVisitor(ctx, req.Origin, fingerprint, "", func(v *models.VisitorRecord, _ *models.SessionUsage) error {
		v.CumulativeAICalls = 29
		return nil
	})
	require.NoError(t, err)

	decision := g.CheckCall(ctx, req)
	require.True(t, decision.Allowed)
	assert.Equal(t, 0, decision.Remaining)

	record, err := store.GetVisitor(ctx, req.Origin, fingerprint)
	require.NoError(t, err)
	assert.Equal(t, 30, record.CumulativeAICalls)

	clock.Advance(2 * time.Minute) // stay clear of the rate window
	decision = g.CheckCall(ctx, req)
	assert.False(t, decision.Allowed)
	assert.Equal(t, ReasonGlobalQuotaExhausted, decision.Reason)
}

func TestExpiredSessionDeniedWithoutMutation(t *testing.T) {
	g, store, clock := newTestGuard(t)
	ctx := context.Background()
	req := residentialReq()
	fingerprint := identity.Resolve(req.Meta)

	require.NoError(t, store.CreateSession(ctx, &models.SessionUsage{
		SessionID:   "sess-expired",
		Fingerprint: fingerprint,
		CreatedAt:   clock.Now().Add(-time.Hour),
		ExpiresAt:   clock.Now().Add(-time.Minute),
	}))

	req.SessionID = "sess-expired"
	decision := g.CheckCall(ctx, req)
	assert.False(t, decision.Allowed)
	assert.Equal(t, ReasonSessionExpired, decision.Reason)

	record, err := store.GetVisitor(ctx, req.Origin, fingerprint)
	require.NoError(t, err)
	assert.Equal(t, 0, record.CumulativeAICalls)
	assert.Empty(t, record.RecentCallTimestamps)

	session, err := store.GetSession(ctx, "sess-expired")
	require.NoError(t, err)
	assert.Equal(t, 0, session.AICallsUsed)
}

func TestUnknownSessionFailsLikeExpired(t *testing.T) {
	g, _, _ := newTestGuard(t)
	req := residentialReq()
	req.SessionID = "never-created"

	decision := g.CheckCall(context.Background(), req)
	assert.False(t, decision.Allowed)
	assert.Equal(t, ReasonSessionExpired, decision.Reason)
}

func TestSessionCreationCapAndRecovery(t *testing.T) {
	g, _, clock := newTestGuard(t)
	ctx := context.Background()
	req := residentialReq()

	decision, first := g.CreateSession(ctx, req)
	require.True(t, decision.Allowed)
	require.NotNil(t, first)
	assert.Equal(t, clock.Now().Add(30*time.Minute), first.ExpiresAt)

	decision, _ = g.CreateSession(ctx, req)
	require.True(t, decision.Allowed)

	decision, session := g.CreateSession(ctx, req)
	assert.False(t, decision.Allowed)
	assert.Equal(t, ReasonSessionCapReached, decision.Reason)
	assert.Nil(t, session)
	assert.Greater(t, decision.RetryAfterSeconds, 0)
	assert.LessOrEqual(t, decision.RetryAfterSeconds, 3600)

	// Once the hour window slides past, the same identity succeeds again.
	clock.Advance(61 * time.Minute)
	decision, session = g.CreateSession(ctx, req)
	assert.True(t, decision.Allowed)
	assert.NotNil(t, session)
}

func TestAnonymizedOriginHalvesThresholds(t *testing.T) {
	g, _, clock := newTestGuard(t)
	ctx := context.Background()

	// 104.131.x.x falls in the classifier's datacenter block: rate max
	// drops from 4 to 2 and sessions/hour from 2 to 1.
	req := Request{
		Origin: "104.131.10.20",
		Meta:   identity.RequestMeta{UserAgent: "curl/8.0", AcceptLanguage: "en", AcceptEncoding: "gzip"},
	}

	require.True(t, g.CheckCall(ctx, req).Allowed)
	require.True(t, g.CheckCall(ctx, req).Allowed)
	decision := g.CheckCall(ctx, req)
	assert.False(t, decision.Allowed)
	assert.Equal(t, ReasonRateLimited, decision.Reason)

	clock.Advance(2 * time.Minute)
	created, _ := g.CreateSession(ctx, req)
	require.True(t, created.Allowed)
	created, _ = g.CreateSession(ctx, req)
	assert.False(t, created.Allowed)
	assert.Equal(t, ReasonSessionCapReached, created.Reason)
}

func TestBlockedShortCircuitsEverything(t *testing.T) {
	g, store, _ := newTestGuard(t)
	ctx := context.Background()
	req := residentialReq()
	fingerprint := identity.Resolve(req.Meta)

	require.NoError(t, store.SetBlocked(ctx, req.Origin, fingerprint, true, "manual review"))

	decision := g.CheckCall(ctx, req)
	assert.False(t, decision.Allowed)
	assert.Equal(t, ReasonBlocked, decision.Reason)

	created, session := g.CreateSession(ctx, req)
	assert.False(t, created.Allowed)
	assert.Equal(t, ReasonBlocked, created.Reason)
	assert.Nil(t, session)

	// Blocked denials never feed breach promotion.
	record, err := store.GetVisitor(ctx, req.Origin, fingerprint)
	require.NoError(t, err)
	assert.False(t, record.IsFlagged)
}

func TestSessionQuotaAndProjectCap(t *testing.T) {
	g, _, clock := newTestGuard(t)
	ctx := context.Background()
	req := residentialReq()

	created, session := g.CreateSession(ctx, req)
	require.True(t, created.Allowed)
	req.SessionID = session.SessionID

	// Session cap of 10 is tighter than the global cap of 30.
	admitted := 0
	for i := 0; i < 12; i++ {
		if g.CheckCall(ctx, req).Allowed {
			admitted++
		}
		clock.Advance(20 * time.Second) // stay under the rate window
	}
	assert.Equal(t, 10, admitted)

	decision := g.CheckCall(ctx, req)
	assert.False(t, decision.Allowed)
	assert.Equal(t, ReasonSessionQuotaExhausted, decision.Reason)

	// Project cap is session-local too.
	require.True(t, g.CheckProjectCreate(ctx, req).Allowed)
	require.True(t, g.CheckProjectCreate(ctx, req).Allowed)
	project := g.CheckProjectCreate(ctx, req)
	assert.False(t, project.Allowed)
	assert.Equal(t, ReasonProjectQuotaExhausted, project.Reason)
}

func TestExtensionCap(t *testing.T) {
	g, _, clock := newTestGuard(t)
	ctx := context.Background()
	req := residentialReq()

	created, session := g.CreateSession(ctx, req)
	require.True(t, created.Allowed)
	req.SessionID = session.SessionID
	originalExpiry := session.ExpiresAt

	decision, extended := g.ExtendSession(ctx, req)
	require.True(t, decision.Allowed)
	assert.Equal(t, originalExpiry.Add(15*time.Minute), extended.ExpiresAt)
	assert.Equal(t, 1, extended.ExtensionsUsed)

	decision, extended = g.ExtendSession(ctx, req)
	require.True(t, decision.Allowed)
	assert.Equal(t, 0, decision.Remaining)

	decision, _ = g.ExtendSession(ctx, req)
	assert.False(t, decision.Allowed)
	assert.Equal(t, ReasonExtensionCapReached, decision.Reason)

	// Extension never resets session counters or revives an expired session.
	clock.Advance(2 * time.Hour)
	decision, _ = g.ExtendSession(ctx, req)
	assert.False(t, decision.Allowed)
	assert.Equal(t, ReasonSessionExpired, decision.Reason)
	assert.Equal(t, 2, extended.ExtensionsUsed)
}

func TestRepeatedDenialsFlagIdentity(t *testing.T) {
	g, store, _ := newTestGuard(t)
	ctx := context.Background()
	req := residentialReq()
	fingerprint := identity.Resolve(req.Meta)

	// Exhaust the rate window, then keep hammering: 5 denials within the
	// flag window promote to a flag.
	for i := 0; i < 4; i++ {
		require.True(t, g.CheckCall(ctx, req).Allowed)
	}
	for i := 0; i < 5; i++ {
		require.False(t, g.CheckCall(ctx, req).Allowed)
	}

	record, err := store.GetVisitor(ctx, req.Origin, fingerprint)
	require.NoError(t, err)
	assert.True(t, record.IsFlagged)
	assert.Contains(t, record.FlagReason, "threshold breaches")

	// Flagged-but-not-blocked identities still pass checks once headroom
	// returns.
	assert.False(t, record.IsBlocked)
}

func TestConcurrentCallsNeverOvershootGlobalCap(t *testing.T) {
	store := memory.New()
	clock := newFakeClock()
	policy := testPolicy()
	policy.RateMaxCalls = 1000 // isolate the quota check
	g := New(store, testClassifier(t), policy)
	g.NowFunc = clock.Now

	ctx := context.Background()
	req := residentialReq()
	fingerprint := identity.Resolve(req.Meta)

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 60; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.CheckCall(ctx, req).Allowed {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 30, admitted, "two racing calls must never both land over the cap")

	record, err := store.GetVisitor(ctx, req.Origin, fingerprint)
	require.NoError(t, err)
	assert.Equal(t, 30, record.CumulativeAICalls)
}

// Ledger that fails every operation, for the fail-closed path.
type downLedger struct{}

var errDown = errors.New("usage store unavailable: connection refused")

func (d *downLedger) WithVisitor(context.Context, string, string, string, ledger.VisitorUpdate) error {
	return errDown
}
func (d *downLedger) WithSession(context.Context, string, ledger.SessionUpdate) error {
	return errDown
}
func (d *downLedger) CreateSession(context.Context, *models.SessionUsage) error { return errDown }
func (d *downLedger) GetVisitor(context.Context, string, string) (*models.VisitorRecord, error) {
	return nil, errDown
}
func (d *downLedger) GetSession(context.Context, string) (*models.SessionUsage, error) {
	return nil, errDown
}
func (d *downLedger) RecordDenial(context.Context, string, string, string, time.Time, time.Duration) (int, error) {
	return 0, errDown
}
func (d *downLedger) SetFlag(context.Context, string, string, string) error     { return errDown }
func (d *downLedger) ClearFlag(context.Context, string, string) error           { return errDown }
func (d *downLedger) SetBlocked(context.Context, string, string, bool, string) error {
	return errDown
}
func (d *downLedger) Ping(context.Context) error { return errDown }

func TestStoreFailureFailsClosed(t *testing.T) {
	g := New(&downLedger{}, testClassifier(t), testPolicy())
	ctx := context.Background()
	req := residentialReq()

	decision := g.CheckCall(ctx, req)
	assert.False(t, decision.Allowed)
	assert.Equal(t, ReasonStoreUnavailable, decision.Reason)

	created, session := g.CreateSession(ctx, req)
	assert.False(t, created.Allowed)
	assert.Equal(t, ReasonStoreUnavailable, created.Reason)
	assert.Nil(t, session)

	req.SessionID = "sess-1"
	extended, _ := g.ExtendSession(ctx, req)
	assert.False(t, extended.Allowed)
	assert.Equal(t, ReasonStoreUnavailable, extended.Reason)
}

func TestBreakerOpensAfterRepeatedStoreFailures(t *testing.T) {
	g := New(&downLedger{}, testClassifier(t), testPolicy())
	ctx := context.Background()
	req := residentialReq()

	// Enough failures to trip the breaker; every decision stays denied.
	for i := 0; i < 10; i++ {
		decision := g.CheckCall(ctx, req)
		assert.False(t, decision.Allowed)
		assert.Equal(t, ReasonStoreUnavailable, decision.Reason)
	}
}

func TestPolicyExposedForAudit(t *testing.T) {
	g, _, _ := newTestGuard(t)
	assert.Equal(t, testPolicy(), g.Policy())
}
