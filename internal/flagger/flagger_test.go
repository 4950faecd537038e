package flagger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/triallabs/trial-guard/internal/config"
	"github.com/triallabs/trial-guard/internal/ledger/memory"
)

func testPolicy() config.LimitPolicy {
	return config.LimitPolicy{
		DenialFlagThreshold:     3,
		DenialFlagWindowMinutes: 10,
		AutoFlagSessions24h:     4,
	}
}

func TestRepeatedDenialsPromoteToFlag(t *testing.T) {
	store := memory.New()
	f := New(store, testPolicy())
	ctx := context.Background()
	base := time.Now()

	f.OnDenial(ctx, "203.0.113.7", "fp-a", "rate_limited", base)
	f.OnDenial(ctx, "203.0.113.7", "fp-a", "rate_limited", base.Add(time.Second))

	record, err := store.GetVisitor(ctx, "203.0.113.7", "fp-a")
	require.NoError(t, err)
	if record != nil {
		assert.False(t, record.IsFlagged)
	}

	f.OnDenial(ctx, "203.0.113.7", "fp-a", "global_quota_exhausted", base.Add(2*time.Second))

	record, err = store.GetVisitor(ctx, "203.0.113.7", "fp-a")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.True(t, record.IsFlagged)
	assert.Contains(t, record.FlagReason, "3 threshold breaches")
}

func TestDenialsOutsideWindowDoNotAccumulate(t *testing.T) {
	store := memory.New()
	f := New(store, testPolicy())
	ctx := context.Background()
	base := time.Now()

	f.OnDenial(ctx, "203.0.113.7", "fp-a", "rate_limited", base)
	f.OnDenial(ctx, "203.0.113.7", "fp-a", "rate_limited", base.Add(11*time.Minute))
	f.OnDenial(ctx, "203.0.113.7", "fp-a", "rate_limited", base.Add(12*time.Minute))

	record, err := store.GetVisitor(ctx, "203.0.113.7", "fp-a")
	require.NoError(t, err)
	if record != nil {
		assert.False(t, record.IsFlagged)
	}
}

func TestSessionSpikeAutoFlag(t *testing.T) {
	store := memory.New()
	f := New(store, testPolicy())
	ctx := context.Background()

	f.OnSessionCreated(ctx, "203.0.113.7", "fp-a", 3)
	record, err := store.GetVisitor(ctx, "203.0.113.7", "fp-a")
	require.NoError(t, err)
	if record != nil {
		assert.False(t, record.IsFlagged)
	}

	f.OnSessionCreated(ctx, "203.0.113.7", "fp-a", 4)
	record, err = store.GetVisitor(ctx, "203.0.113.7", "fp-a")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.True(t, record.IsFlagged)
	assert.Contains(t, record.FlagReason, "sessions created within 24h")
}

func TestFlagReasonIsNotOverwritten(t *testing.T) {
	store := memory.New()
	f := New(store, testPolicy())
	ctx := context.Background()
	base := time.Now()

	for i := 0; i < 3; i++ {
		f.OnDenial(ctx, "203.0.113.7", "fp-a", "rate_limited", base.Add(time.Duration(i)*time.Second))
	}
	record, err := store.GetVisitor(ctx, "203.0.113.7", "fp-a")
	require.NoError(t, err)
	first := record.FlagReason

	f.OnSessionCreated(ctx, "203.0.113.7", "fp-a", 99)
	record, err = store.GetVisitor(ctx, "203.0.113.7", "fp-a")
	require.NoError(t, err)
	assert.Equal(t, first, record.FlagReason)
}
