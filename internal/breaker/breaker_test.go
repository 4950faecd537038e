package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errStore = errors.New("connection refused")

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	b := New(Config{MaxFailures: 3, Cooldown: time.Minute})

	fail := func() error { return errStore }

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, b.Call(fail), errStore)
	}
	assert.Equal(t, StateOpen, b.State())

	// Open circuit rejects without invoking the store.
	called := false
	err := b.Call(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrStoreOpen)
	assert.False(t, called)
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b := New(Config{MaxFailures: 3, Cooldown: time.Minute})

	require.ErrorIs(t, b.Call(func() error { return errStore }), errStore)
	require.ErrorIs(t, b.Call(func() error { return errStore }), errStore)
	require.NoError(t, b.Call(func() error { return nil }))
	require.ErrorIs(t, b.Call(func() error { return errStore }), errStore)

	assert.Equal(t, StateClosed, b.State())
}

func TestHalfOpenProbeAfterCooldown(t *testing.T) {
	b := New(Config{MaxFailures: 1, Cooldown: 10 * time.Millisecond})

	require.ErrorIs(t, b.Call(func() error { return errStore }), errStore)
	require.Equal(t, StateOpen, b.State())

	time.Sleep(20 * time.Millisecond)

	// The probe succeeds and closes the circuit again.
	require.NoError(t, b.Call(func() error { return nil }))
	assert.Equal(t, StateClosed, b.State())
}

func TestFailedProbeReopens(t *testing.T) {
	b := New(Config{MaxFailures: 1, Cooldown: 10 * time.Millisecond})

	require.ErrorIs(t, b.Call(func() error { return errStore }), errStore)
	time.Sleep(20 * time.Millisecond)
	require.ErrorIs(t, b.Call(func() error { return errStore }), errStore)

	assert.Equal(t, StateOpen, b.State())
	assert.ErrorIs(t, b.Call(func() error { return nil }), ErrStoreOpen)
}

func TestReset(t *testing.T) {
	b := New(Config{MaxFailures: 1, Cooldown: time.Hour})

	require.ErrorIs(t, b.Call(func() error { return errStore }), errStore)
	require.Equal(t, StateOpen, b.State())

	b.Reset()
	assert.Equal(t, StateClosed, b.State())
	assert.NoError(t, b.Call(func() error { return nil }))
}
