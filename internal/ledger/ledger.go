package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/triallabs/trial-guard/internal/models"
)

var (
	// ErrStoreUnavailable wraps persistence-layer failures. The coordinator
	// maps it to a fail-closed denial, never a fail-open admission, and it
	// must stay distinguishable from quota denials in logs.
	ErrStoreUnavailable = errors.New("usage store unavailable")

	// ErrSessionNotFound is returned when a session id has no row.
	ErrSessionNotFound = errors.New("session not found")
)

// Runs inside the ledger's per-identity critical section. session is nil
// when no session id was supplied or the id is unknown. Mutations made by
// fn persist if and only if fn returns nil; an error aborts the whole
// update with no partial counter mutation.
type VisitorUpdate func(visitor *models.VisitorRecord, session *models.SessionUsage) error

// Same contract, scoped to a single session row.
type SessionUpdate func(session *models.SessionUsage) error

// The sole read/write path to VisitorRecord and SessionUsage. Every
// implementation serializes the full load-evaluate-increment sequence per
// (network origin, fingerprint) key; distinct identities never contend.
type Ledger interface {
	// Get-or-creates the visitor record for the identity, loads the optional
	// session, and runs fn with exclusive access to both.
	WithVisitor(ctx context.Context, origin, fingerprint, sessionID string, fn VisitorUpdate) error

	// Runs fn with exclusive access to one session row.
	WithSession(ctx context.Context, sessionID string, fn SessionUpdate) error

	// Inserts a new session row.
	CreateSession(ctx context.Context, session *models.SessionUsage) error

	// Read-only copy of a visitor record; nil when the identity is unknown.
	GetVisitor(ctx context.Context, origin, fingerprint string) (*models.VisitorRecord, error)

	// Read-only copy of a session row; ErrSessionNotFound when absent.
	GetSession(ctx context.Context, sessionID string) (*models.SessionUsage, error)

	// Appends a denial event and returns how many denials the identity has
	// accrued within the window ending at the event, this one included.
	RecordDenial(ctx context.Context, origin, fingerprint, kind string, at time.Time, window time.Duration) (int, error)

	// Sets the monotonic flag state. Flagging never clears automatically;
	// ClearFlag exists for explicit administrative action only.
	SetFlag(ctx context.Context, origin, fingerprint, reason string) error
	ClearFlag(ctx context.Context, origin, fingerprint string) error

	// Sets or clears the administrative always-deny state.
	SetBlocked(ctx context.Context, origin, fingerprint string, blocked bool, reason string) error

	Ping(ctx context.Context) error
}
