package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/triallabs/trial-guard/internal/ledger"
	"github.com/triallabs/trial-guard/internal/models"
)

type visitorEntry struct {
	mu     sync.Mutex
	record *models.VisitorRecord
}

type sessionEntry struct {
	mu      sync.Mutex
	session *models.SessionUsage
}

type denialEvent struct {
	at   time.Time
	kind string
}

// In-process ledger. Reference implementation for tests and single-process
// embeddings: a mutex per identity held across the whole check-then-increment
// sequence, so same-identity callers serialize and distinct identities never
// contend.
type Ledger struct {
	mu       sync.Mutex // guards the maps only, never held across updates
	visitors map[string]*visitorEntry
	sessions map[string]*sessionEntry
	denials  map[string][]denialEvent
}

func New() *Ledger {
	return &Ledger{
		visitors: make(map[string]*visitorEntry),
		sessions: make(map[string]*sessionEntry),
		denials:  make(map[string][]denialEvent),
	}
}

func identityKey(origin, fingerprint string) string {
	return origin + "|" + fingerprint
}

func (l *Ledger) visitorEntry(origin, fingerprint string) *visitorEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := identityKey(origin, fingerprint)
	entry, ok := l.visitors[key]
	if !ok {
		entry = &visitorEntry{
			record: &models.VisitorRecord{
				ID:            uuid.New(),
				NetworkOrigin: origin,
				Fingerprint:   fingerprint,
				CreatedAt:     time.Now(),
			},
		}
		l.visitors[key] = entry
	}
	return entry
}

func (l *Ledger) WithVisitor(ctx context.Context, origin, fingerprint, sessionID string, fn ledger.VisitorUpdate) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	entry := l.visitorEntry(origin, fingerprint)
	entry.mu.Lock()
	defer entry.mu.Unlock()

	var sess *sessionEntry
	if sessionID != "" {
		l.mu.Lock()
		sess = l.sessions[sessionID]
		l.mu.Unlock()
	}

	// Run fn against copies; swap in only on success so an aborted update
	// leaves no partial mutation behind.
	visitor := entry.record.Clone()
	var session *models.SessionUsage
	if sess != nil {
		sess.mu.Lock()
		defer sess.mu.Unlock()
		session = sess.session.Clone()
	}

	if err := fn(visitor, session); err != nil {
		return err
	}

	visitor.UpdatedAt = time.Now()
	entry.record = visitor
	if sess != nil {
		sess.session = session
	}
	return nil
}

func (l *Ledger) WithSession(ctx context.Context, sessionID string, fn ledger.SessionUpdate) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	sess, ok := l.sessions[sessionID]
	l.mu.Unlock()
	if !ok {
		return ledger.ErrSessionNotFound
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	session := sess.session.Clone()
	if err := fn(session); err != nil {
		return err
	}

	sess.session = session
	return nil
}

func (l *Ledger) CreateSession(ctx context.Context, session *models.SessionUsage) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.sessions[session.SessionID] = &sessionEntry{session: session.Clone()}
	return nil
}

func (l *Ledger) GetVisitor(ctx context.Context, origin, fingerprint string) (*models.VisitorRecord, error) {
	l.mu.Lock()
	entry, ok := l.visitors[identityKey(origin, fingerprint)]
	l.mu.Unlock()
	if !ok {
		return nil, nil
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.record.Clone(), nil
}

func (l *Ledger) GetSession(ctx context.Context, sessionID string) (*models.SessionUsage, error) {
	l.mu.Lock()
	sess, ok := l.sessions[sessionID]
	l.mu.Unlock()
	if !ok {
		return nil, ledger.ErrSessionNotFound
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.session.Clone(), nil
}

func (l *Ledger) RecordDenial(ctx context.Context, origin, fingerprint, kind string, at time.Time, window time.Duration) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := identityKey(origin, fingerprint)
	cutoff := at.Add(-window)

	kept := make([]denialEvent, 0, len(l.denials[key])+1)
	for _, event := range l.denials[key] {
		if event.at.After(cutoff) {
			kept = append(kept, event)
		}
	}
	kept = append(kept, denialEvent{at: at, kind: kind})
	l.denials[key] = kept

	return len(kept), nil
}

func (l *Ledger) SetFlag(ctx context.Context, origin, fingerprint, reason string) error {
	return l.WithVisitor(ctx, origin, fingerprint, "", func(v *models.VisitorRecord, _ *models.SessionUsage) error {
		if !v.IsFlagged {
			v.IsFlagged = true
			v.FlagReason = reason
		}
		return nil
	})
}

func (l *Ledger) ClearFlag(ctx context.Context, origin, fingerprint string) error {
	return l.WithVisitor(ctx, origin, fingerprint, "", func(v *models.VisitorRecord, _ *models.SessionUsage) error {
		v.IsFlagged = false
		v.FlagReason = ""
		return nil
	})
}

func (l *Ledger) SetBlocked(ctx context.Context, origin, fingerprint string, blocked bool, reason string) error {
	return l.WithVisitor(ctx, origin, fingerprint, "", func(v *models.VisitorRecord, _ *models.SessionUsage) error {
		v.IsBlocked = blocked
		if blocked && reason != "" {
			v.FlagReason = reason
		}
		return nil
	})
}

func (l *Ledger) Ping(ctx context.Context) error {
	return ctx.Err()
}
