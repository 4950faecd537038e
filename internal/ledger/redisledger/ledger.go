package redisledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/triallabs/trial-guard/internal/ledger"
	"github.com/triallabs/trial-guard/internal/models"
	"github.com/triallabs/trial-guard/internal/storage"
)

// How many times an optimistic transaction retries after losing a WATCH race
// before giving up. Contention is per identity, so in practice one retry
// resolves it.
const maxTxRetries = 5

// Session rows linger past expiry so historical counters stay readable for
// analytics.
const sessionRetention = 14 * 24 * time.Hour

// Redis-backed ledger. Visitor and session records are JSON values mutated
// under WATCH transactions keyed per identity; denial events live in a
// sorted set scored by timestamp, pruned with ZRemRangeByScore on every
// write the same way the rate window prunes call timestamps.
type Ledger struct {
	redis *storage.RedisClient
}

func New(redisClient *storage.RedisClient) *Ledger {
	return &Ledger{redis: redisClient}
}

func visitorKey(origin, fingerprint string) string {
	return fmt.Sprintf("guard:visitor:%s|%s", origin, fingerprint)
}

func sessionKey(sessionID string) string {
	return "guard:session:" + sessionID
}

func denialKey(origin, fingerprint string) string {
	return fmt.Sprintf("guard:denials:%s|%s", origin, fingerprint)
}

func (l *Ledger) WithVisitor(ctx context.Context, origin, fingerprint, sessionID string, fn ledger.VisitorUpdate) error {
	keys := []string{visitorKey(origin, fingerprint)}
	if sessionID != "" {
		keys = append(keys, sessionKey(sessionID))
	}

	var fnErr error

	txn := func(tx *redis.Tx) error {
		visitor, err := loadVisitor(ctx, tx, origin, fingerprint)
		if err != nil {
			return err
		}

		var session *models.SessionUsage
		if sessionID != "" {
			session, err = loadSession(ctx, tx, sessionID)
			if err != nil {
				return err
			}
		}

		if err := fn(visitor, session); err != nil {
			fnErr = err
			return err
		}

		visitor.UpdatedAt = time.Now()
		visitorJSON, err := json.Marshal(visitor)
		if err != nil {
			return err
		}
		var sessionJSON []byte
		if session != nil {
			if sessionJSON, err = json.Marshal(session); err != nil {
				return err
			}
		}

		// Both writes land in one MULTI/EXEC, so a cancelled request either
		// commits the full increment or none of it.
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, visitorKey(origin, fingerprint), visitorJSON, 0)
			if session != nil {
				pipe.Set(ctx, sessionKey(sessionID), sessionJSON, sessionRetention)
			}
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err := l.redis.Watch(ctx, txn, keys...)
		if err == nil {
			return nil
		}
		if fnErr != nil && errors.Is(err, fnErr) {
			return fnErr
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return fmt.Errorf("%w: %v", ledger.ErrStoreUnavailable, err)
	}
	return fmt.Errorf("%w: transaction retries exhausted for %s", ledger.ErrStoreUnavailable, visitorKey(origin, fingerprint))
}

func loadVisitor(ctx context.Context, tx *redis.Tx, origin, fingerprint string) (*models.VisitorRecord, error) {
	data, err := tx.Get(ctx, visitorKey(origin, fingerprint)).Result()
	if err == redis.Nil {
		return &models.VisitorRecord{
			ID:            uuid.New(),
			NetworkOrigin: origin,
			Fingerprint:   fingerprint,
			CreatedAt:     time.Now(),
		}, nil
	}
	if err != nil {
		return nil, err
	}

	var visitor models.VisitorRecord
	if err := json.Unmarshal([]byte(data), &visitor); err != nil {
		return nil, err
	}
	return &visitor, nil
}

func loadSession(ctx context.Context, tx *redis.Tx, sessionID string) (*models.SessionUsage, error) {
	data, err := tx.Get(ctx, sessionKey(sessionID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var session models.SessionUsage
	if err := json.Unmarshal([]byte(data), &session); err != nil {
		return nil, err
	}
	return &session, nil
}

func (l *Ledger) WithSession(ctx context.Context, sessionID string, fn ledger.SessionUpdate) error {
	var fnErr error

	txn := func(tx *redis.Tx) error {
		session, err := loadSession(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if session == nil {
			fnErr = ledger.ErrSessionNotFound
			return fnErr
		}

		if err := fn(session); err != nil {
			fnErr = err
			return err
		}

		sessionJSON, err := json.Marshal(session)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, sessionKey(sessionID), sessionJSON, sessionRetention)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err := l.redis.Watch(ctx, txn, sessionKey(sessionID))
		if err == nil {
			return nil
		}
		if fnErr != nil && errors.Is(err, fnErr) {
			return fnErr
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return fmt.Errorf("%w: %v", ledger.ErrStoreUnavailable, err)
	}
	return fmt.Errorf("%w: transaction retries exhausted for session %s", ledger.ErrStoreUnavailable, sessionID)
}

func (l *Ledger) CreateSession(ctx context.Context, session *models.SessionUsage) error {
	sessionJSON, err := json.Marshal(session)
	if err != nil {
		return err
	}
	if err := l.redis.Set(ctx, sessionKey(session.SessionID), sessionJSON, sessionRetention); err != nil {
		return fmt.Errorf("%w: %v", ledger.ErrStoreUnavailable, err)
	}
	return nil
}

func (l *Ledger) GetVisitor(ctx context.Context, origin, fingerprint string) (*models.VisitorRecord, error) {
	data, err := l.redis.Get(ctx, visitorKey(origin, fingerprint))
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ledger.ErrStoreUnavailable, err)
	}

	var visitor models.VisitorRecord
	if err := json.Unmarshal([]byte(data), &visitor); err != nil {
		return nil, err
	}
	return &visitor, nil
}

func (l *Ledger) GetSession(ctx context.Context, sessionID string) (*models.SessionUsage, error) {
	data, err := l.redis.Get(ctx, sessionKey(sessionID))
	if err == redis.Nil {
		return nil, ledger.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ledger.ErrStoreUnavailable, err)
	}

	var session models.SessionUsage
	if err := json.Unmarshal([]byte(data), &session); err != nil {
		return nil, err
	}
	return &session, nil
}

func (l *Ledger) RecordDenial(ctx context.Context, origin, fingerprint, kind string, at time.Time, window time.Duration) (int, error) {
	key := denialKey(origin, fingerprint)
	windowStart := at.Add(-window)

	pipe := l.redis.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", windowStart.UnixNano()))
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(at.UnixNano()),
		Member: fmt.Sprintf("%d:%s", at.UnixNano(), kind),
	})
	countCmd := pipe.ZCard(ctx, key)
	pipe.Expire(ctx, key, window)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("%w: %v", ledger.ErrStoreUnavailable, err)
	}
	return int(countCmd.Val()), nil
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
	if err := l.redis.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ledger.ErrStoreUnavailable, err)
	}
	return nil
}
