package sqlledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/triallabs/trial-guard/internal/ledger"
	"github.com/triallabs/trial-guard/internal/models"
	"github.com/triallabs/trial-guard/internal/storage"
)

// Postgres-backed ledger. The per-identity critical section is a transaction
// holding SELECT ... FOR UPDATE on the visitor row, so two requests racing on
// the same identity serialize at the database and distinct identities only
// ever lock their own rows.
type Ledger struct {
	db *storage.Postgres
}

func New(db *storage.Postgres) *Ledger {
	return &Ledger{db: db}
}

func (l *Ledger) WithVisitor(ctx context.Context, origin, fingerprint, sessionID string, fn ledger.VisitorUpdate) error {
	var fnErr error

	txErr := l.db.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		visitor, err := lockVisitor(tx, origin, fingerprint)
		if err != nil {
			return err
		}

		var session *models.SessionUsage
		if sessionID != "" {
			var s models.SessionUsage
			err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				Where("session_id = ?", sessionID).
				First(&s).Error
			if err == nil {
				session = &s
			} else if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
		}

		if err := fn(visitor, session); err != nil {
			fnErr = err
			return err
		}

		if err := tx.Save(visitor).Error; err != nil {
			return err
		}
		if session != nil {
			if err := tx.Save(session).Error; err != nil {
				return err
			}
		}
		return nil
	})

	return classify(txErr, fnErr)
}

// Loads the visitor row under FOR UPDATE, inserting it first if the identity
// is new. The unique index on (network_origin, fingerprint) makes creation
// exactly-once under concurrent callers; a lost insert race falls through to
// locking the winner's row.
func lockVisitor(tx *gorm.DB, origin, fingerprint string) (*models.VisitorRecord, error) {
	locked := func() (*models.VisitorRecord, error) {
		var v models.VisitorRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("network_origin = ? AND fingerprint = ?", origin, fingerprint).
			First(&v).Error
		if err != nil {
			return nil, err
		}
		return &v, nil
	}

	visitor, err := locked()
	if err == nil {
		return visitor, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	fresh := models.VisitorRecord{NetworkOrigin: origin, Fingerprint: fingerprint}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&fresh).Error; err != nil {
		return nil, err
	}
	return locked()
}

func (l *Ledger) WithSession(ctx context.Context, sessionID string, fn ledger.SessionUpdate) error {
	var fnErr error

	txErr := l.db.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var session models.SessionUsage
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("session_id = ?", sessionID).
			First(&session).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			fnErr = ledger.ErrSessionNotFound
			return fnErr
		}
		if err != nil {
			return err
		}

		if err := fn(&session); err != nil {
			fnErr = err
			return err
		}

		return tx.Save(&session).Error
	})

	return classify(txErr, fnErr)
}

func (l *Ledger) CreateSession(ctx context.Context, session *models.SessionUsage) error {
	if err := l.db.DB.WithContext(ctx).Create(session).Error; err != nil {
		return fmt.Errorf("%w: %v", ledger.ErrStoreUnavailable, err)
	}
	return nil
}

func (l *Ledger) GetVisitor(ctx context.Context, origin, fingerprint string) (*models.VisitorRecord, error) {
	var visitor models.VisitorRecord
	err := l.db.DB.WithContext(ctx).
		Where("network_origin = ? AND fingerprint = ?", origin, fingerprint).
		First(&visitor).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ledger.ErrStoreUnavailable, err)
	}
	return &visitor, nil
}

func (l *Ledger) GetSession(ctx context.Context, sessionID string) (*models.SessionUsage, error) {
	var session models.SessionUsage
	err := l.db.DB.WithContext(ctx).
		Where("session_id = ?", sessionID).
		First(&session).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ledger.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ledger.ErrStoreUnavailable, err)
	}
	return &session, nil
}

func (l *Ledger) RecordDenial(ctx context.Context, origin, fingerprint, kind string, at time.Time, window time.Duration) (int, error) {
	var count int64

	txErr := l.db.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		event := models.DenialEvent{
			Timestamp:     at,
			NetworkOrigin: origin,
			Fingerprint:   fingerprint,
			Kind:          kind,
		}
		if err := tx.Create(&event).Error; err != nil {
			return err
		}

		// Denial rows older than the flag window have no reader; drop them
		// so the table stays bounded per identity.
		cutoff := at.Add(-window)
		if err := tx.
			Where("network_origin = ? AND fingerprint = ? AND timestamp <= ?", origin, fingerprint, cutoff).
			Delete(&models.DenialEvent{}).Error; err != nil {
			return err
		}

		return tx.Model(&models.DenialEvent{}).
			Where("network_origin = ? AND fingerprint = ? AND timestamp > ?", origin, fingerprint, cutoff).
			Count(&count).Error
	})

	if txErr != nil {
		return 0, fmt.Errorf("%w: %v", ledger.ErrStoreUnavailable, txErr)
	}
	return int(count), nil
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
	if err := l.db.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ledger.ErrStoreUnavailable, err)
	}
	return nil
}

// Keeps fn's own errors intact and wraps everything else as a store failure,
// so quota decisions never get conflated with an unreachable database.
func classify(txErr, fnErr error) error {
	if txErr == nil {
		return nil
	}
	if fnErr != nil && errors.Is(txErr, fnErr) {
		return fnErr
	}
	return fmt.Errorf("%w: %v", ledger.ErrStoreUnavailable, txErr)
}
