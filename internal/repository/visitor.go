package repository

import (
	"context"

	"github.com/triallabs/trial-guard/internal/models"
	"github.com/triallabs/trial-guard/internal/storage"
)

// Read-side queries for the admin review dashboard. All mutation still goes
// through the ledger; this repository only reads.
type VisitorRepository struct {
	db *storage.Postgres
}

func NewVisitorRepository(db *storage.Postgres) *VisitorRepository {
	return &VisitorRepository{db: db}
}

func (r *VisitorRepository) ListFlagged(ctx context.Context) ([]models.VisitorRecord, error) {
	var records []models.VisitorRecord
	err := r.db.DB.WithContext(ctx).
		Where("is_flagged = ? OR is_blocked = ?", true, true).
		Order("updated_at DESC").
		Find(&records).Error

	return records, err
}

func (r *VisitorRepository) DenialHistory(ctx context.Context, origin, fingerprint string, limit int) ([]models.DenialEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	var events []models.DenialEvent
	err := r.db.DB.WithContext(ctx).
		Where("network_origin = ? AND fingerprint = ?", origin, fingerprint).
		Order("timestamp DESC").
		Limit(limit).
		Find(&events).Error

	return events, err
}

// Identities ranked by cumulative AI calls, for the cost review view.
func (r *VisitorRepository) TopConsumers(ctx context.Context, limit int) ([]models.VisitorRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	var records []models.VisitorRecord
	err := r.db.DB.WithContext(ctx).
		Order("cumulative_ai_calls DESC").
		Limit(limit).
		Find(&records).Error

	return records, err
}

// Historical session counters for an identity, kept past expiry for
// analytics.
func (r *VisitorRepository) SessionHistory(ctx context.Context, fingerprint string, limit int) ([]models.SessionUsage, error) {
	if limit <= 0 {
		limit = 50
	}

	var sessions []models.SessionUsage
	err := r.db.DB.WithContext(ctx).
		Where("fingerprint = ?", fingerprint).
		Order("created_at DESC").
		Limit(limit).
		Find(&sessions).Error

	return sessions, err
}
