package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/triallabs/trial-guard/internal/models"
	"github.com/triallabs/trial-guard/internal/storage"
)

type AdminRepository struct {
	db *storage.Postgres
}

func NewAdminRepository(db *storage.Postgres) *AdminRepository {
	return &AdminRepository{db: db}
}

func (r *AdminRepository) Create(ctx context.Context, admin *models.AdminUser) error {
	return r.db.DB.WithContext(ctx).Create(admin).Error
}

func (r *AdminRepository) FindByEmail(ctx context.Context, email string) (*models.AdminUser, error) {
	var admin models.AdminUser
	err := r.db.DB.WithContext(ctx).
		Where("email = ?", email).
		First(&admin).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	return &admin, err
}
