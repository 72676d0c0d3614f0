package repository

import (
	"elimustore/internal/models"

	"gorm.io/gorm"
)

// DownloadLogRepository is append-only; there are deliberately no update or
// delete methods.
type DownloadLogRepository struct {
	db *gorm.DB
}

func NewDownloadLogRepository(db *gorm.DB) *DownloadLogRepository {
	return &DownloadLogRepository{db: db}
}

func (r *DownloadLogRepository) Create(l *models.DownloadLog) error {
	return r.db.Create(l).Error
}
