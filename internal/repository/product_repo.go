package repository

import (
	"elimustore/internal/models"

	"gorm.io/gorm"
)

type ProductRepository struct {
	db *gorm.DB
}

func NewProductRepository(db *gorm.DB) *ProductRepository {
	return &ProductRepository{db: db}
}

func (r *ProductRepository) GetByID(id uint) (*models.Product, error) {
	var p models.Product
	err := r.db.First(&p, id).Error
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *ProductRepository) GetApprovedByID(id uint) (*models.Product, error) {
	var p models.Product
	err := r.db.Where("id = ? AND status = ?", id, "approved").First(&p).Error
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// IncrementDownloads bumps the product-level counter without a read-then-write.
func (r *ProductRepository) IncrementDownloads(id uint) error {
	return r.db.Model(&models.Product{}).Where("id = ?", id).
		UpdateColumn("download_count", gorm.Expr("download_count + 1")).Error
}
