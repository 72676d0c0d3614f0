package service

import (
	"fmt"
	"sync/atomic"
	"testing"

	"elimustore/internal/models"
	"elimustore/internal/repository"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// newTestDB opens an in-memory database. A single connection is shared so
// concurrent test goroutines serialize on it instead of hitting SQLITE_BUSY.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&models.User{},
		&models.Product{},
		&models.Order{},
		&models.OrderItem{},
		&models.Payment{},
		&models.MpesaPayment{},
		&models.DownloadLog{},
		&models.Notification{},
	))
	return db
}

type fixture struct {
	db       *gorm.DB
	orders   *repository.OrderRepository
	payments *repository.PaymentRepository
	user     *models.User
	product  *models.Product
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := newTestDB(t)
	f := &fixture{
		db:       db,
		orders:   repository.NewOrderRepository(db),
		payments: repository.NewPaymentRepository(db),
	}
	f.user = &models.User{Email: "buyer@example.com", PasswordHash: "x", FullName: "Test Buyer", Role: "buyer"}
	require.NoError(t, db.Create(f.user).Error)
	f.product = &models.Product{
		VendorID:   f.user.ID,
		Title:      "KCSE Mathematics Notes",
		PriceCents: 50000,
		Currency:   "KES",
		FilePath:   "products/kcse-math.pdf",
		FileSize:   1024,
		FileType:   "pdf",
		Status:     "approved",
	}
	require.NoError(t, db.Create(f.product).Error)
	return f
}

// newOrder creates an order in the given status with one line item.
func (f *fixture) newOrder(t *testing.T, status string, totalCents int64) (*models.Order, *models.OrderItem) {
	t.Helper()
	order := &models.Order{
		UserID:        f.user.ID,
		OrderNumber:   randomOrderNumber(t),
		Status:        status,
		SubtotalCents: totalCents,
		TotalCents:    totalCents,
		CustomerEmail: f.user.Email,
	}
	require.NoError(t, f.db.Create(order).Error)
	item := &models.OrderItem{
		OrderID:        order.ID,
		ProductID:      f.product.ID,
		UnitPriceCents: totalCents,
		Quantity:       1,
		DownloadLimit:  5,
	}
	require.NoError(t, f.db.Create(item).Error)
	order.Items = []models.OrderItem{*item}
	return order, item
}

var orderNumberSeq int64

func randomOrderNumber(t *testing.T) string {
	t.Helper()
	n := atomic.AddInt64(&orderNumberSeq, 1)
	return fmt.Sprintf("%08d", n)
}
