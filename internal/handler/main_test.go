package handler

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"elimustore/internal/fingerprint"
	"elimustore/internal/models"
	"elimustore/internal/repository"
	"elimustore/internal/service"
	"elimustore/pkg/cache"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

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

// downloadFixture builds a paid order with a minted entitlement and a real
// file on disk, plus a router that injects the authenticated user.
type downloadFixture struct {
	db          *gorm.DB
	router      *gin.Engine
	user        *models.User
	other       *models.User
	item        *models.OrderItem
	token       string
	fileContent []byte
	orders      *repository.OrderRepository
	handler     *DownloadHandler

	authedAs uint
}

func newDownloadFixture(t *testing.T) *downloadFixture {
	t.Helper()
	db := newTestDB(t)
	storageRoot := t.TempDir()

	f := &downloadFixture{
		db:          db,
		orders:      repository.NewOrderRepository(db),
		fileContent: []byte("%PDF-1.4 test revision notes"),
	}

	f.user = &models.User{Email: "buyer@example.com", PasswordHash: "x", FullName: "Buyer", Role: "buyer"}
	require.NoError(t, db.Create(f.user).Error)
	f.other = &models.User{Email: "other@example.com", PasswordHash: "x", FullName: "Other", Role: "buyer"}
	require.NoError(t, db.Create(f.other).Error)

	require.NoError(t, os.MkdirAll(filepath.Join(storageRoot, "products"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(storageRoot, "products", "notes.pdf"), f.fileContent, 0o644))

	product := &models.Product{
		VendorID:   f.user.ID,
		Title:      "Form 4 Chemistry: Revision Notes!",
		PriceCents: 50000,
		Currency:   "KES",
		FilePath:   "products/notes.pdf",
		FileSize:   int64(len(f.fileContent)),
		FileType:   "pdf",
		Status:     "approved",
	}
	require.NoError(t, db.Create(product).Error)

	order := &models.Order{
		UserID:      f.user.ID,
		OrderNumber: "10000001",
		Status:      models.OrderStatusPaid,
		TotalCents:  50000,
	}
	require.NoError(t, db.Create(order).Error)
	item := &models.OrderItem{
		OrderID:        order.ID,
		ProductID:      product.ID,
		UnitPriceCents: 50000,
		Quantity:       1,
		DownloadLimit:  3,
	}
	require.NoError(t, db.Create(item).Error)

	entitlements := service.NewEntitlementService(f.orders, 30*24*time.Hour, 3)
	require.NoError(t, entitlements.Mint(order))
	items, err := f.orders.GetItemsByOrder(order.ID)
	require.NoError(t, err)
	f.item = &items[0]
	f.token = *f.item.DownloadToken

	extractor := fingerprint.NewExtractor(cache.NewMemoryCache(), time.Hour)
	f.handler = NewDownloadHandler(
		entitlements,
		repository.NewProductRepository(db),
		repository.NewDownloadLogRepository(db),
		extractor,
		nil,
		storageRoot,
		2,
	)

	f.authedAs = f.user.ID
	r := gin.New()
	r.GET("/downloads/:token", func(c *gin.Context) {
		c.Set("user_id", f.authedAs)
		f.handler.Download(c)
	})
	f.router = r
	return f
}

func (f *downloadFixture) logRows(t *testing.T) []models.DownloadLog {
	t.Helper()
	var logs []models.DownloadLog
	require.NoError(t, f.db.Order("id").Find(&logs).Error)
	return logs
}
