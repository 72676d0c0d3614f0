package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"elimustore/internal/models"
	"elimustore/internal/repository"
	"elimustore/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type orderFixture struct {
	db      *gorm.DB
	router  *gin.Engine
	orders  *repository.OrderRepository
	user    *models.User
	product *models.Product
}

func newOrderFixture(t *testing.T) *orderFixture {
	t.Helper()
	db := newTestDB(t)
	orders := repository.NewOrderRepository(db)

	user := &models.User{Email: "buyer@example.com", PasswordHash: "x", FullName: "Buyer", Phone: "254712345678", Role: "buyer"}
	require.NoError(t, db.Create(user).Error)
	product := &models.Product{
		VendorID: user.ID, Title: "Set Book Guide", PriceCents: 25000,
		Currency: "KES", FilePath: "p.pdf", Status: "approved",
	}
	require.NoError(t, db.Create(product).Error)

	entitlements := service.NewEntitlementService(orders, 30*24*time.Hour, 5)
	pmts := repository.NewPaymentRepository(db)
	notifications := service.NewNotificationService(repository.NewNotificationRepository(db))
	paymentSvc := service.NewPaymentService(pmts, orders, entitlements, notifications, nil, nil)
	h := NewOrderHandler(orders, repository.NewProductRepository(db), repository.NewUserRepository(db), paymentSvc)

	r := gin.New()
	authed := func(c *gin.Context) { c.Set("user_id", user.ID) }
	r.POST("/orders/quick-checkout", authed, h.QuickCheckout)
	r.POST("/orders/:id/cancel", authed, h.Cancel)
	r.POST("/orders/:id/process-free", authed, h.ProcessFree)

	return &orderFixture{db: db, router: r, orders: orders, user: user, product: product}
}

func (f *orderFixture) post(path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestQuickCheckoutCreatesPendingOrder(t *testing.T) {
	f := newOrderFixture(t)

	w := f.post("/orders/quick-checkout", fmt.Sprintf(`{"product_id": %d}`, f.product.ID))
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Order models.Order `json:"order"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, models.OrderStatusPending, resp.Order.Status)
	assert.Len(t, resp.Order.OrderNumber, 8)
	assert.Equal(t, int64(25000), resp.Order.TotalCents)
	require.Len(t, resp.Order.Items, 1)
	assert.Equal(t, int64(25000), resp.Order.Items[0].UnitPriceCents)
	assert.Equal(t, "254712345678", resp.Order.CustomerPhone)
}

func TestQuickCheckoutReusesOpenOrderAndBumpsQuantity(t *testing.T) {
	f := newOrderFixture(t)

	first := f.post("/orders/quick-checkout", fmt.Sprintf(`{"product_id": %d}`, f.product.ID))
	require.Equal(t, http.StatusOK, first.Code)
	second := f.post("/orders/quick-checkout", fmt.Sprintf(`{"product_id": %d, "quantity": 2}`, f.product.ID))
	require.Equal(t, http.StatusOK, second.Code)

	var resp struct {
		Order models.Order `json:"order"`
	}
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &resp))
	require.Len(t, resp.Order.Items, 1, "same product lands on one line")
	assert.Equal(t, 3, resp.Order.Items[0].Quantity)
	assert.Equal(t, int64(75000), resp.Order.TotalCents)

	var count int64
	require.NoError(t, f.db.Model(&models.Order{}).Count(&count).Error)
	assert.Equal(t, int64(1), count, "no second order while one is pending")
}

func TestQuickCheckoutUnknownProduct(t *testing.T) {
	f := newOrderFixture(t)

	w := f.post("/orders/quick-checkout", `{"product_id": 9999}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestQuickCheckoutSnapshotsPrice(t *testing.T) {
	f := newOrderFixture(t)

	w := f.post("/orders/quick-checkout", fmt.Sprintf(`{"product_id": %d}`, f.product.ID))
	require.Equal(t, http.StatusOK, w.Code)

	// Vendor raises the price after checkout; the order keeps the old one.
	require.NoError(t, f.db.Model(f.product).Update("price_cents", 99000).Error)

	var items []models.OrderItem
	require.NoError(t, f.db.Find(&items).Error)
	require.Len(t, items, 1)
	assert.Equal(t, int64(25000), items[0].UnitPriceCents)
}

func TestCancelPendingOrder(t *testing.T) {
	f := newOrderFixture(t)

	w := f.post("/orders/quick-checkout", fmt.Sprintf(`{"product_id": %d}`, f.product.ID))
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Order models.Order `json:"order"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	cancel := f.post(fmt.Sprintf("/orders/%d/cancel", resp.Order.ID), "")
	assert.Equal(t, http.StatusOK, cancel.Code)

	fresh, err := f.orders.GetByID(resp.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, fresh.Status)

	// A settled order refuses cancellation.
	require.NoError(t, f.db.Model(fresh).Update("status", models.OrderStatusPaid).Error)
	again := f.post(fmt.Sprintf("/orders/%d/cancel", resp.Order.ID), "")
	assert.Equal(t, http.StatusConflict, again.Code)
}

func TestProcessFreeRejectsPricedOrder(t *testing.T) {
	f := newOrderFixture(t)

	w := f.post("/orders/quick-checkout", fmt.Sprintf(`{"product_id": %d}`, f.product.ID))
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Order models.Order `json:"order"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	free := f.post(fmt.Sprintf("/orders/%d/process-free", resp.Order.ID), "")
	assert.Equal(t, http.StatusBadRequest, free.Code)
}
