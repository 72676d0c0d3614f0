package repository

import (
	"errors"
	"time"

	"elimustore/internal/models"

	"gorm.io/gorm"
)

var (
	ErrNotFound          = gorm.ErrRecordNotFound
	ErrAlreadyMinted     = errors.New("entitlement already minted")
	ErrNoCapacity        = errors.New("download limit reached or link expired")
	ErrInvalidTransition = errors.New("invalid order status transition")
)

type OrderRepository struct {
	db *gorm.DB
}

func NewOrderRepository(db *gorm.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

func (r *OrderRepository) Create(o *models.Order) error {
	return r.db.Create(o).Error
}

func (r *OrderRepository) GetByID(id uint) (*models.Order, error) {
	var o models.Order
	err := r.db.Preload("Items.Product").First(&o, id).Error
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// GetByIDForUser scopes the lookup to the owning user.
func (r *OrderRepository) GetByIDForUser(id, userID uint) (*models.Order, error) {
	var o models.Order
	err := r.db.Preload("Items.Product").
		Where("id = ? AND user_id = ?", id, userID).First(&o).Error
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (r *OrderRepository) GetPendingForUser(userID uint) (*models.Order, error) {
	var o models.Order
	err := r.db.Preload("Items.Product").
		Where("user_id = ? AND status = ?", userID, models.OrderStatusPending).First(&o).Error
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (r *OrderRepository) ListByUser(userID uint, page, pageSize int) ([]models.Order, int64, error) {
	var orders []models.Order
	var total int64
	q := r.db.Model(&models.Order{}).Where("user_id = ?", userID)
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	err := q.Preload("Items.Product").
		Order("created_at DESC").
		Offset((page - 1) * pageSize).Limit(pageSize).
		Find(&orders).Error
	return orders, total, err
}

func (r *OrderRepository) OrderNumberExists(number string) (bool, error) {
	var count int64
	err := r.db.Model(&models.Order{}).Where("order_number = ?", number).Count(&count).Error
	return count > 0, err
}

func (r *OrderRepository) Save(o *models.Order) error {
	return r.db.Save(o).Error
}

// RecalculateTotals recomputes order totals from its line items. Totals are
// never written directly from request data.
func (r *OrderRepository) RecalculateTotals(o *models.Order) error {
	var items []models.OrderItem
	if err := r.db.Where("order_id = ?", o.ID).Find(&items).Error; err != nil {
		return err
	}
	var subtotal int64
	for _, it := range items {
		subtotal += it.TotalCents()
	}
	o.SubtotalCents = subtotal
	o.TaxCents = 0
	o.TotalCents = subtotal + o.TaxCents
	return r.db.Model(o).Updates(map[string]interface{}{
		"subtotal_cents": o.SubtotalCents,
		"tax_cents":      o.TaxCents,
		"total_cents":    o.TotalCents,
	}).Error
}

// TransitionToPaid flips the order to paid exactly once. The conditional
// WHERE makes concurrent callbacks race safely: the second writer sees zero
// rows affected and must treat the call as a no-op.
func (r *OrderRepository) TransitionToPaid(orderID uint, method, reference string, paidAt time.Time) (bool, error) {
	res := r.db.Model(&models.Order{}).
		Where("id = ? AND status IN ?", orderID, []string{models.OrderStatusPending, models.OrderStatusProcessing}).
		Updates(map[string]interface{}{
			"status":            models.OrderStatusPaid,
			"payment_method":    method,
			"payment_reference": reference,
			"payment_date":      paidAt,
		})
	return res.RowsAffected == 1, res.Error
}

// TransitionStatus moves an order between non-paid states, guarded by the
// set of allowed source states.
func (r *OrderRepository) TransitionStatus(orderID uint, from []string, to string) (bool, error) {
	res := r.db.Model(&models.Order{}).
		Where("id = ? AND status IN ?", orderID, from).
		Update("status", to)
	return res.RowsAffected == 1, res.Error
}

// AnnotateRefund appends the refund note on a paid order.
func (r *OrderRepository) AnnotateRefund(orderID uint, note string) error {
	return r.db.Model(&models.Order{}).
		Where("id = ? AND status = ?", orderID, models.OrderStatusPaid).
		Update("notes", note).Error
}

// --- order items / entitlements ---

func (r *OrderRepository) CreateItem(item *models.OrderItem) error {
	return r.db.Create(item).Error
}

func (r *OrderRepository) SaveItem(item *models.OrderItem) error {
	return r.db.Save(item).Error
}

func (r *OrderRepository) GetItemByID(itemID uint) (*models.OrderItem, error) {
	var item models.OrderItem
	if err := r.db.First(&item, itemID).Error; err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *OrderRepository) GetItemsByOrder(orderID uint) ([]models.OrderItem, error) {
	var items []models.OrderItem
	err := r.db.Preload("Product").Where("order_id = ?", orderID).Find(&items).Error
	return items, err
}

// GetItemByTokenForUser resolves a download token to its entitlement,
// enforcing ownership and paid-order state in the query itself. A shared or
// guessed token thus fails identically to an unknown one.
func (r *OrderRepository) GetItemByTokenForUser(token string, userID uint) (*models.OrderItem, error) {
	var item models.OrderItem
	err := r.db.Preload("Product").
		Joins("JOIN orders ON orders.id = order_items.order_id").
		Where("order_items.download_token = ? AND orders.user_id = ? AND orders.status = ?",
			token, userID, models.OrderStatusPaid).
		First(&item).Error
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// MintEntitlement writes token, expiry and a zeroed counter onto an item that
// has no token yet. The WHERE download_token IS NULL guard makes minting
// exactly-once even if the paid transition is somehow replayed.
func (r *OrderRepository) MintEntitlement(itemID uint, token string, expiresAt time.Time) error {
	res := r.db.Model(&models.OrderItem{}).
		Where("id = ? AND download_token IS NULL", itemID).
		Updates(map[string]interface{}{
			"download_token":      token,
			"download_count":      0,
			"download_expires_at": expiresAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrAlreadyMinted
	}
	return nil
}

// ConsumeDownload atomically increments the usage counter, but only while
// capacity remains and the link has not expired. Two concurrent requests for
// the last remaining slot cannot both succeed: the database serializes the
// compare-and-increment.
func (r *OrderRepository) ConsumeDownload(itemID uint, now time.Time) error {
	res := r.db.Model(&models.OrderItem{}).
		Where("id = ? AND download_count < download_limit AND download_expires_at > ?", itemID, now).
		UpdateColumn("download_count", gorm.Expr("download_count + 1"))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNoCapacity
	}
	return nil
}
