package service

import (
	"errors"
	"time"

	"elimustore/internal/models"
	"elimustore/internal/repository"
	"elimustore/logger"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrEntitlementNotFound covers unknown tokens, tokens owned by another
	// user and tokens on unpaid orders. The three are deliberately
	// indistinguishable to the caller.
	ErrEntitlementNotFound = errors.New("entitlement not found")
	ErrLinkExpired         = errors.New("download link expired")
	ErrLimitExceeded       = errors.New("download limit exceeded")
)

// EntitlementService governs the lifecycle of download entitlements:
// minted once when an order is paid, validated and consumed at download time.
type EntitlementService struct {
	orders       *repository.OrderRepository
	linkLifetime time.Duration
	defaultLimit int
}

func NewEntitlementService(orders *repository.OrderRepository, linkLifetime time.Duration, defaultLimit int) *EntitlementService {
	if linkLifetime <= 0 {
		linkLifetime = 30 * 24 * time.Hour
	}
	if defaultLimit <= 0 {
		defaultLimit = 5
	}
	return &EntitlementService{orders: orders, linkLifetime: linkLifetime, defaultLimit: defaultLimit}
}

// Mint generates a token for every item of the order that has none yet.
// Safe to call again for an already-minted order: each item's token is
// written at most once.
func (s *EntitlementService) Mint(order *models.Order) error {
	items, err := s.orders.GetItemsByOrder(order.ID)
	if err != nil {
		return err
	}
	expiresAt := time.Now().Add(s.linkLifetime)
	for _, item := range items {
		if item.DownloadToken != nil && *item.DownloadToken != "" {
			continue
		}
		if err := s.mintItem(order.UserID, item.ID, item.ProductID, expiresAt); err != nil {
			if errors.Is(err, repository.ErrAlreadyMinted) {
				continue
			}
			return err
		}
	}
	return nil
}

func (s *EntitlementService) mintItem(userID, itemID, productID uint, expiresAt time.Time) error {
	// Token collisions are a unique-index violation; re-mint a few times
	// before giving up.
	for attempt := 0; attempt < 3; attempt++ {
		token, err := GenerateDownloadToken(userID, productID)
		if err != nil {
			return err
		}
		err = s.orders.MintEntitlement(itemID, token, expiresAt)
		if err == nil || errors.Is(err, repository.ErrAlreadyMinted) {
			return err
		}
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			logger.Log.Warn("download token collision, re-minting", zap.Uint("order_item_id", itemID))
			continue
		}
		return err
	}
	return errors.New("could not mint unique download token")
}

// Validate resolves a token for the requesting user. Ownership and paid-order
// state are enforced in the lookup, so a shared token fails the same way an
// unknown one does.
func (s *EntitlementService) Validate(token string, userID uint) (*models.OrderItem, error) {
	item, err := s.orders.GetItemByTokenForUser(token, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrEntitlementNotFound
		}
		return nil, err
	}
	return item, nil
}

// CanConsume reports whether the entitlement has remaining capacity, and the
// specific rejection when it does not. An exhausted limit wins over expiry
// when both apply, matching the audit log's reason field.
func (s *EntitlementService) CanConsume(item *models.OrderItem, now time.Time) error {
	if item.DownloadToken == nil || *item.DownloadToken == "" {
		return ErrEntitlementNotFound
	}
	if item.DownloadCount >= item.DownloadLimit {
		return ErrLimitExceeded
	}
	if item.DownloadExpiresAt != nil && now.After(*item.DownloadExpiresAt) {
		return ErrLinkExpired
	}
	return nil
}

// Consume spends one download. The increment is a compare-and-increment in
// the store; the losing side of a race gets the same rejection a
// legitimately late request would.
func (s *EntitlementService) Consume(item *models.OrderItem, now time.Time) error {
	err := s.orders.ConsumeDownload(item.ID, now)
	if err == nil {
		item.DownloadCount++
		return nil
	}
	if errors.Is(err, repository.ErrNoCapacity) {
		// Re-read the counter so a lost race is attributed correctly; the
		// exhausted limit wins over expiry when both apply.
		if fresh, ferr := s.orders.GetItemByID(item.ID); ferr == nil {
			item.DownloadCount = fresh.DownloadCount
		}
		if item.DownloadCount >= item.DownloadLimit {
			return ErrLimitExceeded
		}
		return ErrLinkExpired
	}
	return err
}
