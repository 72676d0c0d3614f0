package service

import (
	"sync"
	"testing"
	"time"

	"elimustore/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEntitlementFixture(t *testing.T) (*fixture, *EntitlementService) {
	f := newFixture(t)
	return f, NewEntitlementService(f.orders, 30*24*time.Hour, 5)
}

func TestMintGeneratesTokenOnce(t *testing.T) {
	f, svc := newEntitlementFixture(t)
	order, item := f.newOrder(t, models.OrderStatusPaid, 50000)

	require.NoError(t, svc.Mint(order))

	minted, err := f.orders.GetItemsByOrder(order.ID)
	require.NoError(t, err)
	require.Len(t, minted, 1)
	require.NotNil(t, minted[0].DownloadToken)
	assert.Len(t, *minted[0].DownloadToken, 64)
	assert.Equal(t, 0, minted[0].DownloadCount)
	require.NotNil(t, minted[0].DownloadExpiresAt)
	assert.WithinDuration(t, time.Now().Add(30*24*time.Hour), *minted[0].DownloadExpiresAt, time.Minute)

	// Second mint keeps the original token.
	first := *minted[0].DownloadToken
	require.NoError(t, svc.Mint(order))
	again, err := f.orders.GetItemsByOrder(order.ID)
	require.NoError(t, err)
	assert.Equal(t, first, *again[0].DownloadToken)
	_ = item
}

func TestValidateEnforcesOwnershipAndPaidState(t *testing.T) {
	f, svc := newEntitlementFixture(t)
	order, _ := f.newOrder(t, models.OrderStatusPaid, 50000)
	require.NoError(t, svc.Mint(order))
	items, err := f.orders.GetItemsByOrder(order.ID)
	require.NoError(t, err)
	token := *items[0].DownloadToken

	got, err := svc.Validate(token, f.user.ID)
	require.NoError(t, err)
	assert.Equal(t, items[0].ID, got.ID)
	assert.Equal(t, f.product.Title, got.Product.Title)

	// Another user sees the same error an unknown token produces.
	_, err = svc.Validate(token, f.user.ID+99)
	assert.ErrorIs(t, err, ErrEntitlementNotFound)
	_, err = svc.Validate("no-such-token", f.user.ID)
	assert.ErrorIs(t, err, ErrEntitlementNotFound)

	// Unpaid order: token exists but must not validate.
	require.NoError(t, f.db.Model(order).Update("status", models.OrderStatusPending).Error)
	_, err = svc.Validate(token, f.user.ID)
	assert.ErrorIs(t, err, ErrEntitlementNotFound)
}

func TestConsumeStopsAtLimit(t *testing.T) {
	f, svc := newEntitlementFixture(t)
	order, _ := f.newOrder(t, models.OrderStatusPaid, 50000)
	require.NoError(t, svc.Mint(order))
	items, err := f.orders.GetItemsByOrder(order.ID)
	require.NoError(t, err)
	item := &items[0]
	now := time.Now()

	for i := 0; i < item.DownloadLimit; i++ {
		require.NoError(t, svc.CanConsume(item, now))
		require.NoError(t, svc.Consume(item, now))
	}
	assert.ErrorIs(t, svc.CanConsume(item, now), ErrLimitExceeded)
	assert.ErrorIs(t, svc.Consume(item, now), ErrLimitExceeded)

	fresh, err := f.orders.GetItemsByOrder(order.ID)
	require.NoError(t, err)
	assert.Equal(t, item.DownloadLimit, fresh[0].DownloadCount)
}

func TestConsumeRejectsExpiredLink(t *testing.T) {
	f, svc := newEntitlementFixture(t)
	order, _ := f.newOrder(t, models.OrderStatusPaid, 50000)
	require.NoError(t, svc.Mint(order))
	items, err := f.orders.GetItemsByOrder(order.ID)
	require.NoError(t, err)
	item := &items[0]

	after := item.DownloadExpiresAt.Add(time.Hour)
	assert.ErrorIs(t, svc.CanConsume(item, after), ErrLinkExpired)
	assert.ErrorIs(t, svc.Consume(item, after), ErrLinkExpired)

	// When the limit is also exhausted, the limit is the reported reason.
	item.DownloadCount = item.DownloadLimit
	assert.ErrorIs(t, svc.CanConsume(item, after), ErrLimitExceeded)
	require.NoError(t, f.db.Model(item).Update("download_count", item.DownloadLimit).Error)
	assert.ErrorIs(t, svc.Consume(item, after), ErrLimitExceeded)
}

// Concurrent consumers racing for the final slots: exactly limit downloads
// may succeed regardless of interleaving.
func TestConsumeConcurrencyNeverOversells(t *testing.T) {
	f, svc := newEntitlementFixture(t)
	order, _ := f.newOrder(t, models.OrderStatusPaid, 50000)
	require.NoError(t, svc.Mint(order))
	items, err := f.orders.GetItemsByOrder(order.ID)
	require.NoError(t, err)

	const workers = 20
	var wg sync.WaitGroup
	results := make(chan error, workers)
	now := time.Now()
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			item := items[0]
			results <- svc.Consume(&item, now)
		}()
	}
	wg.Wait()
	close(results)

	var succeeded int
	for err := range results {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, ErrLimitExceeded)
		}
	}
	assert.Equal(t, items[0].DownloadLimit, succeeded)

	fresh, err := f.orders.GetItemsByOrder(order.ID)
	require.NoError(t, err)
	assert.Equal(t, items[0].DownloadLimit, fresh[0].DownloadCount)
}
