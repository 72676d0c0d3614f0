package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"elimustore/internal/models"
	"elimustore/internal/repository"
	"elimustore/logger"
	"elimustore/pkg/metrics"
	"elimustore/pkg/payment"
	"elimustore/pkg/phone"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// MaxMpesaAttempts caps STK pushes bound to a single payment, including the
// initial one. Further retries need a fresh payment on a fresh order.
const MaxMpesaAttempts = 3

var (
	ErrOrderNotPayable  = errors.New("order is not awaiting payment")
	ErrOrderNotFree     = errors.New("order requires payment")
	ErrRetryNotAllowed  = errors.New("payment cannot be retried")
	ErrRetryLimit       = errors.New("payment retry limit reached")
	ErrRefundNotAllowed = errors.New("only paid orders can be refunded")
)

// Provider result codes that mean the payer backed out rather than an error.
const (
	resultCodeSuccess       = 0
	resultCodeUserCancelled = 1032
	resultCodeTimeout       = 1037
)

type outcome int

const (
	outcomeCompleted outcome = iota
	outcomeCancelled
	outcomeFailed
)

// outcomeForResultCode is the single interpretation of provider result codes,
// shared by the asynchronous callback and the synchronous poll.
func outcomeForResultCode(code int) outcome {
	switch code {
	case resultCodeSuccess:
		return outcomeCompleted
	case resultCodeUserCancelled, resultCodeTimeout:
		return outcomeCancelled
	default:
		return outcomeFailed
	}
}

// eat is the provider-local timezone for callback transaction timestamps.
var eat = time.FixedZone("EAT", 3*60*60)

// PaymentService drives the order payment lifecycle: outbound STK push,
// inbound callback, polling fallback and retries. Terminal transitions out of
// processing are linearized by conditional updates in the repositories, so a
// callback and a concurrent poll cannot both win.
type PaymentService struct {
	payments      *repository.PaymentRepository
	orders        *repository.OrderRepository
	entitlements  *EntitlementService
	notifications *NotificationService
	provider      payment.Provider
	metrics       *metrics.StoreMetrics
}

func NewPaymentService(
	payments *repository.PaymentRepository,
	orders *repository.OrderRepository,
	entitlements *EntitlementService,
	notifications *NotificationService,
	provider payment.Provider,
	m *metrics.StoreMetrics,
) *PaymentService {
	return &PaymentService{
		payments:      payments,
		orders:        orders,
		entitlements:  entitlements,
		notifications: notifications,
		provider:      provider,
		metrics:       m,
	}
}

type InitiateResult struct {
	Payment           *models.Payment
	CheckoutRequestID string
	CustomerMessage   string
}

// Initiate starts an M-Pesa payment for a pending order: normalizes the
// phone, creates the payment and correlation rows, fires the STK push and
// moves payment and order to processing.
func (s *PaymentService) Initiate(ctx context.Context, userID, orderID uint, rawPhone string) (*InitiateResult, error) {
	order, err := s.orders.GetByIDForUser(orderID, userID)
	if err != nil {
		return nil, err
	}
	if order.Status != models.OrderStatusPending {
		return nil, ErrOrderNotPayable
	}
	msisdn, err := phone.Normalize(rawPhone)
	if err != nil {
		return nil, err
	}

	p := &models.Payment{
		OrderID:       order.ID,
		UserID:        userID,
		AmountCents:   order.TotalCents,
		Currency:      "KES",
		PaymentMethod: "mpesa",
		Status:        models.PaymentStatusPending,
	}
	if err := s.payments.Create(p); err != nil {
		return nil, err
	}
	m := &models.MpesaPayment{
		PaymentID:        p.ID,
		PhoneNumber:      msisdn,
		AmountCents:      order.TotalCents,
		AccountReference: fmt.Sprintf("ORDER_%s", order.OrderNumber),
		TransactionDesc:  fmt.Sprintf("Elimustore materials - Order %s", order.OrderNumber),
	}
	if err := s.payments.CreateMpesa(m); err != nil {
		return nil, err
	}
	return s.push(ctx, order, p, m)
}

// Retry binds a fresh STK push to a failed or cancelled payment. Earlier
// correlation rows are superseded, not deleted, so the audit trail keeps
// every attempt.
func (s *PaymentService) Retry(ctx context.Context, userID, paymentID uint) (*InitiateResult, error) {
	p, err := s.payments.GetByIDForUser(paymentID, userID)
	if err != nil {
		return nil, err
	}
	if !p.CanRetry() {
		return nil, ErrRetryNotAllowed
	}
	attempts, err := s.payments.CountMpesaAttempts(p.ID)
	if err != nil {
		return nil, err
	}
	if attempts >= MaxMpesaAttempts {
		return nil, ErrRetryLimit
	}
	prev, err := s.payments.GetLatestMpesaForPayment(p.ID)
	if err != nil {
		return nil, err
	}
	order, err := s.orders.GetByID(p.OrderID)
	if err != nil {
		return nil, err
	}

	if _, err := s.payments.TransitionStatus(p.ID,
		[]string{models.PaymentStatusFailed, models.PaymentStatusCancelled},
		models.PaymentStatusPending, ""); err != nil {
		return nil, err
	}
	p.Status = models.PaymentStatusPending
	p.FailureReason = ""

	m := &models.MpesaPayment{
		PaymentID:        p.ID,
		PhoneNumber:      prev.PhoneNumber,
		AmountCents:      prev.AmountCents,
		AccountReference: prev.AccountReference,
		TransactionDesc:  prev.TransactionDesc,
	}
	if err := s.payments.CreateMpesa(m); err != nil {
		return nil, err
	}
	// A retried order re-enters processing from its failed/cancelled state.
	if _, err := s.orders.TransitionStatus(order.ID,
		[]string{models.OrderStatusFailed, models.OrderStatusCancelled, models.OrderStatusPending},
		models.OrderStatusPending); err != nil {
		return nil, err
	}
	order.Status = models.OrderStatusPending
	return s.push(ctx, order, p, m)
}

func (s *PaymentService) push(ctx context.Context, order *models.Order, p *models.Payment, m *models.MpesaPayment) (*InitiateResult, error) {
	amountKES := m.AmountCents / 100
	if amountKES < 1 {
		amountKES = 1
	}
	start := time.Now()
	resp, err := s.provider.STKPush(ctx, payment.STKPushRequest{
		PhoneNumber:      m.PhoneNumber,
		Amount:           amountKES,
		AccountReference: m.AccountReference,
		TransactionDesc:  m.TransactionDesc,
	})
	if s.metrics != nil {
		s.metrics.STKPushDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		s.failPayment(p, "stk push failed: "+err.Error())
		return nil, err
	}

	m.CheckoutRequestID = resp.CheckoutRequestID
	m.MerchantRequestID = resp.MerchantRequestID
	if err := s.payments.SaveMpesa(m); err != nil {
		return nil, err
	}
	if !resp.Accepted() {
		s.failPayment(p, resp.ResponseDescription)
		return nil, fmt.Errorf("stk push rejected: %s", resp.ResponseDescription)
	}

	p.ExternalReference = resp.CheckoutRequestID
	if _, err := s.payments.TransitionStatus(p.ID,
		[]string{models.PaymentStatusPending}, models.PaymentStatusProcessing, ""); err != nil {
		return nil, err
	}
	p.Status = models.PaymentStatusProcessing
	if err := s.payments.Save(p); err != nil {
		return nil, err
	}
	if _, err := s.orders.TransitionStatus(order.ID,
		[]string{models.OrderStatusPending}, models.OrderStatusProcessing); err != nil {
		return nil, err
	}

	logger.Log.Info("stk push accepted",
		zap.Uint("payment_id", p.ID),
		zap.Uint("order_id", order.ID),
		zap.String("checkout_request_id", resp.CheckoutRequestID))
	return &InitiateResult{
		Payment:           p,
		CheckoutRequestID: resp.CheckoutRequestID,
		CustomerMessage:   "Payment request sent. Please check your phone and enter your M-Pesa PIN.",
	}, nil
}

// CallbackEnvelope is the provider's nested callback body. CallbackMetadata
// is a property bag: item order and presence are not guaranteed.
type CallbackEnvelope struct {
	Body struct {
		StkCallback StkCallback `json:"stkCallback"`
	} `json:"Body"`
}

type StkCallback struct {
	MerchantRequestID string           `json:"MerchantRequestID"`
	CheckoutRequestID string           `json:"CheckoutRequestID"`
	ResultCode        int              `json:"ResultCode"`
	ResultDesc        string           `json:"ResultDesc"`
	CallbackMetadata  CallbackMetadata `json:"CallbackMetadata"`
}

type CallbackMetadata struct {
	Item []MetadataItem `json:"Item"`
}

type MetadataItem struct {
	Name  string      `json:"Name"`
	Value interface{} `json:"Value"`
}

// Get looks a value up by name, tolerating missing items and the provider's
// mixed string/number value types.
func (m CallbackMetadata) Get(name string) (string, bool) {
	for _, item := range m.Item {
		if item.Name != name || item.Value == nil {
			continue
		}
		switch v := item.Value.(type) {
		case string:
			return v, true
		case float64:
			// Receipt-style values arrive as JSON numbers; render without
			// an exponent or trailing zeros.
			return trimFloat(v), true
		default:
			return fmt.Sprintf("%v", v), true
		}
	}
	return "", false
}

func trimFloat(v float64) string {
	if v == float64(int64(v)) {
		return fmt.Sprintf("%d", int64(v))
	}
	return fmt.Sprintf("%v", v)
}

// ErrCallbackUnmatched marks callbacks with no known correlation id; the
// handler still acknowledges them.
var ErrCallbackUnmatched = errors.New("callback matches no known payment")

// ProcessCallback applies an asynchronous provider callback. Every error is
// internal: the HTTP handler acknowledges the provider regardless, because
// non-200 responses only invite duplicate deliveries.
func (s *PaymentService) ProcessCallback(ctx context.Context, cb StkCallback) error {
	if cb.CheckoutRequestID == "" {
		return ErrCallbackUnmatched
	}
	m, err := s.payments.GetMpesaByCheckoutID(cb.CheckoutRequestID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrCallbackUnmatched
		}
		return err
	}

	receipt, _ := cb.CallbackMetadata.Get("MpesaReceiptNumber")
	var txDate *time.Time
	if raw, ok := cb.CallbackMetadata.Get("TransactionDate"); ok {
		if t, err := time.ParseInLocation("20060102150405", raw, eat); err == nil {
			txDate = &t
		} else {
			now := time.Now()
			txDate = &now
		}
	}
	return s.applyProviderResult(m, cb.ResultCode, cb.ResultDesc, receipt, txDate)
}

// applyProviderResult is the convergence point of callback and poll. The
// correlation row is written exactly once; a second delivery for the same
// attempt is a no-op.
func (s *PaymentService) applyProviderResult(m *models.MpesaPayment, code int, desc, receipt string, txDate *time.Time) error {
	if m.ResultCode != nil {
		logger.Log.Info("duplicate provider result ignored",
			zap.String("checkout_request_id", m.CheckoutRequestID),
			zap.Int("result_code", code))
		return nil
	}
	m.ResultCode = &code
	m.ResultDesc = desc
	m.MpesaReceiptNumber = receipt
	m.TransactionDate = txDate
	if err := s.payments.SaveMpesa(m); err != nil {
		return err
	}

	p, err := s.payments.GetByID(m.PaymentID)
	if err != nil {
		return err
	}

	switch outcomeForResultCode(code) {
	case outcomeCompleted:
		return s.completePayment(p, receipt)
	case outcomeCancelled:
		return s.cancelPayment(p, desc)
	default:
		s.failPayment(p, desc)
		return nil
	}
}

func (s *PaymentService) completePayment(p *models.Payment, receipt string) error {
	won, err := s.payments.TransitionStatus(p.ID,
		[]string{models.PaymentStatusPending, models.PaymentStatusProcessing},
		models.PaymentStatusCompleted, "")
	if err != nil {
		return err
	}
	if !won {
		// Another writer already resolved this payment.
		return nil
	}
	if receipt != "" {
		if err := s.payments.SetTransactionID(p.ID, receipt); err != nil {
			return err
		}
	}
	if s.metrics != nil {
		s.metrics.PaymentsTotal.WithLabelValues(models.PaymentStatusCompleted).Inc()
	}
	return s.MarkOrderPaid(p.OrderID, p.PaymentMethod, receipt)
}

func (s *PaymentService) cancelPayment(p *models.Payment, reason string) error {
	won, err := s.payments.TransitionStatus(p.ID,
		[]string{models.PaymentStatusPending, models.PaymentStatusProcessing},
		models.PaymentStatusCancelled, reason)
	if err != nil || !won {
		return err
	}
	if s.metrics != nil {
		s.metrics.PaymentsTotal.WithLabelValues(models.PaymentStatusCancelled).Inc()
	}
	_, err = s.orders.TransitionStatus(p.OrderID,
		[]string{models.OrderStatusPending, models.OrderStatusProcessing},
		models.OrderStatusCancelled)
	return err
}

func (s *PaymentService) failPayment(p *models.Payment, reason string) {
	won, err := s.payments.TransitionStatus(p.ID,
		[]string{models.PaymentStatusPending, models.PaymentStatusProcessing},
		models.PaymentStatusFailed, reason)
	if err != nil {
		logger.Log.Error("payment fail transition", zap.Uint("payment_id", p.ID), zap.Error(err))
		return
	}
	if !won {
		return
	}
	p.Status = models.PaymentStatusFailed
	p.FailureReason = reason
	if s.metrics != nil {
		s.metrics.PaymentsTotal.WithLabelValues(models.PaymentStatusFailed).Inc()
	}
	if _, err := s.orders.TransitionStatus(p.OrderID,
		[]string{models.OrderStatusPending, models.OrderStatusProcessing},
		models.OrderStatusFailed); err != nil {
		logger.Log.Error("order fail transition", zap.Uint("order_id", p.OrderID), zap.Error(err))
	}
	logger.Log.Warn("payment failed",
		zap.Uint("payment_id", p.ID),
		zap.Uint("order_id", p.OrderID),
		zap.String("reason", reason))
}

// MarkOrderPaid settles an order exactly once: the paid transition is the
// sole trigger for entitlement minting and the confirmation notification, so
// a duplicate callback can neither re-mint nor re-notify.
func (s *PaymentService) MarkOrderPaid(orderID uint, method, reference string) error {
	won, err := s.orders.TransitionToPaid(orderID, method, reference, time.Now())
	if err != nil {
		return err
	}
	if !won {
		logger.Log.Info("order already settled", zap.Uint("order_id", orderID))
		return nil
	}
	order, err := s.orders.GetByID(orderID)
	if err != nil {
		return err
	}
	if err := s.entitlements.Mint(order); err != nil {
		return fmt.Errorf("mint entitlements for order %d: %w", orderID, err)
	}
	if s.notifications != nil {
		_ = s.notifications.NotifyOrderConfirmed(order.UserID, order)
	}
	if s.metrics != nil {
		s.metrics.OrdersPaidTotal.Inc()
		s.metrics.OrdersPaidAmount.Add(float64(order.TotalCents))
	}
	logger.Log.Info("order settled",
		zap.Uint("order_id", orderID),
		zap.String("order_number", order.OrderNumber),
		zap.Int64("total_cents", order.TotalCents))
	return nil
}

// ProcessFreeOrder settles a zero-total order without a provider round trip.
func (s *PaymentService) ProcessFreeOrder(userID, orderID uint) (*models.Order, error) {
	order, err := s.orders.GetByIDForUser(orderID, userID)
	if err != nil {
		return nil, err
	}
	if order.Status != models.OrderStatusPending {
		return nil, ErrOrderNotPayable
	}
	if order.TotalCents > 0 {
		return nil, ErrOrderNotFree
	}
	if err := s.MarkOrderPaid(order.ID, "free", ""); err != nil {
		return nil, err
	}
	return s.orders.GetByID(order.ID)
}

// RequestRefund annotates a paid order; actual disbursement is an
// operator action.
func (s *PaymentService) RequestRefund(userID, orderID uint, reason string) error {
	order, err := s.orders.GetByIDForUser(orderID, userID)
	if err != nil {
		return err
	}
	if order.Status != models.OrderStatusPaid {
		return ErrRefundNotAllowed
	}
	note := fmt.Sprintf("REFUND REQUESTED: %s\nRequested at: %s", reason, time.Now().Format(time.RFC3339))
	return s.orders.AnnotateRefund(order.ID, note)
}

// MarkRefunded is the operator side of a refund: the order leaves paid for
// refunded, taking its completed payment with it. Entitlements are left in
// place; they stop validating the moment the order is no longer paid.
func (s *PaymentService) MarkRefunded(orderID uint) error {
	won, err := s.orders.TransitionStatus(orderID,
		[]string{models.OrderStatusPaid}, models.OrderStatusRefunded)
	if err != nil {
		return err
	}
	if !won {
		return ErrRefundNotAllowed
	}
	if err := s.payments.MarkRefundedByOrder(orderID); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.PaymentsTotal.WithLabelValues(models.PaymentStatusRefunded).Inc()
	}
	logger.Log.Info("order refunded", zap.Uint("order_id", orderID))
	return nil
}

type DownloadItem struct {
	ProductTitle string `json:"product_title"`
	DownloadURL  string `json:"download_url"`
}

type StatusResponse struct {
	Status      string         `json:"status"`
	OrderStatus string         `json:"order_status"`
	Message     string         `json:"message"`
	OrderID     uint           `json:"order_id,omitempty"`
	Items       []DownloadItem `json:"download_items,omitempty"`
}

// PollStatus reports a payment's state, actively querying the provider when
// the payment is still processing. The result-code interpretation is shared
// with the callback path.
func (s *PaymentService) PollStatus(ctx context.Context, userID, paymentID uint) (*StatusResponse, error) {
	p, err := s.payments.GetByIDForUser(paymentID, userID)
	if err != nil {
		return nil, err
	}

	if p.Status == models.PaymentStatusProcessing {
		if m, err := s.payments.GetLatestMpesaForPayment(p.ID); err == nil && m.CheckoutRequestID != "" {
			s.pollProvider(ctx, m)
			// Re-read: the poll (or a racing callback) may have resolved it.
			if fresh, err := s.payments.GetByID(p.ID); err == nil {
				p = fresh
			}
		}
	}

	order, err := s.orders.GetByID(p.OrderID)
	if err != nil {
		return nil, err
	}
	resp := &StatusResponse{
		Status:      p.Status,
		OrderStatus: order.Status,
		Message:     statusMessage(p.Status),
	}
	if p.Status == models.PaymentStatusCompleted && order.Status == models.OrderStatusPaid {
		resp.OrderID = order.ID
		for _, item := range order.Items {
			if item.DownloadToken == nil || *item.DownloadToken == "" {
				continue
			}
			resp.Items = append(resp.Items, DownloadItem{
				ProductTitle: item.Product.Title,
				DownloadURL:  "/api/v1/downloads/" + *item.DownloadToken,
			})
		}
	}
	return resp, nil
}

func (s *PaymentService) pollProvider(ctx context.Context, m *models.MpesaPayment) {
	resp, err := s.provider.QueryStatus(ctx, m.CheckoutRequestID)
	if err != nil {
		// Provider unavailability leaves the payment processing; the
		// callback or a later poll will resolve it.
		logger.Log.Warn("stk status query failed",
			zap.String("checkout_request_id", m.CheckoutRequestID), zap.Error(err))
		return
	}
	var code int
	if _, err := fmt.Sscanf(resp.ResultCode, "%d", &code); err != nil {
		logger.Log.Warn("stk status query returned no result code",
			zap.String("checkout_request_id", m.CheckoutRequestID),
			zap.String("response_code", resp.ResponseCode))
		return
	}
	if err := s.applyProviderResult(m, code, resp.ResultDesc, "", nil); err != nil {
		logger.Log.Error("apply poll result",
			zap.String("checkout_request_id", m.CheckoutRequestID), zap.Error(err))
	}
}

func statusMessage(status string) string {
	switch status {
	case models.PaymentStatusPending:
		return "Payment is being processed..."
	case models.PaymentStatusProcessing:
		return "Please check your phone for the M-Pesa prompt"
	case models.PaymentStatusCompleted:
		return "Payment completed successfully!"
	case models.PaymentStatusFailed:
		return "Payment failed. Please try again."
	case models.PaymentStatusCancelled:
		return "Payment was cancelled."
	case models.PaymentStatusRefunded:
		return "Payment has been refunded."
	default:
		return "Unknown status"
	}
}
