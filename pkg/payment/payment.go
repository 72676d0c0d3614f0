package payment

import "context"

// STKPushRequest asks the provider to prompt the payer's phone for a PIN.
type STKPushRequest struct {
	PhoneNumber      string // canonical 254XXXXXXXXX, normalized by the caller
	Amount           int64  // whole KES units
	AccountReference string // merchant reference, e.g. ORDER_12345678
	TransactionDesc  string
}

// STKPushResponse carries the provider correlation ids for the attempt.
type STKPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

// Accepted reports whether the provider accepted the push for processing.
func (r *STKPushResponse) Accepted() bool {
	return r.ResponseCode == "0"
}

// QueryResponse is the synchronous status of an earlier STK push.
// ResultCode is a string here but an integer in the asynchronous callback;
// the provider is not consistent between the two surfaces.
type QueryResponse struct {
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResultCode          string `json:"ResultCode"`
	ResultDesc          string `json:"ResultDesc"`
}

// Provider is the outbound mobile-money interface used by the
// payment reconciliation engine.
type Provider interface {
	STKPush(ctx context.Context, req STKPushRequest) (*STKPushResponse, error)
	QueryStatus(ctx context.Context, checkoutRequestID string) (*QueryResponse, error)
}
