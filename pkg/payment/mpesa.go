package payment

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"elimustore/logger"

	"go.uber.org/zap"
)

// MpesaProvider implements STK push against the Safaricom Daraja API.
type MpesaProvider struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	ShortCode      string
	Passkey        string
	CallbackURL    string

	client *http.Client

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

func NewMpesaProvider(baseURL, consumerKey, consumerSecret, shortCode, passkey, callbackURL string, timeout time.Duration) *MpesaProvider {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &MpesaProvider{
		BaseURL:        baseURL,
		ConsumerKey:    consumerKey,
		ConsumerSecret: consumerSecret,
		ShortCode:      shortCode,
		Passkey:        passkey,
		CallbackURL:    callbackURL,
		client:         &http.Client{Timeout: timeout},
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"` // seconds, as a string
}

// getToken returns a cached OAuth bearer token, fetching a fresh one via the
// client-credentials exchange when the cached token is within a minute of
// expiring.
func (p *MpesaProvider) getToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.accessToken != "" && time.Now().Before(p.tokenExpiry.Add(-time.Minute)) {
		return p.accessToken, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		p.BaseURL+"/oauth/v1/generate?grant_type=client_credentials", nil)
	if err != nil {
		return "", err
	}
	creds := base64.StdEncoding.EncodeToString([]byte(p.ConsumerKey + ":" + p.ConsumerSecret))
	req.Header.Set("Authorization", "Basic "+creds)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("mpesa token: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("mpesa token: %d %s", resp.StatusCode, string(body))
	}
	var out tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("mpesa token decode: %w", err)
	}
	expires, err := strconv.Atoi(out.ExpiresIn)
	if err != nil || expires <= 0 {
		expires = 3599
	}
	p.accessToken = out.AccessToken
	p.tokenExpiry = time.Now().Add(time.Duration(expires) * time.Second)
	return p.accessToken, nil
}

// password returns base64(shortcode+passkey+timestamp) and the timestamp used.
func (p *MpesaProvider) password(now time.Time) (string, string) {
	ts := now.Format("20060102150405")
	pw := base64.StdEncoding.EncodeToString([]byte(p.ShortCode + p.Passkey + ts))
	return pw, ts
}

type stkPushPayload struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

func (p *MpesaProvider) STKPush(ctx context.Context, req STKPushRequest) (*STKPushResponse, error) {
	token, err := p.getToken(ctx)
	if err != nil {
		return nil, err
	}
	password, timestamp := p.password(time.Now())
	payload := stkPushPayload{
		BusinessShortCode: p.ShortCode,
		Password:          password,
		Timestamp:         timestamp,
		TransactionType:   "CustomerPayBillOnline",
		Amount:            req.Amount,
		PartyA:            req.PhoneNumber,
		PartyB:            p.ShortCode,
		PhoneNumber:       req.PhoneNumber,
		CallBackURL:       p.CallbackURL,
		AccountReference:  req.AccountReference,
		TransactionDesc:   req.TransactionDesc,
	}
	var out STKPushResponse
	if err := p.post(ctx, "/mpesa/stkpush/v1/processrequest", token, payload, &out); err != nil {
		return nil, err
	}
	logger.Log.Info("mpesa stk push sent",
		zap.String("account_reference", req.AccountReference),
		zap.String("checkout_request_id", out.CheckoutRequestID),
		zap.String("response_code", out.ResponseCode))
	return &out, nil
}

type stkQueryPayload struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

func (p *MpesaProvider) QueryStatus(ctx context.Context, checkoutRequestID string) (*QueryResponse, error) {
	token, err := p.getToken(ctx)
	if err != nil {
		return nil, err
	}
	password, timestamp := p.password(time.Now())
	payload := stkQueryPayload{
		BusinessShortCode: p.ShortCode,
		Password:          password,
		Timestamp:         timestamp,
		CheckoutRequestID: checkoutRequestID,
	}
	var out QueryResponse
	if err := p.post(ctx, "/mpesa/stkpushquery/v1/query", token, payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (p *MpesaProvider) post(ctx context.Context, path, token string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("mpesa %s: %w", path, err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		logger.Log.Warn("mpesa request rejected",
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", respBody))
		return fmt.Errorf("mpesa %s: %d %s", path, resp.StatusCode, string(respBody))
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("mpesa %s decode: %w", path, err)
	}
	return nil
}
