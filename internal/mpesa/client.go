// Package mpesa talks to the Daraja STK push API.
package mpesa

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"mpesa-service/internal/models"
	"mpesa-service/internal/util"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const (
	tokenPath   = "/oauth/v1/generate?grant_type=client_credentials"
	stkPushPath = "/mpesa/stkpush/v1/processrequest"

	transactionType = "CustomerPayBillOnline"
)

// APIError surfaces non-successful HTTP responses from Daraja.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("mpesa api error: status=%d body=%s", e.StatusCode, e.Body)
}

// ErrPushRejected is returned when Daraja answers 200 with a non-zero ResponseCode.
var ErrPushRejected = errors.New("stk push rejected")

// Credentials are the plaintext secrets used to talk to Daraja.
type Credentials struct {
	ConsumerKey    string
	ConsumerSecret string
	ShortCode      string
	Passkey        string
}

// Options configures a Client.
type Options struct {
	BaseURL          string
	CallbackURL      string
	AccountReference string
	HTTPClient       *http.Client
	// Now defaults to time.Now; the STK timestamp is rendered in EAT.
	Now func() time.Time
}

// PushRequest is one STK push.
type PushRequest struct {
	PhoneNumber      string
	Amount           decimal.Decimal
	AccountReference string
	Description      string
}

// PushResponse is Daraja's synchronous acknowledgement of a push.
type PushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

type stkPushBody struct {
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

// Client is a Daraja client with a cached OAuth token.
type Client struct {
	httpClient *http.Client
	baseURL    string
	creds      Credentials
	opts       Options
	now        func() time.Time
	logger     *zap.Logger

	authMu      sync.Mutex
	cachedToken string
	tokenExpiry time.Time
}

// NewClient creates a Daraja client.
func NewClient(creds Credentials, opts Options) (*Client, error) {
	if creds.ConsumerKey == "" || creds.ConsumerSecret == "" {
		return nil, errors.New("consumer key and secret must be set")
	}
	if creds.ShortCode == "" || creds.Passkey == "" {
		return nil, errors.New("shortcode and passkey must be set")
	}
	if opts.BaseURL == "" {
		return nil, errors.New("base url must be set")
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimSuffix(opts.BaseURL, "/"),
		creds:      creds,
		opts:       opts,
		now:        now,
		logger:     util.ComponentLogger("mpesa"),
	}, nil
}

// Timestamp renders t in the gateway's YYYYMMDDHHmmss EAT form.
func Timestamp(t time.Time) string {
	return t.In(models.GatewayTimeZone).Format(models.GatewayTimeLayout)
}

// Password is base64(shortcode + passkey + timestamp).
func Password(shortCode, passkey, timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(shortCode + passkey + timestamp))
}

// NormalizePhone converts 07XXXXXXXX and +2547XXXXXXXX to 2547XXXXXXXX.
func NormalizePhone(phone string) (string, error) {
	p := strings.TrimSpace(phone)
	p = strings.TrimPrefix(p, "+")
	if strings.HasPrefix(p, "0") {
		p = "254" + p[1:]
	}
	if len(p) != 12 || !strings.HasPrefix(p, "254") {
		return "", fmt.Errorf("invalid phone number %q", phone)
	}
	for _, r := range p {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("invalid phone number %q", phone)
		}
	}
	return p, nil
}

// STKPush asks the customer's handset to authorize a charge. Daraja only
// accepts whole shillings, so fractional amounts are rounded up.
func (c *Client) STKPush(ctx context.Context, req PushRequest) (*PushResponse, error) {
	ctx, span := util.StartSpan(ctx, "mpesa.STKPush", attribute.String("account_reference", req.AccountReference))
	defer span.End()

	start := time.Now()
	defer func() {
		util.STKPushLatency.Observe(time.Since(start).Seconds())
	}()

	phone, err := NormalizePhone(req.PhoneNumber)
	if err != nil {
		return nil, err
	}
	if !req.Amount.IsPositive() {
		return nil, errors.New("amount must be positive")
	}

	token, err := c.ensureAccessToken(ctx)
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}

	ref := req.AccountReference
	if ref == "" {
		ref = c.opts.AccountReference
	}
	desc := req.Description
	if desc == "" {
		desc = "Payment"
	}

	ts := Timestamp(c.now())
	body := stkPushBody{
		BusinessShortCode: c.creds.ShortCode,
		Password:          Password(c.creds.ShortCode, c.creds.Passkey, ts),
		Timestamp:         ts,
		TransactionType:   transactionType,
		Amount:            req.Amount.Ceil().IntPart(),
		PartyA:            phone,
		PartyB:            c.creds.ShortCode,
		PhoneNumber:       phone,
		CallBackURL:       c.opts.CallbackURL,
		AccountReference:  ref,
		TransactionDesc:   desc,
	}

	data, err := c.doRequest(ctx, http.MethodPost, stkPushPath, "Bearer "+token, body)
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}

	var resp PushResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decode stk push response: %w", err)
	}
	if resp.ResponseCode != "0" || resp.CheckoutRequestID == "" {
		err := fmt.Errorf("%w: code=%s %s", ErrPushRejected, resp.ResponseCode, resp.ResponseDescription)
		util.RecordError(span, err)
		return nil, err
	}

	c.logger.Info("STK push accepted",
		zap.String("checkout_request_id", resp.CheckoutRequestID),
		zap.String("merchant_request_id", resp.MerchantRequestID))
	return &resp, nil
}

func (c *Client) authorize(ctx context.Context) (*tokenResponse, error) {
	basic := base64.StdEncoding.EncodeToString([]byte(c.creds.ConsumerKey + ":" + c.creds.ConsumerSecret))
	data, err := c.doRequest(ctx, http.MethodGet, tokenPath, "Basic "+basic, nil)
	if err != nil {
		return nil, err
	}

	var tok tokenResponse
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if tok.AccessToken == "" {
		return nil, errors.New("token response missing access token")
	}
	return &tok, nil
}

func (c *Client) ensureAccessToken(ctx context.Context) (string, error) {
	c.authMu.Lock()
	defer c.authMu.Unlock()

	if c.cachedToken != "" && c.now().Before(c.tokenExpiry) {
		return c.cachedToken, nil
	}

	tok, err := c.authorize(ctx)
	if err != nil {
		return "", err
	}

	seconds, _ := strconv.Atoi(tok.ExpiresIn)
	lifetime := time.Duration(seconds) * time.Second
	if lifetime <= 0 {
		lifetime = 5 * time.Minute
	}
	buffer := time.Minute
	if lifetime <= buffer {
		buffer = lifetime / 2
	}

	c.cachedToken = tok.AccessToken
	c.tokenExpiry = c.now().Add(lifetime - buffer)
	return c.cachedToken, nil
}

func (c *Client) doRequest(ctx context.Context, method, path, authorization string, payload any) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(payload); err != nil {
			return nil, err
		}
		body = buf
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", authorization)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(data)}
	}
	return data, nil
}
