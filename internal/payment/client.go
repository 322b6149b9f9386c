package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"checkout-service/internal/models"
	"checkout-service/internal/util"

	"go.uber.org/zap"
)

// StatusCompleted is the only capture status treated as success
const StatusCompleted = "COMPLETED"

const maxItemText = 127

// ErrGatewayTimeout is returned when the processor does not answer within the
// call bound. The call may be retried with the same idempotency key.
var ErrGatewayTimeout = errors.New("payment gateway timeout")

// ErrGatewayUnavailable wraps transport, throttling and 5xx failures
var ErrGatewayUnavailable = errors.New("payment gateway unavailable")

// RejectedError is a 4xx business rejection from the processor. It must not
// be retried blindly.
type RejectedError struct {
	StatusCode int
	Name       string
	Detail     string
}

func (e *RejectedError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("payment rejected (%d): %s", e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("payment rejected (%d)", e.StatusCode)
}

// Config holds processor credentials and callback URLs
type Config struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	ReturnURL    string
	CancelURL    string
	BrandName    string
	Timeout      time.Duration
}

// LineItem is one priced snapshot line sent to the processor
type LineItem struct {
	Name        string
	Description string
	Quantity    int
	UnitPrice   int64
}

// Address is the optional shipping destination
type Address struct {
	Line1       string
	City        string
	PostalCode  string
	CountryCode string
}

// IntentRequest describes a payment intent in minor currency units
type IntentRequest struct {
	Amount         int64
	Currency       string
	Items          []LineItem
	Shipping       *Address
	IdempotencyKey string
}

// Intent is the remote payment intent awaiting customer approval
type Intent struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	ApprovalURL string `json:"approval_url"`
}

// Capture is the processor's answer to a capture request. Amount is the sum
// of the reported captures in minor units; Currency is empty when the
// processor reported none.
type Capture struct {
	ID       string          `json:"id"`
	Status   string          `json:"status"`
	Amount   int64           `json:"amount"`
	Currency string          `json:"currency,omitempty"`
	Raw      json.RawMessage `json:"-"`
}

// Completed reports whether the funds were captured
func (c *Capture) Completed() bool {
	return c != nil && c.Status == StatusCompleted
}

// Client talks to a PayPal-style Orders API
type Client struct {
	baseURL    *url.URL
	cfg        Config
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a payment client. Every call is bounded by cfg.Timeout,
// 15s when unset.
func NewClient(cfg Config) (*Client, error) {
	parsed, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse payment url: %w", err)
	}
	if !parsed.IsAbs() {
		return nil, fmt.Errorf("payment url must be absolute")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Client{
		baseURL:    parsed,
		cfg:        cfg,
		httpClient: &http.Client{},
		logger:     util.ComponentLogger("payment"),
	}, nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
}

type money struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

type item struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Quantity    string `json:"quantity"`
	UnitAmount  money  `json:"unit_amount"`
}

type shippingAddress struct {
	AddressLine1 string `json:"address_line_1"`
	AdminArea2   string `json:"admin_area_2"`
	PostalCode   string `json:"postal_code"`
	CountryCode  string `json:"country_code"`
}

type purchaseUnit struct {
	Items  []item `json:"items"`
	Amount struct {
		money
		Breakdown struct {
			ItemTotal money `json:"item_total"`
		} `json:"breakdown"`
	} `json:"amount"`
	Shipping *struct {
		Address shippingAddress `json:"address"`
	} `json:"shipping,omitempty"`
}

type applicationContext struct {
	ReturnURL          string `json:"return_url,omitempty"`
	CancelURL          string `json:"cancel_url,omitempty"`
	ShippingPreference string `json:"shipping_preference"`
	UserAction         string `json:"user_action"`
	BrandName          string `json:"brand_name,omitempty"`
}

type createOrderBody struct {
	Intent             string             `json:"intent"`
	PurchaseUnits      []purchaseUnit     `json:"purchase_units"`
	ApplicationContext applicationContext `json:"application_context"`
}

type orderResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Links  []struct {
		Href string `json:"href"`
		Rel  string `json:"rel"`
	} `json:"links"`
}

type captureResponse struct {
	orderResponse
	PurchaseUnits []struct {
		Payments struct {
			Captures []struct {
				Status string `json:"status"`
				Amount money  `json:"amount"`
			} `json:"captures"`
		} `json:"payments"`
	} `json:"purchase_units"`
}

type errorResponse struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Details []struct {
		Issue       string `json:"issue"`
		Description string `json:"description"`
	} `json:"details"`
}

// CreateIntent registers a capture-intent order with the processor
func (c *Client) CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error) {
	ctx, span := util.StartSpan(ctx, "PaymentClient.CreateIntent")
	defer span.End()

	body := buildCreateOrderBody(req, c.cfg)
	var resp orderResponse
	_, err := c.call(ctx, "create_intent", "/v2/checkout/orders", body, req.IdempotencyKey, &resp)
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}

	intent := &Intent{ID: resp.ID, Status: resp.Status}
	for _, link := range resp.Links {
		if link.Rel == "approve" || link.Rel == "payer-action" {
			intent.ApprovalURL = link.Href
			break
		}
	}
	if intent.ID == "" {
		return nil, fmt.Errorf("%w: response without order id", ErrGatewayUnavailable)
	}
	return intent, nil
}

// Capture captures funds of an approved intent. The intent id doubles as the
// idempotency key so a retried capture has a single remote effect.
func (c *Client) Capture(ctx context.Context, intentID string) (*Capture, error) {
	ctx, span := util.StartSpan(ctx, "PaymentClient.Capture")
	defer span.End()

	var resp captureResponse
	raw, err := c.call(ctx, "capture",
		"/v2/checkout/orders/"+url.PathEscape(intentID)+"/capture", nil, "capture-"+intentID, &resp)
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}

	capture := &Capture{ID: resp.ID, Status: resp.Status, Raw: raw}
	for _, unit := range resp.PurchaseUnits {
		for _, captured := range unit.Payments.Captures {
			minor, err := models.ParseAmount(captured.Amount.Value)
			if err != nil {
				c.logger.Warn("Unreadable capture amount",
					zap.String("intent_id", intentID), zap.String("value", captured.Amount.Value))
				continue
			}
			capture.Amount += minor
			capture.Currency = captured.Amount.CurrencyCode
		}
	}
	return capture, nil
}

// call runs the token exchange and the API request under one deadline
func (c *Client) call(ctx context.Context, operation, path string, payload interface{}, requestID string, out interface{}) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	start := time.Now()
	defer func() {
		util.PaymentLatency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	}()

	raw, err := c.doCall(ctx, path, payload, requestID, out)
	if err != nil {
		err = classify(ctx, err)
		util.PaymentRequestsTotal.WithLabelValues(operation, outcomeLabel(err)).Inc()
		c.logger.Warn("Payment gateway call failed",
			zap.String("operation", operation),
			zap.Error(err))
		return nil, err
	}
	util.PaymentRequestsTotal.WithLabelValues(operation, "ok").Inc()
	return raw, nil
}

func (c *Client) doCall(ctx context.Context, path string, payload interface{}, requestID string, out interface{}) (json.RawMessage, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	var reader io.Reader = http.NoBody
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode payment request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path), reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	if requestID != "" {
		req.Header.Set("PayPal-Request-Id", requestID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if err := checkStatus(resp.StatusCode, raw); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("decode payment response: %w", err)
	}
	return raw, nil
}

// accessToken performs the client-credentials exchange. The token lives only
// for the enclosing call.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/v1/oauth2/token"),
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(c.cfg.ClientID, c.cfg.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("obtain access token: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("obtain access token: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: token endpoint returned %d", ErrGatewayUnavailable, resp.StatusCode)
	}

	var tok tokenResponse
	if err := json.Unmarshal(raw, &tok); err != nil || tok.AccessToken == "" {
		return "", fmt.Errorf("%w: malformed token response", ErrGatewayUnavailable)
	}
	return tok.AccessToken, nil
}

func (c *Client) endpoint(path string) string {
	u := *c.baseURL
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	return u.String()
}

// checkStatus turns a processor status into an error. Throttling, request
// timeouts and credential failures say nothing about the payer and stay
// retryable; every other 4xx is a RejectedError.
func checkStatus(code int, body []byte) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusRequestTimeout:
		return fmt.Errorf("%w: status %d", ErrGatewayTimeout, code)
	case code == http.StatusTooManyRequests, code == http.StatusUnauthorized:
		return fmt.Errorf("%w: status %d", ErrGatewayUnavailable, code)
	case code >= 400 && code < 500:
		rejected := &RejectedError{StatusCode: code}
		var payload errorResponse
		if json.Unmarshal(body, &payload) == nil {
			rejected.Name = payload.Name
			switch {
			case len(payload.Details) > 0 && payload.Details[0].Description != "":
				rejected.Detail = payload.Details[0].Description
			case payload.Message != "":
				rejected.Detail = payload.Message
			}
		}
		return rejected
	default:
		return fmt.Errorf("%w: status %d", ErrGatewayUnavailable, code)
	}
}

// classify maps deadline and network timeouts to ErrGatewayTimeout
func classify(ctx context.Context, err error) error {
	var rejected *RejectedError
	if errors.As(err, &rejected) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrGatewayTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrGatewayTimeout, err)
	}
	if errors.Is(err, ErrGatewayUnavailable) || errors.Is(err, ErrGatewayTimeout) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
}

func outcomeLabel(err error) string {
	var rejected *RejectedError
	switch {
	case errors.Is(err, ErrGatewayTimeout):
		return "timeout"
	case errors.As(err, &rejected):
		return "rejected"
	default:
		return "error"
	}
}

func buildCreateOrderBody(req IntentRequest, cfg Config) createOrderBody {
	currency := req.Currency
	if currency == "" {
		currency = "USD"
	}

	unit := purchaseUnit{Items: make([]item, 0, len(req.Items))}
	var itemTotal int64
	for _, line := range req.Items {
		itemTotal += line.UnitPrice * int64(line.Quantity)
		unit.Items = append(unit.Items, item{
			Name:        truncate(line.Name, maxItemText),
			Description: truncate(line.Description, maxItemText),
			Quantity:    fmt.Sprintf("%d", line.Quantity),
			UnitAmount:  money{CurrencyCode: currency, Value: models.FormatAmount(line.UnitPrice)},
		})
	}
	unit.Amount.money = money{CurrencyCode: currency, Value: models.FormatAmount(req.Amount)}
	unit.Amount.Breakdown.ItemTotal = money{CurrencyCode: currency, Value: models.FormatAmount(itemTotal)}

	preference := "NO_SHIPPING"
	if req.Shipping != nil {
		preference = "SET_PROVIDED_ADDRESS"
		unit.Shipping = &struct {
			Address shippingAddress `json:"address"`
		}{Address: shippingAddress{
			AddressLine1: req.Shipping.Line1,
			AdminArea2:   req.Shipping.City,
			PostalCode:   req.Shipping.PostalCode,
			CountryCode:  req.Shipping.CountryCode,
		}}
	}

	return createOrderBody{
		Intent:        "CAPTURE",
		PurchaseUnits: []purchaseUnit{unit},
		ApplicationContext: applicationContext{
			ReturnURL:          cfg.ReturnURL,
			CancelURL:          cfg.CancelURL,
			ShippingPreference: preference,
			UserAction:         "PAY_NOW",
			BrandName:          cfg.BrandName,
		},
	}
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max])
}
