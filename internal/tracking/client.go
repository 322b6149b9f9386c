package tracking

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"checkout-service/internal/models"
	"checkout-service/internal/util"

	"go.uber.org/zap"
)

const apiKeyHeader = "Tracking-Api-Key"

// codeAlreadyExists is the aggregator's meta code for a duplicate registration
const codeAlreadyExists = 4101

var (
	// ErrUnknownTracking is returned when the aggregator has no record of the id
	ErrUnknownTracking = errors.New("tracking id not registered")
	// ErrUnavailable is returned on transport or server failures
	ErrUnavailable = errors.New("tracking service unavailable")
)

// Config configures the aggregator client
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// HTTPClient talks to a tracking aggregator over its REST API
type HTTPClient struct {
	baseURL    *url.URL
	apiKey     string
	timeout    time.Duration
	httpClient *http.Client
	logger     *zap.Logger
}

// NewHTTPClient creates an aggregator client
func NewHTTPClient(cfg Config) (*HTTPClient, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse tracking base url: %w", err)
	}
	if !u.IsAbs() {
		return nil, fmt.Errorf("tracking base url must be absolute: %q", cfg.BaseURL)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPClient{
		baseURL:    u,
		apiKey:     cfg.APIKey,
		timeout:    timeout,
		httpClient: &http.Client{},
		logger:     util.ComponentLogger("tracking"),
	}, nil
}

type envelope struct {
	Meta struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"meta"`
	Data json.RawMessage `json:"data"`
}

type trackingRecord struct {
	TrackingNumber string `json:"tracking_number"`
	CourierCode    string `json:"courier_code"`
	DeliveryStatus string `json:"delivery_status"`
	OriginInfo     struct {
		TrackInfo []struct {
			CheckpointDate   time.Time `json:"checkpoint_date"`
			TrackingDetail   string    `json:"tracking_detail"`
			Location         string    `json:"location"`
			CheckpointStatus string    `json:"checkpoint_delivery_status"`
		} `json:"trackinfo"`
	} `json:"origin_info"`
}

// Register announces a tracking id to the aggregator. Registering an id that
// is already known succeeds.
func (c *HTTPClient) Register(ctx context.Context, trackingID, carrier string) error {
	payload := map[string]string{
		"tracking_number": trackingID,
		"courier_code":    carrier,
	}
	env, status, err := c.do(ctx, http.MethodPost, "/v4/trackings/create", nil, payload)
	if err != nil {
		return err
	}
	if env.Meta.Code == codeAlreadyExists || status == http.StatusConflict {
		c.logger.Debug("Tracking id already registered", zap.String("tracking_id", trackingID))
		return nil
	}
	if status >= 300 {
		return fmt.Errorf("register %s: status %d: %s", trackingID, status, env.Meta.Message)
	}
	return nil
}

// Poll fetches the current status and history of a shipment
func (c *HTTPClient) Poll(ctx context.Context, trackingID, carrier string) (*models.TrackingStatus, error) {
	query := url.Values{}
	query.Set("tracking_numbers", trackingID)
	query.Set("courier_code", carrier)

	env, status, err := c.do(ctx, http.MethodGet, "/v4/trackings/get", query, nil)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, fmt.Errorf("poll %s: %w", trackingID, ErrUnknownTracking)
	}
	if status >= 300 {
		return nil, fmt.Errorf("poll %s: status %d: %s", trackingID, status, env.Meta.Message)
	}

	var records []trackingRecord
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &records); err != nil {
			return nil, fmt.Errorf("decode tracking data: %w", err)
		}
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("poll %s: %w", trackingID, ErrUnknownTracking)
	}

	rec := records[0]
	result := &models.TrackingStatus{
		TrackingID:  trackingID,
		CarrierCode: carrier,
		Status:      normalizeStatus(rec.DeliveryStatus),
		Updates:     make([]models.TrackingUpdate, 0, len(rec.OriginInfo.TrackInfo)),
	}
	if rec.CourierCode != "" {
		result.CarrierCode = rec.CourierCode
	}
	for _, cp := range rec.OriginInfo.TrackInfo {
		result.Updates = append(result.Updates, models.TrackingUpdate{
			Description: cp.TrackingDetail,
			Location:    cp.Location,
			UpdateTime:  cp.CheckpointDate,
		})
	}
	return result, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, query url.Values, payload interface{}) (*envelope, int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	endpoint := c.baseURL.JoinPath(path)
	if query != nil {
		endpoint.RawQuery = query.Encode()
	}

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, 0, fmt.Errorf("encode tracking request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), body)
	if err != nil {
		return nil, 0, fmt.Errorf("build tracking request: %w", err)
	}
	req.Header.Set(apiKeyHeader, c.apiKey)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
	}
	if resp.StatusCode >= 500 {
		return nil, resp.StatusCode, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var env envelope
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil && resp.StatusCode < 300 {
			return nil, resp.StatusCode, fmt.Errorf("decode tracking response: %w", err)
		}
	}
	return &env, resp.StatusCode, nil
}

// normalizeStatus maps aggregator delivery states onto the four states the
// service exposes.
func normalizeStatus(s string) string {
	switch strings.ToLower(s) {
	case "delivered":
		return models.TrackingDelivered
	case "pickup", "out_for_delivery":
		return models.TrackingOutForDelivery
	case "exception", "undelivered", "expired":
		return models.TrackingException
	default:
		return models.TrackingInTransit
	}
}
