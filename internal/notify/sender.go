package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"checkout-service/internal/util"

	"go.uber.org/zap"
)

// ErrMissingRecipient is returned when no phone number is given
var ErrMissingRecipient = errors.New("missing recipient phone number")

// Sender delivers a short text message to a phone number
type Sender interface {
	Send(ctx context.Context, phone, text string) error
}

// TwilioConfig configures the SMS provider
type TwilioConfig struct {
	BaseURL    string
	AccountSID string
	AuthToken  string
	From       string
	Timeout    time.Duration
}

// TwilioSender sends SMS through the Twilio Messages API
type TwilioSender struct {
	cfg        TwilioConfig
	endpoint   string
	httpClient *http.Client
}

// NewTwilioSender creates an SMS sender
func NewTwilioSender(cfg TwilioConfig) (*TwilioSender, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" || cfg.From == "" {
		return nil, errors.New("twilio account sid, auth token and from number are required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.twilio.com"
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || !base.IsAbs() {
		return nil, fmt.Errorf("invalid twilio base url %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &TwilioSender{
		cfg:        cfg,
		endpoint:   base.JoinPath("2010-04-01", "Accounts", cfg.AccountSID, "Messages.json").String(),
		httpClient: &http.Client{},
	}, nil
}

// Send posts a message to the provider
func (s *TwilioSender) Send(ctx context.Context, phone, text string) error {
	if phone == "" {
		return ErrMissingRecipient
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	form := url.Values{}
	form.Set("To", phone)
	form.Set("From", s.cfg.From)
	form.Set("Body", text)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build sms request: %w", err)
	}
	req.SetBasicAuth(s.cfg.AccountSID, s.cfg.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send sms: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var apiErr struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("send sms: status %d: %s (code %d)", resp.StatusCode, apiErr.Message, apiErr.Code)
		}
		return fmt.Errorf("send sms: status %d", resp.StatusCode)
	}
	return nil
}

// LogSender writes messages to the log instead of sending them
type LogSender struct {
	logger *zap.Logger
}

// NewLogSender creates a development sender
func NewLogSender() *LogSender {
	return &LogSender{logger: util.ComponentLogger("notify")}
}

// Send logs the message
func (s *LogSender) Send(ctx context.Context, phone, text string) error {
	if phone == "" {
		return ErrMissingRecipient
	}
	s.logger.Info("SMS (not sent)", zap.String("to", phone), zap.String("body", text))
	return nil
}
