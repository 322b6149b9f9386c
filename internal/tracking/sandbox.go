package tracking

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"checkout-service/internal/models"
	"checkout-service/internal/util"

	"go.uber.org/zap"
)

var sandboxProgression = []string{
	models.TrackingInTransit,
	models.TrackingOutForDelivery,
	models.TrackingDelivered,
}

// SandboxClient is an in-process aggregator for development. Each poll of a
// registered id advances it one step towards delivered.
type SandboxClient struct {
	mu       sync.Mutex
	shipped  map[string]*sandboxShipment
	location string
	logger   *zap.Logger
}

type sandboxShipment struct {
	carrier string
	step    int
	last    string
	history []models.TrackingUpdate
}

// NewSandboxClient creates an empty sandbox aggregator
func NewSandboxClient() *SandboxClient {
	return &SandboxClient{
		shipped:  make(map[string]*sandboxShipment),
		location: "Distribution Center",
		logger:   util.ComponentLogger("tracking"),
	}
}

// Register records a tracking id. Registering twice is a no-op.
func (c *SandboxClient) Register(ctx context.Context, trackingID, carrier string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.shipped[trackingID]; !ok {
		c.shipped[trackingID] = &sandboxShipment{carrier: carrier}
	}
	c.logger.Debug("Sandbox tracking registered", zap.String("tracking_id", trackingID))
	return nil
}

// Poll returns the next simulated status for a registered id
func (c *SandboxClient) Poll(ctx context.Context, trackingID, carrier string) (*models.TrackingStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.shipped[trackingID]
	if !ok {
		return nil, fmt.Errorf("poll %s: %w", trackingID, ErrUnknownTracking)
	}

	status := sandboxProgression[s.step]
	if s.step < len(sandboxProgression)-1 {
		s.step++
	}
	if s.last != status {
		s.last = status
		s.history = append(s.history, models.TrackingUpdate{
			Description: fmt.Sprintf("Package is %s", strings.ReplaceAll(status, "_", " ")),
			Location:    c.location,
			UpdateTime:  time.Now().UTC(),
		})
	}

	updates := make([]models.TrackingUpdate, len(s.history))
	copy(updates, s.history)
	return &models.TrackingStatus{
		TrackingID:  trackingID,
		CarrierCode: s.carrier,
		Status:      status,
		Updates:     updates,
	}, nil
}
