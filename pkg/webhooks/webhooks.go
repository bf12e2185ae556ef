package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/bec-project/bec-atlas/pkg/models"
	"github.com/bec-project/bec-atlas/pkg/observability"
)

// Config configures a Sink
type Config struct {
	// Service labels deliveries in logs and headers
	Service string
	URL     string
	Format  Format
	// Secret signs payloads when set
	Secret string
	Retry  RetryConfig
	// Timeout bounds each attempt
	Timeout time.Duration
	Client  *http.Client
	Logger  *observability.Logger
}

// DeliveryError reports a delivery that failed with an HTTP status
type DeliveryError struct {
	StatusCode int
	Body       string
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("webhook returned non-2xx status: %d", e.StatusCode)
}

// Temporary reports whether the delivery may succeed when retried
func (e *DeliveryError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Sink posts messaging service messages to a webhook
type Sink struct {
	cfg    Config
	client *http.Client
	retry  *RetryPolicy
	logger *observability.Logger
	now    func() time.Time
}

// NewSink creates a Sink
func NewSink(cfg Config) *Sink {
	if cfg.Format == "" {
		cfg.Format = FormatJSON
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Sink{
		cfg:    cfg,
		client: client,
		retry:  NewRetryPolicy(cfg.Retry),
		logger: logger.WithFields(map[string]interface{}{"component": "webhooks", "service": cfg.Service}),
		now:    time.Now,
	}
}

// Deliver posts msg, retrying transient failures until the policy gives up
// or ctx is done
func (s *Sink) Deliver(ctx context.Context, deploymentID string, msg *models.MessagingServiceMessage) error {
	payload, err := s.encode(deploymentID, msg)
	if err != nil {
		return err
	}
	deliveryID := uuid.NewString()

	for attempts := 1; ; attempts++ {
		start := time.Now()
		err = s.send(ctx, deliveryID, payload)
		log := s.logger.WithFields(map[string]interface{}{
			"deployment_id": deploymentID,
			"delivery_id":   deliveryID,
			"attempt":       attempts,
			"duration_ms":   time.Since(start).Milliseconds(),
		})
		if err == nil {
			log.Debug("webhook delivered")
			return nil
		}
		if !s.retry.ShouldRetry(attempts, err) {
			log.WithError(err).Warn("webhook delivery failed")
			return fmt.Errorf("%s webhook delivery failed after %d attempts: %w", s.cfg.Service, attempts, err)
		}
		log.WithError(err).Debug("webhook delivery failed, retrying")
		if werr := s.retry.wait(ctx, attempts); werr != nil {
			return werr
		}
	}
}

func (s *Sink) encode(deploymentID string, msg *models.MessagingServiceMessage) ([]byte, error) {
	var body interface{}
	switch s.cfg.Format {
	case FormatTeams:
		body = FormatTeamsMessage(deploymentID, msg, s.now())
	default:
		body = FormatPayload(deploymentID, msg, s.now())
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal webhook payload: %w", err)
	}
	return data, nil
}

func (s *Sink) send(ctx context.Context, deliveryID string, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Atlas-Service", s.cfg.Service)
	req.Header.Set("X-Atlas-Delivery", deliveryID)
	if s.cfg.Secret != "" {
		req.Header.Set("X-Atlas-Signature", generateSignature(payload, s.cfg.Secret))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &DeliveryError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return nil
}

// VerifySignature verifies the webhook signature
func VerifySignature(payload []byte, signature, secret string) bool {
	expected := generateSignature(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// generateSignature generates HMAC-SHA256 signature
func generateSignature(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
