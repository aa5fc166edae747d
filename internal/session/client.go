package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// DeviceIDSource supplies the stable per-install identifier.
type DeviceIDSource interface {
	GetDeviceID(ctx context.Context) (string, error)
}

// CreateError is returned when the backend refuses to create a session.
// A payment may already have been consumed, so callers must not retry blindly.
type CreateError struct {
	StatusCode int
	Message    string
}

func (e *CreateError) Error() string {
	return "failed to create session: " + e.Message
}

// ExtendError is returned when the backend refuses to extend a session.
type ExtendError struct {
	StatusCode int
	Message    string
}

func (e *ExtendError) Error() string {
	return "failed to extend session: " + e.Message
}

// Client talks to the backend session issuer.
type Client struct {
	baseURL    string
	httpClient *http.Client
	devices    DeviceIDSource
	logger     *zap.Logger
}

// NewClient creates a session issuer client.
func NewClient(baseURL string, httpClient *http.Client, devices DeviceIDSource, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		devices:    devices,
		logger:     logger,
	}
}

type createRequest struct {
	UserID          string `json:"userId"`
	PinID           string `json:"pinId"`
	DurationMinutes int    `json:"durationMinutes"`
	StripePaymentID string `json:"stripePaymentId,omitempty"`
}

// Create exchanges a payment reference for a new session. It is never retried
// automatically.
func (c *Client) Create(ctx context.Context, hotspotID string, durationMinutes int, paymentRef string) (*Session, error) {
	deviceID, err := c.devices.GetDeviceID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get device id: %w", err)
	}

	body, err := json.Marshal(createRequest{
		UserID:          deviceID,
		PinID:           hotspotID,
		DurationMinutes: durationMinutes,
		StripePaymentID: paymentRef,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode session request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/session/create", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build session request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &CreateError{Message: err.Error()}
	}
	defer resp.Body.Close()

	if !isSuccess(resp.StatusCode) {
		msg := backendMessage(resp.Body, fmt.Sprintf("Failed to create session: %d", resp.StatusCode))
		return nil, &CreateError{StatusCode: resp.StatusCode, Message: msg}
	}

	var s Session
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return nil, &CreateError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("invalid session response: %v", err)}
	}

	c.logger.Info("session created",
		zap.String("hotspot_id", hotspotID),
		zap.Int("duration_minutes", s.DurationMinutes),
		zap.String("token", ShortToken(s.Token)),
		zap.Time("expires_at", s.ExpiresAt),
	)

	return &s, nil
}

// Validate reports whether the backend still accepts the token. Unlike
// IsValid it separates a definite rejection (false, nil) from a transport
// failure (false, err).
func (c *Client) Validate(ctx context.Context, token string) (bool, error) {
	endpoint := c.baseURL + "/api/session/validate?token=" + url.QueryEscape(token)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("failed to build validate request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("failed to validate session: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	return isSuccess(resp.StatusCode), nil
}

// IsValid treats any failure, including network errors, as invalid.
func (c *Client) IsValid(ctx context.Context, token string) bool {
	ok, err := c.Validate(ctx, token)
	if err != nil {
		c.logger.Debug("session validation failed", zap.Error(err))
		return false
	}
	return ok
}

// Extend adds minutes to an existing session.
func (c *Client) Extend(ctx context.Context, token string, additionalMinutes int) (*Session, error) {
	params := url.Values{}
	params.Set("token", token)
	params.Set("minutes", strconv.Itoa(additionalMinutes))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/session/extend?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build extend request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &ExtendError{Message: err.Error()}
	}
	defer resp.Body.Close()

	if !isSuccess(resp.StatusCode) {
		msg := backendMessage(resp.Body, fmt.Sprintf("Failed to extend session: %d", resp.StatusCode))
		return nil, &ExtendError{StatusCode: resp.StatusCode, Message: msg}
	}

	var s Session
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return nil, &ExtendError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("invalid session response: %v", err)}
	}

	c.logger.Info("session extended",
		zap.String("token", ShortToken(token)),
		zap.Int("minutes", additionalMinutes),
	)

	return &s, nil
}

// Invalidate ends a session. It is best-effort and reports success only.
func (c *Client) Invalidate(ctx context.Context, token string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/api/session/"+url.PathEscape(token), nil)
	if err != nil {
		return false
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("session invalidation failed", zap.Error(err))
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	return isSuccess(resp.StatusCode)
}

// Get returns the session for token, or nil when it is unknown or the
// backend cannot be reached.
func (c *Client) Get(ctx context.Context, token string) *Session {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/session/"+url.PathEscape(token), nil)
	if err != nil {
		return nil
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("session lookup failed", zap.Error(err))
		return nil
	}
	defer resp.Body.Close()

	if !isSuccess(resp.StatusCode) {
		return nil
	}

	var s Session
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return nil
	}
	return &s
}

func isSuccess(status int) bool {
	return status >= 200 && status <= 299
}

// backendMessage extracts "message" or "error" from a JSON error body.
func backendMessage(body io.Reader, fallback string) string {
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.NewDecoder(body).Decode(&payload); err != nil {
		return fallback
	}
	if payload.Message != "" {
		return payload.Message
	}
	if payload.Error != "" {
		return payload.Error
	}
	return fallback
}

// ShortToken shortens a token for logs.
func ShortToken(token string) string {
	if len(token) <= 8 {
		return token
	}
	return token[:8] + "..."
}

// IsCreateError reports whether err is a CreateError.
func IsCreateError(err error) bool {
	var ce *CreateError
	return errors.As(err, &ce)
}
