package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// ErrSheetCanceled is returned by a Sheet when the user dismisses it.
var ErrSheetCanceled = errors.New("payment sheet canceled")

// MerchantDisplayName is shown on payment sheets.
const MerchantDisplayName = "Roam WiFi"

// Intent is the backend's payment authorization object.
type Intent struct {
	ClientSecret    string      `json:"clientSecret"`
	PaymentIntentID string      `json:"paymentIntentId"`
	AmountCents     int64       `json:"amountCents"`
	DurationMinutes int         `json:"durationMinutes"`
	HotspotID       json.Number `json:"hotspotId"`
	HotspotName     string      `json:"hotspotName"`
}

// Sheet presents a payment authorization to the user for confirmation.
type Sheet interface {
	Present(ctx context.Context, intent *Intent, merchant string) error
}

// PreConfirmed is a Sheet for callers that already confirmed the charge.
type PreConfirmed struct{}

// Present always succeeds.
func (PreConfirmed) Present(ctx context.Context, intent *Intent, merchant string) error {
	return nil
}

// DeviceIDSource supplies the customer device id.
type DeviceIDSource interface {
	GetDeviceID(ctx context.Context) (string, error)
}

// IntentClient requests payment intents from the backend.
type IntentClient struct {
	baseURL    string
	httpClient *http.Client
	devices    DeviceIDSource
}

// NewIntentClient creates an intent client.
func NewIntentClient(baseURL string, httpClient *http.Client, devices DeviceIDSource) *IntentClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &IntentClient{
		baseURL:    baseURL,
		httpClient: httpClient,
		devices:    devices,
	}
}

// CreateIntent asks the backend for a payment intent.
func (c *IntentClient) CreateIntent(ctx context.Context, hotspotID int64, durationMinutes int) (*Intent, error) {
	deviceID, err := c.devices.GetDeviceID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get device id: %w", err)
	}

	body, err := json.Marshal(map[string]any{
		"hotspotId":        hotspotID,
		"durationMinutes":  durationMinutes,
		"customerDeviceId": deviceID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode intent request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/payments/create-intent", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build intent request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to create payment intent: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var payload struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&payload) == nil && payload.Error != "" {
			return nil, errors.New(payload.Error)
		}
		return nil, fmt.Errorf("payment failed: %d", resp.StatusCode)
	}

	var intent Intent
	if err := json.NewDecoder(resp.Body).Decode(&intent); err != nil {
		return nil, fmt.Errorf("failed to decode payment intent: %w", err)
	}
	return &intent, nil
}

// Native charges through a payment intent confirmed on a Sheet.
type Native struct {
	intents *IntentClient
	sheet   Sheet
	logger  *zap.Logger
}

// NewNative creates a native initiator.
func NewNative(intents *IntentClient, sheet Sheet, logger *zap.Logger) *Native {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Native{
		intents: intents,
		sheet:   sheet,
		logger:  logger,
	}
}

// ProcessPayment creates an intent, presents it and returns the intent id.
func (n *Native) ProcessPayment(ctx context.Context, req Request) (string, error) {
	intent, err := n.intents.CreateIntent(ctx, req.HotspotID, req.DurationMinutes)
	if err != nil {
		return "", &Error{Kind: KindFailed, Message: err.Error(), Err: err}
	}

	n.logger.Info("payment intent created",
		zap.String("payment_intent_id", intent.PaymentIntentID),
		zap.Int64("amount_cents", intent.AmountCents),
		zap.String("hotspot", req.HotspotName),
	)

	if err := n.sheet.Present(ctx, intent, MerchantDisplayName); err != nil {
		if errors.Is(err, ErrSheetCanceled) {
			return "", &Error{Kind: KindCanceled, Message: "Payment canceled", Err: err}
		}
		return "", &Error{Kind: KindFailed, Message: "Payment failed: " + err.Error(), Err: err}
	}

	return intent.PaymentIntentID, nil
}
