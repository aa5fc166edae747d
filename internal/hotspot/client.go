package hotspot

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

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Client fetches hotspots from the backend directory.
type Client struct {
	baseURL    string
	httpClient *http.Client
	retry      RetryConfig
	logger     *zap.Logger
}

// RetryConfig bounds retries of transient transport failures.
type RetryConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		MaxElapsedTime:  10 * time.Second,
	}
}

// NewClient creates a directory client.
func NewClient(baseURL string, httpClient *http.Client, retry RetryConfig, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		retry:      retry,
		logger:     logger,
	}
}

// StatusError is returned when the directory answers with a non-success status.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("failed to fetch hotspots: %d", e.StatusCode)
}

// Nearby returns hotspots within radius meters of the given position.
// Transport failures are retried with exponential backoff; a non-success
// status is returned immediately.
func (c *Client) Nearby(ctx context.Context, lat, lng float64, radius int) ([]Hotspot, error) {
	params := url.Values{}
	params.Set("lat", strconv.FormatFloat(lat, 'f', -1, 64))
	params.Set("lng", strconv.FormatFloat(lng, 'f', -1, 64))
	params.Set("radius", strconv.Itoa(radius))
	endpoint := c.baseURL + "/hotspots?" + params.Encode()

	var hotspots []Hotspot
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return backoff.Permanent(err)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			c.logger.Debug("hotspot fetch failed, retrying", zap.Error(err))
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return backoff.Permanent(&StatusError{StatusCode: resp.StatusCode})
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}

		hotspots, err = decodeHotspots(body)
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retry.InitialInterval
	b.MaxInterval = c.retry.MaxInterval
	b.MaxElapsedTime = c.retry.MaxElapsedTime

	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return nil, err
	}
	return hotspots, nil
}

// decodeHotspots accepts either a bare array or a {"hotspots": [...]} envelope.
func decodeHotspots(body []byte) ([]Hotspot, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var list []Hotspot
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, fmt.Errorf("failed to decode hotspots: %w", err)
		}
		return list, nil
	}

	var envelope struct {
		Hotspots []Hotspot `json:"hotspots"`
	}
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return nil, fmt.Errorf("failed to decode hotspots: %w", err)
	}
	if envelope.Hotspots == nil {
		return []Hotspot{}, nil
	}
	return envelope.Hotspots, nil
}

// IsCanceled reports whether err came from a superseded or cancelled fetch.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}
