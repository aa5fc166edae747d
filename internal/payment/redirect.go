package payment

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// CallbackURL is where hosted checkout returns after payment.
const CallbackURL = "roam://pages/ElapsedTime"

// Opener shows a URL to the user, e.g. in a browser.
type Opener interface {
	Open(ctx context.Context, url string) error
}

// Redirect opens a hosted checkout. It never returns a reference; success is
// reported later through the deep-link callback.
type Redirect struct {
	baseURL    string
	httpClient *http.Client
	prices     map[int]string
	opener     Opener
	logger     *zap.Logger
}

// NewRedirect creates a redirect initiator. prices maps minutes to checkout price ids.
func NewRedirect(baseURL string, httpClient *http.Client, prices map[int]string, opener Opener, logger *zap.Logger) *Redirect {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redirect{
		baseURL:    baseURL,
		httpClient: httpClient,
		prices:     prices,
		opener:     opener,
		logger:     logger,
	}
}

// CheckoutURL requests a hosted checkout URL for priceID.
func (r *Redirect) CheckoutURL(ctx context.Context, priceID string, qty int) (string, error) {
	if priceID == "" {
		return "", fmt.Errorf("missing price id")
	}

	form := url.Values{}
	form.Set("priceId", priceID)
	form.Set("qty", strconv.Itoa(qty))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/api/payments/create-checkout-session", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to build checkout request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded;charset=UTF-8")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to create checkout session: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = "Unknown error"
		}
		return "", fmt.Errorf("checkout session failed (%d): %s", resp.StatusCode, msg)
	}

	checkoutURL := strings.TrimSpace(string(body))
	if _, err := url.ParseRequestURI(checkoutURL); err != nil {
		return "", fmt.Errorf("invalid checkout url %q: %w", checkoutURL, err)
	}
	return checkoutURL, nil
}

// ProcessPayment opens checkout and returns a KindPending error carrying the URL.
func (r *Redirect) ProcessPayment(ctx context.Context, req Request) (string, error) {
	priceID, ok := r.prices[req.DurationMinutes]
	if !ok {
		return "", &Error{Kind: KindFailed, Message: fmt.Sprintf("no checkout price for %d minutes", req.DurationMinutes)}
	}

	checkoutURL, err := r.CheckoutURL(ctx, priceID, 1)
	if err != nil {
		return "", &Error{Kind: KindFailed, Message: err.Error(), Err: err}
	}

	if r.opener != nil {
		if err := r.opener.Open(ctx, checkoutURL); err != nil {
			r.logger.Warn("failed to open checkout", zap.Error(err))
		}
	}

	r.logger.Info("checkout opened",
		zap.String("hotspot", req.HotspotName),
		zap.Int("minutes", req.DurationMinutes),
	)

	return "", &Error{
		Kind:        KindPending,
		Message:     "Complete checkout in your browser",
		CheckoutURL: checkoutURL,
	}
}
