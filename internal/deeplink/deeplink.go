// Package deeplink parses checkout completion callbacks such as
// roam://pages/ElapsedTime?checkout-success&minutes=30.
package deeplink

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// SuccessMarker flags a completed checkout.
const SuccessMarker = "checkout-success"

var (
	// ErrNotCheckoutSuccess is returned for links without the success marker.
	ErrNotCheckoutSuccess = errors.New("deep link is not a checkout success callback")
	// ErrInvalidMinutes is returned when minutes is missing or not a positive integer.
	ErrInvalidMinutes = errors.New("deep link has no valid minutes parameter")
)

// Event is a parsed checkout completion.
type Event struct {
	URL     string
	Minutes int
}

// Parse validates rawURL and extracts the purchased duration.
func Parse(rawURL string) (Event, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return Event{}, fmt.Errorf("invalid deep link: %w", err)
	}

	if !strings.Contains(rawURL, SuccessMarker) {
		return Event{}, ErrNotCheckoutSuccess
	}

	raw := u.Query().Get("minutes")
	if raw == "" {
		return Event{}, ErrInvalidMinutes
	}
	minutes, err := strconv.Atoi(raw)
	if err != nil || minutes <= 0 {
		return Event{}, ErrInvalidMinutes
	}

	return Event{URL: rawURL, Minutes: minutes}, nil
}
