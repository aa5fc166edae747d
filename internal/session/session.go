// Package session provides the backend-issued WiFi session model and the
// client that creates, validates, extends and invalidates sessions.
package session

import (
	"encoding/json"
	"fmt"
	"time"
)

// Session is a backend-issued grant of timed network access.
// The agent never creates one itself; it only mirrors what the backend returns.
type Session struct {
	Token           string
	SSID            string
	Password        string
	DurationMinutes int
	ExpiresAt       time.Time
	HotspotID       string
	DeviceID        string
}

// wireSession is the backend's JSON representation. expiresAt is epoch milliseconds.
type wireSession struct {
	SessionToken    string          `json:"sessionToken"`
	SSID            string          `json:"ssid"`
	Password        string          `json:"password"`
	DurationMinutes int             `json:"durationMinutes"`
	ExpiresAt       json.RawMessage `json:"expiresAt"`
	PinID           json.RawMessage `json:"pinId"`
	DeviceID        string          `json:"deviceId"`
}

// UnmarshalJSON decodes the backend representation.
func (s *Session) UnmarshalJSON(data []byte) error {
	var w wireSession
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	expiresAt, err := decodeExpiry(w.ExpiresAt)
	if err != nil {
		return err
	}

	*s = Session{
		Token:           w.SessionToken,
		SSID:            w.SSID,
		Password:        w.Password,
		DurationMinutes: w.DurationMinutes,
		ExpiresAt:       expiresAt,
		HotspotID:       decodeID(w.PinID),
		DeviceID:        w.DeviceID,
	}
	return nil
}

// MarshalJSON encodes the session in the backend representation.
func (s Session) MarshalJSON() ([]byte, error) {
	pinID, _ := json.Marshal(s.HotspotID)
	var expiresAt json.RawMessage
	if s.ExpiresAt.IsZero() {
		expiresAt = json.RawMessage("null")
	} else {
		expiresAt = json.RawMessage(fmt.Sprintf("%d", s.ExpiresAt.UnixMilli()))
	}

	return json.Marshal(wireSession{
		SessionToken:    s.Token,
		SSID:            s.SSID,
		Password:        s.Password,
		DurationMinutes: s.DurationMinutes,
		ExpiresAt:       expiresAt,
		PinID:           pinID,
		DeviceID:        s.DeviceID,
	})
}

func decodeExpiry(raw json.RawMessage) (time.Time, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, nil
	}

	var millis int64
	if err := json.Unmarshal(raw, &millis); err == nil {
		return time.UnixMilli(millis), nil
	}

	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return time.Time{}, fmt.Errorf("invalid expiresAt %s", raw)
	}
	t, err := time.Parse(time.RFC3339, text)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid expiresAt %q: %w", text, err)
	}
	return t, nil
}

// decodeID accepts the pin id as either a JSON string or number.
func decodeID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}
	return string(raw)
}

// RemainingTime returns the time left at now, never negative.
func (s *Session) RemainingTime(now time.Time) time.Duration {
	remaining := s.ExpiresAt.Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// RemainingTimeFormatted returns a human-readable remaining time string.
func (s *Session) RemainingTimeFormatted(now time.Time) string {
	return FormatDuration(s.RemainingTime(now))
}

// FormatDuration renders a remaining duration as "1h 5m", "4m 30s" or "12s".
func FormatDuration(remaining time.Duration) string {
	if remaining <= 0 {
		return "0s"
	}

	hours := int(remaining.Hours())
	minutes := int(remaining.Minutes()) % 60
	seconds := int(remaining.Seconds()) % 60

	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
