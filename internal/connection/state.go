// Package connection holds the process-wide connection state and the
// single-writer store that applies whole-record transitions to it.
package connection

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/roam/roam-agent/internal/hotspot"
	"github.com/roam/roam-agent/internal/session"
)

// ErrIncompleteSession is returned by Connect when the token or expiry is missing.
var ErrIncompleteSession = errors.New("session token and expiry are required to connect")

// State is an immutable snapshot of the active connection.
// Active is true iff SessionToken and ExpiresAt are both set; an inactive
// state has every field cleared.
type State struct {
	Active              bool             `json:"isActive"`
	Hotspot             *hotspot.Hotspot `json:"connectedHotspot"`
	SessionToken        string           `json:"sessionToken,omitempty"`
	ExpiresAt           time.Time        `json:"expiryTime"`
	DurationMinutes     int              `json:"durationMinutes"`
	ConnectionStartTime time.Time        `json:"connectionStartTime"`
	PaymentRef          string           `json:"paymentReference,omitempty"`
}

type stateJSON struct {
	Active              bool             `json:"isActive"`
	Hotspot             *hotspot.Hotspot `json:"connectedHotspot"`
	SessionToken        string           `json:"sessionToken,omitempty"`
	ExpiresAt           *time.Time       `json:"expiryTime,omitempty"`
	DurationMinutes     int              `json:"durationMinutes"`
	ConnectionStartTime *time.Time       `json:"connectionStartTime,omitempty"`
	PaymentRef          string           `json:"paymentReference,omitempty"`
}

// MarshalJSON leaves unset times out instead of writing the zero time.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(stateJSON{
		Active:              s.Active,
		Hotspot:             s.Hotspot,
		SessionToken:        s.SessionToken,
		ExpiresAt:           optionalTime(s.ExpiresAt),
		DurationMinutes:     s.DurationMinutes,
		ConnectionStartTime: optionalTime(s.ConnectionStartTime),
		PaymentRef:          s.PaymentRef,
	})
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// ConnectParams describes a freshly issued session being committed.
type ConnectParams struct {
	Hotspot         hotspot.Hotspot
	SessionToken    string
	ExpiresAt       time.Time
	DurationMinutes int
	PaymentRef      string
	StartedAt       time.Time
}

// ParamsFromSession builds connect parameters from a backend session.
// The expiry is taken from the session unchanged.
func ParamsFromSession(h hotspot.Hotspot, s *session.Session, paymentRef string, startedAt time.Time) ConnectParams {
	return ConnectParams{
		Hotspot:         h,
		SessionToken:    s.Token,
		ExpiresAt:       s.ExpiresAt,
		DurationMinutes: s.DurationMinutes,
		PaymentRef:      paymentRef,
		StartedAt:       startedAt,
	}
}

// Remaining returns the time left at now. An inactive state has none.
func (s State) Remaining(now time.Time) time.Duration {
	if !s.Active {
		return 0
	}
	return s.ExpiresAt.Sub(now)
}

// FormatRemaining renders the time left at now, e.g. "4m 30s".
func (s State) FormatRemaining(now time.Time) string {
	return session.FormatDuration(s.Remaining(now))
}

// Valid reports whether the snapshot satisfies the activity invariant.
func (s State) Valid() bool {
	hasToken := s.SessionToken != ""
	hasExpiry := !s.ExpiresAt.IsZero()
	if s.Active {
		return hasToken && hasExpiry
	}
	return s == State{}
}

func (s State) connected(p ConnectParams) State {
	h := p.Hotspot
	return State{
		Active:              true,
		Hotspot:             &h,
		SessionToken:        p.SessionToken,
		ExpiresAt:           p.ExpiresAt,
		DurationMinutes:     p.DurationMinutes,
		ConnectionStartTime: p.StartedAt,
		PaymentRef:          p.PaymentRef,
	}
}

func (s State) extended(minutes int) State {
	if !s.Active {
		return s
	}
	next := s
	next.ExpiresAt = s.ExpiresAt.Add(time.Duration(minutes) * time.Minute)
	next.DurationMinutes = s.DurationMinutes + minutes
	return next
}

func (s State) withToken(token string, expiresAt time.Time) State {
	if !s.Active {
		return s
	}
	next := s
	next.SessionToken = token
	next.ExpiresAt = expiresAt
	return next
}
