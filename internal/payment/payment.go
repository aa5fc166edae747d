// Package payment obtains authorization to charge for hotspot access.
package payment

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind classifies payment failures.
type Kind int

const (
	// KindFailed means the backend or payment provider rejected the payment.
	KindFailed Kind = iota
	// KindCanceled means the user backed out. It is not surfaced as an error.
	KindCanceled
	// KindPending means checkout continues outside the agent and completes
	// later through a deep link.
	KindPending
)

func (k Kind) String() string {
	switch k {
	case KindCanceled:
		return "canceled"
	case KindPending:
		return "pending"
	default:
		return "failed"
	}
}

// Error is returned by Initiator.ProcessPayment.
type Error struct {
	Kind    Kind
	Message string
	// CheckoutURL is set for pending redirect checkouts.
	CheckoutURL string
	Err         error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsCanceled reports whether err is a user cancellation.
func IsCanceled(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == KindCanceled
}

// AsPending returns the pending checkout error, if err is one.
func AsPending(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) && pe.Kind == KindPending {
		return pe, true
	}
	return nil, false
}

// Request describes what is being bought.
type Request struct {
	HotspotID       int64
	HotspotName     string
	DurationMinutes int
}

// Initiator obtains an opaque payment reference for a request.
type Initiator interface {
	ProcessPayment(ctx context.Context, req Request) (string, error)
}

// DurationOption is a purchasable duration.
type DurationOption struct {
	Minutes int
	Label   string
}

// DurationOptions lists the durations offered to users.
var DurationOptions = []DurationOption{
	{Minutes: 30, Label: "30 min"},
	{Minutes: 60, Label: "1 hour"},
	{Minutes: 90, Label: "1.5 hours"},
	{Minutes: 120, Label: "2 hours"},
}

// Mock synthesizes a reference without charging anything.
type Mock struct {
	now func() time.Time
}

// NewMock creates a mock initiator.
func NewMock() *Mock {
	return &Mock{now: time.Now}
}

// ProcessPayment returns "mock_pi_<unix millis>".
func (m *Mock) ProcessPayment(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", &Error{Kind: KindFailed, Message: "Payment failed: " + err.Error(), Err: err}
	}
	return fmt.Sprintf("mock_pi_%d", m.now().UnixMilli()), nil
}
