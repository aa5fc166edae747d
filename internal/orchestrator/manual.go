package orchestrator

import (
	"context"
	"errors"
	"sync"
)

// ErrNothingToAcknowledge is returned when no manual connection is awaited.
var ErrNothingToAcknowledge = errors.New("no manual connection is awaiting acknowledgment")

// ManualPrompt asks the user to join a network by hand.
type ManualPrompt struct {
	SSID     string `json:"ssid"`
	Password string `json:"password,omitempty"`
	Message  string `json:"message"`
}

// Prompter pauses the flow until the user confirms a manual connection.
// There is no timeout; only ctx ends the wait.
type Prompter interface {
	AwaitManualConnection(ctx context.Context, prompt ManualPrompt) error
}

// ManualGate is a Prompter acknowledged from elsewhere, e.g. the control API.
type ManualGate struct {
	mu     sync.Mutex
	prompt *ManualPrompt
	ack    chan struct{}
}

// NewManualGate creates a gate.
func NewManualGate() *ManualGate {
	return &ManualGate{}
}

// AwaitManualConnection blocks until Acknowledge is called or ctx is done.
func (g *ManualGate) AwaitManualConnection(ctx context.Context, prompt ManualPrompt) error {
	g.mu.Lock()
	ack := make(chan struct{})
	g.prompt = &prompt
	g.ack = ack
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		if g.ack == ack {
			g.prompt = nil
			g.ack = nil
		}
		g.mu.Unlock()
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ack:
		return nil
	}
}

// Pending returns the prompt being waited on, if any.
func (g *ManualGate) Pending() (ManualPrompt, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.prompt == nil {
		return ManualPrompt{}, false
	}
	return *g.prompt, true
}

// Acknowledge releases the waiting flow.
func (g *ManualGate) Acknowledge() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ack == nil {
		return ErrNothingToAcknowledge
	}
	close(g.ack)
	g.ack = nil
	g.prompt = nil
	return nil
}
