// Package orchestrator runs the session-acquisition flow: payment, session
// creation, WiFi association and captive-portal authentication.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/roam/roam-agent/internal/connection"
	"github.com/roam/roam-agent/internal/deeplink"
	"github.com/roam/roam-agent/internal/hotspot"
	"github.com/roam/roam-agent/internal/metrics"
	"github.com/roam/roam-agent/internal/notify"
	"github.com/roam/roam-agent/internal/payment"
	"github.com/roam/roam-agent/internal/portal"
	"github.com/roam/roam-agent/internal/session"
	"github.com/roam/roam-agent/internal/wifi"
)

// Step marks the progress of one connection attempt.
type Step string

const (
	StepIdle    Step = "idle"
	StepPayment Step = "payment"
	StepSession Step = "session"
	StepWifi    Step = "wifi"
	StepAuth    Step = "auth"
	StepDone    Step = "done"
	StepExtend  Step = "extend"
)

// DuplicateCallbackWindow is how long an applied checkout callback URL is
// remembered. A repeat of the same URL inside the window is ignored.
const DuplicateCallbackWindow = 2 * time.Minute

var (
	// ErrAttemptInProgress is returned when a connect arrives while another
	// attempt is still running. Nothing is charged.
	ErrAttemptInProgress = errors.New("a connection attempt is already in progress")
	// ErrHotspotOffline is returned for hotspots that cannot sell access.
	ErrHotspotOffline = errors.New("hotspot is offline")
	// ErrNoPendingCheckout is returned for a checkout callback when no
	// session is active and no redirect checkout was started.
	ErrNoPendingCheckout = errors.New("no pending checkout for this callback")
	// ErrAlreadyConnected is returned when a connect arrives while a session
	// is active. Disconnect first; nothing is charged.
	ErrAlreadyConnected = errors.New("already connected, disconnect first")
	// ErrDuplicateCallback is returned for a checkout callback that was
	// already applied.
	ErrDuplicateCallback = errors.New("checkout callback already applied")
)

// AssociationError is returned when joining the network failed for a
// reason other than missing WiFi control. The session stays active.
type AssociationError struct {
	Result wifi.Result
}

func (e *AssociationError) Error() string {
	return e.Result.Message
}

// Status is the final disposition of an attempt.
type Status string

const (
	StatusCompleted       Status = "completed"
	StatusCanceled        Status = "canceled"
	StatusPendingCheckout Status = "pending_checkout"
	StatusExtended        Status = "extended"
)

// Outcome describes a finished attempt.
type Outcome struct {
	Status      Status           `json:"status"`
	Session     *session.Session `json:"session,omitempty"`
	Wifi        *wifi.Result     `json:"wifi,omitempty"`
	Portal      *portal.Result   `json:"portal,omitempty"`
	CheckoutURL string           `json:"checkoutUrl,omitempty"`
}

// SessionIssuer is the backend session API.
type SessionIssuer interface {
	Create(ctx context.Context, hotspotID string, durationMinutes int, paymentRef string) (*session.Session, error)
	Extend(ctx context.Context, token string, additionalMinutes int) (*session.Session, error)
	Invalidate(ctx context.Context, token string) bool
	Get(ctx context.Context, token string) *session.Session
}

// Associator joins WiFi networks.
type Associator interface {
	ConnectToWifi(ctx context.Context, ssid, password string) wifi.Result
}

// PortalAuthenticator unlocks internet access at the gateway.
type PortalAuthenticator interface {
	Authenticate(ctx context.Context, token string) portal.Result
}

// Deps are the orchestrator's collaborators.
type Deps struct {
	Store    *connection.Store
	Payments payment.Initiator
	Sessions SessionIssuer
	Wifi     Associator
	Portal   PortalAuthenticator
	Prompter Prompter
	Notifier notify.Notifier
	Metrics  *metrics.Metrics
}

type pendingCheckout struct {
	hotspot hotspot.Hotspot
	minutes int
}

// Orchestrator sequences a connection attempt. Only one attempt runs at a time.
type Orchestrator struct {
	store    *connection.Store
	payments payment.Initiator
	sessions SessionIssuer
	wifi     Associator
	portal   PortalAuthenticator
	prompter Prompter
	notifier notify.Notifier
	metrics  *metrics.Metrics
	now      func() time.Time
	logger   *zap.Logger

	mu       sync.Mutex
	step     Step
	pending  *pendingCheckout
	lastLink appliedLink
}

type appliedLink struct {
	url string
	at  time.Time
}

// New creates an orchestrator.
func New(deps Deps, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Discard
	}
	if deps.Prompter == nil {
		deps.Prompter = NewManualGate()
	}
	return &Orchestrator{
		store:    deps.Store,
		payments: deps.Payments,
		sessions: deps.Sessions,
		wifi:     deps.Wifi,
		portal:   deps.Portal,
		prompter: deps.Prompter,
		notifier: deps.Notifier,
		metrics:  deps.Metrics,
		now:      time.Now,
		logger:   logger,
		step:     StepIdle,
	}
}

// Step returns the current step.
func (o *Orchestrator) Step() Step {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.step
}

// HandleConnect buys minutes of access at h and connects to it. A call made
// while another attempt is running returns ErrAttemptInProgress, and one made
// while a session is active returns ErrAlreadyConnected.
func (o *Orchestrator) HandleConnect(ctx context.Context, h hotspot.Hotspot, minutes int) (*Outcome, error) {
	if minutes <= 0 {
		return nil, fmt.Errorf("invalid duration: %d minutes", minutes)
	}
	if !h.IsOnline {
		return nil, ErrHotspotOffline
	}
	if !o.begin(StepPayment) {
		return nil, ErrAttemptInProgress
	}
	defer o.finish()

	if o.store.State().Active {
		o.notify(notify.LevelInfo, "Already Connected", "You already have an active session. Disconnect first to connect elsewhere.")
		return nil, ErrAlreadyConnected
	}

	o.logger.Info("processing payment",
		zap.Int64("hotspot_id", h.ID),
		zap.Int("minutes", minutes),
	)

	ref, err := o.payments.ProcessPayment(ctx, payment.Request{
		HotspotID:       h.ID,
		HotspotName:     h.DisplayName(),
		DurationMinutes: minutes,
	})
	if err != nil {
		if payment.IsCanceled(err) {
			o.logger.Info("payment canceled")
			o.metrics.ConnectAttempt("canceled")
			return &Outcome{Status: StatusCanceled}, nil
		}
		if pending, ok := payment.AsPending(err); ok {
			o.mu.Lock()
			o.pending = &pendingCheckout{hotspot: h, minutes: minutes}
			o.mu.Unlock()
			o.metrics.ConnectAttempt("pending")
			o.notify(notify.LevelInfo, "Checkout", pending.Message)
			return &Outcome{Status: StatusPendingCheckout, CheckoutURL: pending.CheckoutURL}, nil
		}

		o.logger.Error("payment failed", zap.Error(err))
		o.metrics.ConnectAttempt("payment_failed")
		o.notify(notify.LevelError, "Payment Error", err.Error())
		return nil, err
	}

	return o.complete(ctx, h, minutes, ref)
}

// HandleDeepLink applies a checkout completion callback. With an active
// session the purchased minutes extend it; otherwise the pending redirect
// checkout continues at session creation.
//
// Repeats of an applied callback URL within DuplicateCallbackWindow return
// ErrDuplicateCallback.
func (o *Orchestrator) HandleDeepLink(ctx context.Context, ev deeplink.Event) (*Outcome, error) {
	if !o.begin(StepSession) {
		return nil, ErrAttemptInProgress
	}
	defer o.finish()

	if o.seenLink(ev.URL) {
		o.logger.Info("ignoring repeated checkout callback")
		return nil, ErrDuplicateCallback
	}

	state := o.store.State()
	if state.Active {
		o.setStep(StepExtend)
		out, err := o.extendFromCheckout(ctx, state, ev.Minutes)
		if err == nil {
			o.rememberLink(ev.URL)
		}
		return out, err
	}

	o.mu.Lock()
	pending := o.pending
	o.pending = nil
	o.mu.Unlock()

	if pending == nil {
		return nil, ErrNoPendingCheckout
	}

	o.logger.Info("resuming checkout from callback",
		zap.Int64("hotspot_id", pending.hotspot.ID),
		zap.Int("minutes", ev.Minutes),
	)
	out, err := o.complete(ctx, pending.hotspot, ev.Minutes, "")
	if err == nil {
		o.rememberLink(ev.URL)
	}
	return out, err
}

// Run consumes checkout callbacks until ctx is done. Results reach the user
// through the notifier.
func (o *Orchestrator) Run(ctx context.Context, links <-chan deeplink.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-links:
			if !ok {
				return
			}
			if _, err := o.HandleDeepLink(ctx, ev); err != nil {
				o.logger.Warn("checkout callback failed", zap.Error(err))
				if errors.Is(err, ErrNoPendingCheckout) || errors.Is(err, ErrAttemptInProgress) ||
					errors.Is(err, ErrDuplicateCallback) {
					o.notify(notify.LevelError, "Checkout", err.Error())
				}
			}
		}
	}
}

// Disconnect ends the active session. Backend invalidation is best-effort;
// the local state is cleared regardless.
func (o *Orchestrator) Disconnect(ctx context.Context) connection.State {
	state := o.store.State()
	if !state.Active {
		return state
	}

	if !o.sessions.Invalidate(ctx, state.SessionToken) {
		o.logger.Warn("backend did not confirm session invalidation",
			zap.String("token", session.ShortToken(state.SessionToken)))
	}

	prev := o.store.Disconnect()
	o.metrics.SetSessionActive(false)
	return prev
}

// Restore reconciles a persisted session with the backend after a restart.
// A session the backend returns refreshes the local expiry. A missing one
// is left for the expiry monitor, since a lookup cannot tell an unknown
// token from an unreachable backend.
func (o *Orchestrator) Restore(ctx context.Context) {
	state := o.store.State()
	if !state.Active {
		return
	}
	o.metrics.SetSessionActive(true)

	s := o.sessions.Get(ctx, state.SessionToken)
	if s == nil {
		o.logger.Info("could not confirm persisted session",
			zap.String("token", session.ShortToken(state.SessionToken)))
		return
	}
	if !s.ExpiresAt.IsZero() && !s.ExpiresAt.Equal(state.ExpiresAt) {
		o.store.UpdateToken(state.SessionToken, s.ExpiresAt)
	}
	o.logger.Info("restored session",
		zap.String("token", session.ShortToken(state.SessionToken)),
		zap.Time("expires_at", o.store.State().ExpiresAt),
	)
}

func (o *Orchestrator) extendFromCheckout(ctx context.Context, state connection.State, minutes int) (*Outcome, error) {
	s, err := o.sessions.Extend(ctx, state.SessionToken, minutes)
	if err != nil {
		o.notify(notify.LevelError, "Extension Error", err.Error())
		return nil, err
	}

	if !o.store.Extend(minutes) {
		return nil, fmt.Errorf("session ended before extension was applied")
	}

	o.notify(notify.LevelInfo, "Success", fmt.Sprintf("Added %d minutes to your session!", minutes))
	return &Outcome{Status: StatusExtended, Session: s}, nil
}

// complete runs the flow from session creation onwards.
func (o *Orchestrator) complete(ctx context.Context, h hotspot.Hotspot, minutes int, paymentRef string) (*Outcome, error) {
	o.setStep(StepSession)

	s, err := o.sessions.Create(ctx, h.Key(), minutes, paymentRef)
	if err != nil {
		o.logger.Error("session creation failed", zap.Error(err))
		o.metrics.ConnectAttempt("session_failed")
		o.notify(notify.LevelError, "Connection Error", err.Error())
		return nil, err
	}

	// Commit before association so the purchase survives a crash.
	if err := o.store.Connect(connection.ParamsFromSession(h, s, paymentRef, o.now())); err != nil {
		o.metrics.ConnectAttempt("session_failed")
		o.notify(notify.LevelError, "Connection Error", err.Error())
		return nil, err
	}
	o.metrics.SetSessionActive(true)

	outcome := &Outcome{Session: s}

	o.setStep(StepWifi)
	ssid, password := credentials(h, s)
	res := o.wifi.ConnectToWifi(ctx, ssid, password)
	outcome.Wifi = &res

	switch {
	case res.RequiresManualConnection:
		prompt := ManualPrompt{SSID: ssid, Password: password, Message: res.Message}
		if err := o.prompter.AwaitManualConnection(ctx, prompt); err != nil {
			o.metrics.ConnectAttempt("manual_abandoned")
			return outcome, fmt.Errorf("manual connection not confirmed: %w", err)
		}
	case !res.Success:
		o.logger.Warn("association failed, session kept", zap.String("message", res.Message))
		o.metrics.ConnectAttempt("association_failed")
		o.notify(notify.LevelError, "Connection Error", res.Message)
		return outcome, &AssociationError{Result: res}
	}

	o.setStep(StepAuth)
	auth := o.portal.Authenticate(ctx, s.Token)
	o.metrics.PortalAuth(auth.Success)
	outcome.Portal = &auth

	o.setStep(StepDone)
	outcome.Status = StatusCompleted
	o.metrics.ConnectAttempt("completed")

	if auth.Success {
		o.notify(notify.LevelInfo, "Connected!", fmt.Sprintf("Enjoy %d minutes of WiFi!", minutes))
	} else {
		o.notify(notify.LevelWarning, "Session Ready",
			fmt.Sprintf("Session active. If issues persist, try opening a browser.\n\nNetwork: %s", ssid))
	}

	return outcome, nil
}

// credentials prefers what the backend issued over the directory listing.
func credentials(h hotspot.Hotspot, s *session.Session) (string, string) {
	ssid := s.SSID
	if ssid == "" {
		ssid = h.SSID
	}
	password := s.Password
	if password == "" {
		password = h.NetworkPassword()
	}
	return ssid, password
}

func (o *Orchestrator) begin(step Step) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.step != StepIdle {
		return false
	}
	o.step = step
	return true
}

func (o *Orchestrator) seenLink(url string) bool {
	if url == "" {
		return false
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastLink.url == url && o.now().Sub(o.lastLink.at) < DuplicateCallbackWindow
}

func (o *Orchestrator) rememberLink(url string) {
	if url == "" {
		return
	}
	o.mu.Lock()
	o.lastLink = appliedLink{url: url, at: o.now()}
	o.mu.Unlock()
}

func (o *Orchestrator) setStep(step Step) {
	o.mu.Lock()
	o.step = step
	o.mu.Unlock()
	o.logger.Debug("step", zap.String("step", string(step)))
}

func (o *Orchestrator) finish() {
	o.setStep(StepIdle)
}

func (o *Orchestrator) notify(level notify.Level, title, message string) {
	o.notifier.Notify(notify.Notice{
		Level:   level,
		Title:   title,
		Message: message,
		Time:    o.now(),
	})
}
