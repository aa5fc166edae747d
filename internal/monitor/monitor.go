// Package monitor watches the active session: it warns before expiry,
// re-validates with the backend and tears the session down when it is over.
package monitor

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/roam/roam-agent/internal/connection"
	"github.com/roam/roam-agent/internal/metrics"
	"github.com/roam/roam-agent/internal/notify"
	"github.com/roam/roam-agent/internal/portal"
	"github.com/roam/roam-agent/internal/session"
)

const (
	DefaultInterval = 30 * time.Second
	DefaultWarning  = 60 * time.Second
)

// Validator checks a token with the backend. A non-nil error means the
// answer is unknown, not that the session is invalid.
type Validator interface {
	Validate(ctx context.Context, token string) (bool, error)
}

// Issuer creates replacement sessions for manual extension.
type Issuer interface {
	Create(ctx context.Context, hotspotID string, durationMinutes int, paymentRef string) (*session.Session, error)
}

// Authenticator re-authenticates at the captive portal.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) portal.Result
}

// RemainingRecorder stores the last observed remaining time.
type RemainingRecorder interface {
	SaveRemaining(remaining time.Duration) error
}

// Config holds the monitor timings. Zero values take the defaults.
type Config struct {
	Interval time.Duration
	Warning  time.Duration
}

// Deps are the monitor's collaborators. Notifier, Metrics and Recorder are optional.
type Deps struct {
	Store     *connection.Store
	Validator Validator
	Issuer    Issuer
	Portal    Authenticator
	Notifier  notify.Notifier
	Metrics   *metrics.Metrics
	Recorder  RemainingRecorder
}

// Monitor runs while a session is active.
type Monitor struct {
	store     *connection.Store
	validator Validator
	issuer    Issuer
	portal    Authenticator
	notifier  notify.Notifier
	metrics   *metrics.Metrics
	recorder  RemainingRecorder
	interval  time.Duration
	warning   time.Duration
	logger    *zap.Logger

	now   func() time.Time
	ticks func(d time.Duration) (<-chan time.Time, func())

	mu          sync.Mutex
	warned      bool
	warnedStart time.Time
}

// New creates a monitor.
func New(cfg Config, deps Deps, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Warning <= 0 {
		cfg.Warning = DefaultWarning
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Discard
	}
	return &Monitor{
		store:     deps.Store,
		validator: deps.Validator,
		issuer:    deps.Issuer,
		portal:    deps.Portal,
		notifier:  deps.Notifier,
		metrics:   deps.Metrics,
		recorder:  deps.Recorder,
		interval:  cfg.Interval,
		warning:   cfg.Warning,
		logger:    logger,
		now:       time.Now,
		ticks:     newTicker,
	}
}

func newTicker(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

// Run checks the session immediately when it becomes active and then on
// every interval. The ticker is stopped while no session is active.
func (m *Monitor) Run(ctx context.Context) {
	states, unsubscribe := m.store.Subscribe()
	defer unsubscribe()

	var (
		tick <-chan time.Time
		stop func()
	)
	stopTicker := func() {
		if stop != nil {
			stop()
		}
		tick, stop = nil, nil
	}
	defer stopTicker()

	track := func(s connection.State) {
		if !s.Active {
			if tick != nil {
				m.logger.Debug("session inactive, monitor idle")
			}
			stopTicker()
			m.resetWarning()
			return
		}
		if tick == nil {
			tick, stop = m.ticks(m.interval)
			m.Check(ctx)
		}
	}

	track(m.store.State())

	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-states:
			if !ok {
				return
			}
			track(s)
		case <-tick:
			m.Check(ctx)
		}
	}
}

// Check runs one monitor pass against the current state.
func (m *Monitor) Check(ctx context.Context) {
	state := m.store.State()
	if !state.Active {
		return
	}

	remaining := state.Remaining(m.now())
	m.record(remaining)
	m.logger.Debug("monitor check",
		zap.String("token", session.ShortToken(state.SessionToken)),
		zap.Duration("remaining", remaining),
	)

	if remaining <= 0 {
		m.metrics.MonitorCheck("expired")
		m.expire(state, "Session Expired", "Your WiFi session has ended.")
		return
	}

	if remaining <= m.warning {
		if m.markWarned(state) {
			minutes := int(math.Ceil(remaining.Minutes()))
			m.notify(notify.LevelWarning, "Session Expiring",
				fmt.Sprintf("Your WiFi session expires in %d %s.", minutes, plural(minutes, "minute")))
		}
	} else {
		m.resetWarning()
	}

	valid, err := m.validator.Validate(ctx, state.SessionToken)
	if err != nil {
		m.metrics.MonitorCheck("unknown")
		m.logger.Debug("session validation unavailable", zap.Error(err))
		return
	}
	if valid {
		m.metrics.MonitorCheck("valid")
		return
	}

	m.logger.Info("session no longer valid, re-authenticating",
		zap.String("token", session.ShortToken(state.SessionToken)))

	auth := m.portal.Authenticate(ctx, state.SessionToken)
	m.metrics.PortalAuth(auth.Success)
	if auth.Success {
		m.metrics.MonitorCheck("reauthenticated")
		return
	}

	m.metrics.MonitorCheck("invalid")
	m.logger.Warn("re-authentication failed", zap.String("message", auth.Message))
	m.expire(state, "Session Ended", "Your session is no longer valid. Please reconnect.")
}

// ExtendSessionManually issues a new session at the same hotspot covering
// the current duration plus minutes and switches to it. It reports whether
// the whole exchange succeeded, including gateway authentication.
func (m *Monitor) ExtendSessionManually(ctx context.Context, minutes int) bool {
	if minutes <= 0 {
		return false
	}
	state := m.store.State()
	if !state.Active || state.Hotspot == nil {
		return false
	}

	s, err := m.issuer.Create(ctx, state.Hotspot.Key(), state.DurationMinutes+minutes, "")
	if err != nil {
		m.logger.Error("failed to extend session", zap.Error(err))
		return false
	}
	if !m.store.UpdateToken(s.Token, s.ExpiresAt) {
		m.logger.Warn("session ended before extension was applied")
		return false
	}

	auth := m.portal.Authenticate(ctx, s.Token)
	m.metrics.PortalAuth(auth.Success)
	m.resetWarning()

	if !auth.Success {
		m.logger.Warn("extended session not authenticated", zap.String("message", auth.Message))
		return false
	}

	m.logger.Info("session extended",
		zap.String("token", session.ShortToken(s.Token)),
		zap.Time("expires_at", s.ExpiresAt),
	)
	return true
}

func (m *Monitor) expire(state connection.State, title, message string) {
	if !m.store.ExpireIfCurrent(state) {
		return
	}
	m.metrics.SessionExpired()
	m.metrics.SetSessionActive(false)
	m.notify(notify.LevelWarning, title, message)
}

// markWarned reports whether this is the first warning for the session.
func (m *Monitor) markWarned(state connection.State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.warned && m.warnedStart.Equal(state.ConnectionStartTime) {
		return false
	}
	m.warned = true
	m.warnedStart = state.ConnectionStartTime
	return true
}

func (m *Monitor) resetWarning() {
	m.mu.Lock()
	m.warned = false
	m.warnedStart = time.Time{}
	m.mu.Unlock()
}

func (m *Monitor) record(remaining time.Duration) {
	if m.recorder == nil {
		return
	}
	if remaining < 0 {
		remaining = 0
	}
	if err := m.recorder.SaveRemaining(remaining); err != nil {
		m.logger.Debug("failed to record remaining time", zap.Error(err))
	}
}

func (m *Monitor) notify(level notify.Level, title, message string) {
	m.notifier.Notify(notify.Notice{
		Level:   level,
		Title:   title,
		Message: message,
		Time:    m.now(),
	})
}

func plural(n int, word string) string {
	if n == 1 {
		return word
	}
	return word + "s"
}
