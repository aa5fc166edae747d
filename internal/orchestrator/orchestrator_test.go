package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roam/roam-agent/internal/connection"
	"github.com/roam/roam-agent/internal/deeplink"
	"github.com/roam/roam-agent/internal/hotspot"
	"github.com/roam/roam-agent/internal/notify"
	"github.com/roam/roam-agent/internal/payment"
	"github.com/roam/roam-agent/internal/portal"
	"github.com/roam/roam-agent/internal/session"
	"github.com/roam/roam-agent/internal/wifi"
)

var testHotspot = hotspot.Hotspot{ID: 42, Name: "Cafe", SSID: "CafeNet", PricePerMinuteCents: 2, IsOnline: true}

type fakePayments struct {
	calls   int32
	ref     string
	err     error
	release chan struct{}
}

func (p *fakePayments) ProcessPayment(ctx context.Context, req payment.Request) (string, error) {
	atomic.AddInt32(&p.calls, 1)
	if p.release != nil {
		<-p.release
	}
	return p.ref, p.err
}

type fakeSessions struct {
	mu          sync.Mutex
	createErr   error
	created     []string
	extendErr   error
	extended    []int
	invalidated []string
	got         *session.Session
	expiresAt   time.Time
}

func (s *fakeSessions) Create(ctx context.Context, hotspotID string, minutes int, ref string) (*session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created = append(s.created, ref)
	if s.createErr != nil {
		return nil, s.createErr
	}
	return &session.Session{
		Token:           "tok-1",
		SSID:            "CafeNet",
		DurationMinutes: minutes,
		ExpiresAt:       s.expiresAt,
		HotspotID:       hotspotID,
	}, nil
}

func (s *fakeSessions) Extend(ctx context.Context, token string, minutes int) (*session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.extended = append(s.extended, minutes)
	if s.extendErr != nil {
		return nil, s.extendErr
	}
	return &session.Session{Token: token}, nil
}

func (s *fakeSessions) Invalidate(ctx context.Context, token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidated = append(s.invalidated, token)
	return false
}

func (s *fakeSessions) Get(ctx context.Context, token string) *session.Session {
	return s.got
}

type fakeWifi struct {
	result wifi.Result
	calls  int32
}

func (w *fakeWifi) ConnectToWifi(ctx context.Context, ssid, password string) wifi.Result {
	atomic.AddInt32(&w.calls, 1)
	return w.result
}

type fakePortal struct {
	result portal.Result
	calls  int32
}

func (p *fakePortal) Authenticate(ctx context.Context, token string) portal.Result {
	atomic.AddInt32(&p.calls, 1)
	return p.result
}

type harness struct {
	orch     *Orchestrator
	store    *connection.Store
	payments *fakePayments
	sessions *fakeSessions
	wifi     *fakeWifi
	portal   *fakePortal
	gate     *ManualGate
	feed     *notify.Feed
	expires  time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	expires := time.UnixMilli(1760000000123)
	h := &harness{
		store:    connection.NewStore(connection.State{}, nil, nil),
		payments: &fakePayments{ref: "pi_1"},
		sessions: &fakeSessions{expiresAt: expires},
		wifi:     &fakeWifi{result: wifi.Result{Success: true, Message: "Connected to CafeNet"}},
		portal:   &fakePortal{result: portal.Result{Success: true, Message: "Authenticated"}},
		gate:     NewManualGate(),
		feed:     notify.NewFeed(10, nil),
		expires:  expires,
	}
	h.orch = New(Deps{
		Store:    h.store,
		Payments: h.payments,
		Sessions: h.sessions,
		Wifi:     h.wifi,
		Portal:   h.portal,
		Prompter: h.gate,
		Notifier: h.feed,
	}, nil)
	return h
}

func TestHappyPathCommitsSessionAndAuthenticates(t *testing.T) {
	h := newHarness(t)

	out, err := h.orch.HandleConnect(context.Background(), testHotspot, 30)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, out.Status)
	assert.True(t, out.Portal.Success)

	state := h.store.State()
	assert.True(t, state.Active)
	assert.Equal(t, "tok-1", state.SessionToken)
	assert.Equal(t, h.expires, state.ExpiresAt)
	assert.Equal(t, "pi_1", state.PaymentRef)
	assert.Equal(t, StepIdle, h.orch.Step())
	assert.Equal(t, []string{"pi_1"}, h.sessions.created)

	recent := h.feed.Recent()
	require.NotEmpty(t, recent)
	assert.Equal(t, "Connected!", recent[len(recent)-1].Title)
}

func TestConcurrentConnectChargesOnce(t *testing.T) {
	h := newHarness(t)
	h.payments.release = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := h.orch.HandleConnect(context.Background(), testHotspot, 30)
		done <- err
	}()

	require.Eventually(t, func() bool { return h.orch.Step() == StepPayment }, time.Second, time.Millisecond)

	for i := 0; i < 5; i++ {
		_, err := h.orch.HandleConnect(context.Background(), testHotspot, 30)
		assert.ErrorIs(t, err, ErrAttemptInProgress)
	}

	close(h.payments.release)
	require.NoError(t, <-done)
	assert.Equal(t, int32(1), atomic.LoadInt32(&h.payments.calls))

	// A new attempt is allowed once the first session has ended.
	h.orch.Disconnect(context.Background())
	_, err := h.orch.HandleConnect(context.Background(), testHotspot, 30)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&h.payments.calls))
}

func TestConnectWhileActiveIsRejected(t *testing.T) {
	h := newHarness(t)
	_, err := h.orch.HandleConnect(context.Background(), testHotspot, 30)
	require.NoError(t, err)
	before := h.store.State()

	other := hotspot.Hotspot{ID: 7, Name: "Library", SSID: "LibNet", IsOnline: true}
	_, err = h.orch.HandleConnect(context.Background(), other, 60)
	assert.ErrorIs(t, err, ErrAlreadyConnected)

	assert.Equal(t, int32(1), atomic.LoadInt32(&h.payments.calls))
	assert.Equal(t, []string{"pi_1"}, h.sessions.created)
	assert.Empty(t, h.sessions.invalidated)
	assert.Equal(t, before, h.store.State())
	assert.Equal(t, StepIdle, h.orch.Step())

	recent := h.feed.Recent()
	assert.Equal(t, "Already Connected", recent[len(recent)-1].Title)
}

func TestCanceledPaymentReturnsSilently(t *testing.T) {
	h := newHarness(t)
	h.payments.err = &payment.Error{Kind: payment.KindCanceled, Message: "Payment canceled"}

	out, err := h.orch.HandleConnect(context.Background(), testHotspot, 30)
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, out.Status)
	assert.Empty(t, h.feed.Recent())
	assert.Empty(t, h.sessions.created)
	assert.Equal(t, StepIdle, h.orch.Step())
}

func TestFailedPaymentSurfacesError(t *testing.T) {
	h := newHarness(t)
	h.payments.err = &payment.Error{Kind: payment.KindFailed, Message: "Payment failed: card declined"}

	_, err := h.orch.HandleConnect(context.Background(), testHotspot, 30)
	assert.EqualError(t, err, "Payment failed: card declined")
	assert.Empty(t, h.sessions.created)
	assert.Equal(t, StepIdle, h.orch.Step())

	recent := h.feed.Recent()
	require.Len(t, recent, 1)
	assert.Equal(t, notify.LevelError, recent[0].Level)
}

func TestSessionCreateFailureLeavesStateInactive(t *testing.T) {
	h := newHarness(t)
	h.sessions.createErr = &session.CreateError{StatusCode: 500, Message: "boom"}

	_, err := h.orch.HandleConnect(context.Background(), testHotspot, 30)
	var ce *session.CreateError
	require.ErrorAs(t, err, &ce)
	assert.False(t, h.store.State().Active)
	assert.Equal(t, int32(0), atomic.LoadInt32(&h.wifi.calls))
	assert.Equal(t, StepIdle, h.orch.Step())
}

func TestAssociationFailureKeepsSession(t *testing.T) {
	h := newHarness(t)
	h.wifi.result = wifi.Result{Success: false, Message: "Connected but SSID mismatch. Expected: CafeNet, Got: Other"}

	_, err := h.orch.HandleConnect(context.Background(), testHotspot, 30)
	var ae *AssociationError
	require.ErrorAs(t, err, &ae)
	assert.True(t, h.store.State().Active)
	assert.Equal(t, int32(0), atomic.LoadInt32(&h.portal.calls))
	assert.Equal(t, StepIdle, h.orch.Step())
}

func TestManualConnectionWaitsForAcknowledgment(t *testing.T) {
	h := newHarness(t)
	h.wifi.result = wifi.Result{Success: false, Message: wifi.ManualMessage, RequiresManualConnection: true}

	done := make(chan *Outcome, 1)
	go func() {
		out, err := h.orch.HandleConnect(context.Background(), testHotspot, 30)
		assert.NoError(t, err)
		done <- out
	}()

	require.Eventually(t, func() bool {
		_, ok := h.gate.Pending()
		return ok
	}, time.Second, time.Millisecond)

	prompt, _ := h.gate.Pending()
	assert.Equal(t, "CafeNet", prompt.SSID)
	assert.Equal(t, StepWifi, h.orch.Step())
	assert.True(t, h.store.State().Active)
	assert.Equal(t, int32(0), atomic.LoadInt32(&h.portal.calls))

	require.NoError(t, h.gate.Acknowledge())
	out := <-done
	assert.Equal(t, StatusCompleted, out.Status)
	assert.Equal(t, int32(1), atomic.LoadInt32(&h.portal.calls))
	assert.ErrorIs(t, h.gate.Acknowledge(), ErrNothingToAcknowledge)
}

func TestUnavailableWifiNeverReachesGateway(t *testing.T) {
	h := newHarness(t)
	h.orch.wifi = wifi.NewController(wifi.NoDriver, 2*time.Second, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := h.orch.HandleConnect(ctx, testHotspot, 30)
		done <- err
	}()

	require.Eventually(t, func() bool {
		_, ok := h.gate.Pending()
		return ok
	}, time.Second, time.Millisecond)
	cancel()

	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, int32(0), atomic.LoadInt32(&h.portal.calls))
	assert.True(t, h.store.State().Active)
}

func TestPortalFailureStillCompletes(t *testing.T) {
	h := newHarness(t)
	h.portal.result = portal.Result{Success: false, Message: "Could not reach captive portal: timeout", Unreachable: true}

	out, err := h.orch.HandleConnect(context.Background(), testHotspot, 30)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, out.Status)
	assert.True(t, h.store.State().Active)

	recent := h.feed.Recent()
	assert.Equal(t, "Session Ready", recent[len(recent)-1].Title)
}

func TestOfflineHotspotIsRejectedBeforePayment(t *testing.T) {
	h := newHarness(t)
	offline := testHotspot
	offline.IsOnline = false

	_, err := h.orch.HandleConnect(context.Background(), offline, 30)
	assert.ErrorIs(t, err, ErrHotspotOffline)
	assert.Equal(t, int32(0), atomic.LoadInt32(&h.payments.calls))
}

func TestRedirectCheckoutResumesFromDeepLink(t *testing.T) {
	h := newHarness(t)
	h.payments.err = &payment.Error{Kind: payment.KindPending, Message: "Complete checkout in your browser", CheckoutURL: "https://pay.example/c"}

	out, err := h.orch.HandleConnect(context.Background(), testHotspot, 60)
	require.NoError(t, err)
	assert.Equal(t, StatusPendingCheckout, out.Status)
	assert.Equal(t, "https://pay.example/c", out.CheckoutURL)
	assert.False(t, h.store.State().Active)
	assert.Equal(t, StepIdle, h.orch.Step())

	ev, err := deeplink.Parse("roam://pages/ElapsedTime?checkout-success&minutes=60")
	require.NoError(t, err)

	out, err = h.orch.HandleDeepLink(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, out.Status)
	assert.True(t, h.store.State().Active)
	assert.Equal(t, 60, h.store.State().DurationMinutes)
	assert.Equal(t, []string{""}, h.sessions.created)

	// The pending checkout is consumed.
	h.store.Disconnect()
	_, err = h.orch.HandleDeepLink(context.Background(), deeplink.Event{Minutes: 60})
	assert.ErrorIs(t, err, ErrNoPendingCheckout)
}

func TestDeepLinkExtendsActiveSession(t *testing.T) {
	h := newHarness(t)
	_, err := h.orch.HandleConnect(context.Background(), testHotspot, 30)
	require.NoError(t, err)
	before := h.store.State()

	out, err := h.orch.HandleDeepLink(context.Background(), deeplink.Event{Minutes: 15})
	require.NoError(t, err)
	assert.Equal(t, StatusExtended, out.Status)
	assert.Equal(t, []int{15}, h.sessions.extended)

	after := h.store.State()
	assert.Equal(t, before.ExpiresAt.Add(15*time.Minute), after.ExpiresAt)
	assert.Equal(t, 45, after.DurationMinutes)
}

func TestRepeatedCallbackExtendsOnce(t *testing.T) {
	h := newHarness(t)
	now := time.Now()
	h.orch.now = func() time.Time { return now }
	_, err := h.orch.HandleConnect(context.Background(), testHotspot, 30)
	require.NoError(t, err)

	ev, err := deeplink.Parse("roam://pages/ElapsedTime?checkout-success&minutes=30")
	require.NoError(t, err)

	_, err = h.orch.HandleDeepLink(context.Background(), ev)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err = h.orch.HandleDeepLink(context.Background(), ev)
		assert.ErrorIs(t, err, ErrDuplicateCallback)
	}
	assert.Equal(t, []int{30}, h.sessions.extended)
	assert.Equal(t, 60, h.store.State().DurationMinutes)

	// A later purchase of the same duration is a new checkout.
	now = now.Add(DuplicateCallbackWindow)
	_, err = h.orch.HandleDeepLink(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, []int{30, 30}, h.sessions.extended)
	assert.Equal(t, 90, h.store.State().DurationMinutes)
}

func TestResumedCheckoutCallbackDoesNotAlsoExtend(t *testing.T) {
	h := newHarness(t)
	h.payments.err = &payment.Error{Kind: payment.KindPending, Message: "Complete checkout in your browser", CheckoutURL: "https://pay.example/c"}
	_, err := h.orch.HandleConnect(context.Background(), testHotspot, 60)
	require.NoError(t, err)

	ev, err := deeplink.Parse("roam://pages/ElapsedTime?checkout-success&minutes=60")
	require.NoError(t, err)
	_, err = h.orch.HandleDeepLink(context.Background(), ev)
	require.NoError(t, err)

	_, err = h.orch.HandleDeepLink(context.Background(), ev)
	assert.ErrorIs(t, err, ErrDuplicateCallback)
	assert.Empty(t, h.sessions.extended)
	assert.Equal(t, 60, h.store.State().DurationMinutes)
}

func TestDeepLinkExtendFailureLeavesState(t *testing.T) {
	h := newHarness(t)
	_, err := h.orch.HandleConnect(context.Background(), testHotspot, 30)
	require.NoError(t, err)
	before := h.store.State()
	h.sessions.extendErr = &session.ExtendError{StatusCode: 404, Message: "not found"}

	_, err = h.orch.HandleDeepLink(context.Background(), deeplink.Event{Minutes: 15})
	assert.Error(t, err)
	assert.Equal(t, before, h.store.State())
}

func TestRunConsumesDeepLinkEvents(t *testing.T) {
	h := newHarness(t)
	_, err := h.orch.HandleConnect(context.Background(), testHotspot, 30)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	links := make(chan deeplink.Event)
	go h.orch.Run(ctx, links)

	links <- deeplink.Event{Minutes: 10}
	require.Eventually(t, func() bool { return h.store.State().DurationMinutes == 40 }, time.Second, time.Millisecond)
}

func TestDisconnectClearsEvenWhenInvalidateFails(t *testing.T) {
	h := newHarness(t)
	_, err := h.orch.HandleConnect(context.Background(), testHotspot, 30)
	require.NoError(t, err)

	prev := h.orch.Disconnect(context.Background())
	assert.True(t, prev.Active)
	assert.Equal(t, []string{"tok-1"}, h.sessions.invalidated)
	assert.Equal(t, connection.State{}, h.store.State())
}

func TestRestoreRefreshesExpiry(t *testing.T) {
	h := newHarness(t)
	_, err := h.orch.HandleConnect(context.Background(), testHotspot, 30)
	require.NoError(t, err)

	later := h.expires.Add(10 * time.Minute)
	h.sessions.got = &session.Session{Token: "tok-1", ExpiresAt: later}
	h.orch.Restore(context.Background())
	assert.True(t, later.Equal(h.store.State().ExpiresAt))

	h.sessions.got = nil
	h.orch.Restore(context.Background())
	assert.True(t, h.store.State().Active)
}

func TestInvalidDuration(t *testing.T) {
	h := newHarness(t)
	_, err := h.orch.HandleConnect(context.Background(), testHotspot, 0)
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrAttemptInProgress))
}
