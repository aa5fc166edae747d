package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/skip2/go-qrcode"
	"go.uber.org/zap"

	"github.com/roam/roam-agent/internal/connection"
	"github.com/roam/roam-agent/internal/deeplink"
	"github.com/roam/roam-agent/internal/hotspot"
	"github.com/roam/roam-agent/internal/metrics"
	"github.com/roam/roam-agent/internal/notify"
	"github.com/roam/roam-agent/internal/orchestrator"
	"github.com/roam/roam-agent/internal/payment"
	"github.com/roam/roam-agent/internal/wifi"
)

// Connector runs connection attempts.
type Connector interface {
	HandleConnect(ctx context.Context, h hotspot.Hotspot, minutes int) (*orchestrator.Outcome, error)
	Disconnect(ctx context.Context) connection.State
	Step() orchestrator.Step
}

// Extender extends the active session in place.
type Extender interface {
	ExtendSessionManually(ctx context.Context, minutes int) bool
}

// HotspotSource lists nearby hotspots.
type HotspotSource interface {
	Update(ctx context.Context, lat, lng float64) ([]hotspot.Hotspot, error)
	Refetch(ctx context.Context, lat, lng float64) ([]hotspot.Hotspot, error)
	Find(id int64) (hotspot.Hotspot, bool)
}

// StateSource exposes the connection state.
type StateSource interface {
	State() connection.State
}

// ManualAcknowledger surfaces and releases manual connection prompts.
type ManualAcknowledger interface {
	Pending() (orchestrator.ManualPrompt, bool)
	Acknowledge() error
}

// NoticeSource lists recent notices.
type NoticeSource interface {
	Recent() []notify.Notice
}

// DeviceIDSource provides the device id.
type DeviceIDSource interface {
	GetDeviceID(ctx context.Context) (string, error)
}

// HandlerDeps are the handler's collaborators. Notices and Metrics are optional.
type HandlerDeps struct {
	Connector      Connector
	Extender       Extender
	Hotspots       HotspotSource
	State          StateSource
	Manual         ManualAcknowledger
	Notices        NoticeSource
	Devices        DeviceIDSource
	Metrics        *metrics.Metrics
	DeepLinks      chan<- deeplink.Event
	DefaultMinutes int
}

// Attempt is the result of the latest background connection attempt.
type Attempt struct {
	Running    bool                  `json:"running"`
	HotspotID  int64                 `json:"hotspotId"`
	Minutes    int                   `json:"minutes"`
	StartedAt  time.Time             `json:"startedAt"`
	FinishedAt *time.Time            `json:"finishedAt,omitempty"`
	Outcome    *orchestrator.Outcome `json:"outcome,omitempty"`
	Error      string                `json:"error,omitempty"`
}

// Handler contains all HTTP handlers for the API.
type Handler struct {
	deps   HandlerDeps
	ctx    context.Context
	now    func() time.Time
	logger *zap.Logger

	mu      sync.Mutex
	attempt *Attempt
	wg      sync.WaitGroup
}

// NewHandler creates a handler. Connection attempts outlive their request
// and run under ctx.
func NewHandler(ctx context.Context, deps HandlerDeps, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.DefaultMinutes <= 0 {
		deps.DefaultMinutes = 30
	}
	return &Handler{
		deps:   deps,
		ctx:    ctx,
		now:    time.Now,
		logger: logger,
	}
}

// Wait blocks until background attempts have returned.
func (h *Handler) Wait() {
	h.wg.Wait()
}

// HealthCheck returns the service health status.
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": h.now().UTC().Format(time.RFC3339),
		"connected": h.deps.State.State().Active,
	})
}

// StatusResponse is returned by Status.
type StatusResponse struct {
	State              connection.State           `json:"state"`
	RemainingSeconds   int64                      `json:"remainingSeconds"`
	RemainingFormatted string                     `json:"remainingFormatted"`
	Step               orchestrator.Step          `json:"step"`
	ManualPrompt       *orchestrator.ManualPrompt `json:"manualPrompt,omitempty"`
	LastAttempt        *Attempt                   `json:"lastAttempt,omitempty"`
	Notices            []notify.Notice            `json:"notices,omitempty"`
}

// Status reports the session, the attempt in progress and recent notices.
func (h *Handler) Status(c *gin.Context) {
	state := h.deps.State.State()
	now := h.now()

	resp := StatusResponse{
		State:              state,
		RemainingSeconds:   int64(state.Remaining(now) / time.Second),
		RemainingFormatted: state.FormatRemaining(now),
		Step:               h.deps.Connector.Step(),
		LastAttempt:        h.lastAttempt(),
	}
	if prompt, ok := h.deps.Manual.Pending(); ok {
		resp.ManualPrompt = &prompt
	}
	if h.deps.Notices != nil {
		resp.Notices = h.deps.Notices.Recent()
	}

	c.JSON(http.StatusOK, resp)
}

// Hotspots lists hotspots around lat/lng. refresh=true forces a fetch.
func (h *Handler) Hotspots(c *gin.Context) {
	lat, errLat := strconv.ParseFloat(c.Query("lat"), 64)
	lng, errLng := strconv.ParseFloat(c.Query("lng"), 64)
	if errLat != nil || errLng != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "lat and lng are required"})
		return
	}

	fetch := h.deps.Hotspots.Update
	if c.Query("refresh") == "true" {
		fetch = h.deps.Hotspots.Refetch
	}

	hotspots, err := fetch(c.Request.Context(), lat, lng)
	if err != nil {
		if errors.Is(err, hotspot.ErrSuperseded) {
			c.JSON(http.StatusConflict, gin.H{"error": "superseded by a newer request"})
			return
		}
		h.deps.Metrics.HotspotFetch(false)
		h.logger.Warn("failed to fetch hotspots", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to fetch hotspots"})
		return
	}
	h.deps.Metrics.HotspotFetch(true)

	if hotspots == nil {
		hotspots = []hotspot.Hotspot{}
	}
	c.JSON(http.StatusOK, gin.H{"hotspots": hotspots})
}

// ConnectRequest represents a connect request.
type ConnectRequest struct {
	HotspotID int64 `json:"hotspotId" binding:"required"`
	Minutes   int   `json:"minutes"`
}

// Connect starts a connection attempt in the background. Progress is
// reported by Status.
func (h *Handler) Connect(c *gin.Context) {
	var req ConnectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Minutes == 0 {
		req.Minutes = h.deps.DefaultMinutes
	}
	if req.Minutes < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "minutes must be positive"})
		return
	}

	spot, ok := h.deps.Hotspots.Find(req.HotspotID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown hotspot, list nearby hotspots first"})
		return
	}
	if !spot.IsOnline {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": orchestrator.ErrHotspotOffline.Error()})
		return
	}

	if h.deps.State.State().Active {
		c.JSON(http.StatusConflict, gin.H{"error": orchestrator.ErrAlreadyConnected.Error()})
		return
	}

	attempt, started := h.startAttempt(spot, req.Minutes)
	if !started {
		c.JSON(http.StatusConflict, gin.H{"error": orchestrator.ErrAttemptInProgress.Error()})
		return
	}
	c.JSON(http.StatusAccepted, attempt)
}

func (h *Handler) startAttempt(spot hotspot.Hotspot, minutes int) (Attempt, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.attempt != nil && h.attempt.Running {
		return Attempt{}, false
	}
	h.attempt = &Attempt{
		Running:   true,
		HotspotID: spot.ID,
		Minutes:   minutes,
		StartedAt: h.now(),
	}
	snapshot := *h.attempt

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		outcome, err := h.deps.Connector.HandleConnect(h.ctx, spot, minutes)
		h.finishAttempt(outcome, err)
	}()

	return snapshot, true
}

func (h *Handler) finishAttempt(outcome *orchestrator.Outcome, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	finished := h.now()
	h.attempt.Running = false
	h.attempt.FinishedAt = &finished
	h.attempt.Outcome = outcome
	if err != nil {
		h.attempt.Error = err.Error()
		h.logger.Warn("connection attempt failed", zap.Error(err))
	}
}

func (h *Handler) lastAttempt() *Attempt {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.attempt == nil {
		return nil
	}
	a := *h.attempt
	return &a
}

// AcknowledgeManual confirms the user joined the network by hand.
func (h *Handler) AcknowledgeManual(c *gin.Context) {
	if err := h.deps.Manual.Acknowledge(); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "acknowledged"})
}

// Disconnect ends the active session.
func (h *Handler) Disconnect(c *gin.Context) {
	prev := h.deps.Connector.Disconnect(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"disconnected": prev.Active,
		"state":        h.deps.State.State(),
	})
}

// ExtendRequest represents an extend request.
type ExtendRequest struct {
	Minutes int `json:"minutes" binding:"required,min=1"`
}

// Extend adds minutes to the active session.
func (h *Handler) Extend(c *gin.Context) {
	var req ExtendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !h.deps.State.State().Active {
		c.JSON(http.StatusConflict, gin.H{"error": "no active session"})
		return
	}

	if !h.deps.Extender.ExtendSessionManually(c.Request.Context(), req.Minutes) {
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to extend session"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"extended": true, "state": h.deps.State.State()})
}

// DeepLinkRequest carries a checkout callback URL.
type DeepLinkRequest struct {
	URL string `json:"url" binding:"required"`
}

// DeepLink queues a checkout callback for the orchestrator.
func (h *Handler) DeepLink(c *gin.Context) {
	var req DeepLinkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ev, err := deeplink.Parse(req.URL)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	select {
	case h.deps.DeepLinks <- ev:
		c.JSON(http.StatusAccepted, gin.H{"minutes": ev.Minutes})
	default:
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "callback queue is full"})
	}
}

// WifiQR renders the active network's credentials as a PNG QR code.
func (h *Handler) WifiQR(c *gin.Context) {
	state := h.deps.State.State()
	if !state.Active || state.Hotspot == nil || state.Hotspot.SSID == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active network"})
		return
	}

	payload := wifi.QRPayload(state.Hotspot.SSID, state.Hotspot.NetworkPassword())
	png, err := qrcode.Encode(payload, qrcode.Medium, 256)
	if err != nil {
		h.logger.Error("failed to render wifi qr", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to render qr code"})
		return
	}
	c.Data(http.StatusOK, "image/png", png)
}

// Device returns the device id sent with every session request.
func (h *Handler) Device(c *gin.Context) {
	id, err := h.deps.Devices.GetDeviceID(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to get device id", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "device id unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deviceId": id})
}

// DurationOptions lists the purchasable durations.
func (h *Handler) DurationOptions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"minutes": payment.DurationOptions})
}
