// Package portal authenticates a session token with the hotspot's captive portal.
package portal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// DefaultProbeURL answers 204 when the internet is reachable without a portal.
const DefaultProbeURL = "http://connectivitycheck.gstatic.com/generate_204"

// Result is the outcome of a portal authentication. Failures are values.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	// Unreachable is set when the gateway could not be contacted at all,
	// as opposed to rejecting the credentials.
	Unreachable bool `json:"unreachable,omitempty"`
}

// DeviceIDSource supplies the device id sent with each authentication.
type DeviceIDSource interface {
	GetDeviceID(ctx context.Context) (string, error)
}

// Authenticator talks to the local gateway.
type Authenticator struct {
	authURL    string
	probeURL   string
	httpClient *http.Client
	devices    DeviceIDSource
	logger     *zap.Logger
}

// NewAuthenticator creates an authenticator for the gateway at ip:port.
func NewAuthenticator(gatewayIP string, port int, httpClient *http.Client, devices DeviceIDSource, logger *zap.Logger) *Authenticator {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Authenticator{
		authURL:    "http://" + net.JoinHostPort(gatewayIP, strconv.Itoa(port)) + "/auth",
		probeURL:   DefaultProbeURL,
		httpClient: httpClient,
		devices:    devices,
		logger:     logger,
	}
}

// WithProbeURL overrides the connectivity check endpoint.
func (a *Authenticator) WithProbeURL(u string) *Authenticator {
	a.probeURL = u
	return a
}

type authResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

// Authenticate presents token to the gateway. It never returns an error;
// an unreachable gateway is an expected state right after association.
func (a *Authenticator) Authenticate(ctx context.Context, token string) Result {
	deviceID, err := a.devices.GetDeviceID(ctx)
	if err != nil {
		return Result{Success: false, Message: fmt.Sprintf("Authentication failed: %v", err)}
	}

	body, err := json.Marshal(map[string]string{
		"token":    token,
		"deviceId": deviceID,
	})
	if err != nil {
		return Result{Success: false, Message: fmt.Sprintf("Authentication failed: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.authURL, bytes.NewReader(body))
	if err != nil {
		return unreachable(err)
	}
	req.Header.Set("Content-Type", "application/json")

	a.logger.Debug("authenticating with captive portal", zap.String("url", a.authURL))

	resp, err := a.httpClient.Do(req)
	if err != nil {
		a.logger.Warn("captive portal unreachable", zap.Error(err))
		return unreachable(err)
	}
	defer resp.Body.Close()

	var data authResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return unreachable(fmt.Errorf("invalid portal response: %w", err))
	}

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 && data.Success {
		msg := data.Message
		if msg == "" {
			msg = "Authenticated"
		}
		a.logger.Info("captive portal authentication successful")
		return Result{Success: true, Message: msg}
	}

	msg := data.Error
	if msg == "" {
		msg = "Authentication failed"
	}
	a.logger.Warn("captive portal rejected credentials", zap.String("error", msg))
	return Result{Success: false, Message: msg}
}

func unreachable(err error) Result {
	return Result{
		Success:     false,
		Message:     "Could not reach captive portal: " + err.Error(),
		Unreachable: true,
	}
}

// BehindCaptivePortal reports whether traffic is being intercepted. Any
// response other than 204, or no response at all, counts as intercepted.
func (a *Authenticator) BehindCaptivePortal(ctx context.Context) bool {
	client := *a.httpClient
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.probeURL, nil)
	if err != nil {
		return true
	}

	resp, err := client.Do(req)
	if err != nil {
		return true
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	return resp.StatusCode != http.StatusNoContent
}
