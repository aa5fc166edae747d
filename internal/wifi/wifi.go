// Package wifi joins hotspot networks and reports when the user has to do
// it by hand.
package wifi

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ManualMessage is shown when programmatic association is unavailable.
const ManualMessage = "WiFi module not available. Please connect manually."

// Result is the outcome of an association attempt. A failed attempt is a
// value, not an error.
type Result struct {
	Success                  bool   `json:"success"`
	Message                  string `json:"message"`
	RequiresManualConnection bool   `json:"requiresManualConnection,omitempty"`
}

// Driver is a handle to programmatic WiFi control.
type Driver interface {
	Join(ctx context.Context, ssid, password string) error
	CurrentSSID(ctx context.Context) (string, error)
}

// Capability is the result of probing for WiFi control: either Available
// with a driver handle, or Unavailable with a reason.
type Capability struct {
	driver Driver
	reason string
}

// Available wraps a usable driver.
func Available(d Driver) Capability {
	return Capability{driver: d}
}

// Unavailable reports that WiFi cannot be controlled programmatically.
func Unavailable(reason string) Capability {
	return Capability{reason: reason}
}

// Driver returns the handle and whether the capability is available.
func (c Capability) Driver() (Driver, bool) {
	return c.driver, c.driver != nil
}

// Reason explains why the capability is unavailable.
func (c Capability) Reason() string {
	return c.reason
}

// Prober checks whether WiFi can be controlled right now.
type Prober interface {
	Probe(ctx context.Context) Capability
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) Capability

// Probe calls f.
func (f ProberFunc) Probe(ctx context.Context) Capability {
	return f(ctx)
}

// NoDriver is a Prober that is never available.
var NoDriver = ProberFunc(func(ctx context.Context) Capability {
	return Unavailable("no wifi driver configured")
})

// Controller runs association attempts.
type Controller struct {
	prober Prober
	settle time.Duration
	sleep  func(ctx context.Context, d time.Duration) error
	logger *zap.Logger
}

// NewController creates a controller that waits settle after each join
// before reading back the associated network.
func NewController(prober Prober, settle time.Duration, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		prober: prober,
		settle: settle,
		sleep:  sleepContext,
		logger: logger,
	}
}

// ConnectToWifi joins ssid. The capability is probed on every call.
func (c *Controller) ConnectToWifi(ctx context.Context, ssid, password string) Result {
	driver, ok := c.prober.Probe(ctx).Driver()
	if !ok {
		c.logger.Info("wifi control unavailable, manual connection required", zap.String("ssid", ssid))
		return Result{
			Success:                  false,
			Message:                  ManualMessage,
			RequiresManualConnection: true,
		}
	}

	c.logger.Info("joining network", zap.String("ssid", ssid))

	if err := driver.Join(ctx, ssid, password); err != nil {
		c.logger.Warn("join failed", zap.String("ssid", ssid), zap.Error(err))
		return Result{Success: false, Message: fmt.Sprintf("Failed to connect: %v", err)}
	}

	if err := c.sleep(ctx, c.settle); err != nil {
		return Result{Success: false, Message: fmt.Sprintf("Failed to connect: %v", err)}
	}

	current, err := driver.CurrentSSID(ctx)
	if err != nil {
		c.logger.Warn("failed to read associated network", zap.Error(err))
		return Result{Success: false, Message: fmt.Sprintf("Failed to connect: %v", err)}
	}

	if current != ssid {
		return Result{
			Success: false,
			Message: fmt.Sprintf("Connected but SSID mismatch. Expected: %s, Got: %s", ssid, current),
		}
	}

	c.logger.Info("joined network", zap.String("ssid", ssid))
	return Result{Success: true, Message: "Connected to " + ssid}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
