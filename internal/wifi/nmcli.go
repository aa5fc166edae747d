package wifi

import (
	"context"
	"os/exec"
	"strings"

	"go.uber.org/zap"
)

// Nmcli drives the local NetworkManager.
type Nmcli struct {
	iface  string
	run    Runner
	lookup func(file string) (string, error)
	logger *zap.Logger
}

// NewNmcli creates a NetworkManager driver. iface may be empty.
func NewNmcli(iface string, run Runner, logger *zap.Logger) *Nmcli {
	if run == nil {
		run = ExecRunner{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Nmcli{
		iface:  iface,
		run:    run,
		lookup: exec.LookPath,
		logger: logger,
	}
}

// Probe reports the driver available when nmcli exists and WiFi is enabled.
func (n *Nmcli) Probe(ctx context.Context) Capability {
	if _, err := n.lookup("nmcli"); err != nil {
		return Unavailable("nmcli not found")
	}

	out, err := n.run.Run(ctx, "nmcli", "-t", "-f", "WIFI", "general")
	if err != nil {
		n.logger.Debug("nmcli probe failed", zap.Error(err))
		return Unavailable("NetworkManager not running")
	}
	if strings.TrimSpace(out) != "enabled" {
		return Unavailable("WiFi radio disabled")
	}
	return Available(n)
}

// Join connects to ssid.
func (n *Nmcli) Join(ctx context.Context, ssid, password string) error {
	args := []string{"dev", "wifi", "connect", ssid}
	if password != "" {
		args = append(args, "password", password)
	}
	if n.iface != "" {
		args = append(args, "ifname", n.iface)
	}
	_, err := n.run.Run(ctx, "nmcli", args...)
	return err
}

// CurrentSSID returns the network the active WiFi device is associated with.
func (n *Nmcli) CurrentSSID(ctx context.Context) (string, error) {
	out, err := n.run.Run(ctx, "nmcli", "-t", "-f", "ACTIVE,SSID", "dev", "wifi")
	if err != nil {
		return "", err
	}
	return parseActiveSSID(out), nil
}

// parseActiveSSID reads terse "ACTIVE:SSID" lines; colons in the SSID are
// escaped as "\:".
func parseActiveSSID(out string) string {
	for _, line := range strings.Split(out, "\n") {
		rest, ok := strings.CutPrefix(strings.TrimSpace(line), "yes:")
		if !ok {
			continue
		}
		return strings.ReplaceAll(rest, `\:`, ":")
	}
	return ""
}
