package wifi

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// OpenWrtConfig selects the UCI sections used for the upstream (STA) link.
type OpenWrtConfig struct {
	// Section is the wireless wifi-iface section for the STA link.
	Section string
	// Device is the radio the STA link runs on.
	Device string
	// Network is the network interface the STA link attaches to.
	Network string
}

// OpenWrt joins networks from a travel router's STA interface via UCI.
type OpenWrt struct {
	config OpenWrtConfig
	run    Runner
	logger *zap.Logger
}

// NewOpenWrt creates an OpenWrt driver. run is usually an SSHRunner.
func NewOpenWrt(config OpenWrtConfig, run Runner, logger *zap.Logger) *OpenWrt {
	if config.Section == "" {
		config.Section = "roam_sta"
	}
	if config.Device == "" {
		config.Device = "radio0"
	}
	if config.Network == "" {
		config.Network = "wwan"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OpenWrt{
		config: config,
		run:    run,
		logger: logger,
	}
}

// Probe reports the driver available when the router answers and has the radio.
func (o *OpenWrt) Probe(ctx context.Context) Capability {
	if _, err := o.uci(ctx, "get", "wireless."+o.config.Device); err != nil {
		o.logger.Debug("openwrt probe failed", zap.Error(err))
		return Unavailable("router unreachable")
	}
	return Available(o)
}

// Join configures the STA section for ssid, commits and reloads WiFi.
func (o *OpenWrt) Join(ctx context.Context, ssid, password string) error {
	section := "wireless." + o.config.Section
	network := "network." + o.config.Network

	steps := [][]string{
		{"set", network + "=interface"},
		{"set", network + ".proto=dhcp"},
		{"set", section + "=wifi-iface"},
		{"set", section + ".device=" + o.config.Device},
		{"set", section + ".mode=sta"},
		{"set", section + ".network=" + o.config.Network},
		{"set", section + ".ssid=" + ssid},
	}
	if password != "" {
		steps = append(steps,
			[]string{"set", section + ".encryption=psk2"},
			[]string{"set", section + ".key=" + password},
		)
	} else {
		steps = append(steps,
			[]string{"set", section + ".encryption=none"},
			[]string{"delete", section + ".key"},
		)
	}
	steps = append(steps,
		[]string{"commit", "network"},
		[]string{"commit", "wireless"},
	)

	for _, args := range steps {
		if _, err := o.uci(ctx, args...); err != nil {
			return err
		}
	}

	if _, err := o.run.Run(ctx, "wifi", "reload"); err != nil {
		return fmt.Errorf("failed to reload wifi: %w", err)
	}

	o.logger.Info("configured upstream network", zap.String("ssid", ssid))
	return nil
}

// CurrentSSID returns the SSID of the first associated managed interface.
func (o *OpenWrt) CurrentSSID(ctx context.Context) (string, error) {
	out, err := o.run.Run(ctx, "iw", "dev")
	if err != nil {
		return "", err
	}
	return parseManagedSSID(out), nil
}

func (o *OpenWrt) uci(ctx context.Context, args ...string) (string, error) {
	out, err := o.run.Run(ctx, "uci", args...)
	if err != nil {
		if len(args) > 0 && args[0] == "delete" && strings.Contains(out, "Entry not found") {
			return "", nil
		}
		return out, fmt.Errorf("uci %s failed: %w", args[0], err)
	}
	return out, nil
}

// parseManagedSSID scans `iw dev` output for a managed interface with an ssid.
func parseManagedSSID(out string) string {
	var ssid string
	managed := false

	flush := func() string {
		if managed && ssid != "" {
			return ssid
		}
		return ""
	}

	for _, line := range strings.Split(out, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "Interface "):
			if found := flush(); found != "" {
				return found
			}
			ssid, managed = "", false
		case strings.HasPrefix(trimmed, "ssid "):
			ssid = strings.TrimPrefix(trimmed, "ssid ")
		case trimmed == "type managed":
			managed = true
		}
	}
	return flush()
}
