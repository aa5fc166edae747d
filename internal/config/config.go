// Package config provides configuration loading for the Roam agent.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// PaymentMode selects the payment strategy.
type PaymentMode string

const (
	// PaymentModeMock synthesizes a payment reference without charging.
	PaymentModeMock PaymentMode = "mock"
	// PaymentModeNative uses a payment intent and a payment sheet.
	PaymentModeNative PaymentMode = "native"
	// PaymentModeRedirect opens a hosted checkout and completes via deep link.
	PaymentModeRedirect PaymentMode = "redirect"
)

// WifiDriver selects how the agent joins hotspot networks.
type WifiDriver string

const (
	// WifiDriverNone means programmatic association is unavailable.
	WifiDriverNone WifiDriver = "none"
	// WifiDriverNmcli drives the local NetworkManager.
	WifiDriverNmcli WifiDriver = "nmcli"
	// WifiDriverOpenWrt drives a travel router's STA interface over SSH.
	WifiDriverOpenWrt WifiDriver = "openwrt"
)

// Config holds the agent configuration.
type Config struct {
	BackendURL string
	DataDir    string

	HTTPTimeout time.Duration

	Gateway   GatewayConfig
	Payment   PaymentConfig
	Monitor   MonitorConfig
	Wifi      WifiConfig
	OpenWrt   OpenWrtConfig
	Discovery DiscoveryConfig
	Agent     AgentConfig
	Log       LogConfig
}

// GatewayConfig locates the hotspot's captive portal.
type GatewayConfig struct {
	IP   string
	Port int
}

// PaymentConfig configures the payment strategy.
type PaymentConfig struct {
	Mode           PaymentMode
	DefaultMinutes int
	// Prices maps a duration in minutes to a hosted checkout price id.
	Prices map[int]string
}

// MonitorConfig configures the expiry monitor.
type MonitorConfig struct {
	Interval time.Duration
	Warning  time.Duration
}

// WifiConfig configures association.
type WifiConfig struct {
	Driver    WifiDriver
	Interface string
	Settle    time.Duration
}

// OpenWrtConfig holds SSH access to a travel router.
type OpenWrtConfig struct {
	Address    string
	Port       int
	Username   string
	Password   string
	PrivateKey string
	KnownHosts string
	STASection string
	Device     string
}

// DiscoveryConfig configures hotspot discovery.
type DiscoveryConfig struct {
	Radius           int
	RefetchThreshold float64
}

// AgentConfig configures the local control API.
type AgentConfig struct {
	Listen    string
	RateLimit float64
	Burst     int
	TokenTTL  time.Duration
}

// LogConfig configures logging.
type LogConfig struct {
	Level       string
	Development bool
}

// Default returns the default configuration.
func Default() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}

	return &Config{
		BackendURL:  "http://localhost:8080",
		DataDir:     filepath.Join(home, ".roam"),
		HTTPTimeout: 10 * time.Second,
		Gateway: GatewayConfig{
			IP:   "192.168.4.1",
			Port: 2050,
		},
		Payment: PaymentConfig{
			Mode:           PaymentModeMock,
			DefaultMinutes: 30,
			Prices: map[int]string{
				30: "price_1SJlk86PfUH9aqsh1rZ8BhBY",
				60: "price_60min",
				90: "price_90min",
			},
		},
		Monitor: MonitorConfig{
			Interval: 30 * time.Second,
			Warning:  60 * time.Second,
		},
		Wifi: WifiConfig{
			Driver: WifiDriverNone,
			Settle: 2 * time.Second,
		},
		OpenWrt: OpenWrtConfig{
			Port:       22,
			Username:   "root",
			STASection: "roam_sta",
			Device:     "radio0",
		},
		Discovery: DiscoveryConfig{
			Radius:           2500,
			RefetchThreshold: 0.5,
		},
		Agent: AgentConfig{
			Listen:    "127.0.0.1:7350",
			RateLimit: 5,
			Burst:     10,
			TokenTTL:  30 * 24 * time.Hour,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the given file (or the default search path)
// and ROAM_* environment variables on top of the defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("roam")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".roam"))
		}
	}

	v.SetEnvPrefix("roam")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); path != "" || !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := fromViper(v)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("backend_url", d.BackendURL)
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("http.timeout", d.HTTPTimeout)
	v.SetDefault("gateway.ip", d.Gateway.IP)
	v.SetDefault("gateway.port", d.Gateway.Port)
	v.SetDefault("payment.mode", string(d.Payment.Mode))
	v.SetDefault("payment.default_minutes", d.Payment.DefaultMinutes)
	prices := make(map[string]string, len(d.Payment.Prices))
	for minutes, id := range d.Payment.Prices {
		prices[fmt.Sprintf("%d", minutes)] = id
	}
	v.SetDefault("payment.prices", prices)
	v.SetDefault("monitor.interval", d.Monitor.Interval)
	v.SetDefault("monitor.warning", d.Monitor.Warning)
	v.SetDefault("wifi.driver", string(d.Wifi.Driver))
	v.SetDefault("wifi.interface", d.Wifi.Interface)
	v.SetDefault("wifi.settle", d.Wifi.Settle)
	v.SetDefault("openwrt.address", d.OpenWrt.Address)
	v.SetDefault("openwrt.port", d.OpenWrt.Port)
	v.SetDefault("openwrt.username", d.OpenWrt.Username)
	v.SetDefault("openwrt.password", d.OpenWrt.Password)
	v.SetDefault("openwrt.private_key", d.OpenWrt.PrivateKey)
	v.SetDefault("openwrt.known_hosts", d.OpenWrt.KnownHosts)
	v.SetDefault("openwrt.sta_section", d.OpenWrt.STASection)
	v.SetDefault("openwrt.device", d.OpenWrt.Device)
	v.SetDefault("discovery.radius", d.Discovery.Radius)
	v.SetDefault("discovery.refetch_threshold", d.Discovery.RefetchThreshold)
	v.SetDefault("agent.listen", d.Agent.Listen)
	v.SetDefault("agent.rate_limit", d.Agent.RateLimit)
	v.SetDefault("agent.burst", d.Agent.Burst)
	v.SetDefault("agent.token_ttl", d.Agent.TokenTTL)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.development", d.Log.Development)
}

func fromViper(v *viper.Viper) *Config {
	prices := make(map[int]string)
	for key, id := range v.GetStringMapString("payment.prices") {
		var minutes int
		if _, err := fmt.Sscanf(key, "%d", &minutes); err == nil && minutes > 0 {
			prices[minutes] = id
		}
	}

	return &Config{
		BackendURL:  strings.TrimRight(v.GetString("backend_url"), "/"),
		DataDir:     v.GetString("data_dir"),
		HTTPTimeout: v.GetDuration("http.timeout"),
		Gateway: GatewayConfig{
			IP:   v.GetString("gateway.ip"),
			Port: v.GetInt("gateway.port"),
		},
		Payment: PaymentConfig{
			Mode:           PaymentMode(strings.ToLower(v.GetString("payment.mode"))),
			DefaultMinutes: v.GetInt("payment.default_minutes"),
			Prices:         prices,
		},
		Monitor: MonitorConfig{
			Interval: v.GetDuration("monitor.interval"),
			Warning:  v.GetDuration("monitor.warning"),
		},
		Wifi: WifiConfig{
			Driver:    WifiDriver(strings.ToLower(v.GetString("wifi.driver"))),
			Interface: v.GetString("wifi.interface"),
			Settle:    v.GetDuration("wifi.settle"),
		},
		OpenWrt: OpenWrtConfig{
			Address:    v.GetString("openwrt.address"),
			Port:       v.GetInt("openwrt.port"),
			Username:   v.GetString("openwrt.username"),
			Password:   v.GetString("openwrt.password"),
			PrivateKey: v.GetString("openwrt.private_key"),
			KnownHosts: v.GetString("openwrt.known_hosts"),
			STASection: v.GetString("openwrt.sta_section"),
			Device:     v.GetString("openwrt.device"),
		},
		Discovery: DiscoveryConfig{
			Radius:           v.GetInt("discovery.radius"),
			RefetchThreshold: v.GetFloat64("discovery.refetch_threshold"),
		},
		Agent: AgentConfig{
			Listen:    v.GetString("agent.listen"),
			RateLimit: v.GetFloat64("agent.rate_limit"),
			Burst:     v.GetInt("agent.burst"),
			TokenTTL:  v.GetDuration("agent.token_ttl"),
		},
		Log: LogConfig{
			Level:       v.GetString("log.level"),
			Development: v.GetBool("log.development"),
		},
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.BackendURL == "" {
		return ErrInvalidConfig("backend URL is required")
	}
	if u, err := url.Parse(c.BackendURL); err != nil || u.Scheme == "" || u.Host == "" {
		return ErrInvalidConfig(fmt.Sprintf("backend URL %q is not absolute", c.BackendURL))
	}
	if c.HTTPTimeout <= 0 {
		return ErrInvalidConfig("http timeout must be positive")
	}
	if c.Gateway.IP == "" || c.Gateway.Port <= 0 {
		return ErrInvalidConfig("gateway ip and port are required")
	}
	switch c.Payment.Mode {
	case PaymentModeMock, PaymentModeNative, PaymentModeRedirect:
	default:
		return ErrInvalidConfig(fmt.Sprintf("unknown payment mode %q", c.Payment.Mode))
	}
	if c.Payment.DefaultMinutes <= 0 {
		return ErrInvalidConfig("default minutes must be positive")
	}
	if c.Payment.Mode == PaymentModeRedirect && len(c.Payment.Prices) == 0 {
		return ErrInvalidConfig("redirect payments need at least one price")
	}
	if c.Monitor.Interval <= 0 {
		return ErrInvalidConfig("monitor interval must be positive")
	}
	switch c.Wifi.Driver {
	case WifiDriverNone, WifiDriverNmcli:
	case WifiDriverOpenWrt:
		if c.OpenWrt.Address == "" {
			return ErrInvalidConfig("openwrt driver needs openwrt.address")
		}
	default:
		return ErrInvalidConfig(fmt.Sprintf("unknown wifi driver %q", c.Wifi.Driver))
	}
	if c.Discovery.Radius <= 0 {
		return ErrInvalidConfig("discovery radius must be positive")
	}
	return nil
}

// ConfigError represents a configuration error.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string {
	return "roam config error: " + e.Message
}

// ErrInvalidConfig creates a new configuration error.
func ErrInvalidConfig(message string) error {
	return &ConfigError{Message: message}
}
