package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/roam/roam-agent/internal/config"
	"github.com/roam/roam-agent/internal/connection"
	"github.com/roam/roam-agent/internal/db"
	"github.com/roam/roam-agent/internal/device"
	"github.com/roam/roam-agent/internal/hotspot"
	"github.com/roam/roam-agent/internal/metrics"
	"github.com/roam/roam-agent/internal/monitor"
	"github.com/roam/roam-agent/internal/notify"
	"github.com/roam/roam-agent/internal/orchestrator"
	"github.com/roam/roam-agent/internal/payment"
	"github.com/roam/roam-agent/internal/portal"
	"github.com/roam/roam-agent/internal/session"
	"github.com/roam/roam-agent/internal/wifi"
)

// ui supplies the interactive pieces that differ between the CLI and the agent.
type ui struct {
	sheet    payment.Sheet
	opener   payment.Opener
	prompter orchestrator.Prompter
	notifier notify.Notifier
}

type app struct {
	cfg    *config.Config
	logger *zap.Logger

	db       *db.DB
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	feed     *notify.Feed

	store    *connection.Store
	devices  *device.Provider
	hotspots *hotspot.Client
	watcher  *hotspot.Watcher
	sessions *session.Client
	portal   *portal.Authenticator
	wifi     *wifi.Controller
	payments payment.Initiator

	orchestrator *orchestrator.Orchestrator
	monitor      *monitor.Monitor
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger, u ui) (*app, error) {
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	database, err := db.Open(filepath.Join(cfg.DataDir, "roam.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		db:       database,
		registry: prometheus.NewRegistry(),
		feed:     notify.NewFeed(20, logger.Named("notify")),
	}
	a.metrics = metrics.New(a.registry)

	initial, err := database.LoadState(ctx)
	if err != nil {
		logger.Warn("failed to load persisted connection state", zap.Error(err))
		initial = connection.State{}
	}
	a.store = connection.NewStore(initial, database, logger.Named("connection"))

	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}

	a.devices = device.NewProvider(database, db.KeyDeviceID, logger.Named("device"))
	a.hotspots = hotspot.NewClient(cfg.BackendURL, httpClient, hotspot.DefaultRetryConfig(), logger.Named("hotspot"))
	a.watcher = hotspot.NewWatcher(a.hotspots, cfg.Discovery.Radius, cfg.Discovery.RefetchThreshold, logger.Named("watcher"))
	a.sessions = session.NewClient(cfg.BackendURL, httpClient, a.devices, logger.Named("session"))
	a.portal = portal.NewAuthenticator(cfg.Gateway.IP, cfg.Gateway.Port, httpClient, a.devices, logger.Named("portal"))

	prober, err := newProber(cfg, logger.Named("wifi"))
	if err != nil {
		database.Close()
		return nil, err
	}
	a.wifi = wifi.NewController(prober, cfg.Wifi.Settle, logger.Named("wifi"))

	switch cfg.Payment.Mode {
	case config.PaymentModeNative:
		intents := payment.NewIntentClient(cfg.BackendURL, httpClient, a.devices)
		a.payments = payment.NewNative(intents, u.sheet, logger.Named("payment"))
	case config.PaymentModeRedirect:
		a.payments = payment.NewRedirect(cfg.BackendURL, httpClient, cfg.Payment.Prices, u.opener, logger.Named("payment"))
	default:
		a.payments = payment.NewMock()
	}

	notifier := notify.Notifier(a.feed)
	if u.notifier != nil {
		notifier = fanout{a.feed, u.notifier}
	}

	a.orchestrator = orchestrator.New(orchestrator.Deps{
		Store:    a.store,
		Payments: a.payments,
		Sessions: a.sessions,
		Wifi:     a.wifi,
		Portal:   a.portal,
		Prompter: u.prompter,
		Notifier: notifier,
		Metrics:  a.metrics,
	}, logger.Named("orchestrator"))

	a.monitor = monitor.New(monitor.Config{
		Interval: cfg.Monitor.Interval,
		Warning:  cfg.Monitor.Warning,
	}, monitor.Deps{
		Store:     a.store,
		Validator: a.sessions,
		Issuer:    a.sessions,
		Portal:    a.portal,
		Notifier:  notifier,
		Metrics:   a.metrics,
		Recorder:  database,
	}, logger.Named("monitor"))

	return a, nil
}

func (a *app) Close() error {
	a.watcher.Stop()
	return a.db.Close()
}

func newProber(cfg *config.Config, logger *zap.Logger) (wifi.Prober, error) {
	switch cfg.Wifi.Driver {
	case config.WifiDriverNmcli:
		return wifi.NewNmcli(cfg.Wifi.Interface, wifi.ExecRunner{}, logger), nil
	case config.WifiDriverOpenWrt:
		runner, err := wifi.NewSSHRunner(wifi.SSHConfig{
			Address:    cfg.OpenWrt.Address,
			Port:       cfg.OpenWrt.Port,
			Username:   cfg.OpenWrt.Username,
			Password:   cfg.OpenWrt.Password,
			PrivateKey: cfg.OpenWrt.PrivateKey,
			KnownHosts: cfg.OpenWrt.KnownHosts,
			Timeout:    cfg.HTTPTimeout,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to configure router access: %w", err)
		}
		return wifi.NewOpenWrt(wifi.OpenWrtConfig{
			Section: cfg.OpenWrt.STASection,
			Device:  cfg.OpenWrt.Device,
		}, runner, logger), nil
	default:
		return wifi.NoDriver, nil
	}
}

// fanout delivers each notice to every notifier.
type fanout []notify.Notifier

func (f fanout) Notify(n notify.Notice) {
	for _, notifier := range f {
		notifier.Notify(n)
	}
}
