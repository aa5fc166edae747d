package main

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/roam/roam-agent/internal/api"
	"github.com/roam/roam-agent/internal/auth"
	"github.com/roam/roam-agent/internal/config"
	"github.com/roam/roam-agent/internal/deeplink"
	"github.com/roam/roam-agent/internal/orchestrator"
	"github.com/roam/roam-agent/internal/payment"
)

func keyDir(cfg *config.Config) string {
	return filepath.Join(cfg.DataDir, "keys")
}

func newAgentCommand(g *globals) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run the background agent with its control API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if listen != "" {
				g.cfg.Agent.Listen = listen
			}
			return runAgent(cmd.Context(), g.cfg, g.logger)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "listen address (default agent.listen)")
	return cmd
}

func runAgent(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	gate := orchestrator.NewManualGate()

	// API callers confirm the charge by calling connect, so there is no sheet.
	a, err := newApp(ctx, cfg, logger, ui{
		sheet:    payment.PreConfirmed{},
		prompter: gate,
	})
	if err != nil {
		return err
	}
	defer a.Close()

	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	kp, created, err := auth.LoadOrGenerateKeyPair(keyDir(cfg))
	if err != nil {
		return err
	}
	if created {
		logger.Info("generated API signing key, issue tokens with `roam token`",
			zap.String("dir", keyDir(cfg)))
	}
	tokens := auth.NewTokenService(kp, tokenIssuer)

	a.orchestrator.Restore(ctx)

	links := make(chan deeplink.Event, 4)
	handler := api.NewHandler(ctx, api.HandlerDeps{
		Connector:      a.orchestrator,
		Extender:       a.monitor,
		Hotspots:       a.watcher,
		State:          a.store,
		Manual:         gate,
		Notices:        a.feed,
		Devices:        a.devices,
		Metrics:        a.metrics,
		DeepLinks:      links,
		DefaultMinutes: cfg.Payment.DefaultMinutes,
	}, logger.Named("api"))

	limiter := api.NewRateLimiter(cfg.Agent.RateLimit, cfg.Agent.Burst)
	router := api.NewRouter(handler, tokens, limiter, a.registry, logger.Named("api"))

	go a.monitor.Run(ctx)
	go a.orchestrator.Run(ctx, links)
	go limiter.Run(ctx)

	httpServer := &http.Server{
		Addr:              cfg.Agent.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("agent listening", zap.String("addr", cfg.Agent.Listen))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	logger.Info("shutting down agent")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	handler.Wait()

	return nil
}
