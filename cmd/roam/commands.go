package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roam/roam-agent/internal/auth"
	"github.com/roam/roam-agent/internal/connection"
	"github.com/roam/roam-agent/internal/deeplink"
	"github.com/roam/roam-agent/internal/hotspot"
	"github.com/roam/roam-agent/internal/orchestrator"
)

const tokenIssuer = "roam-agent"

func newHotspotsCommand(g *globals) *cobra.Command {
	var (
		lat, lng float64
		radius   int
	)

	cmd := &cobra.Command{
		Use:   "hotspots",
		Short: "List hotspots near a location",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, g.cfg, g.logger, ui{})
			if err != nil {
				return err
			}
			defer a.Close()

			if radius <= 0 {
				radius = g.cfg.Discovery.Radius
			}
			list, err := a.hotspots.Nearby(ctx, lat, lng, radius)
			a.metrics.HotspotFetch(err == nil)
			if err != nil {
				return fmt.Errorf("failed to fetch hotspots: %w", err)
			}

			printHotspots(cmd.OutOrStdout(), list, lat, lng, g.cfg.Payment.DefaultMinutes)
			return nil
		},
	}

	cmd.Flags().Float64Var(&lat, "lat", 0, "latitude")
	cmd.Flags().Float64Var(&lng, "lng", 0, "longitude")
	cmd.Flags().IntVar(&radius, "radius", 0, "search radius in meters (default discovery.radius)")
	_ = cmd.MarkFlagRequired("lat")
	_ = cmd.MarkFlagRequired("lng")
	return cmd
}

func printHotspots(out io.Writer, list []hotspot.Hotspot, lat, lng float64, minutes int) {
	if len(list) == 0 {
		fmt.Fprintln(out, "No hotspots nearby.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "ID\tNAME\tSSID\tDISTANCE\t%d MIN\tSTATUS\n", minutes)
	for _, h := range list {
		status := "online"
		if !h.IsOnline {
			status = "offline"
		}
		distance := hotspot.Distance(lat, lng, h.Latitude, h.Longitude)
		fmt.Fprintf(w, "%d\t%s\t%s\t%.0fm\t%s\t%s\n",
			h.ID, h.DisplayName(), h.SSID, distance, hotspot.FormatPrice(h.PriceCents(minutes)), status)
	}
	w.Flush()
}

func newConnectCommand(g *globals) *cobra.Command {
	var (
		lat, lng float64
		minutes  int
		watch    bool
	)

	cmd := &cobra.Command{
		Use:   "connect <hotspot-id>",
		Short: "Buy time at a hotspot and connect to it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid hotspot id %q", args[0])
			}

			ctx := cmd.Context()
			term := newTerminal(cmd.InOrStdin(), cmd.OutOrStdout())
			a, err := newApp(ctx, g.cfg, g.logger, term.ui())
			if err != nil {
				return err
			}
			defer a.Close()

			if _, err := a.watcher.Refetch(ctx, lat, lng); err != nil {
				a.metrics.HotspotFetch(false)
				return fmt.Errorf("failed to fetch hotspots: %w", err)
			}
			a.metrics.HotspotFetch(true)

			h, ok := a.watcher.Find(id)
			if !ok {
				return fmt.Errorf("hotspot %d not found near %.5f,%.5f", id, lat, lng)
			}
			if minutes <= 0 {
				minutes = g.cfg.Payment.DefaultMinutes
			}

			outcome, err := a.orchestrator.HandleConnect(ctx, h, minutes)
			if err != nil {
				return err
			}

			if outcome.Status == orchestrator.StatusPendingCheckout {
				raw, err := term.askCallback(ctx)
				if err != nil {
					return err
				}
				ev, err := deeplink.Parse(raw)
				if err != nil {
					return err
				}
				if outcome, err = a.orchestrator.HandleDeepLink(ctx, ev); err != nil {
					return err
				}
			}

			if outcome.Status != orchestrator.StatusCompleted {
				return nil
			}

			printState(cmd.OutOrStdout(), a.store.State())
			if watch {
				fmt.Fprintln(cmd.OutOrStdout(), "Watching the session, press Ctrl-C to stop.")
				watchSession(ctx, a)
			}
			return nil
		},
	}

	cmd.Flags().Float64Var(&lat, "lat", 0, "latitude used to look up the hotspot")
	cmd.Flags().Float64Var(&lng, "lng", 0, "longitude used to look up the hotspot")
	cmd.Flags().IntVarP(&minutes, "minutes", "m", 0, "minutes to buy (default payment.default_minutes)")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "keep monitoring the session until it ends")
	_ = cmd.MarkFlagRequired("lat")
	_ = cmd.MarkFlagRequired("lng")
	return cmd
}

// watchSession runs the expiry monitor until the session ends or ctx is done.
func watchSession(ctx context.Context, a *app) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	states, unsubscribe := a.store.Subscribe()
	defer unsubscribe()

	go a.monitor.Run(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case s := <-states:
			if !s.Active {
				return
			}
		}
	}
}

func newStatusCommand(g *globals) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the current session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, g.cfg, g.logger, ui{})
			if err != nil {
				return err
			}
			defer a.Close()

			a.orchestrator.Restore(ctx)
			state := a.store.State()

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(state)
			}

			printState(cmd.OutOrStdout(), state)
			if state.Active && a.portal.BehindCaptivePortal(ctx) {
				fmt.Fprintln(cmd.OutOrStdout(), "Internet access is still blocked by the captive portal.")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw connection state")
	return cmd
}

func printState(out io.Writer, s connection.State) {
	if !s.Active {
		fmt.Fprintln(out, "No active session.")
		return
	}

	name := ""
	if s.Hotspot != nil {
		name = s.Hotspot.DisplayName()
	}
	fmt.Fprintf(out, "Connected to %s\n", name)
	if s.Hotspot != nil && s.Hotspot.SSID != "" {
		fmt.Fprintf(out, "  Network:   %s\n", s.Hotspot.SSID)
	}
	fmt.Fprintf(out, "  Remaining: %s of %d minutes\n", s.FormatRemaining(time.Now()), s.DurationMinutes)
	fmt.Fprintf(out, "  Expires:   %s\n", s.ExpiresAt.Local().Format(time.Kitchen))
}

func newDisconnectCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect",
		Short: "End the current session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, g.cfg, g.logger, ui{})
			if err != nil {
				return err
			}
			defer a.Close()

			prev := a.orchestrator.Disconnect(ctx)
			if !prev.Active {
				fmt.Fprintln(cmd.OutOrStdout(), "No active session.")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Disconnected.")
			return nil
		},
	}
}

func newExtendCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "extend <minutes>",
		Short: "Add minutes to the current session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			minutes, err := strconv.Atoi(args[0])
			if err != nil || minutes <= 0 {
				return fmt.Errorf("invalid minutes %q", args[0])
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, g.cfg, g.logger, ui{})
			if err != nil {
				return err
			}
			defer a.Close()

			if !a.store.State().Active {
				return errors.New("no active session")
			}
			if !a.monitor.ExtendSessionManually(ctx, minutes) {
				return errors.New("failed to extend session")
			}
			printState(cmd.OutOrStdout(), a.store.State())
			return nil
		},
	}
}

func newDeviceIDCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "device-id",
		Short: "Print the id this device uses with the backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, g.cfg, g.logger, ui{})
			if err != nil {
				return err
			}
			defer a.Close()

			id, err := a.devices.GetDeviceID(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
}

func newDeepLinkCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "deeplink <url>",
		Short: "Apply a checkout completion link to the active session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ev, err := deeplink.Parse(args[0])
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			term := newTerminal(cmd.InOrStdin(), cmd.OutOrStdout())
			a, err := newApp(ctx, g.cfg, g.logger, term.ui())
			if err != nil {
				return err
			}
			defer a.Close()

			if _, err := a.orchestrator.HandleDeepLink(ctx, ev); err != nil {
				return err
			}
			printState(cmd.OutOrStdout(), a.store.State())
			return nil
		},
	}
}

func newTokenCommand(g *globals) *cobra.Command {
	var (
		scope   string
		subject string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the agent API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			kp, created, err := auth.LoadOrGenerateKeyPair(keyDir(g.cfg))
			if err != nil {
				return err
			}
			if created {
				fmt.Fprintf(cmd.ErrOrStderr(), "Generated signing key in %s\n", keyDir(g.cfg))
			}

			if ttl <= 0 {
				ttl = g.cfg.Agent.TokenTTL
			}
			token, err := auth.NewTokenService(kp, tokenIssuer).Issue(subject, auth.Scope(scope), ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&scope, "scope", string(auth.ScopeControl), "token scope: read or control")
	cmd.Flags().StringVar(&subject, "subject", "cli", "name of the token holder")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default agent.token_ttl)")
	return cmd
}
