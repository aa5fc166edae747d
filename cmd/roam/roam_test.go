package main

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roam/roam-agent/internal/config"
	"github.com/roam/roam-agent/internal/connection"
	"github.com/roam/roam-agent/internal/hotspot"
	"github.com/roam/roam-agent/internal/notify"
	"github.com/roam/roam-agent/internal/orchestrator"
	"github.com/roam/roam-agent/internal/payment"
)

func TestTerminalSheetConfirms(t *testing.T) {
	var out bytes.Buffer
	term := newTerminal(strings.NewReader("y\n"), &out)
	intent := &payment.Intent{AmountCents: 120, DurationMinutes: 60, HotspotName: "Cafe"}

	require.NoError(t, term.Present(context.Background(), intent, payment.MerchantDisplayName))
	assert.Contains(t, out.String(), "$1.20 for 60 minutes at Cafe")
}

func TestTerminalSheetDefaultsToCancel(t *testing.T) {
	term := newTerminal(strings.NewReader("\n"), &bytes.Buffer{})
	err := term.Present(context.Background(), &payment.Intent{}, "Roam")
	assert.ErrorIs(t, err, payment.ErrSheetCanceled)
}

func TestTerminalManualPromptWaitsForEnter(t *testing.T) {
	var out bytes.Buffer
	term := newTerminal(strings.NewReader("\n"), &out)

	err := term.AwaitManualConnection(context.Background(), orchestrator.ManualPrompt{
		SSID: "CafeNet", Password: "latte123", Message: "Join the network manually",
	})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "CafeNet")
	assert.Contains(t, out.String(), "latte123")
}

func TestTerminalReadHonorsContext(t *testing.T) {
	// A reader that never returns simulates an idle console.
	r, w := io.Pipe()
	defer w.Close()
	term := newTerminal(r, &bytes.Buffer{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := term.askCallback(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPrintHotspots(t *testing.T) {
	var out bytes.Buffer
	printHotspots(&out, []hotspot.Hotspot{
		{ID: 1, Name: "Cafe", SSID: "CafeNet", PricePerMinuteCents: 2, IsOnline: true},
		{ID: 2, SSID: "Dark", IsOnline: false},
	}, 0, 0, 30)

	text := out.String()
	assert.Contains(t, text, "30 MIN")
	assert.Contains(t, text, "$0.60")
	assert.Contains(t, text, "Untitled")
	assert.Contains(t, text, "offline")

	out.Reset()
	printHotspots(&out, nil, 0, 0, 30)
	assert.Equal(t, "No hotspots nearby.\n", out.String())
}

func TestPrintState(t *testing.T) {
	var out bytes.Buffer
	printState(&out, connection.State{})
	assert.Equal(t, "No active session.\n", out.String())

	out.Reset()
	printState(&out, connection.State{
		Active:          true,
		Hotspot:         &hotspot.Hotspot{ID: 1, Name: "Cafe", SSID: "CafeNet"},
		SessionToken:    "tok",
		ExpiresAt:       time.Now().Add(10 * time.Minute),
		DurationMinutes: 30,
	})
	assert.Contains(t, out.String(), "Connected to Cafe")
	assert.Contains(t, out.String(), "of 30 minutes")
}

func TestNewLogger(t *testing.T) {
	logger, err := newLogger(config.LogConfig{Level: "debug", Development: true})
	require.NoError(t, err)
	assert.NotNil(t, logger)

	_, err = newLogger(config.LogConfig{Level: "loud"})
	assert.Error(t, err)
}

func TestFanoutDeliversToAll(t *testing.T) {
	var a, b []string
	f := fanout{
		notify.Func(func(n notify.Notice) { a = append(a, n.Title) }),
		notify.Func(func(n notify.Notice) { b = append(b, n.Title) }),
	}
	f.Notify(notify.Notice{Title: "Connected!"})
	assert.Equal(t, []string{"Connected!"}, a)
	assert.Equal(t, []string{"Connected!"}, b)
}
