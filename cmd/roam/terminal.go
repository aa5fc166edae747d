package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"strings"

	"github.com/mdp/qrterminal/v3"

	"github.com/roam/roam-agent/internal/hotspot"
	"github.com/roam/roam-agent/internal/notify"
	"github.com/roam/roam-agent/internal/orchestrator"
	"github.com/roam/roam-agent/internal/payment"
	"github.com/roam/roam-agent/internal/wifi"
)

// terminal is the interactive console. Reads are serialized through one
// buffered reader so prompts never steal each other's input.
type terminal struct {
	in  *bufio.Reader
	out io.Writer
}

func newTerminal(in io.Reader, out io.Writer) *terminal {
	return &terminal{in: bufio.NewReader(in), out: out}
}

func (t *terminal) ui() ui {
	return ui{
		sheet:    t,
		opener:   browserOpener{out: t.out},
		prompter: t,
		notifier: notify.Func(t.printNotice),
	}
}

// readLine waits for a line of input or ctx.
func (t *terminal) readLine(ctx context.Context) (string, error) {
	type result struct {
		line string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		line, err := t.in.ReadString('\n')
		ch <- result{strings.TrimSpace(line), err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-ch:
		if r.err != nil && r.line == "" {
			return "", r.err
		}
		return r.line, nil
	}
}

// Present asks the user to confirm the charge.
func (t *terminal) Present(ctx context.Context, intent *payment.Intent, merchant string) error {
	fmt.Fprintf(t.out, "%s: pay %s for %d minutes at %s? [y/N] ",
		merchant, hotspot.FormatPrice(intent.AmountCents), intent.DurationMinutes, intent.HotspotName)

	answer, err := t.readLine(ctx)
	if err != nil {
		return err
	}
	switch strings.ToLower(answer) {
	case "y", "yes":
		return nil
	default:
		return payment.ErrSheetCanceled
	}
}

// AwaitManualConnection shows the credentials and waits for Enter.
func (t *terminal) AwaitManualConnection(ctx context.Context, prompt orchestrator.ManualPrompt) error {
	fmt.Fprintln(t.out)
	fmt.Fprintln(t.out, prompt.Message)
	fmt.Fprintf(t.out, "  Network:  %s\n", prompt.SSID)
	if prompt.Password != "" {
		fmt.Fprintf(t.out, "  Password: %s\n", prompt.Password)
	}
	fmt.Fprintln(t.out, "Scan to join from a phone:")
	printQR(t.out, wifi.QRPayload(prompt.SSID, prompt.Password))
	fmt.Fprint(t.out, "Press Enter once connected... ")

	_, err := t.readLine(ctx)
	return err
}

// askCallback asks for the checkout completion URL.
func (t *terminal) askCallback(ctx context.Context) (string, error) {
	fmt.Fprint(t.out, "After paying, paste the link your browser was sent to: ")
	return t.readLine(ctx)
}

func (t *terminal) printNotice(n notify.Notice) {
	fmt.Fprintf(t.out, "[%s] %s\n", n.Title, n.Message)
}

func printQR(out io.Writer, content string) {
	qrterminal.GenerateHalfBlock(content, qrterminal.L, out)
}

// browserOpener opens checkout pages in the desktop browser and prints a QR
// code for finishing on a phone.
type browserOpener struct {
	out io.Writer
}

func (b browserOpener) Open(ctx context.Context, url string) error {
	fmt.Fprintf(b.out, "Checkout: %s\n", url)
	printQR(b.out, url)

	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.CommandContext(ctx, "open", url)
	case "windows":
		cmd = exec.CommandContext(ctx, "rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.CommandContext(ctx, "xdg-open", url)
	}
	return cmd.Start()
}
