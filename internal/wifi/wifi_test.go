package wifi

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

type fakeDriver struct {
	joinErr  error
	current  string
	joined   []string
	ssidErr  error
	joinPass string
}

func (d *fakeDriver) Join(ctx context.Context, ssid, password string) error {
	d.joined = append(d.joined, ssid)
	d.joinPass = password
	return d.joinErr
}

func (d *fakeDriver) CurrentSSID(ctx context.Context) (string, error) {
	return d.current, d.ssidErr
}

func newTestController(prober Prober) (*Controller, *[]time.Duration) {
	var slept []time.Duration
	c := NewController(prober, 2*time.Second, nil)
	c.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return c, &slept
}

func TestUnavailableRequiresManualConnection(t *testing.T) {
	c, slept := newTestController(NoDriver)

	res := c.ConnectToWifi(context.Background(), "TestNet", "")
	assert.False(t, res.Success)
	assert.True(t, res.RequiresManualConnection)
	assert.Equal(t, ManualMessage, res.Message)
	assert.Empty(t, *slept)
}

func TestJoinSettlesThenVerifiesSSID(t *testing.T) {
	d := &fakeDriver{current: "TestNet"}
	c, slept := newTestController(ProberFunc(func(ctx context.Context) Capability { return Available(d) }))

	res := c.ConnectToWifi(context.Background(), "TestNet", "pw")
	assert.True(t, res.Success)
	assert.Equal(t, "Connected to TestNet", res.Message)
	assert.Equal(t, []time.Duration{2 * time.Second}, *slept)
	assert.Equal(t, "pw", d.joinPass)
}

func TestSSIDMismatchIsNotManual(t *testing.T) {
	d := &fakeDriver{current: "Other"}
	c, _ := newTestController(ProberFunc(func(ctx context.Context) Capability { return Available(d) }))

	res := c.ConnectToWifi(context.Background(), "TestNet", "")
	assert.False(t, res.Success)
	assert.False(t, res.RequiresManualConnection)
	assert.Equal(t, "Connected but SSID mismatch. Expected: TestNet, Got: Other", res.Message)
}

func TestJoinErrorIsNotManual(t *testing.T) {
	d := &fakeDriver{joinErr: errors.New("secrets required")}
	c, slept := newTestController(ProberFunc(func(ctx context.Context) Capability { return Available(d) }))

	res := c.ConnectToWifi(context.Background(), "TestNet", "")
	assert.False(t, res.Success)
	assert.False(t, res.RequiresManualConnection)
	assert.Contains(t, res.Message, "secrets required")
	assert.Empty(t, *slept)
}

func TestProbeRunsOnEveryCall(t *testing.T) {
	calls := 0
	c, _ := newTestController(ProberFunc(func(ctx context.Context) Capability {
		calls++
		return Unavailable("off")
	}))

	c.ConnectToWifi(context.Background(), "a", "")
	c.ConnectToWifi(context.Background(), "b", "")
	assert.Equal(t, 2, calls)
}

type scriptedRunner struct {
	calls   []string
	outputs map[string]string
	errs    map[string]error
}

func (r *scriptedRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	line := strings.TrimSpace(name + " " + strings.Join(args, " "))
	r.calls = append(r.calls, line)
	for prefix, err := range r.errs {
		if strings.HasPrefix(line, prefix) {
			return r.outputs[prefix], err
		}
	}
	for prefix, out := range r.outputs {
		if strings.HasPrefix(line, prefix) {
			return out, nil
		}
	}
	return "", nil
}

func TestNmcliProbeAndJoin(t *testing.T) {
	run := &scriptedRunner{outputs: map[string]string{
		"nmcli -t -f WIFI general":         "enabled\n",
		"nmcli -t -f ACTIVE,SSID dev wifi": "no:Neighbor\nyes:Cafe\\:Net\n",
	}}
	n := NewNmcli("wlan0", run, nil)
	n.lookup = func(string) (string, error) { return "/usr/bin/nmcli", nil }

	_, ok := n.Probe(context.Background()).Driver()
	require.True(t, ok)

	require.NoError(t, n.Join(context.Background(), "Cafe:Net", "pw"))
	assert.Contains(t, run.calls, "nmcli dev wifi connect Cafe:Net password pw ifname wlan0")

	ssid, err := n.CurrentSSID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Cafe:Net", ssid)
}

func TestNmcliMissingIsUnavailable(t *testing.T) {
	n := NewNmcli("", &scriptedRunner{}, nil)
	n.lookup = func(string) (string, error) { return "", errors.New("not found") }

	capability := n.Probe(context.Background())
	_, ok := capability.Driver()
	assert.False(t, ok)
	assert.Equal(t, "nmcli not found", capability.Reason())
}

func TestOpenWrtJoinOpenNetwork(t *testing.T) {
	run := &scriptedRunner{
		outputs: map[string]string{"uci delete": "uci: Entry not found"},
		errs:    map[string]error{"uci delete": errors.New("exit status 1")},
	}
	o := NewOpenWrt(OpenWrtConfig{}, run, nil)

	require.NoError(t, o.Join(context.Background(), "Cafe", ""))
	assert.Contains(t, run.calls, "uci set wireless.roam_sta.ssid=Cafe")
	assert.Contains(t, run.calls, "uci set wireless.roam_sta.encryption=none")
	assert.Contains(t, run.calls, "uci commit wireless")
	assert.Equal(t, "wifi reload", run.calls[len(run.calls)-1])
}

func TestOpenWrtProbeFailureIsUnavailable(t *testing.T) {
	run := &scriptedRunner{errs: map[string]error{"uci get": errors.New("SSH connection failed")}}
	o := NewOpenWrt(OpenWrtConfig{}, run, nil)

	_, ok := o.Probe(context.Background()).Driver()
	assert.False(t, ok)
}

func TestParseManagedSSID(t *testing.T) {
	out := `phy#0
	Interface wlan0-ap
		ifindex 9
		ssid RoamRouter
		type AP
	Interface wlan0
		ifindex 8
		ssid Cafe Net
		type managed
`
	assert.Equal(t, "Cafe Net", parseManagedSSID(out))
	assert.Equal(t, "", parseManagedSSID("phy#0\n\tInterface wlan0\n\t\ttype managed\n"))
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, "wireless.roam_sta.ssid=Cafe", shellQuote("wireless.roam_sta.ssid=Cafe"))
	assert.Equal(t, "'wireless.roam_sta.ssid=Cafe Net'", shellQuote("wireless.roam_sta.ssid=Cafe Net"))
	assert.Equal(t, `'it'"'"'s'`, shellQuote("it's"))
	assert.Equal(t, "''", shellQuote(""))
}

func TestQRPayload(t *testing.T) {
	assert.Equal(t, "WIFI:T:WPA;S:CafeNet;P:secret;;", QRPayload("CafeNet", "secret"))
	assert.Equal(t, "WIFI:T:nopass;S:Free WiFi;;", QRPayload("Free WiFi", ""))
	assert.Equal(t, `WIFI:T:WPA;S:a\;b;P:p\:w\\d;;`, QRPayload("a;b", `p:w\d`))
}

func TestSSHRunnerVerifiesKnownHosts(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	routerKey, err := ssh.NewPublicKey(priv.Public())
	require.NoError(t, err)
	_, otherPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	otherKey, err := ssh.NewPublicKey(otherPriv.Public())
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "known_hosts")
	line := knownhosts.Line([]string{knownhosts.Normalize("192.168.8.1:22")}, routerKey)
	require.NoError(t, os.WriteFile(path, []byte(line+"\n"), 0600))

	runner, err := NewSSHRunner(SSHConfig{
		Address:    "192.168.8.1",
		Username:   "root",
		Password:   "secret",
		KnownHosts: path,
	}, nil)
	require.NoError(t, err)

	remote := &net.TCPAddr{IP: net.ParseIP("192.168.8.1"), Port: 22}
	assert.NoError(t, runner.sshConfig.HostKeyCallback("192.168.8.1:22", remote, routerKey))
	assert.Error(t, runner.sshConfig.HostKeyCallback("192.168.8.1:22", remote, otherKey))
}

func TestSSHRunnerMissingKnownHostsFile(t *testing.T) {
	_, err := NewSSHRunner(SSHConfig{
		Address:    "192.168.8.1",
		Password:   "secret",
		KnownHosts: filepath.Join(t.TempDir(), "absent"),
	}, nil)
	assert.Error(t, err)
}
