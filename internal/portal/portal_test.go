package portal

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticDevice string

func (d staticDevice) GetDeviceID(ctx context.Context) (string, error) {
	return string(d), nil
}

func gatewayFor(t *testing.T, handler http.HandlerFunc) *Authenticator {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	return NewAuthenticator(host, port, srv.Client(), staticDevice("dev-1"), nil)
}

func TestAuthenticateSuccess(t *testing.T) {
	a := gatewayFor(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/auth", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "tok", body["token"])
		assert.Equal(t, "dev-1", body["deviceId"])
		w.Write([]byte(`{"success":true}`))
	})

	res := a.Authenticate(context.Background(), "tok")
	assert.True(t, res.Success)
	assert.Equal(t, "Authenticated", res.Message)
}

func TestAuthenticateRejected(t *testing.T) {
	a := gatewayFor(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"success":false,"error":"token expired"}`))
	})

	res := a.Authenticate(context.Background(), "tok")
	assert.False(t, res.Success)
	assert.False(t, res.Unreachable)
	assert.Equal(t, "token expired", res.Message)
}

func TestAuthenticateUnreachable(t *testing.T) {
	a := NewAuthenticator("127.0.0.1", 1, nil, staticDevice("dev-1"), nil)

	res := a.Authenticate(context.Background(), "tok")
	assert.False(t, res.Success)
	assert.True(t, res.Unreachable)
	assert.Contains(t, res.Message, "Could not reach captive portal: ")
}

func TestBehindCaptivePortal(t *testing.T) {
	open := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer open.Close()

	intercepted := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://192.168.4.1:2050/splash", http.StatusFound)
	}))
	defer intercepted.Close()

	a := NewAuthenticator("127.0.0.1", 2050, nil, staticDevice("d"), nil)

	assert.False(t, a.WithProbeURL(open.URL).BehindCaptivePortal(context.Background()))
	assert.True(t, a.WithProbeURL(intercepted.URL).BehindCaptivePortal(context.Background()))
	assert.True(t, a.WithProbeURL("http://127.0.0.1:1/generate_204").BehindCaptivePortal(context.Background()))
}
