package hotspot

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetry() RetryConfig {
	return RetryConfig{
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		MaxElapsedTime:  200 * time.Millisecond,
	}
}

func TestNearbyAcceptsEnvelopeAndBareArray(t *testing.T) {
	bodies := []string{
		`{"hotspots":[{"id":7,"name":"Cafe","ssid":"CafeNet","pricePerMinuteCents":2,"isOnline":true}]}`,
		`[{"id":7,"name":"Cafe","ssid":"CafeNet","pricePerMinuteCents":2,"isOnline":true}]`,
	}

	for _, body := range bodies {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/hotspots", r.URL.Path)
			assert.Equal(t, "2500", r.URL.Query().Get("radius"))
			w.Write([]byte(body))
		}))

		client := NewClient(srv.URL, srv.Client(), fastRetry(), nil)
		list, err := client.Nearby(context.Background(), 40.7, -74.0, 2500)
		srv.Close()

		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, int64(7), list[0].ID)
		assert.Equal(t, "CafeNet", list[0].SSID)
		assert.Equal(t, "", list[0].NetworkPassword())
	}
}

func TestNearbyStatusErrorIsNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client(), fastRetry(), nil)
	_, err := client.Nearby(context.Background(), 0, 0, 100)

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusInternalServerError, statusErr.StatusCode)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestPriceFormatting(t *testing.T) {
	h := Hotspot{PricePerMinuteCents: 4}
	assert.Equal(t, int64(120), h.PriceCents(30))
	assert.Equal(t, "$1.20", FormatPrice(h.PriceCents(30)))
	assert.Equal(t, "Untitled", h.DisplayName())
}

func TestDistance(t *testing.T) {
	assert.InDelta(t, 0, Distance(10, 10, 10, 10), 1e-9)
	// One degree of latitude is roughly 111 km.
	assert.InDelta(t, 111195, Distance(0, 0, 1, 0), 100)
}

type blockingFetcher struct {
	calls   int32
	release chan struct{}
}

func (f *blockingFetcher) Nearby(ctx context.Context, lat, lng float64, radius int) ([]Hotspot, error) {
	n := atomic.AddInt32(&f.calls, 1)
	if n == 1 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-f.release:
			return []Hotspot{{ID: 1, Name: "stale"}}, nil
		}
	}
	return []Hotspot{{ID: 2, Name: "fresh"}}, nil
}

func TestWatcherNewFetchCancelsInFlightFetch(t *testing.T) {
	fetcher := &blockingFetcher{release: make(chan struct{})}
	w := NewWatcher(fetcher, 2500, 0.5, nil)

	firstErr := make(chan error, 1)
	go func() {
		_, err := w.Refetch(context.Background(), 0, 0)
		firstErr <- err
	}()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&fetcher.calls) == 1 }, time.Second, time.Millisecond)

	list, err := w.Refetch(context.Background(), 1, 1)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "fresh", list[0].Name)

	err = <-firstErr
	assert.ErrorIs(t, err, ErrSuperseded)
	assert.Equal(t, "fresh", w.Hotspots()[0].Name)
}

type countingFetcher struct {
	calls int32
}

func (f *countingFetcher) Nearby(ctx context.Context, lat, lng float64, radius int) ([]Hotspot, error) {
	atomic.AddInt32(&f.calls, 1)
	return []Hotspot{{ID: 3}}, nil
}

func TestWatcherRefetchesOnlyAfterDisplacement(t *testing.T) {
	fetcher := &countingFetcher{}
	w := NewWatcher(fetcher, 2500, 0.5, nil)
	ctx := context.Background()

	_, err := w.Update(ctx, 0, 0)
	require.NoError(t, err)

	// ~111 m away: under the 1250 m threshold.
	_, err = w.Update(ctx, 0.001, 0)
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&fetcher.calls))

	// ~2.2 km away.
	_, err = w.Update(ctx, 0.02, 0)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&fetcher.calls))

	h, ok := w.Find(3)
	assert.True(t, ok)
	assert.Equal(t, int64(3), h.ID)
}
