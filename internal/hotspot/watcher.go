package hotspot

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// ErrSuperseded is returned by a fetch that was replaced by a newer one.
// Its result is discarded.
var ErrSuperseded = errors.New("hotspot fetch superseded by a newer request")

// Fetcher looks up hotspots around a position.
type Fetcher interface {
	Nearby(ctx context.Context, lat, lng float64, radius int) ([]Hotspot, error)
}

type position struct {
	lat, lng float64
}

// Watcher keeps the nearby hotspot list current as the user moves.
// At most one fetch is in flight; starting a new one cancels the previous.
type Watcher struct {
	fetcher   Fetcher
	radius    int
	threshold float64
	logger    *zap.Logger

	mu       sync.Mutex
	cancel   context.CancelFunc
	seq      uint64
	last     *position
	hotspots []Hotspot
}

// NewWatcher creates a watcher that refetches once the user has moved more
// than radius*threshold meters from the last successful fetch.
func NewWatcher(fetcher Fetcher, radius int, threshold float64, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		fetcher:   fetcher,
		radius:    radius,
		threshold: threshold,
		logger:    logger,
	}
}

// Update reports a new position. It fetches only when the displacement
// warrants it and otherwise returns the cached list.
func (w *Watcher) Update(ctx context.Context, lat, lng float64) ([]Hotspot, error) {
	if !w.shouldRefetch(lat, lng) {
		return w.Hotspots(), nil
	}
	return w.fetch(ctx, lat, lng)
}

// Refetch forces a fetch at the given position.
func (w *Watcher) Refetch(ctx context.Context, lat, lng float64) ([]Hotspot, error) {
	return w.fetch(ctx, lat, lng)
}

// Hotspots returns a copy of the current list.
func (w *Watcher) Hotspots() []Hotspot {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]Hotspot, len(w.hotspots))
	copy(out, w.hotspots)
	return out
}

// Find returns the hotspot with the given id from the current list.
func (w *Watcher) Find(id int64) (Hotspot, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, h := range w.hotspots {
		if h.ID == id {
			return h, true
		}
	}
	return Hotspot{}, false
}

// Stop cancels any in-flight fetch.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	w.seq++
}

func (w *Watcher) shouldRefetch(lat, lng float64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.last == nil {
		return true
	}
	dist := Distance(w.last.lat, w.last.lng, lat, lng)
	return dist > float64(w.radius)*w.threshold
}

func (w *Watcher) fetch(ctx context.Context, lat, lng float64) ([]Hotspot, error) {
	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
	}
	fetchCtx, cancel := context.WithCancel(ctx)
	w.seq++
	seq := w.seq
	w.cancel = cancel
	w.mu.Unlock()
	defer cancel()

	list, err := w.fetcher.Nearby(fetchCtx, lat, lng, w.radius)

	w.mu.Lock()
	defer w.mu.Unlock()

	if seq != w.seq {
		w.logger.Debug("discarding superseded hotspot fetch")
		return nil, ErrSuperseded
	}
	w.cancel = nil

	if err != nil {
		w.hotspots = nil
		return nil, err
	}

	w.hotspots = list
	w.last = &position{lat: lat, lng: lng}

	w.logger.Debug("hotspots updated",
		zap.Int("count", len(list)),
		zap.Float64("lat", lat),
		zap.Float64("lng", lng),
	)

	return list, nil
}
