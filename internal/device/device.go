// Package device provides the stable per-install device identifier.
package device

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrStorageUnavailable is returned when the identifier cannot be read or
// persisted. Sessions cannot be correlated without it, so callers treat it
// as fatal.
var ErrStorageUnavailable = errors.New("device id storage unavailable")

// Storage is durable key/value storage.
type Storage interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

// Provider generates the device id once and returns the stored value after that.
type Provider struct {
	storage Storage
	key     string
	logger  *zap.Logger

	mu     sync.Mutex
	cached string
}

// NewProvider creates a provider storing the id under key.
func NewProvider(storage Storage, key string, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		storage: storage,
		key:     key,
		logger:  logger,
	}
}

// GetDeviceID returns the persisted identifier, generating and storing a
// random v4 UUID on first use.
func (p *Provider) GetDeviceID(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cached != "" {
		return p.cached, nil
	}

	id, ok, err := p.storage.Get(ctx, p.key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if ok && id != "" {
		p.cached = id
		return id, nil
	}

	id = uuid.New().String()
	if err := p.storage.Set(ctx, p.key, id); err != nil {
		return "", fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	p.logger.Info("generated device id", zap.String("device_id", id))
	p.cached = id
	return id, nil
}
