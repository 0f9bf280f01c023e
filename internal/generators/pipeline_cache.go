package generators

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"
)

// PipelineCache holds one constructed pipeline per model key for the life
// of the process. Entries are never evicted. Concurrent first requests for
// a key share a single construction.
type PipelineCache struct {
	catalog *ModelCatalog
	loader  PipelineLoader
	device  func() Device
	log     *slog.Logger

	detectOnce sync.Once
	detected   Device

	mu        sync.RWMutex
	pipelines map[string]Pipeline
	group     singleflight.Group
}

// CacheOption configures a PipelineCache.
type CacheOption func(*PipelineCache)

// WithDeviceFunc overrides hardware detection.
func WithDeviceFunc(f func() Device) CacheOption {
	return func(c *PipelineCache) { c.device = f }
}

// WithDevice fixes the device instead of detecting it.
func WithDevice(d Device) CacheOption {
	return func(c *PipelineCache) { c.device = func() Device { return d } }
}

// WithLogger sets the logger used for load events.
func WithLogger(log *slog.Logger) CacheOption {
	return func(c *PipelineCache) { c.log = log }
}

// NewPipelineCache creates an empty cache over catalog and loader.
func NewPipelineCache(catalog *ModelCatalog, loader PipelineLoader, opts ...CacheOption) *PipelineCache {
	c := &PipelineCache{
		catalog:   catalog,
		loader:    loader,
		log:       slog.Default(),
		pipelines: make(map[string]Pipeline),
	}
	c.device = c.detectDevice
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the pipeline for key, constructing it on first use.
func (c *PipelineCache) Get(ctx context.Context, key string) (Pipeline, error) {
	modelID, ok := c.catalog.Resolve(key)
	if !ok {
		return nil, &UnknownModelError{Key: key}
	}

	if p, ok := c.lookup(key); ok {
		c.log.Info("Using cached pipeline", "model", key)
		return p, nil
	}

	// The load outlives a cancelled first caller; its result is cached for
	// everyone else.
	loadCtx := context.WithoutCancel(ctx)
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		if p, ok := c.lookup(key); ok {
			return p, nil
		}

		spec := NewLoadSpec(key, modelID, c.device())
		c.log.Info("Loading pipeline", "model", key, "model_id", modelID,
			"device", spec.Device, "precision", spec.Precision, "attention_slicing", spec.AttentionSlicing)

		p, err := c.loader.Load(loadCtx, spec)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.pipelines[key] = p
		c.mu.Unlock()

		c.log.Info("Pipeline loaded", "model", key, "device", spec.Device)
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Pipeline), nil
}

// Loaded returns the keys that currently have a constructed pipeline.
func (c *PipelineCache) Loaded() map[string]bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	loaded := make(map[string]bool, len(c.pipelines))
	for k := range c.pipelines {
		loaded[k] = true
	}
	return loaded
}

// Catalog returns the catalog the cache resolves keys against.
func (c *PipelineCache) Catalog() *ModelCatalog {
	return c.catalog
}

// detectDevice runs DetectDevice once per cache.
func (c *PipelineCache) detectDevice() Device {
	c.detectOnce.Do(func() {
		c.detected = DetectDevice()
	})
	return c.detected
}

func (c *PipelineCache) lookup(key string) (Pipeline, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.pipelines[key]
	return p, ok
}
