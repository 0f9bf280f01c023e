package generators

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

type fakePipeline struct {
	spec LoadSpec
}

func (p *fakePipeline) Generate(_ context.Context, _ *GenerateOptions) ([][]byte, error) {
	return [][]byte{[]byte("img")}, nil
}

func (p *fakePipeline) Spec() LoadSpec { return p.spec }

type countingLoader struct {
	loads   *atomic.Int32
	release chan struct{}
	err     error
}

func newCountingLoader() *countingLoader {
	return &countingLoader{loads: atomic.NewInt32(0)}
}

func (l *countingLoader) Load(ctx context.Context, spec LoadSpec) (Pipeline, error) {
	l.loads.Inc()
	if l.release != nil {
		<-l.release
	}
	if l.err != nil {
		return nil, l.err
	}
	return &fakePipeline{spec: spec}, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestCache(loader PipelineLoader, device Device) *PipelineCache {
	return NewPipelineCache(NewModelCatalog(nil), loader,
		WithDevice(device),
		WithLogger(quietLogger()))
}

func TestPipelineCache_ConstructsOncePerKey(t *testing.T) {
	loader := newCountingLoader()
	cache := newTestCache(loader, DeviceCPU)

	first, err := cache.Get(context.Background(), "stable-diffusion-v1-5")
	require.NoError(t, err)
	second, err := cache.Get(context.Background(), "stable-diffusion-v1-5")
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, int32(1), loader.loads.Load())

	_, err = cache.Get(context.Background(), "dreamshaper")
	require.NoError(t, err)
	assert.Equal(t, int32(2), loader.loads.Load())
	assert.Equal(t, map[string]bool{"stable-diffusion-v1-5": true, "dreamshaper": true}, cache.Loaded())
}

func TestPipelineCache_ConcurrentFirstUse(t *testing.T) {
	loader := newCountingLoader()
	loader.release = make(chan struct{})
	cache := newTestCache(loader, DeviceCPU)

	const callers = 16
	var wg sync.WaitGroup
	results := make([]Pipeline, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := cache.Get(context.Background(), "openjourney")
			assert.NoError(t, err)
			results[i] = p
		}(i)
	}

	close(loader.release)
	wg.Wait()

	assert.Equal(t, int32(1), loader.loads.Load())
	for _, p := range results {
		assert.Same(t, results[0], p)
	}
}

func TestPipelineCache_UnknownKey(t *testing.T) {
	loader := newCountingLoader()
	cache := newTestCache(loader, DeviceCPU)

	_, err := cache.Get(context.Background(), "no-such-model")
	var unknown *UnknownModelError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "Unknown model: no-such-model", err.Error())
	assert.Zero(t, loader.loads.Load())
}

func TestPipelineCache_FailedLoadIsNotCached(t *testing.T) {
	loader := newCountingLoader()
	loader.err = errors.New("out of memory")
	cache := newTestCache(loader, DeviceCPU)

	_, err := cache.Get(context.Background(), "dreamshaper")
	require.Error(t, err)

	loader.err = nil
	_, err = cache.Get(context.Background(), "dreamshaper")
	require.NoError(t, err)
	assert.Equal(t, int32(2), loader.loads.Load())
}

func TestPipelineCache_LoadSpecFollowsDevice(t *testing.T) {
	tests := []struct {
		device    Device
		precision string
		slicing   bool
	}{
		{DeviceCUDA, "float16", true},
		{DeviceCPU, "float32", false},
	}
	for _, tt := range tests {
		t.Run(string(tt.device), func(t *testing.T) {
			cache := newTestCache(newCountingLoader(), tt.device)
			p, err := cache.Get(context.Background(), "stable-diffusion-xl")
			require.NoError(t, err)

			spec := p.Spec()
			assert.Equal(t, "stabilityai/stable-diffusion-xl-base-1.0", spec.ModelID)
			assert.Equal(t, tt.device, spec.Device)
			assert.Equal(t, tt.precision, spec.Precision)
			assert.Equal(t, tt.slicing, spec.AttentionSlicing)
			assert.False(t, spec.SafetyChecker)
		})
	}
}

func TestModelCatalog(t *testing.T) {
	catalog := NewModelCatalog(map[string]string{
		"custom":      "me/custom-model",
		"dreamshaper": "",
	})

	id, ok := catalog.Resolve("custom")
	require.True(t, ok)
	assert.Equal(t, "me/custom-model", id)

	id, ok = catalog.Resolve("dreamshaper")
	require.True(t, ok)
	assert.Equal(t, "Lykon/dreamshaper-8", id)

	keys := catalog.Keys()
	assert.Len(t, keys, len(DefaultModels)+1)
	assert.IsIncreasing(t, keys)
}

func TestNewGenerator(t *testing.T) {
	assert.Nil(t, NewGenerator(DeviceCPU, nil))

	seed := int64(42)
	g := NewGenerator(DeviceCUDA, &seed)
	require.NotNil(t, g)
	assert.Equal(t, int64(42), g.Seed)
	assert.Equal(t, DeviceCUDA, g.Device)
}
