package generators

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
)

// Device is where a pipeline runs inference.
type Device string

const (
	DeviceCUDA Device = "cuda"
	DeviceCPU  Device = "cpu"
)

// Accelerated reports whether d is a GPU device.
func (d Device) Accelerated() bool {
	return d == DeviceCUDA
}

// DetectDevice picks cuda when an NVIDIA device is visible to the process,
// otherwise cpu.
func DetectDevice() Device {
	if v, ok := os.LookupEnv("CUDA_VISIBLE_DEVICES"); ok && (v == "" || v == "-1") {
		return DeviceCPU
	}
	if _, err := os.Stat("/dev/nvidia0"); err == nil {
		return DeviceCUDA
	}
	if _, err := exec.LookPath("nvidia-smi"); err == nil {
		return DeviceCUDA
	}
	return DeviceCPU
}

// LoadSpec is everything a loader needs to construct a pipeline.
type LoadSpec struct {
	Key       string
	ModelID   string
	Device    Device
	Precision string // "float16" or "float32"
	// SafetyChecker is always false for pipelines built by the cache.
	SafetyChecker    bool
	AttentionSlicing bool
}

// NewLoadSpec fixes the construction options for modelID on device.
func NewLoadSpec(key, modelID string, device Device) LoadSpec {
	spec := LoadSpec{
		Key:       key,
		ModelID:   modelID,
		Device:    device,
		Precision: "float32",
	}
	if device.Accelerated() {
		spec.Precision = "float16"
		spec.AttentionSlicing = true
	}
	return spec
}

// Generator seeds a pipeline's sampler deterministically.
type Generator struct {
	Device Device
	Seed   int64
}

// NewGenerator returns a generator for seed on device, or nil when no seed
// was given.
func NewGenerator(device Device, seed *int64) *Generator {
	if seed == nil {
		return nil
	}
	return &Generator{Device: device, Seed: *seed}
}

// GenerateOptions holds options for image generation
type GenerateOptions struct {
	Prompt         string
	NegativePrompt string
	Width          int
	Height         int
	Steps          int
	GuidanceScale  float64
	Generator      *Generator
}

// Pipeline is a constructed image-generation pipeline.
type Pipeline interface {
	// Generate runs inference and returns the encoded images it produced,
	// in backend order.
	Generate(ctx context.Context, opts *GenerateOptions) ([][]byte, error)
	Spec() LoadSpec
}

// PipelineLoader constructs pipelines.
type PipelineLoader interface {
	Load(ctx context.Context, spec LoadSpec) (Pipeline, error)
}

// UnknownModelError is returned for a model key missing from the catalog.
type UnknownModelError struct {
	Key string
}

func (e *UnknownModelError) Error() string {
	return fmt.Sprintf("Unknown model: %s", e.Key)
}

// DefaultModels maps model keys to model identifiers.
var DefaultModels = map[string]string{
	"stable-diffusion-v3-5": "stabilityai/stable-diffusion-3.5-medium",
	"stable-diffusion-v1-5": "stable-diffusion-v1-5/stable-diffusion-v1-5",
	"stable-diffusion-xl":   "stabilityai/stable-diffusion-xl-base-1.0",
	"dreamshaper":           "Lykon/dreamshaper-8",
	"openjourney":           "prompthero/openjourney-v4",
}

// ModelCatalog resolves model keys. It is read-only after construction.
type ModelCatalog struct {
	models map[string]string
}

// NewModelCatalog merges extra over DefaultModels.
func NewModelCatalog(extra map[string]string) *ModelCatalog {
	models := make(map[string]string, len(DefaultModels)+len(extra))
	for k, v := range DefaultModels {
		models[k] = v
	}
	for k, v := range extra {
		if v != "" {
			models[k] = v
		}
	}
	return &ModelCatalog{models: models}
}

// Resolve returns the model identifier for key.
func (c *ModelCatalog) Resolve(key string) (string, bool) {
	id, ok := c.models[key]
	return id, ok
}

// Keys returns all model keys in sorted order.
func (c *ModelCatalog) Keys() []string {
	keys := make([]string, 0, len(c.models))
	for k := range c.models {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
