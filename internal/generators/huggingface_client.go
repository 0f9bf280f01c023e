package generators

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"MnemoEvolve/server/internal/config"
)

// HuggingFaceLoader builds pipelines served by the Hugging Face inference
// API. Load checks the model exists on the hub. Device and precision are
// recorded on the handle but the hosted backend owns placement.
type HuggingFaceLoader struct {
	httpClient   *http.Client
	hubURL       string
	inferenceURL string
	apiKey       string
}

// NewHuggingFaceLoader creates a loader from config.
func NewHuggingFaceLoader(cfg config.HuggingFaceConfig) *HuggingFaceLoader {
	return &HuggingFaceLoader{
		httpClient:   &http.Client{Timeout: cfg.Timeout},
		hubURL:       strings.TrimRight(cfg.HubURL, "/"),
		inferenceURL: strings.TrimRight(cfg.InferenceURL, "/"),
		apiKey:       cfg.APIKey,
	}
}

// Load resolves spec.ModelID on the hub.
func (l *HuggingFaceLoader) Load(ctx context.Context, spec LoadSpec) (Pipeline, error) {
	url := fmt.Sprintf("%s/api/models/%s", l.hubURL, spec.ModelID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	l.authorize(req)

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach model hub: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("model %s not found on hub", spec.ModelID)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("model hub returned status %d for %s", resp.StatusCode, spec.ModelID)
	}

	return &huggingFacePipeline{loader: l, spec: spec}, nil
}

func (l *HuggingFaceLoader) authorize(req *http.Request) {
	if l.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+l.apiKey)
	}
}

type huggingFacePipeline struct {
	loader *HuggingFaceLoader
	spec   LoadSpec
}

type hfTextToImageRequest struct {
	Inputs     string              `json:"inputs"`
	Parameters hfTextToImageParams `json:"parameters"`
}

type hfTextToImageParams struct {
	NegativePrompt    string  `json:"negative_prompt,omitempty"`
	Width             int     `json:"width"`
	Height            int     `json:"height"`
	GuidanceScale     float64 `json:"guidance_scale"`
	NumInferenceSteps int     `json:"num_inference_steps"`
	Seed              *int64  `json:"seed,omitempty"`
}

func (p *huggingFacePipeline) Spec() LoadSpec { return p.spec }

// Generate posts a text-to-image task and returns the single image the
// inference API produces.
func (p *huggingFacePipeline) Generate(ctx context.Context, opts *GenerateOptions) ([][]byte, error) {
	body := hfTextToImageRequest{
		Inputs: opts.Prompt,
		Parameters: hfTextToImageParams{
			NegativePrompt:    opts.NegativePrompt,
			Width:             opts.Width,
			Height:            opts.Height,
			GuidanceScale:     opts.GuidanceScale,
			NumInferenceSteps: opts.Steps,
		},
	}
	if opts.Generator != nil {
		seed := opts.Generator.Seed
		body.Parameters.Seed = &seed
	}

	reqBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s", p.loader.inferenceURL, p.spec.ModelID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "image/png")
	p.loader.authorize(httpReq)

	resp, err := p.loader.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return nil, fmt.Errorf("inference error: %s", apiErr.Error)
		}
		return nil, fmt.Errorf("inference returned HTTP %d: %s", resp.StatusCode, string(data))
	}

	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "image/") {
		return nil, fmt.Errorf("unexpected response content-type %q", ct)
	}

	return [][]byte{data}, nil
}
