package web

import (
	"errors"
	"net/http"

	"MnemoEvolve/server/internal/apperr"
	"MnemoEvolve/server/internal/generators"
	"MnemoEvolve/server/internal/mapsafe"
)

const (
	defaultModelKey       = "stable-diffusion-v1-5"
	defaultNegativePrompt = "blurry, low quality, deformed, ugly, bad anatomy"
	defaultImageSize      = 512
	defaultGuidanceScale  = 7.5
	defaultInferenceSteps = 50
)

type imageParameters struct {
	Width             int     `json:"width"`
	Height            int     `json:"height"`
	GuidanceScale     float64 `json:"guidance_scale"`
	NumInferenceSteps int     `json:"num_inference_steps"`
	// Seed echoes the request value, null when none was given.
	Seed interface{} `json:"seed"`
}

type generateImageResponse struct {
	Image      string          `json:"image"`
	Model      string          `json:"model"`
	Parameters imageParameters `json:"parameters"`
}

type generateImageRequest struct {
	prompt         string
	model          string
	negativePrompt string
	params         imageParameters
	seed           *int64
}

func parseGenerateImageRequest(payload map[string]any) (*generateImageRequest, error) {
	req := &generateImageRequest{
		prompt:         mapsafe.String(payload, "prompt", ""),
		model:          mapsafe.String(payload, "model", defaultModelKey),
		negativePrompt: mapsafe.String(payload, "negative_prompt", defaultNegativePrompt),
	}

	var err error
	if req.params.Width, err = mapsafe.Int(payload, "width", defaultImageSize); err != nil {
		return nil, apperr.InvalidInputErr(err)
	}
	if req.params.Height, err = mapsafe.Int(payload, "height", defaultImageSize); err != nil {
		return nil, apperr.InvalidInputErr(err)
	}
	if req.params.GuidanceScale, err = mapsafe.Float(payload, "guidance_scale", defaultGuidanceScale); err != nil {
		return nil, apperr.InvalidInputErr(err)
	}
	if req.params.NumInferenceSteps, err = mapsafe.Int(payload, "num_inference_steps", defaultInferenceSteps); err != nil {
		return nil, apperr.InvalidInputErr(err)
	}

	if raw, ok := payload["seed"]; ok && raw != nil {
		seed, err := mapsafe.Int(payload, "seed", 0)
		if err != nil {
			return nil, apperr.InvalidInputErr(err)
		}
		s := int64(seed)
		req.seed = &s
		req.params.Seed = raw
	}

	if req.prompt == "" {
		return nil, apperr.InvalidInput("Prompt is required")
	}
	for _, p := range []struct {
		name  string
		value int
	}{
		{"width", req.params.Width},
		{"height", req.params.Height},
		{"num_inference_steps", req.params.NumInferenceSteps},
	} {
		if p.value <= 0 {
			return nil, apperr.InvalidInput("%s must be a positive integer", p.name)
		}
	}
	return req, nil
}

// GenerateImage runs a text-to-image pipeline and returns the first image
// as a PNG data URI.
func (h *Handlers) GenerateImage(w http.ResponseWriter, r *http.Request) {
	payload, err := decodeObject(r)
	if err != nil {
		h.writeError(w, r, "generate_image", err)
		return
	}

	req, err := parseGenerateImageRequest(payload)
	if err != nil {
		h.writeError(w, r, "generate_image", err)
		return
	}

	pipe, err := h.svc.Pipelines.Get(r.Context(), req.model)
	if err != nil {
		var unknown *generators.UnknownModelError
		if errors.As(err, &unknown) {
			err = apperr.InvalidInputErr(err)
		} else {
			err = apperr.Dependency(err, "")
		}
		h.writeError(w, r, "generate_image", err)
		return
	}

	device := pipe.Spec().Device
	h.log.Info("Generating image",
		"model", req.model,
		"steps", req.params.NumInferenceSteps,
		"guidance", req.params.GuidanceScale,
		"width", req.params.Width,
		"height", req.params.Height,
		"device", device,
	)

	images, err := pipe.Generate(r.Context(), &generators.GenerateOptions{
		Prompt:         req.prompt,
		NegativePrompt: req.negativePrompt,
		Width:          req.params.Width,
		Height:         req.params.Height,
		Steps:          req.params.NumInferenceSteps,
		GuidanceScale:  req.params.GuidanceScale,
		Generator:      generators.NewGenerator(device, req.seed),
	})
	if err != nil {
		h.writeError(w, r, "generate_image", apperr.Dependency(err, ""))
		return
	}

	png, err := generators.FirstImagePNG(images)
	if err != nil {
		h.writeError(w, r, "generate_image", apperr.Dependency(err, ""))
		return
	}

	writeJSON(w, http.StatusOK, generateImageResponse{
		Image:      generators.PNGDataURI(png),
		Model:      req.model,
		Parameters: req.params,
	})
}

type modelInfo struct {
	Key     string `json:"key"`
	ModelID string `json:"model_id"`
	Loaded  bool   `json:"loaded"`
}

// ListModels returns the model catalog and which pipelines are loaded
func (h *Handlers) ListModels(w http.ResponseWriter, r *http.Request) {
	catalog := h.svc.Pipelines.Catalog()
	loaded := h.svc.Pipelines.Loaded()

	models := make([]modelInfo, 0, len(catalog.Keys()))
	for _, key := range catalog.Keys() {
		id, _ := catalog.Resolve(key)
		models = append(models, modelInfo{Key: key, ModelID: id, Loaded: loaded[key]})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"models":  models,
		"default": defaultModelKey,
	})
}
