package generators

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"MnemoEvolve/server/internal/config"
)

func newHFServer(t *testing.T, infer http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/models/Lykon/dreamshaper-8", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"Lykon/dreamshaper-8"}`))
	})
	mux.HandleFunc("/api/models/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	mux.HandleFunc("/models/Lykon/dreamshaper-8", infer)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newHFLoader(url string) *HuggingFaceLoader {
	return NewHuggingFaceLoader(config.HuggingFaceConfig{
		APIKey:       "hf_test",
		HubURL:       url,
		InferenceURL: url,
	})
}

func TestHuggingFaceLoader_Generate(t *testing.T) {
	var got hfTextToImageRequest
	var auth string
	srv := newHFServer(t, func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("\x89PNG\r\n\x1a\nfake"))
	})

	loader := newHFLoader(srv.URL)
	p, err := loader.Load(context.Background(), NewLoadSpec("dreamshaper", "Lykon/dreamshaper-8", DeviceCPU))
	require.NoError(t, err)

	seed := int64(7)
	images, err := p.Generate(context.Background(), &GenerateOptions{
		Prompt:         "a cat reading",
		NegativePrompt: "blurry",
		Width:          512,
		Height:         768,
		Steps:          30,
		GuidanceScale:  7.5,
		Generator:      NewGenerator(DeviceCPU, &seed),
	})
	require.NoError(t, err)
	require.Len(t, images, 1)

	assert.Equal(t, "Bearer hf_test", auth)
	assert.Equal(t, "a cat reading", got.Inputs)
	assert.Equal(t, 768, got.Parameters.Height)
	assert.Equal(t, 30, got.Parameters.NumInferenceSteps)
	require.NotNil(t, got.Parameters.Seed)
	assert.Equal(t, int64(7), *got.Parameters.Seed)
}

func TestHuggingFaceLoader_UnknownModel(t *testing.T) {
	srv := newHFServer(t, func(w http.ResponseWriter, r *http.Request) {})

	_, err := newHFLoader(srv.URL).Load(context.Background(), NewLoadSpec("x", "nobody/nothing", DeviceCPU))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestHuggingFaceLoader_InferenceError(t *testing.T) {
	srv := newHFServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"Model is currently loading"}`))
	})

	p, err := newHFLoader(srv.URL).Load(context.Background(), NewLoadSpec("dreamshaper", "Lykon/dreamshaper-8", DeviceCPU))
	require.NoError(t, err)

	_, err = p.Generate(context.Background(), &GenerateOptions{Prompt: "x", Width: 8, Height: 8, Steps: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Model is currently loading")
}
