package generators

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"MnemoEvolve/server/internal/config"
)

type fakeComfyUI struct {
	mu     sync.Mutex
	polls  int
	prompt PromptRequest
}

func (f *fakeComfyUI) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/object_info/CheckpointLoaderSimple", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"CheckpointLoaderSimple":{"input":{"required":{"ckpt_name":[["dreamshaper_8.safetensors","v1-5-pruned.safetensors"]]}}}}`))
	})
	mux.HandleFunc("/prompt", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&f.prompt))
		_, _ = w.Write([]byte(`{"prompt_id":"abc-123","number":1}`))
	})
	mux.HandleFunc("/history/abc-123", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.polls++
		polls := f.polls
		f.mu.Unlock()
		if polls < 2 {
			_, _ = w.Write([]byte(`{}`))
			return
		}
		_, _ = w.Write([]byte(`{"abc-123":{"outputs":{"9":{"images":[{"filename":"mnemonic_0001.png","subfolder":"","type":"output"}]}},"status":{"status_str":"success","completed":true}}}`))
	})
	mux.HandleFunc("/view", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "mnemonic_0001.png", r.URL.Query().Get("filename"))
		assert.Equal(t, "output", r.URL.Query().Get("type"))
		_, _ = w.Write([]byte("\x89PNG\r\n\x1a\ncomfy"))
	})
	return mux
}

func newComfyClient(url string) *ComfyUIClient {
	return NewComfyUIClient(config.ComfyUIConfig{
		BaseURL:      url,
		SamplerName:  "euler",
		Scheduler:    "normal",
		PollInterval: 5 * time.Millisecond,
		Checkpoints: map[string]string{
			"Lykon/dreamshaper-8": "dreamshaper_8.safetensors",
		},
	})
}

func TestComfyUIClient_Generate(t *testing.T) {
	fake := &fakeComfyUI{}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	client := newComfyClient(srv.URL)
	p, err := client.Load(context.Background(), NewLoadSpec("dreamshaper", "Lykon/dreamshaper-8", DeviceCUDA))
	require.NoError(t, err)

	seed := int64(99)
	images, err := p.Generate(context.Background(), &GenerateOptions{
		Prompt:         "an owl",
		NegativePrompt: "blurry",
		Width:          512,
		Height:         512,
		Steps:          20,
		GuidanceScale:  6,
		Generator:      NewGenerator(DeviceCUDA, &seed),
	})
	require.NoError(t, err)
	require.Len(t, images, 1)
	assert.Equal(t, "\x89PNG\r\n\x1a\ncomfy", string(images[0]))

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.NotEmpty(t, fake.prompt.ClientID)
	sampler := fake.prompt.Prompt["3"]
	require.NotNil(t, sampler)
	assert.Equal(t, "KSampler", sampler.ClassType)
	assert.EqualValues(t, 99, sampler.Inputs["seed"])
	assert.Equal(t, "dreamshaper_8.safetensors", fake.prompt.Prompt["4"].Inputs["ckpt_name"])
	assert.Equal(t, "an owl", fake.prompt.Prompt["6"].Inputs["text"])
}

func TestComfyUIClient_MissingCheckpoint(t *testing.T) {
	fake := &fakeComfyUI{}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	_, err := newComfyClient(srv.URL).Load(context.Background(), NewLoadSpec("openjourney", "prompthero/openjourney-v4", DeviceCPU))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "openjourney-v4.safetensors")
}

func TestComfyUIClient_GenerateHonoursContext(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/prompt", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"prompt_id":"never"}`))
	})
	mux.HandleFunc("/history/never", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := newComfyClient(srv.URL)
	p := &comfyPipeline{client: client, checkpoint: "x.safetensors"}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := p.Generate(ctx, &GenerateOptions{Prompt: "x", Width: 8, Height: 8, Steps: 1})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
