package generators

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"MnemoEvolve/server/internal/config"
)

// ComfyUIClient connects to a ComfyUI instance and acts as a PipelineLoader:
// a pipeline is a checkpoint the server has on disk.
type ComfyUIClient struct {
	httpClient   *http.Client
	baseURL      string
	checkpoints  map[string]string
	samplerName  string
	scheduler    string
	pollInterval time.Duration
}

// Workflow is a ComfyUI API-format graph keyed by node id.
type Workflow map[string]*WorkflowNode

// WorkflowNode represents a node in the workflow
type WorkflowNode struct {
	ClassType string                 `json:"class_type"`
	Inputs    map[string]interface{} `json:"inputs"`
}

// PromptRequest represents a prompt generation request
type PromptRequest struct {
	Prompt   Workflow `json:"prompt"`
	ClientID string   `json:"client_id"`
}

// ImageInfo represents an image in history
type ImageInfo struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// HistoryItem is one prompt's entry in /history.
type HistoryItem struct {
	Outputs map[string]struct {
		Images []ImageInfo `json:"images"`
	} `json:"outputs"`
	Status struct {
		StatusStr string `json:"status_str"`
		Completed bool   `json:"completed"`
	} `json:"status"`
}

// NewComfyUIClient creates a new ComfyUI client
func NewComfyUIClient(cfg config.ComfyUIConfig) *ComfyUIClient {
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = time.Second
	}
	return &ComfyUIClient{
		httpClient:   &http.Client{Timeout: cfg.Timeout},
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		checkpoints:  cfg.Checkpoints,
		samplerName:  cfg.SamplerName,
		scheduler:    cfg.Scheduler,
		pollInterval: poll,
	}
}

// Load checks that the checkpoint for spec.ModelID is installed.
func (c *ComfyUIClient) Load(ctx context.Context, spec LoadSpec) (Pipeline, error) {
	ckpt := c.checkpointFor(spec.ModelID)

	data, err := c.get(ctx, "/object_info/CheckpointLoaderSimple", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}

	found := false
	gjson.GetBytes(data, "CheckpointLoaderSimple.input.required.ckpt_name.0").ForEach(func(_, v gjson.Result) bool {
		if v.String() == ckpt {
			found = true
			return false
		}
		return true
	})
	if !found {
		return nil, fmt.Errorf("checkpoint %s for %s is not installed in ComfyUI", ckpt, spec.ModelID)
	}

	return &comfyPipeline{client: c, spec: spec, checkpoint: ckpt}, nil
}

// checkpointFor maps a model id to a checkpoint file, defaulting to the
// last path segment with a .safetensors extension.
func (c *ComfyUIClient) checkpointFor(modelID string) string {
	if ckpt, ok := c.checkpoints[modelID]; ok && ckpt != "" {
		return ckpt
	}
	return path.Base(modelID) + ".safetensors"
}

// HealthCheck checks if ComfyUI is accessible
func (c *ComfyUIClient) HealthCheck(ctx context.Context) error {
	_, err := c.get(ctx, "/queue", nil)
	return err
}

type comfyPipeline struct {
	client     *ComfyUIClient
	spec       LoadSpec
	checkpoint string
}

func (p *comfyPipeline) Spec() LoadSpec { return p.spec }

// Generate queues a txt2img workflow and waits for its first output image.
func (p *comfyPipeline) Generate(ctx context.Context, opts *GenerateOptions) ([][]byte, error) {
	seed := rand.Int64N(1 << 53)
	if opts.Generator != nil {
		seed = opts.Generator.Seed
	}

	workflow := p.client.buildWorkflow(p.checkpoint, opts, seed)
	promptID, err := p.client.queuePrompt(ctx, &PromptRequest{
		Prompt:   workflow,
		ClientID: uuid.NewString(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to queue prompt: %w", err)
	}

	images, err := p.client.waitForImages(ctx, promptID)
	if err != nil {
		return nil, fmt.Errorf("failed to get result: %w", err)
	}

	out := make([][]byte, 0, len(images))
	for _, img := range images {
		data, err := p.client.getImage(ctx, img)
		if err != nil {
			return nil, fmt.Errorf("failed to get image: %w", err)
		}
		out = append(out, data)
	}
	return out, nil
}

// queuePrompt sends a prompt to the queue
func (c *ComfyUIClient) queuePrompt(ctx context.Context, req *PromptRequest) (string, error) {
	reqBody, err := json.Marshal(req)
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/prompt", bytes.NewReader(reqBody))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ComfyUI returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	promptID := gjson.GetBytes(bodyBytes, "prompt_id").String()
	if promptID == "" {
		return "", fmt.Errorf("invalid response: missing prompt_id")
	}

	slog.Debug("ComfyUI prompt queued", "prompt_id", promptID)
	return promptID, nil
}

// waitForImages polls the prompt's history entry until it completes.
func (c *ComfyUIClient) waitForImages(ctx context.Context, promptID string) ([]ImageInfo, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}

		data, err := c.get(ctx, "/history/"+url.PathEscape(promptID), nil)
		if err != nil {
			slog.Debug("ComfyUI history poll failed", "prompt_id", promptID, "error", err)
			continue
		}

		var history map[string]HistoryItem
		if err := json.Unmarshal(data, &history); err != nil {
			return nil, fmt.Errorf("failed to decode history: %w", err)
		}
		item, ok := history[promptID]
		if !ok {
			continue
		}
		if item.Status.StatusStr == "error" {
			return nil, fmt.Errorf("ComfyUI reported an execution error for prompt %s", promptID)
		}
		if !item.Status.Completed {
			continue
		}

		var images []ImageInfo
		for _, node := range sortedOutputKeys(item) {
			images = append(images, item.Outputs[node].Images...)
		}
		if len(images) == 0 {
			return nil, ErrNoImages
		}
		return images, nil
	}
}

func sortedOutputKeys(item HistoryItem) []string {
	keys := make([]string, 0, len(item.Outputs))
	for k := range item.Outputs {
		keys = append(keys, k)
	}
	// Node ids are small integers rendered as strings.
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) < len(keys[j])
		}
		return keys[i] < keys[j]
	})
	return keys
}

// getImage retrieves an output image
func (c *ComfyUIClient) getImage(ctx context.Context, img ImageInfo) ([]byte, error) {
	q := url.Values{}
	q.Set("filename", img.Filename)
	q.Set("subfolder", img.Subfolder)
	q.Set("type", img.Type)
	return c.get(ctx, "/view", q)
}

func (c *ComfyUIClient) get(ctx context.Context, p string, q url.Values) ([]byte, error) {
	u := c.baseURL + p
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ComfyUI returned status %d for %s", resp.StatusCode, p)
	}
	return data, nil
}

// buildWorkflow builds a single-checkpoint txt2img graph.
func (c *ComfyUIClient) buildWorkflow(checkpoint string, opts *GenerateOptions, seed int64) Workflow {
	workflow := make(Workflow)

	workflow["4"] = &WorkflowNode{
		ClassType: "CheckpointLoaderSimple",
		Inputs: map[string]interface{}{
			"ckpt_name": checkpoint,
		},
	}

	workflow["5"] = &WorkflowNode{
		ClassType: "EmptyLatentImage",
		Inputs: map[string]interface{}{
			"width":      opts.Width,
			"height":     opts.Height,
			"batch_size": 1,
		},
	}

	workflow["6"] = &WorkflowNode{
		ClassType: "CLIPTextEncode",
		Inputs: map[string]interface{}{
			"text": opts.Prompt,
			"clip": []interface{}{"4", 1},
		},
	}

	workflow["7"] = &WorkflowNode{
		ClassType: "CLIPTextEncode",
		Inputs: map[string]interface{}{
			"text": opts.NegativePrompt,
			"clip": []interface{}{"4", 1},
		},
	}

	workflow["3"] = &WorkflowNode{
		ClassType: "KSampler",
		Inputs: map[string]interface{}{
			"seed":         seed,
			"steps":        opts.Steps,
			"cfg":          opts.GuidanceScale,
			"sampler_name": c.samplerName,
			"scheduler":    c.scheduler,
			"denoise":      1,
			"model":        []interface{}{"4", 0},
			"positive":     []interface{}{"6", 0},
			"negative":     []interface{}{"7", 0},
			"latent_image": []interface{}{"5", 0},
		},
	}

	workflow["8"] = &WorkflowNode{
		ClassType: "VAEDecode",
		Inputs: map[string]interface{}{
			"samples": []interface{}{"3", 0},
			"vae":     []interface{}{"4", 2},
		},
	}

	workflow["9"] = &WorkflowNode{
		ClassType: "SaveImage",
		Inputs: map[string]interface{}{
			"images":          []interface{}{"8", 0},
			"filename_prefix": "mnemonic",
		},
	}

	return workflow
}
