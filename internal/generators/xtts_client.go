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

// XTTSClient connects to an xtts-api-server instance.
type XTTSClient struct {
	httpClient *http.Client
	baseURL    string
}

// SpeechRequest represents a text-to-speech request
type SpeechRequest struct {
	Text     string
	Language string
	Speaker  string
}

type xttsSynthesisRequest struct {
	Text       string `json:"text"`
	SpeakerWav string `json:"speaker_wav"`
	Language   string `json:"language"`
}

// NewXTTSClient creates a new XTTS client
func NewXTTSClient(cfg config.XTTSConfig) *XTTSClient {
	return &XTTSClient{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
	}
}

// Synthesize renders req as WAV audio into w.
func (c *XTTSClient) Synthesize(ctx context.Context, req SpeechRequest, w io.Writer) error {
	reqJSON, err := json.Marshal(xttsSynthesisRequest{
		Text:       req.Text,
		SpeakerWav: req.Speaker,
		Language:   req.Language,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tts_to_audio/", bytes.NewReader(reqJSON))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "audio/wav")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("synthesis failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "audio/") && ct != "application/octet-stream" {
		return fmt.Errorf("unexpected response content-type %q", ct)
	}

	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("failed to read audio: %w", err)
	}
	return nil
}

// Speakers lists the speaker names the server has voices for.
func (c *XTTSClient) Speakers(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/speakers_list", nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to get speakers: status %d", resp.StatusCode)
	}

	var speakers []string
	if err := json.NewDecoder(resp.Body).Decode(&speakers); err != nil {
		return nil, fmt.Errorf("failed to decode speakers: %w", err)
	}
	return speakers, nil
}

// IsWAV reports whether data starts with a RIFF/WAVE header.
func IsWAV(data []byte) bool {
	return len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE"
}
