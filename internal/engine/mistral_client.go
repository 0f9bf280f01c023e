package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"MnemoEvolve/server/internal/apperr"
	"MnemoEvolve/server/internal/config"
)

const contentPath = "choices.0.message.content"

// emphasisMarkers are removed from completion text, longest first so that
// "**" is not left as two stray "*".
var emphasisMarkers = []string{"**", "__", "*", "_"}

// MistralClient forwards prompts to the Mistral chat-completions API and
// returns the upstream body with markdown emphasis stripped from the first
// choice.
type MistralClient struct {
	httpClient  *http.Client
	baseURL     string
	apiKey      string
	model       string
	temperature float32
	log         *slog.Logger
}

// NewMistralClient creates a client from config.
func NewMistralClient(cfg config.MistralConfig, log *slog.Logger) *MistralClient {
	if log == nil {
		log = slog.Default()
	}
	return &MistralClient{
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:      cfg.APIKey,
		model:       cfg.Model,
		temperature: float32(cfg.Temperature),
		log:         log,
	}
}

// StripEmphasis removes markdown bold and italic delimiters by literal
// substring removal.
func StripEmphasis(s string) string {
	for _, m := range emphasisMarkers {
		s = strings.ReplaceAll(s, m, "")
	}
	return s
}

// Complete sends prompt as a single user message. The returned body is the
// upstream JSON, unchanged apart from the first choice's content.
func (c *MistralClient) Complete(ctx context.Context, prompt string) ([]byte, error) {
	payload := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: c.temperature,
	}

	reqBody, err := json.Marshal(payload)
	if err != nil {
		return nil, apperr.Dependency(err, "Unexpected error")
	}
	c.log.Debug("Sending payload to Mistral", "payload", string(reqBody))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(reqBody))
	if err != nil {
		return nil, apperr.Dependency(err, "Unexpected error")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.log.Error("Request failed", "error", err)
		return nil, apperr.Dependency(err, "")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		c.log.Error("Request failed", "error", err)
		return nil, apperr.Dependency(err, "")
	}
	c.log.Debug("Mistral API response", "status", resp.StatusCode, "body", string(respBody))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err := upstreamStatusError(resp.StatusCode, respBody)
		c.log.Error("Request failed", "error", err, "response", string(respBody))
		return nil, apperr.Dependency(err, "")
	}

	return rewriteContent(respBody)
}

func upstreamStatusError(status int, body []byte) error {
	msg := gjson.GetBytes(body, "message").String()
	if msg == "" {
		msg = gjson.GetBytes(body, "error.message").String()
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	return fmt.Errorf("mistral API returned HTTP %d: %s", status, msg)
}

// rewriteContent strips emphasis from the first choice in body. A body with
// no choices, or an empty choices value, is returned as is. A missing key on
// the way to the content is a malformed response; a value of the wrong type
// is an unexpected error.
func rewriteContent(body []byte) ([]byte, error) {
	if !gjson.ValidBytes(body) {
		return nil, apperr.Dependency(fmt.Errorf("upstream returned invalid JSON"), "Unexpected error")
	}

	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		if root.IsArray() || root.Type == gjson.String {
			return body, nil
		}
		return nil, unexpectedType("response", root)
	}

	choices := root.Get("choices")
	if !choices.Exists() {
		return body, nil
	}

	var first gjson.Result
	switch {
	case choices.IsArray():
		items := choices.Array()
		if len(items) == 0 {
			return body, nil
		}
		first = items[0]
	case choices.IsObject():
		if len(choices.Map()) == 0 {
			return body, nil
		}
		return nil, apperr.InvalidInput(`Invalid response: "choices" has no first element`)
	case choices.Type == gjson.String && choices.Str == "":
		return body, nil
	default:
		return nil, unexpectedType("choices", choices)
	}

	if !first.IsObject() {
		return nil, unexpectedType("first choice", first)
	}
	message := first.Get("message")
	if !message.Exists() {
		return nil, apperr.InvalidInput(`Invalid response: "message" field missing`)
	}
	if !message.IsObject() {
		return nil, unexpectedType("message", message)
	}
	content := message.Get("content")
	if !content.Exists() {
		return nil, apperr.InvalidInput(`Invalid response: "content" field missing`)
	}
	if content.Type != gjson.String {
		return nil, apperr.Dependency(fmt.Errorf("content is %s, not a string", content.Type), "Unexpected error")
	}

	out, err := sjson.SetBytes(body, contentPath, StripEmphasis(content.String()))
	if err != nil {
		return nil, apperr.Dependency(err, "Unexpected error")
	}
	return out, nil
}

func unexpectedType(what string, v gjson.Result) error {
	kind := v.Type.String()
	switch {
	case v.IsArray():
		kind = "array"
	case v.IsObject():
		kind = "object"
	}
	return apperr.Dependency(fmt.Errorf("%s is %s", what, kind), "Unexpected error")
}
