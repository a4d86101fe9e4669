package aitask

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/projecteru2/lumen/config"
)

// inferenceTimeout caps one model call. Embedding batches and vision chats
// on loaded providers can be slow.
const inferenceTimeout = 2 * time.Minute

// Attachment is one inline image of a multimodal chat request.
type Attachment struct {
	Data []byte
	MIME string
}

// ModelClient is one model behind one provider. The dispatcher balances work
// across all clients sharing a logical name.
type ModelClient interface {
	// Name is the logical model name queues key on.
	Name() string
	// ModelID is the provider-side identifier.
	ModelID() string
	// Provider names the endpoint, for logs.
	Provider() string
	Dimension() int
	Supports(capability string) bool

	EmbedText(ctx context.Context, text string) ([]float32, error)
	// EmbedImage embeds raw image bytes.
	EmbedImage(ctx context.Context, image []byte, mime string) ([]float32, error)
	// AestheticScore rates an image 0..10.
	AestheticScore(ctx context.Context, image []byte, mime string) (float64, error)
	// Chat sends one user turn, multimodal when images are attached.
	Chat(ctx context.Context, prompt string, images ...Attachment) (string, error)
}

// aestheticPrompt asks for a bare number so the reply parses without a
// structured-output capable model.
const aestheticPrompt = "You are a photography critic. Rate the aesthetic quality of this photo " +
	"on a scale from 0 to 10, considering composition, lighting, color and subject. " +
	"Reply with only the numeric score."

var numberRe = regexp.MustCompile(`\d+(\.\d+)?`)

// openaiClient speaks the OpenAI-compatible HTTP surface most inference
// gateways expose.
type openaiClient struct {
	provider string
	baseURL  string
	apiKey   string
	model    config.ModelConfig
	httpc    *http.Client
}

var _ ModelClient = (*openaiClient)(nil)

func newOpenAIClient(p config.ProviderConfig, m config.ModelConfig) *openaiClient {
	return &openaiClient{
		provider: p.Name,
		baseURL:  strings.TrimRight(p.BaseURL, "/"),
		apiKey:   p.APIKey,
		model:    m,
		httpc:    &http.Client{Timeout: inferenceTimeout},
	}
}

func (c *openaiClient) Name() string     { return c.model.Name }
func (c *openaiClient) Provider() string { return c.provider }
func (c *openaiClient) Dimension() int   { return c.model.Dimension }

func (c *openaiClient) ModelID() string {
	if c.model.ModelID != "" {
		return c.model.ModelID
	}
	return c.model.Name
}

func (c *openaiClient) Supports(capability string) bool {
	return c.model.Has(capability)
}

func (c *openaiClient) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("call %s %s: %w", c.provider, path, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("call %s %s: http %d: %s",
			c.provider, path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", c.provider, path, err)
	}
	return nil
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (c *openaiClient) embed(ctx context.Context, input string) ([]float32, error) {
	var out embeddingResponse
	err := c.post(ctx, "/embeddings", map[string]any{
		"model": c.ModelID(),
		"input": []string{input},
	}, &out)
	if err != nil {
		return nil, err
	}
	if len(out.Data) == 0 || len(out.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("model %s returned no embedding", c.Name())
	}
	return out.Data[0].Embedding, nil
}

func (c *openaiClient) EmbedText(ctx context.Context, text string) ([]float32, error) {
	return c.embed(ctx, text)
}

func (c *openaiClient) EmbedImage(ctx context.Context, image []byte, mime string) ([]float32, error) {
	return c.embed(ctx, dataURL(image, mime))
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (c *openaiClient) chat(ctx context.Context, messages []any) (string, error) {
	var out chatResponse
	err := c.post(ctx, "/chat/completions", map[string]any{
		"model":    c.ModelID(),
		"messages": messages,
	}, &out)
	if err != nil {
		return "", err
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("model %s returned no choices", c.Name())
	}
	return out.Choices[0].Message.Content, nil
}

func (c *openaiClient) Chat(ctx context.Context, prompt string, images ...Attachment) (string, error) {
	if len(images) == 0 {
		return c.chat(ctx, []any{
			map[string]any{"role": "user", "content": prompt},
		})
	}
	parts := []any{map[string]any{"type": "text", "text": prompt}}
	for _, img := range images {
		parts = append(parts, map[string]any{"type": "image_url", "image_url": map[string]string{
			"url": dataURL(img.Data, img.MIME),
		}})
	}
	return c.chat(ctx, []any{
		map[string]any{"role": "user", "content": parts},
	})
}

func (c *openaiClient) AestheticScore(ctx context.Context, image []byte, mime string) (float64, error) {
	reply, err := c.Chat(ctx, aestheticPrompt, Attachment{Data: image, MIME: mime})
	if err != nil {
		return 0, err
	}
	match := numberRe.FindString(reply)
	if match == "" {
		return 0, fmt.Errorf("model %s replied without a score: %q", c.Name(), reply)
	}
	score, err := strconv.ParseFloat(match, 64)
	if err != nil {
		return 0, fmt.Errorf("parse score %q: %w", match, err)
	}
	if score < 0 || score > 10 {
		return 0, fmt.Errorf("model %s score %v out of range", c.Name(), score)
	}
	return score, nil
}

func dataURL(image []byte, mime string) string {
	if mime == "" {
		mime = "image/jpeg"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(image)
}
