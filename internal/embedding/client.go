// Package embedding converts enrichment artifacts (summary text, keyword
// text, thumbnail stills) into fixed-dimensionality vectors via an
// OpenAI-compatible endpoint, and orchestrates the per-clip fan-out across
// the five embedding slots.
package embedding

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"clipenrich/internal/config"
	"clipenrich/internal/enricherr"
)

// Client requests one embedding per call. Implementations return taxonomy
// errors; the orchestrator owns retries and gating.
type Client interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
	EmbedImage(ctx context.Context, imagePath string) ([]float32, error)
}

// HTTPClient implements Client against an OpenAI-compatible embeddings API
// with a multimodal input extension for images.
type HTTPClient struct {
	cfg    config.EmbeddingSettings
	client *http.Client
}

// NewHTTPClient builds the embedding client. Call deadlines come from the
// caller's context, set per attempt by the orchestrator's retry policy.
func NewHTTPClient(cfg config.EmbeddingSettings) *HTTPClient {
	return &HTTPClient{cfg: cfg, client: &http.Client{}}
}

type embedRequest struct {
	Model string `json:"model"`
	Input any    `json:"input"`
}

type multimodalItem struct {
	Type     string         `json:"type"`
	Text     string         `json:"text,omitempty"`
	ImageURL *imageURLField `json:"image_url,omitempty"`
}

type imageURLField struct {
	URL string `json:"url"`
}

type embedResponse struct {
	Data  []embedData `json:"data"`
	Error *apiError   `json:"error,omitempty"`
}

type embedData struct {
	Embedding []float32 `json:"embedding"`
	Index     int       `json:"index"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// EmbedText embeds a text artifact.
func (c *HTTPClient) EmbedText(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, enricherr.New(enricherr.KindEmbeddingFailed, "refusing to embed empty text")
	}
	return c.call(ctx, embedRequest{Model: c.cfg.Model, Input: text})
}

// EmbedImage embeds a thumbnail still, passed as a base64 data URL in the
// multimodal input form.
func (c *HTTPClient) EmbedImage(ctx context.Context, imagePath string) ([]float32, error) {
	data, err := os.ReadFile(imagePath)
	if err != nil {
		return nil, enricherr.Wrap(enricherr.KindEmbeddingFailed,
			fmt.Errorf("reading thumbnail %s: %w", imagePath, err))
	}
	item := multimodalItem{
		Type: "image_url",
		ImageURL: &imageURLField{
			URL: "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(data),
		},
	}
	return c.call(ctx, embedRequest{Model: c.cfg.Model, Input: []multimodalItem{item}})
}

func (c *HTTPClient) call(ctx context.Context, reqBody embedRequest) ([]float32, error) {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/v1/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, enricherr.Wrap(enricherr.KindTimeout, err)
		}
		return nil, enricherr.Wrap(enricherr.KindServiceError, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &enricherr.Error{
			Kind:       enricherr.KindQuotaExceeded,
			StatusCode: resp.StatusCode,
			RetryAfter: enricherr.RetryAfterFrom(resp),
			Message:    "embedding quota exceeded",
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &enricherr.Error{
			Kind:       enricherr.KindServiceError,
			StatusCode: resp.StatusCode,
			Message:    string(body),
		}
	}

	var parsed embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, enricherr.Wrap(enricherr.KindServiceError,
			fmt.Errorf("decoding embedding response: %w", err))
	}
	if parsed.Error != nil {
		return nil, enricherr.New(enricherr.KindServiceError,
			"embedding provider error: %s", parsed.Error.Message)
	}
	if len(parsed.Data) == 0 {
		return nil, enricherr.New(enricherr.KindServiceError, "embedding response has no data")
	}

	vec := parsed.Data[0].Embedding
	if len(vec) != c.cfg.Dimension {
		return nil, enricherr.New(enricherr.KindServiceError,
			"embedding dimensionality %d, pipeline expects %d", len(vec), c.cfg.Dimension)
	}
	return vec, nil
}
