package analysis

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"clipenrich/internal/config"
	"clipenrich/internal/enricherr"
	"clipenrich/internal/gate"
	"clipenrich/internal/models"
)

const analysisInstruction = "Summarize this video clip in two or three sentences, " +
	"produce a comma-separated keyword list, and rank the supplied candidate " +
	"frames as representative thumbnails (best first, at most three). For each " +
	"ranked frame give a one-sentence reason. Respond with JSON: " +
	`{"summary": ..., "keywords": ..., "thumbnails": [{"timestamp", "reason", "rank"}]}.`

// RemoteClient talks to the hosted multimodal analysis endpoint. Clips
// small enough for the provider's inline-data limit are sent base64-inline;
// larger clips are uploaded first and analyzed by handle after the upload
// reaches the active state. Every HTTP round trip holds a gate slot.
type RemoteClient struct {
	cfg    config.AnalysisSettings
	policy enricherr.RetryPolicy
	gate   *gate.Gate
	client *http.Client
	logger *slog.Logger
}

// NewRemoteClient builds the client. The gate must be the process-wide
// instance shared with the embedding orchestrator.
func NewRemoteClient(cfg config.AnalysisSettings, g *gate.Gate, logger *slog.Logger) *RemoteClient {
	return &RemoteClient{
		cfg: cfg,
		policy: enricherr.RetryPolicy{
			Timeout:    cfg.Timeout,
			MaxRetries: cfg.MaxRetries,
			Backoff:    cfg.Backoff,
		},
		gate: g,
		// The per-attempt context deadline governs call timeouts; the
		// transport-level timeout stays unset so it cannot fight it.
		client: &http.Client{},
		logger: logger.With("component", "analysis"),
	}
}

// --- wire types ---

type videoPayload struct {
	InlineData string `json:"inline_data,omitempty"` // base64
	MimeType   string `json:"mime_type,omitempty"`
	FileHandle string `json:"file_handle,omitempty"`
}

type candidatePayload struct {
	Timestamp float64 `json:"timestamp"`
	ImageData string  `json:"image_data"` // base64 jpeg
}

type analyzeRequest struct {
	Model       string             `json:"model"`
	Video       videoPayload       `json:"video"`
	Candidates  []candidatePayload `json:"candidates"`
	Instruction string             `json:"instruction"`
}

type analyzeResponse struct {
	Summary    string         `json:"summary"`
	Keywords   string         `json:"keywords"`
	Thumbnails []rawSelection `json:"thumbnails"`
	Error      *apiError      `json:"error,omitempty"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

type fileResponse struct {
	Handle string `json:"handle"`
	State  string `json:"state"` // pending, active, failed
}

// Analyze runs one analysis call for the clip, choosing the payload
// strategy by encoded size. Retries exhausted surface as AnalysisFailed.
func (c *RemoteClient) Analyze(ctx context.Context, clip models.Clip, candidates []models.ThumbnailCandidate) (*Result, error) {
	video, err := os.ReadFile(clip.FilePath)
	if err != nil {
		return nil, enricherr.Wrap(enricherr.KindAnalysisFailed,
			fmt.Errorf("reading clip %s: %w", clip.ID, err))
	}

	cands, err := encodeCandidates(candidates)
	if err != nil {
		return nil, enricherr.Wrap(enricherr.KindAnalysisFailed, err)
	}

	payload := videoPayload{
		InlineData: base64.StdEncoding.EncodeToString(video),
		MimeType:   "video/mp4",
	}
	inline := int64(len(payload.InlineData)) <= c.cfg.InlineLimitBytes

	var result *Result
	attempted := false
	if inline {
		attempted = true
		result, err = c.analyzeOnce(ctx, payload, cands, candidates)
		// The provider may enforce a tighter limit than configured; fall
		// through to the upload strategy instead of failing the clip.
		if err != nil && enricherr.KindOf(err) == enricherr.KindPayloadTooLarge {
			c.logger.Info("inline payload rejected, switching to upload",
				"clip", clip.ID, "bytes", len(video))
			attempted = false
		}
	}
	if !attempted {
		result, err = c.analyzeViaUpload(ctx, clip, video, cands, candidates)
	}
	if err != nil {
		return nil, enricherr.Wrap(enricherr.KindAnalysisFailed, err)
	}
	return result, nil
}

func (c *RemoteClient) analyzeOnce(ctx context.Context, video videoPayload, cands []candidatePayload, candidates []models.ThumbnailCandidate) (*Result, error) {
	req := analyzeRequest{
		Model:       c.cfg.Model,
		Video:       video,
		Candidates:  cands,
		Instruction: analysisInstruction,
	}

	var resp analyzeResponse
	err := c.policy.Do(ctx, c.logger, "analyze", func(ctx context.Context) error {
		return c.gate.With(ctx, func(ctx context.Context) error {
			return c.postJSON(ctx, c.cfg.BaseURL+"/v1/analyze", req, &resp)
		})
	})
	if err != nil {
		return nil, err
	}
	return toResult(resp, candidates)
}

func (c *RemoteClient) analyzeViaUpload(ctx context.Context, clip models.Clip, video []byte, cands []candidatePayload, candidates []models.ThumbnailCandidate) (*Result, error) {
	handle, err := c.upload(ctx, clip, video)
	if err != nil {
		return nil, err
	}
	if err := c.awaitActive(ctx, handle); err != nil {
		return nil, err
	}
	return c.analyzeOnce(ctx, videoPayload{FileHandle: handle}, cands, candidates)
}

func (c *RemoteClient) upload(ctx context.Context, clip models.Clip, video []byte) (string, error) {
	var resp fileResponse
	err := c.policy.Do(ctx, c.logger, "upload", func(ctx context.Context) error {
		return c.gate.With(ctx, func(ctx context.Context) error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost,
				c.cfg.BaseURL+"/v1/files", bytes.NewReader(video))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/octet-stream")
			req.Header.Set("X-Clip-ID", clip.ID)
			c.authorize(req)
			return c.do(req, &resp)
		})
	})
	if err != nil {
		return "", err
	}
	if resp.Handle == "" {
		return "", enricherr.New(enricherr.KindServiceError, "upload response missing handle")
	}
	c.logger.Debug("clip uploaded", "clip", clip.ID, "handle", resp.Handle)
	return resp.Handle, nil
}

// awaitActive polls the uploaded file until it reaches a terminal state or
// the poll budget runs out. Each poll is an individually gated call.
func (c *RemoteClient) awaitActive(ctx context.Context, handle string) error {
	for attempt := 0; attempt < c.cfg.PollMaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(c.cfg.PollInterval):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		var resp fileResponse
		err := c.gate.With(ctx, func(ctx context.Context) error {
			pollCtx, cancel := context.WithTimeout(ctx, c.policy.Timeout)
			defer cancel()
			req, err := http.NewRequestWithContext(pollCtx, http.MethodGet,
				c.cfg.BaseURL+"/v1/files/"+handle, nil)
			if err != nil {
				return err
			}
			c.authorize(req)
			return c.do(req, &resp)
		})
		if err != nil {
			if !enricherr.IsTransient(enricherr.KindOf(err)) {
				return err
			}
			c.logger.Warn("file status poll failed", "handle", handle, "error", err)
			continue
		}

		switch resp.State {
		case "active":
			return nil
		case "failed":
			return enricherr.New(enricherr.KindServiceError, "upload %s failed server-side", handle)
		}
	}
	return enricherr.New(enricherr.KindTimeout,
		"upload %s not active after %d polls", handle, c.cfg.PollMaxAttempts)
}

// toResult validates and repairs the provider response at the boundary.
func toResult(resp analyzeResponse, candidates []models.ThumbnailCandidate) (*Result, error) {
	if resp.Error != nil {
		return nil, enricherr.New(enricherr.KindServiceError, "provider error: %s", resp.Error.Message)
	}
	if resp.Summary == "" {
		return nil, enricherr.New(enricherr.KindServiceError, "analysis response missing summary")
	}

	sel := repairSelection(resp.Thumbnails, candidates)
	if sel == nil {
		return nil, enricherr.New(enricherr.KindServiceError, "no usable thumbnail selection in response")
	}
	if err := models.ValidateSelection(sel); err != nil {
		return nil, enricherr.Wrap(enricherr.KindServiceError, err)
	}

	return &Result{
		Summary:   resp.Summary,
		Keywords:  resp.Keywords,
		Selection: sel,
	}, nil
}

func (c *RemoteClient) postJSON(ctx context.Context, url string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)
	return c.do(req, out)
}

func (c *RemoteClient) authorize(req *http.Request) {
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
}

// do executes the request and maps the transport/status outcome onto the
// error taxonomy.
func (c *RemoteClient) do(req *http.Request, out any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || req.Context().Err() != nil {
			return enricherr.Wrap(enricherr.KindTimeout, err)
		}
		return enricherr.Wrap(enricherr.KindServiceError, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &enricherr.Error{
			Kind:       enricherr.KindQuotaExceeded,
			StatusCode: resp.StatusCode,
			RetryAfter: enricherr.RetryAfterFrom(resp),
			Message:    "provider quota exceeded",
		}
	case resp.StatusCode == http.StatusRequestEntityTooLarge:
		return &enricherr.Error{
			Kind:       enricherr.KindPayloadTooLarge,
			StatusCode: resp.StatusCode,
			Message:    "inline payload over provider limit",
		}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &enricherr.Error{
			Kind:       enricherr.KindServiceError,
			StatusCode: resp.StatusCode,
			Message:    string(body),
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return enricherr.Wrap(enricherr.KindServiceError,
			fmt.Errorf("decoding response: %w", err))
	}
	return nil
}

func encodeCandidates(candidates []models.ThumbnailCandidate) ([]candidatePayload, error) {
	out := make([]candidatePayload, 0, len(candidates))
	for _, cand := range candidates {
		img, err := os.ReadFile(cand.ImagePath)
		if err != nil {
			return nil, fmt.Errorf("reading candidate image %s: %w", cand.ImagePath, err)
		}
		out = append(out, candidatePayload{
			Timestamp: cand.Timestamp,
			ImageData: base64.StdEncoding.EncodeToString(img),
		})
	}
	return out, nil
}
