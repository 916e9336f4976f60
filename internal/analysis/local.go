package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/agent-api/core"
	"github.com/agent-api/core/agent"
	"github.com/agent-api/core/agent/bootstrap"
	"github.com/agent-api/ollama"
	"github.com/go-logr/logr"

	"clipenrich/internal/config"
	"clipenrich/internal/enricherr"
	"clipenrich/internal/gate"
	"clipenrich/internal/models"
)

// runner is the slice of the agent the client drives. *agent.Agent
// satisfies it.
type runner interface {
	Run(ctx context.Context, opts ...agent.RunOptionFunc) (*agent.AgentRunAggregator, error)
}

// LocalClient analyzes clips with an on-host Ollama vision model instead of
// the hosted endpoint. It is selected by the analysis.local capability flag.
// Only the inline strategy applies: candidate stills are described one by
// one, then a closing text call ranks them and writes the summary. Every
// model call holds a gate slot like any other external call.
type LocalClient struct {
	agent  runner
	policy enricherr.RetryPolicy
	gate   *gate.Gate
	logger *slog.Logger
}

// NewLocalClient sets up the Ollama provider and vision agent.
func NewLocalClient(ctx context.Context, cfg config.AnalysisSettings, g *gate.Gate, logger *slog.Logger) (*LocalClient, error) {
	agentLogger := logr.FromSlogHandler(logger.Handler())
	provider := ollama.NewProvider(&ollama.ProviderOpts{
		Logger:  &agentLogger,
		BaseURL: cfg.OllamaURL,
		Port:    cfg.OllamaPort,
	})
	if err := provider.UseModel(ctx, &core.Model{ID: cfg.OllamaModel}); err != nil {
		return nil, fmt.Errorf("selecting model %s: %w", cfg.OllamaModel, err)
	}

	visionAgent, err := agent.NewAgent(
		bootstrap.WithProvider(provider),
		bootstrap.WithLogger(&agentLogger),
		bootstrap.WithSystemPrompt("You are a visual analysis assistant for video thumbnails. "+
			"Describe frames factually and concisely."),
	)
	if err != nil {
		return nil, fmt.Errorf("creating vision agent: %w", err)
	}

	return &LocalClient{
		agent: visionAgent,
		policy: enricherr.RetryPolicy{
			Timeout:    cfg.Timeout,
			MaxRetries: cfg.MaxRetries,
			Backoff:    cfg.Backoff,
		},
		gate:   g,
		logger: logger.With("component", "analysis", "provider", "ollama"),
	}, nil
}

// Analyze implements Client against the local model.
func (c *LocalClient) Analyze(ctx context.Context, clip models.Clip, candidates []models.ThumbnailCandidate) (*Result, error) {
	descriptions := make([]string, len(candidates))
	for i, cand := range candidates {
		desc, err := c.describe(ctx, cand)
		if err != nil {
			return nil, enricherr.Wrap(enricherr.KindAnalysisFailed, err)
		}
		descriptions[i] = desc
	}

	resp, err := c.rank(ctx, clip, candidates, descriptions)
	if err != nil {
		return nil, enricherr.Wrap(enricherr.KindAnalysisFailed, err)
	}
	return toResult(*resp, candidates)
}

func (c *LocalClient) describe(ctx context.Context, cand models.ThumbnailCandidate) (string, error) {
	var desc string
	err := c.policy.Do(ctx, c.logger, "describe", func(ctx context.Context) error {
		return c.gate.With(ctx, func(ctx context.Context) error {
			response, err := c.agent.Run(ctx,
				agent.WithInput("Describe this video frame. What is the subject and what is happening?"),
				agent.WithImagePath(cand.ImagePath),
			)
			if err != nil {
				return enricherr.Wrap(enricherr.KindServiceError, err)
			}
			if len(response.Messages) == 0 {
				return enricherr.New(enricherr.KindServiceError, "no response messages from model")
			}
			desc = response.Messages[len(response.Messages)-1].Content
			return nil
		})
	})
	return desc, err
}

func (c *LocalClient) rank(ctx context.Context, clip models.Clip, candidates []models.ThumbnailCandidate, descriptions []string) (*analyzeResponse, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Video clip %q has these candidate thumbnail frames:\n", clip.Name)
	for i, cand := range candidates {
		fmt.Fprintf(&b, "- t=%.1fs: %s\n", cand.Timestamp, descriptions[i])
	}
	b.WriteString("\n" + analysisInstruction)

	var resp analyzeResponse
	err := c.policy.Do(ctx, c.logger, "rank", func(ctx context.Context) error {
		return c.gate.With(ctx, func(ctx context.Context) error {
			response, err := c.agent.Run(ctx, agent.WithInput(b.String()))
			if err != nil {
				return enricherr.Wrap(enricherr.KindServiceError, err)
			}
			if len(response.Messages) == 0 {
				return enricherr.New(enricherr.KindServiceError, "no response messages from model")
			}
			content := response.Messages[len(response.Messages)-1].Content
			parsed, perr := parseModelJSON(content)
			if perr != nil {
				return enricherr.Wrap(enricherr.KindServiceError, perr)
			}
			resp = *parsed
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// parseModelJSON extracts the JSON object from a model reply, tolerating
// markdown code fences and leading prose.
func parseModelJSON(content string) (*analyzeResponse, error) {
	trimmed := strings.TrimSpace(content)
	if i := strings.Index(trimmed, "```"); i >= 0 {
		trimmed = trimmed[i+3:]
		trimmed = strings.TrimPrefix(trimmed, "json")
		if j := strings.Index(trimmed, "```"); j >= 0 {
			trimmed = trimmed[:j]
		}
	}
	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in model reply")
	}

	var resp analyzeResponse
	if err := json.Unmarshal([]byte(trimmed[start:end+1]), &resp); err != nil {
		return nil, fmt.Errorf("parsing model reply: %w", err)
	}
	return &resp, nil
}
