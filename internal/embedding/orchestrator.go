package embedding

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"clipenrich/internal/config"
	"clipenrich/internal/enricherr"
	"clipenrich/internal/gate"
	"clipenrich/internal/models"
)

// Outcome is the result of one embedding slot attempt.
type Outcome struct {
	Slot   models.Slot
	Vector []float32
	Err    error // KindEmbeddingFailed after retry exhaustion, nil on success
}

// Outcomes maps each attempted slot to its result. Slots never attempted
// (no rank-k selection entry, empty keyword text) are absent.
type Outcomes map[models.Slot]Outcome

// Succeeded returns the slots that produced a vector.
func (o Outcomes) Succeeded() []models.Slot {
	var slots []models.Slot
	for s := models.Slot(0); s < models.NumSlots; s++ {
		if out, ok := o[s]; ok && out.Err == nil {
			slots = append(slots, s)
		}
	}
	return slots
}

// Failed returns the slots whose attempts exhausted their retries.
func (o Outcomes) Failed() []models.Slot {
	var slots []models.Slot
	for s := models.Slot(0); s < models.NumSlots; s++ {
		if out, ok := o[s]; ok && out.Err != nil {
			slots = append(slots, s)
		}
	}
	return slots
}

// Orchestrator fans a clip's artifacts out into up to five independent,
// individually gated and retried embedding requests. One slot failing never
// rolls back or blocks the others.
type Orchestrator struct {
	client Client
	gate   *gate.Gate
	policy enricherr.RetryPolicy
	logger *slog.Logger
}

// NewOrchestrator wires the orchestrator to the shared admission gate.
func NewOrchestrator(client Client, g *gate.Gate, cfg config.EmbeddingSettings, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		client: client,
		gate:   g,
		policy: enricherr.RetryPolicy{
			Timeout:    cfg.Timeout,
			MaxRetries: cfg.MaxRetries,
			Backoff:    cfg.Backoff,
		},
		logger: logger.With("component", "embedding"),
	}
}

// Generate requests embeddings for the summary text, keyword text and every
// ranked thumbnail present in the selection. A thumbnail slot is attempted
// only when the matching rank-k selection entry exists, so un-selected
// candidates can never grow embeddings. Empty artifacts are skipped, not
// failed. The five requests run concurrently; actual external concurrency
// is bounded by the shared gate.
func (o *Orchestrator) Generate(ctx context.Context, clipID, summary, keywords string, selection []models.ThumbnailSelection) Outcomes {
	type job struct {
		slot models.Slot
		run  func(ctx context.Context) ([]float32, error)
	}

	var jobs []job
	if summary != "" {
		jobs = append(jobs, job{models.SlotSummary, func(ctx context.Context) ([]float32, error) {
			return o.client.EmbedText(ctx, summary)
		}})
	}
	if keywords != "" {
		jobs = append(jobs, job{models.SlotKeywords, func(ctx context.Context) ([]float32, error) {
			return o.client.EmbedText(ctx, keywords)
		}})
	}
	for _, sel := range selection {
		slot, err := models.ThumbnailSlot(sel.Rank)
		if err != nil {
			// Selections are rank-validated at the analysis boundary.
			continue
		}
		path := sel.Path
		jobs = append(jobs, job{slot, func(ctx context.Context) ([]float32, error) {
			return o.client.EmbedImage(ctx, path)
		}})
	}

	outcomes := make(Outcomes, len(jobs))
	var mu sync.Mutex
	var g errgroup.Group

	for _, j := range jobs {
		j := j
		g.Go(func() error {
			var vec []float32
			err := o.policy.Do(ctx, o.logger, "embed_"+j.slot.String(), func(ctx context.Context) error {
				return o.gate.With(ctx, func(ctx context.Context) error {
					v, err := j.run(ctx)
					if err != nil {
						return err
					}
					vec = v
					return nil
				})
			})
			if err != nil {
				err = enricherr.Wrap(enricherr.KindEmbeddingFailed, err)
				o.logger.Warn("embedding slot failed",
					"clip", clipID, "slot", j.slot.String(), "error", err)
			}
			mu.Lock()
			outcomes[j.slot] = Outcome{Slot: j.slot, Vector: vec, Err: err}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}
