// Package pipeline drives per-clip enrichment end to end: decode frames,
// score motion, snapshot thumbnail candidates, call the analysis endpoint,
// fan out embeddings and persist whatever succeeded. Each clip is enriched
// independently; one clip's failure never blocks another's.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"clipenrich/internal/analysis"
	"clipenrich/internal/config"
	"clipenrich/internal/embedding"
	"clipenrich/internal/enricherr"
	"clipenrich/internal/frame"
	"clipenrich/internal/models"
	"clipenrich/internal/motion"
	"clipenrich/internal/storage"
)

// FrameOps is the subset of the ffmpeg wrapper the pipeline uses: a frame
// stream for scoring and single-frame snapshots for candidate thumbnails.
type FrameOps interface {
	Open(ctx context.Context, path string, fps float64) (frame.Source, error)
	Snapshot(ctx context.Context, videoPath string, timestamp float64, outPath string) error
	ProbeDuration(ctx context.Context, videoPath string) (float64, error)
}

// Enricher runs the enrichment pipeline over clips.
type Enricher struct {
	frames   FrameOps
	scorer   *motion.Scorer
	analyzer analysis.Client
	embedder *embedding.Orchestrator
	store    storage.Store
	cfg      config.Settings
	logger   *slog.Logger
}

// NewEnricher wires the pipeline together.
func NewEnricher(frames FrameOps, scorer *motion.Scorer, analyzer analysis.Client,
	embedder *embedding.Orchestrator, store storage.Store,
	cfg config.Settings, logger *slog.Logger) *Enricher {
	return &Enricher{
		frames:   frames,
		scorer:   scorer,
		analyzer: analyzer,
		embedder: embedder,
		store:    store,
		cfg:      cfg,
		logger:   logger,
	}
}

// EnrichClip enriches a single clip. The record ends in the richest state
// the external calls allowed: complete when everything succeeded, partial
// when the selection landed but some embeddings failed, minimal when
// analysis itself failed. A failed analysis still attempts a keyword
// embedding from the clip's ingest keywords, so keyword search can cover
// clips the analysis endpoint never described.
func (e *Enricher) EnrichClip(ctx context.Context, clip models.Clip) error {
	log := e.logger.With("clip", clip.ID)

	if err := e.store.CreateClip(ctx, clip); err != nil {
		return fmt.Errorf("creating clip record: %w", err)
	}

	candidates, err := e.selectCandidates(ctx, clip)
	if err != nil {
		return err
	}
	log.Info("thumbnail candidates selected", "count", len(candidates))

	res, err := e.analyzer.Analyze(ctx, clip, candidates)
	if err != nil {
		log.Warn("analysis failed, falling back to ingest keywords",
			"kind", enricherr.KindOf(err).String(), "error", err)
		e.persistEmbeddings(ctx, log, clip.ID, "", clip.Keywords, nil)
		return fmt.Errorf("analyzing clip %s: %w", clip.ID, err)
	}

	if err := e.store.SaveAnalysis(ctx, clip.ID, res.Summary, res.Keywords, res.Selection); err != nil {
		return fmt.Errorf("saving analysis for clip %s: %w", clip.ID, err)
	}
	log.Info("analysis saved",
		"keywords", res.Keywords != "", "thumbnails", len(res.Selection))

	e.persistEmbeddings(ctx, log, clip.ID, res.Summary, res.Keywords, res.Selection)
	return nil
}

// selectCandidates decodes the clip at the sampling rate, scores motion
// between consecutive frames, picks candidate timestamps and snapshots
// each one to a JPEG under the thumbnail directory.
func (e *Enricher) selectCandidates(ctx context.Context, clip models.Clip) ([]models.ThumbnailCandidate, error) {
	src, err := e.frames.Open(ctx, clip.FilePath, e.cfg.Motion.FPS)
	if err != nil {
		return nil, fmt.Errorf("opening clip %s: %w", clip.ID, err)
	}
	scored, err := e.scorer.ScoreStream(ctx, src)
	closeErr := src.Close()
	if err != nil {
		return nil, fmt.Errorf("scoring clip %s: %w", clip.ID, err)
	}
	if closeErr != nil {
		e.logger.Warn("frame stream close failed", "clip", clip.ID, "error", closeErr)
	}

	duration := clip.Duration.Seconds()
	if duration <= 0 {
		duration, err = e.frames.ProbeDuration(ctx, clip.FilePath)
		if err != nil {
			return nil, fmt.Errorf("probing duration of clip %s: %w", clip.ID, err)
		}
	}

	timestamps := motion.SelectTimestamps(scored, duration, e.cfg.Candidates)

	if err := os.MkdirAll(e.cfg.Pipeline.ThumbDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating thumbnail dir: %w", err)
	}

	var candidates []models.ThumbnailCandidate
	for i, ts := range timestamps {
		outPath := filepath.Join(e.cfg.Pipeline.ThumbDir,
			fmt.Sprintf("%s_%02d.jpg", clip.ID, i+1))
		if err := e.frames.Snapshot(ctx, clip.FilePath, ts, outPath); err != nil {
			e.logger.Warn("candidate snapshot failed",
				"clip", clip.ID, "timestamp", ts, "error", err)
			continue
		}
		candidates = append(candidates, models.ThumbnailCandidate{
			Timestamp: ts,
			ImagePath: outPath,
		})
	}
	return candidates, nil
}

// persistEmbeddings fans out embedding generation and fills a storage slot
// for every vector that came back. Failed slots are logged and left empty.
func (e *Enricher) persistEmbeddings(ctx context.Context, log *slog.Logger,
	clipID, summary, keywords string, selection []models.ThumbnailSelection) {
	outcomes := e.embedder.Generate(ctx, clipID, summary, keywords, selection)
	for _, slot := range outcomes.Succeeded() {
		if err := e.store.SaveEmbedding(ctx, clipID, slot, outcomes[slot].Vector); err != nil {
			log.Error("saving embedding failed", "slot", slot.String(), "error", err)
		}
	}
	log.Info("embeddings persisted",
		"succeeded", len(outcomes.Succeeded()), "failed", len(outcomes.Failed()))
}

// Run enriches a batch of clips with a fixed-size worker pool. Workers
// bound CPU-side parallelism only; external call concurrency is governed
// by the shared gate inside the clients. A cancelled context stops
// dispatching promptly and in-flight clips observe it through their own
// calls. Returns an aggregate error when any clip failed.
func (e *Enricher) Run(ctx context.Context, clips []models.Clip) error {
	workers := e.cfg.Pipeline.Workers
	if workers < 1 {
		workers = 1
	}

	workChan := make(chan models.Clip, len(clips))
	var wg sync.WaitGroup
	var failed atomic.Int64

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for clip := range workChan {
				if ctx.Err() != nil {
					failed.Add(1)
					continue
				}
				if err := e.EnrichClip(ctx, clip); err != nil {
					failed.Add(1)
					e.logger.Error("clip enrichment incomplete",
						"clip", clip.ID, "error", err)
				}
			}
		}()
	}

	for _, clip := range clips {
		workChan <- clip
	}
	close(workChan)
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return err
	}
	if n := failed.Load(); n > 0 {
		return fmt.Errorf("%d of %d clips did not fully enrich", n, len(clips))
	}
	return nil
}
