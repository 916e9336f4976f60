// Package storage is the clip record store. The pipeline is the sole
// writer of selections and embedding slots; the query surface reads records
// and derives completeness from them.
package storage

import (
	"context"
	"errors"

	"clipenrich/internal/models"
)

// ErrNotFound is returned when a clip id has no record.
var ErrNotFound = errors.New("clip not found")

// ClipRecord is one clip row with its enrichment artifacts. Completeness is
// always derived from the row contents via State, never stored.
type ClipRecord struct {
	Clip       models.Clip
	Summary    string
	Keywords   string // AI keyword text; falls back to ingest keywords
	Selection  []models.ThumbnailSelection
	Embeddings models.EmbeddingSet
}

// State derives the clip's completeness tier.
func (r *ClipRecord) State() models.State {
	return models.DeriveState(len(r.Selection) > 0, r.Embeddings)
}

// Store persists clip records. SaveEmbedding only ever fills a slot; slots
// are never cleared, so enrichment progress is monotonic even when later
// attempts fail.
type Store interface {
	CreateClip(ctx context.Context, clip models.Clip) error
	GetClip(ctx context.Context, id string) (*ClipRecord, error)

	// SaveAnalysis records the summary, keyword text and ranked thumbnail
	// selection produced by a successful analyze call.
	SaveAnalysis(ctx context.Context, id, summary, keywords string, selection []models.ThumbnailSelection) error

	// SaveEmbedding fills one embedding slot with a successful vector.
	SaveEmbedding(ctx context.Context, id string, slot models.Slot, vec []float32) error

	// ListClips pages through records for completeness auditing.
	ListClips(ctx context.Context, limit, offset int) ([]ClipRecord, error)

	Close()
}
