package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"clipenrich/internal/models"
)

// MemoryStore is an in-process Store with the same write semantics as the
// Postgres implementation. It backs tests and the memory storage driver.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*ClipRecord
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*ClipRecord)}
}

func (s *MemoryStore) Close() {}

func (s *MemoryStore) CreateClip(ctx context.Context, clip models.Clip) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[clip.ID]; exists {
		return nil
	}
	if clip.CreatedAt.IsZero() {
		clip.CreatedAt = time.Now()
	}
	s.records[clip.ID] = &ClipRecord{Clip: clip}
	return nil
}

func (s *MemoryStore) GetClip(ctx context.Context, id string) (*ClipRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := copyRecord(rec)
	return &cp, nil
}

func (s *MemoryStore) SaveAnalysis(ctx context.Context, id, summary, keywords string, selection []models.ThumbnailSelection) error {
	if err := models.ValidateSelection(selection); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	rec.Summary = summary
	rec.Keywords = keywords
	rec.Selection = append([]models.ThumbnailSelection(nil), selection...)
	return nil
}

func (s *MemoryStore) SaveEmbedding(ctx context.Context, id string, slot models.Slot, vec []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	return rec.Embeddings.Set(slot, append([]float32(nil), vec...))
}

func (s *MemoryStore) ListClips(ctx context.Context, limit, offset int) ([]ClipRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]*ClipRecord, 0, len(s.records))
	for _, rec := range s.records {
		all = append(all, rec)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Clip.CreatedAt.Equal(all[j].Clip.CreatedAt) {
			return all[i].Clip.ID < all[j].Clip.ID
		}
		return all[i].Clip.CreatedAt.Before(all[j].Clip.CreatedAt)
	})

	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if len(all) > limit {
		all = all[:limit]
	}

	out := make([]ClipRecord, len(all))
	for i, rec := range all {
		out[i] = copyRecord(rec)
	}
	return out, nil
}

func copyRecord(rec *ClipRecord) ClipRecord {
	cp := *rec
	cp.Selection = append([]models.ThumbnailSelection(nil), rec.Selection...)
	if len(cp.Selection) == 0 {
		cp.Selection = nil
	}
	return cp
}
