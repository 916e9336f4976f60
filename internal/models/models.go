// Package models holds the core record types shared by the enrichment
// pipeline, the clip store and the query surface.
package models

import (
	"fmt"
	"time"
)

// Clip represents one ingested video unit subject to enrichment.
type Clip struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	FilePath  string        `json:"file_path"`
	Duration  time.Duration `json:"duration"`
	Keywords  string        `json:"keywords,omitempty"` // ingest-time keyword text, may be empty
	CreatedAt time.Time     `json:"created_at"`
}

// ThumbnailCandidate is a timestamp/image pair proposed as a possible
// thumbnail before AI ranking. Candidates are transient: they are consumed
// by analysis and never persisted.
type ThumbnailCandidate struct {
	Timestamp float64 `json:"timestamp"` // seconds from clip start
	ImagePath string  `json:"image_path"`
}

// ThumbnailSelection is one AI-ranked thumbnail choice. Ranks for a clip
// form a contiguous set starting at 1.
type ThumbnailSelection struct {
	Timestamp float64 `json:"timestamp"`
	Reason    string  `json:"reason"`
	Rank      int     `json:"rank"`
	Path      string  `json:"path"`
}

// Slot identifies one of the five independently nullable embedding fields
// on a clip record.
type Slot int

const (
	SlotSummary Slot = iota
	SlotKeywords
	SlotThumbnail1
	SlotThumbnail2
	SlotThumbnail3

	NumSlots = 5

	// MaxThumbnails is the maximum number of ranked thumbnail selections
	// per clip, and therefore the number of thumbnail embedding slots.
	MaxThumbnails = 3
)

// ThumbnailSlot returns the embedding slot for a selection rank (1-based).
func ThumbnailSlot(rank int) (Slot, error) {
	if rank < 1 || rank > MaxThumbnails {
		return 0, fmt.Errorf("thumbnail rank %d out of range 1..%d", rank, MaxThumbnails)
	}
	return SlotThumbnail1 + Slot(rank-1), nil
}

func (s Slot) String() string {
	switch s {
	case SlotSummary:
		return "summary"
	case SlotKeywords:
		return "keywords"
	case SlotThumbnail1:
		return "thumbnail_1"
	case SlotThumbnail2:
		return "thumbnail_2"
	case SlotThumbnail3:
		return "thumbnail_3"
	}
	return fmt.Sprintf("slot(%d)", int(s))
}

// EmbeddingSet holds the five per-clip embedding slots. A nil slice means
// the slot is unpopulated.
type EmbeddingSet struct {
	Summary    []float32 `json:"summary_embedding,omitempty"`
	Keywords   []float32 `json:"keyword_embedding,omitempty"`
	Thumbnail1 []float32 `json:"thumbnail_1_embedding,omitempty"`
	Thumbnail2 []float32 `json:"thumbnail_2_embedding,omitempty"`
	Thumbnail3 []float32 `json:"thumbnail_3_embedding,omitempty"`
}

// Get returns the vector stored in slot s, or nil.
func (e *EmbeddingSet) Get(s Slot) []float32 {
	switch s {
	case SlotSummary:
		return e.Summary
	case SlotKeywords:
		return e.Keywords
	case SlotThumbnail1:
		return e.Thumbnail1
	case SlotThumbnail2:
		return e.Thumbnail2
	case SlotThumbnail3:
		return e.Thumbnail3
	}
	return nil
}

// Set fills slot s. Filling with an empty vector is rejected so a slot can
// never transition from populated back to absent through this path.
func (e *EmbeddingSet) Set(s Slot, vec []float32) error {
	if len(vec) == 0 {
		return fmt.Errorf("refusing to set empty vector for slot %s", s)
	}
	switch s {
	case SlotSummary:
		e.Summary = vec
	case SlotKeywords:
		e.Keywords = vec
	case SlotThumbnail1:
		e.Thumbnail1 = vec
	case SlotThumbnail2:
		e.Thumbnail2 = vec
	case SlotThumbnail3:
		e.Thumbnail3 = vec
	default:
		return fmt.Errorf("unknown embedding slot %d", int(s))
	}
	return nil
}

// Populated reports how many of the five slots are filled.
func (e *EmbeddingSet) Populated() int {
	n := 0
	for s := Slot(0); s < NumSlots; s++ {
		if e.Get(s) != nil {
			n++
		}
	}
	return n
}

// State is the derived completeness tier of a clip record. It is computed
// from the embedding slots and selection presence on demand and is never
// stored.
type State string

const (
	StateComplete State = "complete"
	StatePartial  State = "partial"
	StateMinimal  State = "minimal"
)

// DeriveState classifies a clip record from its AI selection presence and
// embedding slots:
//
//	complete: all five embedding slots populated
//	partial:  selection present but at least one slot absent
//	minimal:  no selection present
func DeriveState(selectionPresent bool, set EmbeddingSet) State {
	if !selectionPresent {
		return StateMinimal
	}
	if set.Populated() == NumSlots {
		return StateComplete
	}
	return StatePartial
}

// ValidateSelection checks the rank invariant: ranks must form the dense
// set {1..k} with k <= MaxThumbnails, sorted ascending.
func ValidateSelection(sel []ThumbnailSelection) error {
	if len(sel) > MaxThumbnails {
		return fmt.Errorf("selection has %d entries, maximum is %d", len(sel), MaxThumbnails)
	}
	for i, s := range sel {
		if s.Rank != i+1 {
			return fmt.Errorf("selection rank %d at position %d, want %d", s.Rank, i, i+1)
		}
	}
	return nil
}
