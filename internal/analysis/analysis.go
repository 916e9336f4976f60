// Package analysis wraps the external multimodal endpoint behind one
// operation: given a clip and its thumbnail candidates, produce a summary,
// keyword text and a ranked thumbnail selection. The remote client handles
// inline-versus-upload payload strategy, per-call deadlines and retries;
// responses are validated and repaired at this boundary so malformed
// selections never reach the core's state.
package analysis

import (
	"context"
	"sort"

	"clipenrich/internal/models"
)

// Result is the outcome of one successful analyze call.
type Result struct {
	Summary   string
	Keywords  string
	Selection []models.ThumbnailSelection
}

// Client issues one analyze call per clip. Implementations must return
// errors from the enricherr taxonomy; retries exhausted surface as
// KindAnalysisFailed.
type Client interface {
	Analyze(ctx context.Context, clip models.Clip, candidates []models.ThumbnailCandidate) (*Result, error)
}

// rawSelection is a selection entry exactly as the provider sent it,
// before validation.
type rawSelection struct {
	Timestamp float64 `json:"timestamp"`
	Reason    string  `json:"reason"`
	Rank      int     `json:"rank"`
}

// repairSelection turns provider output into a valid selection: entries
// with out-of-range or duplicate ranks are dropped, each candidate may back
// at most one entry, survivors are capped at the candidate count, re-ranked
// densely from 1 in provider preference order, and matched back to the
// candidate that supplied their image. Returns nil when nothing survives.
func repairSelection(raw []rawSelection, candidates []models.ThumbnailCandidate) []models.ThumbnailSelection {
	limit := len(candidates)
	if limit > models.MaxThumbnails {
		limit = models.MaxThumbnails
	}

	type match struct {
		raw  rawSelection
		cand int
	}
	seenRank := make(map[int]bool)
	usedCand := make(map[int]bool)
	var kept []match
	for _, r := range raw {
		if r.Rank < 1 || r.Rank > models.MaxThumbnails || seenRank[r.Rank] {
			continue
		}
		ci := nearestCandidate(candidates, r.Timestamp)
		if ci < 0 || usedCand[ci] {
			continue
		}
		seenRank[r.Rank] = true
		usedCand[ci] = true
		kept = append(kept, match{raw: r, cand: ci})
	}

	sort.Slice(kept, func(i, j int) bool { return kept[i].raw.Rank < kept[j].raw.Rank })
	if len(kept) > limit {
		kept = kept[:limit]
	}
	if len(kept) == 0 {
		return nil
	}

	sel := make([]models.ThumbnailSelection, len(kept))
	for i, m := range kept {
		c := candidates[m.cand]
		sel[i] = models.ThumbnailSelection{
			Timestamp: c.Timestamp,
			Reason:    m.raw.Reason,
			Rank:      i + 1,
			Path:      c.ImagePath,
		}
	}
	return sel
}

// nearestCandidate matches a provider timestamp back to the candidate it
// came from, tolerating rounding drift of up to half a second.
func nearestCandidate(candidates []models.ThumbnailCandidate, ts float64) int {
	best := -1
	bestDist := 0.5
	for i, c := range candidates {
		d := c.Timestamp - ts
		if d < 0 {
			d = -d
		}
		if d <= bestDist {
			best = i
			bestDist = d
		}
	}
	return best
}
