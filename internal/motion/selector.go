package motion

import (
	"math"
	"sort"

	"clipenrich/internal/config"
)

// SelectTimestamps turns a scored frame stream into at most cfg.Count
// candidate timestamps, each at least cfg.MinSpacing seconds from the
// others. Peaks of motion score above cfg.ScoreThreshold are preferred;
// when too few clear the bar the remainder is backfilled with evenly
// spaced timestamps. A non-empty clip always yields at least one
// candidate: clips too short for the spacing rule get their midpoint.
func SelectTimestamps(scored []ScoredFrame, duration float64, cfg config.CandidateSettings) []float64 {
	if duration <= 0 {
		return nil
	}

	target := cfg.Count
	if target < 1 {
		target = 1
	}

	// Degenerate clip: spacing rule cannot hold, pick the midpoint.
	if duration < cfg.MinSpacing*float64(target) {
		return []float64{duration / 2}
	}

	var picked []float64
	for _, p := range localMaxima(scored, cfg.ScoreThreshold) {
		if len(picked) >= target {
			break
		}
		if spacedFrom(picked, p.Timestamp, cfg.MinSpacing) {
			picked = append(picked, p.Timestamp)
		}
	}

	// Backfill with evenly spaced timestamps across the clip.
	if len(picked) < target {
		for i := 1; i <= target && len(picked) < target; i++ {
			ts := duration * float64(i) / float64(target+1)
			if spacedFrom(picked, ts, cfg.MinSpacing) {
				picked = append(picked, ts)
			}
		}
	}
	if len(picked) == 0 {
		picked = []float64{duration / 2}
	}

	sort.Float64s(picked)
	return picked
}

// localMaxima returns score peaks at or above threshold, strongest first.
func localMaxima(scored []ScoredFrame, threshold float64) []ScoredFrame {
	var peaks []ScoredFrame
	for i, s := range scored {
		if s.Score < threshold {
			continue
		}
		left := i == 0 || scored[i-1].Score < s.Score
		right := i == len(scored)-1 || scored[i+1].Score <= s.Score
		if left && right {
			peaks = append(peaks, s)
		}
	}
	sort.Slice(peaks, func(i, j int) bool { return peaks[i].Score > peaks[j].Score })
	return peaks
}

func spacedFrom(picked []float64, ts, minSpacing float64) bool {
	for _, p := range picked {
		if math.Abs(p-ts) < minSpacing {
			return false
		}
	}
	return true
}
