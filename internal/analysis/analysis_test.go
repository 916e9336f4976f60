package analysis

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clipenrich/internal/models"
)

func threeCandidates() []models.ThumbnailCandidate {
	return []models.ThumbnailCandidate{
		{Timestamp: 5.5, ImagePath: "a.jpg"},
		{Timestamp: 10.2, ImagePath: "b.jpg"},
		{Timestamp: 15.8, ImagePath: "c.jpg"},
	}
}

func TestRepairSelectionValidInput(t *testing.T) {
	raw := []rawSelection{
		{Timestamp: 10.2, Reason: "action", Rank: 2},
		{Timestamp: 5.5, Reason: "subject", Rank: 1},
		{Timestamp: 15.8, Reason: "result", Rank: 3},
	}

	sel := repairSelection(raw, threeCandidates())
	require.Len(t, sel, 3)
	require.NoError(t, models.ValidateSelection(sel))
	assert.Equal(t, "subject", sel[0].Reason)
	assert.Equal(t, "a.jpg", sel[0].Path)
	assert.Equal(t, 5.5, sel[0].Timestamp)
}

func TestRepairSelectionDropsDuplicateRanks(t *testing.T) {
	raw := []rawSelection{
		{Timestamp: 5.5, Reason: "first", Rank: 1},
		{Timestamp: 10.2, Reason: "dup", Rank: 1},
		{Timestamp: 15.8, Reason: "third", Rank: 2},
	}

	sel := repairSelection(raw, threeCandidates())
	require.Len(t, sel, 2)
	require.NoError(t, models.ValidateSelection(sel))
	assert.Equal(t, "first", sel[0].Reason)
	assert.Equal(t, "third", sel[1].Reason)
}

func TestRepairSelectionClosesRankGaps(t *testing.T) {
	// Provider sent ranks 1 and 3: the survivor set must re-rank densely.
	raw := []rawSelection{
		{Timestamp: 5.5, Reason: "best", Rank: 1},
		{Timestamp: 15.8, Reason: "also good", Rank: 3},
	}

	sel := repairSelection(raw, threeCandidates())
	require.Len(t, sel, 2)
	assert.Equal(t, 1, sel[0].Rank)
	assert.Equal(t, 2, sel[1].Rank)
	require.NoError(t, models.ValidateSelection(sel))
}

func TestRepairSelectionDropsUnmatchedTimestamps(t *testing.T) {
	raw := []rawSelection{
		{Timestamp: 5.5, Reason: "real", Rank: 1},
		{Timestamp: 42.0, Reason: "hallucinated", Rank: 2},
	}

	sel := repairSelection(raw, threeCandidates())
	require.Len(t, sel, 1)
	assert.Equal(t, "real", sel[0].Reason)
}

func TestRepairSelectionToleratesTimestampDrift(t *testing.T) {
	raw := []rawSelection{{Timestamp: 5.7, Reason: "rounded", Rank: 1}}

	sel := repairSelection(raw, threeCandidates())
	require.Len(t, sel, 1)
	assert.Equal(t, 5.5, sel[0].Timestamp, "snaps back to the candidate timestamp")
	assert.Equal(t, "a.jpg", sel[0].Path)
}

func TestRepairSelectionDropsDoubleMatchedCandidate(t *testing.T) {
	// Both entries drift within half a second of the same candidate; only
	// the first may claim it, so no two selections share a path.
	raw := []rawSelection{
		{Timestamp: 5.3, Reason: "claims a", Rank: 1},
		{Timestamp: 5.8, Reason: "also claims a", Rank: 2},
		{Timestamp: 15.8, Reason: "distinct", Rank: 3},
	}

	sel := repairSelection(raw, threeCandidates())
	require.Len(t, sel, 2)
	require.NoError(t, models.ValidateSelection(sel))
	assert.Equal(t, "claims a", sel[0].Reason)
	assert.Equal(t, "a.jpg", sel[0].Path)
	assert.Equal(t, "distinct", sel[1].Reason)
	assert.Equal(t, "c.jpg", sel[1].Path)
	assert.NotEqual(t, sel[0].Path, sel[1].Path)
}

func TestRepairSelectionCapsAtCandidateCount(t *testing.T) {
	one := threeCandidates()[:1]
	raw := []rawSelection{
		{Timestamp: 5.5, Reason: "a", Rank: 1},
		{Timestamp: 5.5, Reason: "b", Rank: 2},
		{Timestamp: 5.5, Reason: "c", Rank: 3},
	}

	sel := repairSelection(raw, one)
	require.Len(t, sel, 1)
	assert.Equal(t, "a", sel[0].Reason)
}

func TestRepairSelectionNothingUsable(t *testing.T) {
	raw := []rawSelection{
		{Timestamp: 5.5, Rank: 0},
		{Timestamp: 5.5, Rank: 9},
	}
	assert.Nil(t, repairSelection(raw, threeCandidates()))
	assert.Nil(t, repairSelection(nil, threeCandidates()))
}

func TestParseModelJSON(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr bool
	}{
		{"bare json", `{"summary": "s", "keywords": "k", "thumbnails": []}`, false},
		{"fenced json", "Here you go:\n```json\n{\"summary\": \"s\", \"keywords\": \"k\"}\n```", false},
		{"fenced no language tag", "```\n{\"summary\": \"s\"}\n```", false},
		{"leading prose", `Sure! {"summary": "s"}`, false},
		{"no json at all", "I cannot help with that.", true},
		{"broken json", `{"summary": `, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := parseModelJSON(tt.content)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "s", resp.Summary)
		})
	}
}
