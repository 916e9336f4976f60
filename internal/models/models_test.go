package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveState(t *testing.T) {
	full := EmbeddingSet{
		Summary:    []float32{1},
		Keywords:   []float32{1},
		Thumbnail1: []float32{1},
		Thumbnail2: []float32{1},
		Thumbnail3: []float32{1},
	}

	tests := []struct {
		name      string
		selection bool
		set       EmbeddingSet
		want      State
	}{
		{"all slots and selection", true, full, StateComplete},
		{"no selection no slots", false, EmbeddingSet{}, StateMinimal},
		{"keyword only without selection", false, EmbeddingSet{Keywords: []float32{1}}, StateMinimal},
		{"selection but empty slots", true, EmbeddingSet{}, StatePartial},
		{"selection missing one thumbnail", true, EmbeddingSet{
			Summary:    []float32{1},
			Keywords:   []float32{1},
			Thumbnail1: []float32{1},
			Thumbnail3: []float32{1},
		}, StatePartial},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DeriveState(tt.selection, tt.set))
		})
	}
}

func TestEmbeddingSetSlots(t *testing.T) {
	var set EmbeddingSet

	require.Error(t, set.Set(SlotSummary, nil), "empty vector must be rejected")
	require.NoError(t, set.Set(SlotThumbnail2, []float32{0.5, 0.25}))

	assert.Nil(t, set.Get(SlotThumbnail1))
	assert.Equal(t, []float32{0.5, 0.25}, set.Get(SlotThumbnail2))
	assert.Equal(t, 1, set.Populated())
}

func TestThumbnailSlot(t *testing.T) {
	s, err := ThumbnailSlot(1)
	require.NoError(t, err)
	assert.Equal(t, SlotThumbnail1, s)

	s, err = ThumbnailSlot(3)
	require.NoError(t, err)
	assert.Equal(t, SlotThumbnail3, s)

	_, err = ThumbnailSlot(0)
	assert.Error(t, err)
	_, err = ThumbnailSlot(4)
	assert.Error(t, err)
}

func TestValidateSelection(t *testing.T) {
	ok := []ThumbnailSelection{
		{Rank: 1, Timestamp: 5.5, Reason: "clear subject"},
		{Rank: 2, Timestamp: 10.2, Reason: "high action"},
		{Rank: 3, Timestamp: 15.8, Reason: "good framing"},
	}
	assert.NoError(t, ValidateSelection(ok))
	assert.NoError(t, ValidateSelection(ok[:1]))
	assert.NoError(t, ValidateSelection(nil))

	gap := []ThumbnailSelection{{Rank: 1}, {Rank: 3}}
	assert.Error(t, ValidateSelection(gap))

	dup := []ThumbnailSelection{{Rank: 1}, {Rank: 1}}
	assert.Error(t, ValidateSelection(dup))

	tooMany := []ThumbnailSelection{{Rank: 1}, {Rank: 2}, {Rank: 3}, {Rank: 4}}
	assert.Error(t, ValidateSelection(tooMany))
}

func TestSelectionJSONRoundTrip(t *testing.T) {
	sel := []ThumbnailSelection{
		{Timestamp: 5.5, Reason: "clear subject", Rank: 1, Path: "thumbs/c1_1.jpg"},
		{Timestamp: 10.2, Reason: "high action", Rank: 2, Path: "thumbs/c1_2.jpg"},
		{Timestamp: 15.8, Reason: "good framing", Rank: 3, Path: "thumbs/c1_3.jpg"},
	}

	data, err := json.Marshal(sel)
	require.NoError(t, err)

	var got []ThumbnailSelection
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, sel, got)
}
