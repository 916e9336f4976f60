package embedding

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clipenrich/internal/config"
	"clipenrich/internal/enricherr"
	"clipenrich/internal/gate"
	"clipenrich/internal/models"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeClient returns canned vectors and scripted per-artifact failures,
// tracking the observed call concurrency.
type fakeClient struct {
	mu       sync.Mutex
	failText map[string]error // by text content
	failImg  map[string]error // by image path
	latency  time.Duration

	cur  atomic.Int64
	peak atomic.Int64
}

func (f *fakeClient) track() func() {
	n := f.cur.Add(1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	return func() { f.cur.Add(-1) }
}

func (f *fakeClient) EmbedText(ctx context.Context, text string) ([]float32, error) {
	defer f.track()()
	time.Sleep(f.latency)
	f.mu.Lock()
	err := f.failText[text]
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return []float32{1, 2, 3}, nil
}

func (f *fakeClient) EmbedImage(ctx context.Context, imagePath string) ([]float32, error) {
	defer f.track()()
	time.Sleep(f.latency)
	f.mu.Lock()
	err := f.failImg[imagePath]
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return []float32{4, 5, 6}, nil
}

func testOrchestrator(client Client, capacity int) *Orchestrator {
	return NewOrchestrator(client, gate.New(capacity, discardLogger()), config.EmbeddingSettings{
		Timeout:    100 * time.Millisecond,
		MaxRetries: 2,
		Backoff:    time.Millisecond,
	}, discardLogger())
}

func fullSelection() []models.ThumbnailSelection {
	return []models.ThumbnailSelection{
		{Timestamp: 5.5, Reason: "subject", Rank: 1, Path: "t1.jpg"},
		{Timestamp: 10.2, Reason: "action", Rank: 2, Path: "t2.jpg"},
		{Timestamp: 15.8, Reason: "result", Rank: 3, Path: "t3.jpg"},
	}
}

func TestGenerateAllSlots(t *testing.T) {
	o := testOrchestrator(&fakeClient{}, 2)

	out := o.Generate(context.Background(), "clip-1", "summary text", "kw1, kw2", fullSelection())
	require.Len(t, out, 5)
	assert.Len(t, out.Succeeded(), 5)
	assert.Empty(t, out.Failed())

	for slot, res := range out {
		assert.NoError(t, res.Err, "slot %s", slot)
		assert.NotEmpty(t, res.Vector, "slot %s", slot)
	}
}

// Scenario: rank-2 thumbnail embedding exhausts its retries while every
// other slot succeeds. Slots 1 and 3 must be populated, slot 2 failed,
// nothing rolled back.
func TestGenerateIsolatesSlotFailure(t *testing.T) {
	client := &fakeClient{failImg: map[string]error{
		"t2.jpg": enricherr.New(enricherr.KindTimeout, "deadline exceeded"),
	}}
	o := testOrchestrator(client, 2)

	out := o.Generate(context.Background(), "clip-1", "summary text", "kw1, kw2", fullSelection())
	require.Len(t, out, 5)

	assert.ElementsMatch(t,
		[]models.Slot{models.SlotSummary, models.SlotKeywords, models.SlotThumbnail1, models.SlotThumbnail3},
		out.Succeeded())
	assert.Equal(t, []models.Slot{models.SlotThumbnail2}, out.Failed())
	assert.Equal(t, enricherr.KindEmbeddingFailed, enricherr.KindOf(out[models.SlotThumbnail2].Err))

	// The derived state for a persisted record of this shape is partial.
	var set models.EmbeddingSet
	for _, s := range out.Succeeded() {
		require.NoError(t, set.Set(s, out[s].Vector))
	}
	assert.Equal(t, models.StatePartial, models.DeriveState(true, set))
}

func TestGenerateNoOrphanThumbnailSlots(t *testing.T) {
	o := testOrchestrator(&fakeClient{}, 2)

	// Only ranks 1 and 2 selected: slot 3 must never be attempted.
	out := o.Generate(context.Background(), "clip-1", "s", "k", fullSelection()[:2])
	require.Len(t, out, 4)
	_, attempted := out[models.SlotThumbnail3]
	assert.False(t, attempted)
}

func TestGenerateKeywordOnly(t *testing.T) {
	o := testOrchestrator(&fakeClient{}, 2)

	out := o.Generate(context.Background(), "clip-1", "", "ingest keywords", nil)
	require.Len(t, out, 1)
	assert.Equal(t, []models.Slot{models.SlotKeywords}, out.Succeeded())
}

func TestGenerateSkipsEmptyArtifacts(t *testing.T) {
	o := testOrchestrator(&fakeClient{}, 2)
	out := o.Generate(context.Background(), "clip-1", "", "", nil)
	assert.Empty(t, out)
}

func TestGenerateRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	client := &countingClient{calls: &calls, failFirst: 2}
	o := testOrchestrator(client, 2)

	out := o.Generate(context.Background(), "clip-1", "summary", "", nil)
	require.Len(t, out, 1)
	assert.NoError(t, out[models.SlotSummary].Err)
	assert.Equal(t, int32(3), calls.Load())
}

type countingClient struct {
	calls     *atomic.Int32
	failFirst int32
}

func (c *countingClient) EmbedText(ctx context.Context, text string) ([]float32, error) {
	if c.calls.Add(1) <= c.failFirst {
		return nil, enricherr.New(enricherr.KindServiceError, "flaky")
	}
	return []float32{1}, nil
}

func (c *countingClient) EmbedImage(ctx context.Context, imagePath string) ([]float32, error) {
	return nil, fmt.Errorf("unexpected image call")
}

// The five-way fan-out must still respect the shared gate: with capacity 2,
// no more than two embedding calls may ever run at once.
func TestGenerateBoundedByGate(t *testing.T) {
	client := &fakeClient{latency: 10 * time.Millisecond}
	o := testOrchestrator(client, 2)

	out := o.Generate(context.Background(), "clip-1", "summary", "keywords", fullSelection())
	require.Len(t, out, 5)
	assert.LessOrEqual(t, client.peak.Load(), int64(2),
		"gate capacity must bound concurrent embedding calls")
}
