// Package motion scores frame-to-frame change and selects thumbnail
// candidate timestamps from the scored stream.
package motion

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"math"

	"clipenrich/internal/config"
	"clipenrich/internal/frame"
)

// Algorithm names accepted by NewScorer.
const (
	AlgorithmFrameDiff = "frame_diff"
	AlgorithmHistogram = "histogram"
)

// ScoredFrame tags a change score with the timestamp of the later frame of
// the pair that produced it. Scores are computed once and never revisited.
type ScoredFrame struct {
	Timestamp float64
	Score     float64
}

// Scorer computes a change score in [0,1] for consecutive frame pairs.
// Higher means more change.
type Scorer struct {
	cfg   config.MotionSettings
	score func(prev, next image.Image) float64
}

// NewScorer builds a scorer for the configured algorithm.
func NewScorer(cfg config.MotionSettings) (*Scorer, error) {
	s := &Scorer{cfg: cfg}
	switch cfg.Algorithm {
	case AlgorithmFrameDiff:
		s.score = s.frameDiff
	case AlgorithmHistogram:
		s.score = s.histogramDelta
	default:
		return nil, fmt.Errorf("unknown motion algorithm %q", cfg.Algorithm)
	}
	return s, nil
}

// Score returns the change score for one frame pair.
func (s *Scorer) Score(prev, next image.Image) float64 {
	return s.score(prev, next)
}

// ScoreStream consumes a frame source and returns one score per consecutive
// pair. A stream with fewer than two frames yields no scores.
func (s *Scorer) ScoreStream(ctx context.Context, src frame.Source) ([]ScoredFrame, error) {
	var scored []ScoredFrame

	prev, err := src.Next()
	if err != nil {
		if isEOF(err) {
			return nil, nil
		}
		return nil, err
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		next, err := src.Next()
		if err != nil {
			if isEOF(err) {
				return scored, nil
			}
			return nil, err
		}
		scored = append(scored, ScoredFrame{
			Timestamp: next.Timestamp,
			Score:     s.score(prev.Img, next.Img),
		})
		prev = next
	}
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF)
}

// frameDiff implements the default algorithm: grayscale both frames, smooth
// with a box filter to suppress sensor noise, take the absolute pixel-wise
// difference, binarize, and report the changed-pixel fraction. Without the
// smoothing pass raw sensor noise roughly doubles the difference signal, so
// the blur is not optional.
func (s *Scorer) frameDiff(prev, next image.Image) float64 {
	pw, ph := dims(prev)
	nw, nh := dims(next)
	w, h := min(pw, nw), min(ph, nh)
	if w == 0 || h == 0 {
		return 0
	}

	a := boxBlur(toGray(prev, w, h), w, h, s.cfg.BoxKernel)
	b := boxBlur(toGray(next, w, h), w, h, s.cfg.BoxKernel)

	threshold := int(s.cfg.DiffThreshold)
	changed := 0
	for i := range a {
		d := int(a[i]) - int(b[i])
		if d < 0 {
			d = -d
		}
		if d > threshold {
			changed++
		}
	}
	return float64(changed) / float64(len(a))
}

// histogramDelta implements the color-robust alternative: per-channel HSV
// histograms compared by Pearson correlation, score = 1 - mean correlation.
func (s *Scorer) histogramDelta(prev, next image.Image) float64 {
	hp, sp, vp := hsvHistograms(prev, s.cfg.HueBuckets, s.cfg.SatBuckets, s.cfg.ValBuckets)
	hn, sn, vn := hsvHistograms(next, s.cfg.HueBuckets, s.cfg.SatBuckets, s.cfg.ValBuckets)

	corr := (correlation(hp, hn) + correlation(sp, sn) + correlation(vp, vn)) / 3
	score := 1 - corr
	// Correlation of anti-correlated histograms can reach -1; clamp so the
	// score contract of [0,1] holds.
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score
}

func dims(img image.Image) (int, int) {
	b := img.Bounds()
	return b.Dx(), b.Dy()
}

// toGray converts the top-left w×h region to 8-bit luma.
func toGray(img image.Image, w, h int) []uint8 {
	b := img.Bounds()
	out := make([]uint8, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			// ITU-R BT.601 luma, 16-bit channels down to 8 bits.
			luma := (299*r + 587*g + 114*bl) / 1000
			out[y*w+x] = uint8(luma >> 8)
		}
	}
	return out
}

// boxBlur applies a k×k box filter with clamped edges, as two separable
// sliding-window passes.
func boxBlur(src []uint8, w, h, k int) []uint8 {
	if k <= 1 {
		return src
	}
	r := k / 2

	tmp := make([]uint16, w*h)
	for y := 0; y < h; y++ {
		row := y * w
		sum := 0
		for x := -r; x <= r; x++ {
			sum += int(src[row+clamp(x, w)])
		}
		for x := 0; x < w; x++ {
			tmp[row+x] = uint16(sum / k)
			sum += int(src[row+clamp(x+r+1, w)]) - int(src[row+clamp(x-r, w)])
		}
	}

	out := make([]uint8, w*h)
	for x := 0; x < w; x++ {
		sum := 0
		for y := -r; y <= r; y++ {
			sum += int(tmp[clamp(y, h)*w+x])
		}
		for y := 0; y < h; y++ {
			out[y*w+x] = uint8(sum / k)
			sum += int(tmp[clamp(y+r+1, h)*w+x]) - int(tmp[clamp(y-r, h)*w+x])
		}
	}
	return out
}

func clamp(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}

// hsvHistograms builds normalized per-channel histograms over the image.
func hsvHistograms(img image.Image, hb, sb, vb int) ([]float64, []float64, []float64) {
	hHist := make([]float64, hb)
	sHist := make([]float64, sb)
	vHist := make([]float64, vb)

	b := img.Bounds()
	n := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			hu, sa, va := rgbToHSV(float64(r)/65535, float64(g)/65535, float64(bl)/65535)
			hHist[bucket(hu/360, hb)]++
			sHist[bucket(sa, sb)]++
			vHist[bucket(va, vb)]++
			n++
		}
	}
	if n > 0 {
		for i := range hHist {
			hHist[i] /= float64(n)
		}
		for i := range sHist {
			sHist[i] /= float64(n)
		}
		for i := range vHist {
			vHist[i] /= float64(n)
		}
	}
	return hHist, sHist, vHist
}

func bucket(v float64, n int) int {
	i := int(v * float64(n))
	if i >= n {
		i = n - 1
	}
	if i < 0 {
		i = 0
	}
	return i
}

// rgbToHSV converts unit-range RGB to (hue degrees, saturation, value).
func rgbToHSV(r, g, b float64) (float64, float64, float64) {
	mx := math.Max(r, math.Max(g, b))
	mn := math.Min(r, math.Min(g, b))
	d := mx - mn

	var hue float64
	switch {
	case d == 0:
		hue = 0
	case mx == r:
		hue = 60 * math.Mod((g-b)/d, 6)
	case mx == g:
		hue = 60 * ((b-r)/d + 2)
	default:
		hue = 60 * ((r-g)/d + 4)
	}
	if hue < 0 {
		hue += 360
	}

	var sat float64
	if mx > 0 {
		sat = d / mx
	}
	return hue, sat, mx
}

// correlation computes the Pearson correlation coefficient of two equal
// length histograms. Two zero-variance histograms correlate perfectly.
func correlation(a, b []float64) float64 {
	n := float64(len(a))
	if n == 0 {
		return 1
	}

	var meanA, meanB float64
	for i := range a {
		meanA += a[i]
		meanB += b[i]
	}
	meanA /= n
	meanB /= n

	var num, varA, varB float64
	for i := range a {
		da, db := a[i]-meanA, b[i]-meanB
		num += da * db
		varA += da * da
		varB += db * db
	}
	if varA == 0 && varB == 0 {
		return 1
	}
	if varA == 0 || varB == 0 {
		return 0
	}
	return num / math.Sqrt(varA*varB)
}
