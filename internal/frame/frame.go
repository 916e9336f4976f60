// Package frame is the video decode boundary. The enrichment core consumes
// decoded frames through the Source interface; the default implementation
// shells out to ffmpeg and reads an MJPEG stream from its stdout, so no
// intermediate frame files are written.
package frame

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// Frame is one decoded video frame tagged with its clip-relative timestamp.
type Frame struct {
	Index     int
	Timestamp float64 // seconds from clip start
	Img       image.Image
}

// Source yields decoded frames in presentation order. It is finite and
// forward-only: a consumed stream can only be restarted by reopening the
// clip. Next returns io.EOF after the final frame.
type Source interface {
	Next() (Frame, error)
	Close() error
}

// Opener opens a decoded frame stream for a clip file at the given sample
// rate. Implemented by FFmpeg; faked in tests.
type Opener interface {
	Open(ctx context.Context, path string, fps float64) (Source, error)
}

// Snapshotter extracts a single still image at a timestamp. Thumbnail file
// encoding itself is ffmpeg's job, not the core's.
type Snapshotter interface {
	Snapshot(ctx context.Context, videoPath string, timestamp float64, outPath string) error
}

// FFmpeg decodes clips with the ffmpeg and ffprobe binaries.
type FFmpeg struct {
	// Binary overrides the ffmpeg executable name, default "ffmpeg".
	Binary string
	// ProbeBinary overrides the ffprobe executable name, default "ffprobe".
	ProbeBinary string
}

func (f *FFmpeg) binary() string {
	if f.Binary != "" {
		return f.Binary
	}
	return "ffmpeg"
}

func (f *FFmpeg) probeBinary() string {
	if f.ProbeBinary != "" {
		return f.ProbeBinary
	}
	return "ffprobe"
}

// Open starts an ffmpeg process sampling the clip at fps frames per second
// and returns a Source over its MJPEG output.
func (f *FFmpeg) Open(ctx context.Context, path string, fps float64) (Source, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("video file not readable at '%s': %w", path, err)
	}
	if fps <= 0 {
		fps = 1
	}

	cmd := exec.CommandContext(ctx, f.binary(),
		"-i", path,
		"-vf", fmt.Sprintf("fps=%g", fps),
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-",
	)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting ffmpeg for '%s': %w", path, err)
	}

	return &ffmpegSource{
		cmd:     cmd,
		scanner: NewMJPEGScanner(stdout),
		fps:     fps,
	}, nil
}

// Snapshot writes the frame nearest to timestamp as a JPEG file.
func (f *FFmpeg) Snapshot(ctx context.Context, videoPath string, timestamp float64, outPath string) error {
	cmd := exec.CommandContext(ctx, f.binary(),
		"-ss", fmt.Sprintf("%.3f", timestamp),
		"-i", videoPath,
		"-vframes", "1",
		"-q:v", "2",
		"-y",
		outPath,
	)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ffmpeg snapshot at %.3fs failed: %w\n%s", timestamp, err, string(output))
	}
	return nil
}

// ProbeDuration returns the clip duration in seconds via ffprobe.
func (f *FFmpeg) ProbeDuration(ctx context.Context, videoPath string) (float64, error) {
	cmd := exec.CommandContext(ctx, f.probeBinary(),
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		videoPath,
	)
	output, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe failed for '%s': %w", videoPath, err)
	}
	dur, err := strconv.ParseFloat(strings.TrimSpace(string(output)), 64)
	if err != nil {
		return 0, fmt.Errorf("parsing ffprobe duration %q: %w", string(output), err)
	}
	return dur, nil
}

type ffmpegSource struct {
	cmd     *exec.Cmd
	scanner *MJPEGScanner
	fps     float64
	index   int
	closed  bool
}

func (s *ffmpegSource) Next() (Frame, error) {
	img, err := s.scanner.Next()
	if err != nil {
		return Frame{}, err
	}
	f := Frame{
		Index:     s.index,
		Timestamp: float64(s.index) / s.fps,
		Img:       img,
	}
	s.index++
	return f, nil
}

func (s *ffmpegSource) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	// Drain is not needed; killing the process closes the pipe.
	_ = s.cmd.Process.Kill()
	_ = s.cmd.Wait()
	return nil
}

// MJPEGScanner splits a concatenated JPEG stream into decoded images. ffmpeg
// image2pipe output is exactly such a stream: each frame is one JPEG bounded
// by SOI (ffd8) and EOI (ffd9) markers.
type MJPEGScanner struct {
	r *bufio.Reader
}

func NewMJPEGScanner(r io.Reader) *MJPEGScanner {
	return &MJPEGScanner{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next decodes the next JPEG in the stream or returns io.EOF.
func (m *MJPEGScanner) Next() (image.Image, error) {
	data, err := m.nextSegment()
	if err != nil {
		return nil, err
	}
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding frame jpeg: %w", err)
	}
	return img, nil
}

func (m *MJPEGScanner) nextSegment() ([]byte, error) {
	// Seek the SOI marker.
	for {
		b, err := m.r.ReadByte()
		if err != nil {
			return nil, io.EOF
		}
		if b != 0xff {
			continue
		}
		nxt, err := m.r.ReadByte()
		if err != nil {
			return nil, io.EOF
		}
		if nxt == 0xd8 {
			break
		}
	}

	seg := []byte{0xff, 0xd8}
	for {
		b, err := m.r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("truncated jpeg frame: %w", err)
		}
		seg = append(seg, b)
		if b == 0xff {
			nxt, err := m.r.ReadByte()
			if err != nil {
				return nil, fmt.Errorf("truncated jpeg frame: %w", err)
			}
			seg = append(seg, nxt)
			if nxt == 0xd9 {
				return seg, nil
			}
		}
	}
}
