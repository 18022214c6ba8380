package media

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"

	"subit/internal/domain"
)

const bytesPerSample = 4 // pcm_f32le

// MediaError reports an audio extraction failure with command context.
type MediaError struct {
	Op     string `json:"op"`
	Path   string `json:"path"`
	Stderr string `json:"stderr,omitempty"`
	Err    error  `json:"-"`
}

// Error formats extraction failures for logs.
func (e *MediaError) Error() string {
	if e == nil {
		return ""
	}
	if e.Stderr == "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("%s %s: %v (stderr: %s)", e.Op, e.Path, e.Err, strings.TrimSpace(e.Stderr))
}

// Unwrap exposes the underlying error for errors.Is / errors.As.
func (e *MediaError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// commandResult is an internal process execution response. Stdout is kept
// as raw bytes because segment extraction streams binary PCM.
type commandResult struct {
	Stdout   []byte
	Stderr   string
	ExitCode int
}

// commandRunner abstracts process execution for testability.
type commandRunner interface {
	Run(ctx context.Context, name string, args ...string) (commandResult, error)
}

// execRunner executes commands via os/exec.
type execRunner struct{}

// Run executes one command and captures stdout/stderr and exit code.
func (r *execRunner) Run(ctx context.Context, name string, args ...string) (commandResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := commandResult{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.String(),
		ExitCode: 0,
	}
	if err != nil {
		result.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		}
		return result, err
	}

	return result, nil
}

// Extractor probes media duration with ffprobe and extracts segment audio
// with ffmpeg as mono float32 PCM at a fixed sample rate.
type Extractor struct {
	ffmpegPath  string
	ffprobePath string
	sampleRate  int
	runner      commandRunner
}

// NewExtractor constructs the production extractor.
func NewExtractor(sampleRate int) *Extractor {
	return &Extractor{
		ffmpegPath:  "ffmpeg",
		ffprobePath: "ffprobe",
		sampleRate:  sampleRate,
		runner:      &execRunner{},
	}
}

// Open probes the media file and returns a segment-addressable source.
func (e *Extractor) Open(ctx context.Context, path string) (*FileSource, error) {
	duration, err := e.probeDuration(ctx, path)
	if err != nil {
		return nil, err
	}

	return &FileSource{
		extractor: e,
		path:      path,
		duration:  duration,
	}, nil
}

// probeDuration reads the container duration in seconds via ffprobe.
func (e *Extractor) probeDuration(ctx context.Context, path string) (float64, error) {
	args := []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	}

	result, err := e.runner.Run(ctx, e.ffprobePath, args...)
	if err != nil {
		return 0, &MediaError{Op: "probe duration", Path: path, Stderr: result.Stderr, Err: err}
	}

	raw := strings.TrimSpace(string(result.Stdout))
	duration, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, &MediaError{
			Op:   "probe duration",
			Path: path,
			Err:  fmt.Errorf("unparsable ffprobe output %q: %w", raw, err),
		}
	}
	return duration, nil
}

// FileSource addresses one media file's audio track by planned segment.
type FileSource struct {
	extractor *Extractor
	path      string
	duration  float64
}

// Path returns the underlying media file path.
func (s *FileSource) Path() string {
	return s.path
}

// Duration returns the probed total duration in seconds.
func (s *FileSource) Duration() float64 {
	return s.duration
}

// ReadSegment extracts one segment's samples. ffmpeg decodes only the
// requested time window and streams raw float32 PCM to stdout.
func (s *FileSource) ReadSegment(ctx context.Context, seg domain.Segment) ([]float32, error) {
	args := buildSegmentArgs(s.path, seg, s.extractor.sampleRate)

	result, err := s.extractor.runner.Run(ctx, s.extractor.ffmpegPath, args...)
	if err != nil {
		return nil, &MediaError{
			Op:     fmt.Sprintf("extract segment %d", seg.Index),
			Path:   s.path,
			Stderr: result.Stderr,
			Err:    err,
		}
	}

	return decodeSamples(result.Stdout), nil
}

// buildSegmentArgs builds the ffmpeg command for one time window. Seeking
// happens before the input so ffmpeg skips decoding earlier audio.
func buildSegmentArgs(path string, seg domain.Segment, sampleRate int) []string {
	return []string{
		"-hide_banner",
		"-nostdin",
		"-ss", formatSeconds(seg.Start),
		"-t", formatSeconds(seg.End - seg.Start),
		"-i", path,
		"-vn",
		"-sn",
		"-dn",
		"-ac", "1",
		"-ar", strconv.Itoa(sampleRate),
		"-acodec", "pcm_f32le",
		"-f", "f32le",
		"-",
	}
}

// formatSeconds renders a time offset with millisecond precision.
func formatSeconds(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}

// decodeSamples converts little-endian float32 PCM bytes to samples. A
// trailing partial sample is discarded.
func decodeSamples(data []byte) []float32 {
	count := len(data) / bytesPerSample
	samples := make([]float32, count)
	for i := 0; i < count; i++ {
		bits := binary.LittleEndian.Uint32(data[i*bytesPerSample:])
		samples[i] = math.Float32frombits(bits)
	}
	return samples
}

// NewExtractorForTests constructs an extractor with an injected runner.
func NewExtractorForTests(ffmpegPath, ffprobePath string, sampleRate int, runner commandRunner) *Extractor {
	return &Extractor{
		ffmpegPath:  ffmpegPath,
		ffprobePath: ffprobePath,
		sampleRate:  sampleRate,
		runner:      runner,
	}
}
