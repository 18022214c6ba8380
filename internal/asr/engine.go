package asr

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
)

// InferenceError reports a speech recognition failure for one segment.
type InferenceError struct {
	Message string `json:"message"`
	Stderr  string `json:"stderr,omitempty"`
	Err     error  `json:"-"`
}

// Error formats inference failures for logs.
func (e *InferenceError) Error() string {
	if e == nil {
		return ""
	}
	if e.Stderr == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (stderr: %s)", e.Message, strings.TrimSpace(e.Stderr))
}

// Unwrap exposes the underlying error for errors.Is / errors.As.
func (e *InferenceError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// commandResult is an internal process execution response.
type commandResult struct {
	Stdout   string
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
		Stdout:   stdout.String(),
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

// Engine transcribes audio segments through the whisper.cpp CLI. The
// underlying model is single-instance and non-reentrant, so a mutex
// serializes every invocation process-wide.
type Engine struct {
	whisperPath string
	modelPath   string
	language    string
	sampleRate  int
	runner      commandRunner
	mkdirTemp   func(dir, pattern string) (string, error)
	removeAll   func(path string) error
	readFile    func(name string) ([]byte, error)
	writeFile   func(name string, data []byte, perm os.FileMode) error

	mu sync.Mutex
}

// NewEngine constructs the production engine for a local model file.
func NewEngine(whisperPath, modelPath, language string, sampleRate int) *Engine {
	return &Engine{
		whisperPath: whisperPath,
		modelPath:   modelPath,
		language:    language,
		sampleRate:  sampleRate,
		runner:      &execRunner{},
		mkdirTemp:   os.MkdirTemp,
		removeAll:   os.RemoveAll,
		readFile:    os.ReadFile,
		writeFile:   os.WriteFile,
	}
}

// Transcribe converts one segment's samples to text. The samples are
// written as a 16-bit PCM WAV file because whisper.cpp consumes files,
// not raw streams.
func (e *Engine) Transcribe(ctx context.Context, samples []float32) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(samples) == 0 {
		return "", nil
	}

	tempDir, err := e.mkdirTemp("", "subit-asr-*")
	if err != nil {
		return "", &InferenceError{Message: "create temporary workspace", Err: err}
	}
	defer func() {
		_ = e.removeAll(tempDir)
	}()

	wavPath := filepath.Join(tempDir, "segment.wav")
	if err := e.writeFile(wavPath, encodeWAV(samples, e.sampleRate), 0o644); err != nil {
		return "", &InferenceError{Message: "write segment audio", Err: err}
	}

	textBase := filepath.Join(tempDir, "segment")
	args := buildWhisperArgs(e.modelPath, wavPath, textBase, e.language)

	result, err := e.runner.Run(ctx, e.whisperPath, args...)
	if err != nil {
		return "", &InferenceError{
			Message: fmt.Sprintf("whisper.cpp exited with code %d", result.ExitCode),
			Stderr:  result.Stderr,
			Err:     err,
		}
	}

	content, err := e.readFile(textBase + ".txt")
	if err != nil {
		return "", &InferenceError{
			Message: "whisper.cpp completed but transcript .txt file is missing",
			Stderr:  result.Stderr,
			Err:     err,
		}
	}

	return strings.TrimSpace(string(content)), nil
}

// normalizeLanguage maps "auto" and empty language to no CLI override.
func normalizeLanguage(raw string) string {
	lang := strings.TrimSpace(raw)
	if lang == "" || strings.EqualFold(lang, "auto") {
		return ""
	}
	return lang
}

// buildWhisperArgs builds whisper.cpp args for txt transcript export.
func buildWhisperArgs(modelPath, audioPath, textBase, language string) []string {
	args := []string{
		"-m", modelPath,
		"-f", audioPath,
		"-of", textBase,
		"-otxt",
		"-nt",
	}

	if lang := normalizeLanguage(language); lang != "" {
		args = append(args, "-l", lang)
	}

	return args
}

// encodeWAV renders samples as a mono 16-bit PCM RIFF/WAVE file.
func encodeWAV(samples []float32, sampleRate int) []byte {
	dataSize := len(samples) * 2
	buf := make([]byte, 44+dataSize)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)                      // fmt chunk size
	binary.LittleEndian.PutUint16(buf[20:22], 1)                       // PCM
	binary.LittleEndian.PutUint16(buf[22:24], 1)                       // mono
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))      // sample rate
	binary.LittleEndian.PutUint32(buf[28:32], uint32(sampleRate*2))    // byte rate
	binary.LittleEndian.PutUint16(buf[32:34], 2)                       // block align
	binary.LittleEndian.PutUint16(buf[34:36], 16)                      // bits per sample
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))

	for i, sample := range samples {
		binary.LittleEndian.PutUint16(buf[44+i*2:], uint16(clampToInt16(sample)))
	}
	return buf
}

// clampToInt16 converts a normalized float sample to 16-bit PCM.
func clampToInt16(sample float32) int16 {
	if sample > 1 {
		sample = 1
	}
	if sample < -1 {
		sample = -1
	}
	return int16(sample * 32767)
}

// NewEngineForTests constructs an engine with injectable dependencies.
func NewEngineForTests(
	whisperPath string,
	modelPath string,
	language string,
	sampleRate int,
	runner commandRunner,
) *Engine {
	return &Engine{
		whisperPath: whisperPath,
		modelPath:   modelPath,
		language:    language,
		sampleRate:  sampleRate,
		runner:      runner,
		mkdirTemp:   os.MkdirTemp,
		removeAll:   os.RemoveAll,
		readFile:    os.ReadFile,
		writeFile:   os.WriteFile,
	}
}
