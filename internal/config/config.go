package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds runtime settings for the transcription service. Values are
// read from the environment, optionally seeded from a .env file.
type Config struct {
	ListenAddr     string
	UploadDir      string
	WhisperPath    string
	ModelPath      string
	Language       string
	SegmentSeconds float64
	SampleRate     int
	MaxUploadBytes int64
	DrainTimeout   time.Duration
	EventBuffer    int
}

func Load() (*Config, error) {
	// Missing .env is fine; the environment alone is authoritative.
	_ = godotenv.Load()

	cfg := &Config{
		ListenAddr:  getEnv("SUBIT_LISTEN_ADDR", ":8080"),
		UploadDir:   getEnv("SUBIT_UPLOAD_DIR", "uploads"),
		WhisperPath: getEnv("SUBIT_WHISPER_PATH", "whisper.cpp"),
		ModelPath:   getEnv("SUBIT_MODEL_PATH", "models/ggml-base.bin"),
		Language:    getEnv("SUBIT_LANGUAGE", "auto"),
	}

	var err error
	cfg.SegmentSeconds, err = getEnvFloat("SUBIT_SEGMENT_SECONDS", 10)
	if err != nil {
		return nil, fmt.Errorf("SUBIT_SEGMENT_SECONDS: %w", err)
	}
	if cfg.SegmentSeconds <= 0 {
		return nil, errors.New("SUBIT_SEGMENT_SECONDS must be > 0")
	}

	cfg.SampleRate, err = getEnvInt("SUBIT_SAMPLE_RATE", 16000)
	if err != nil {
		return nil, fmt.Errorf("SUBIT_SAMPLE_RATE: %w", err)
	}
	if cfg.SampleRate < 8000 {
		return nil, errors.New("SUBIT_SAMPLE_RATE must be >= 8000")
	}

	maxUploadMB, err := getEnvInt("SUBIT_MAX_UPLOAD_MB", 500)
	if err != nil {
		return nil, fmt.Errorf("SUBIT_MAX_UPLOAD_MB: %w", err)
	}
	if maxUploadMB < 1 {
		return nil, errors.New("SUBIT_MAX_UPLOAD_MB must be > 0")
	}
	cfg.MaxUploadBytes = int64(maxUploadMB) * 1024 * 1024

	drainSeconds, err := getEnvInt("SUBIT_DRAIN_TIMEOUT_SECONDS", 10)
	if err != nil {
		return nil, fmt.Errorf("SUBIT_DRAIN_TIMEOUT_SECONDS: %w", err)
	}
	if drainSeconds < 1 {
		return nil, errors.New("SUBIT_DRAIN_TIMEOUT_SECONDS must be > 0")
	}
	cfg.DrainTimeout = time.Duration(drainSeconds) * time.Second

	cfg.EventBuffer, err = getEnvInt("SUBIT_EVENT_BUFFER", 1000)
	if err != nil {
		return nil, fmt.Errorf("SUBIT_EVENT_BUFFER: %w", err)
	}
	if cfg.EventBuffer < 1 {
		return nil, errors.New("SUBIT_EVENT_BUFFER must be > 0")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q", v)
	}
	return n, nil
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", v)
	}
	return f, nil
}
