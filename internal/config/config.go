// Package config loads pipeline settings from an optional YAML file plus
// CLIPENRICH_* environment overrides, with every knob defaulted so the
// binary runs with no file at all. Optional capabilities (the local Ollama
// analysis provider) are resolved here once, into plain booleans, rather
// than probed at call sites.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Settings is the full pipeline configuration tree.
type Settings struct {
	Motion     MotionSettings     `mapstructure:"motion"`
	Candidates CandidateSettings  `mapstructure:"candidates"`
	Analysis   AnalysisSettings   `mapstructure:"analysis"`
	Embedding  EmbeddingSettings  `mapstructure:"embedding"`
	Gate       GateSettings       `mapstructure:"gate"`
	Pipeline   PipelineSettings   `mapstructure:"pipeline"`
	Storage    StorageSettings    `mapstructure:"storage"`
}

// MotionSettings selects and tunes the frame change scorer.
type MotionSettings struct {
	// Algorithm is "frame_diff" (default, cheapest) or "histogram"
	// (more robust to lighting shifts at comparable cost).
	Algorithm     string  `mapstructure:"algorithm"`
	BoxKernel     int     `mapstructure:"box_kernel"`     // smoothing kernel size, odd
	DiffThreshold uint8   `mapstructure:"diff_threshold"` // binarization cutoff, 0..255
	HueBuckets    int     `mapstructure:"hue_buckets"`
	SatBuckets    int     `mapstructure:"sat_buckets"`
	ValBuckets    int     `mapstructure:"val_buckets"`
	FPS           float64 `mapstructure:"fps"` // decoded frames per second fed to the scorer
}

// CandidateSettings tunes thumbnail candidate selection.
type CandidateSettings struct {
	Count          int     `mapstructure:"count"`
	MinSpacing     float64 `mapstructure:"min_spacing"` // seconds between picks
	ScoreThreshold float64 `mapstructure:"score_threshold"`
}

// AnalysisSettings configures the multimodal analysis client.
type AnalysisSettings struct {
	BaseURL          string        `mapstructure:"base_url"`
	APIKey           string        `mapstructure:"api_key"`
	Model            string        `mapstructure:"model"`
	Timeout          time.Duration `mapstructure:"timeout"`
	MaxRetries       int           `mapstructure:"max_retries"`
	Backoff          time.Duration `mapstructure:"backoff"`
	InlineLimitBytes int64         `mapstructure:"inline_limit_bytes"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	PollMaxAttempts  int           `mapstructure:"poll_max_attempts"`

	// Local switches analysis to the on-host Ollama vision model. Resolved
	// once at load; callers branch on this flag, never on import success.
	Local       bool   `mapstructure:"local"`
	OllamaURL   string `mapstructure:"ollama_url"`
	OllamaPort  int    `mapstructure:"ollama_port"`
	OllamaModel string `mapstructure:"ollama_model"`
}

// EmbeddingSettings configures the embedding client.
type EmbeddingSettings struct {
	BaseURL    string        `mapstructure:"base_url"`
	APIKey     string        `mapstructure:"api_key"`
	Model      string        `mapstructure:"model"`
	Dimension  int           `mapstructure:"dimension"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
	Backoff    time.Duration `mapstructure:"backoff"`
}

// GateSettings configures the shared external-call admission gate.
type GateSettings struct {
	Capacity int `mapstructure:"capacity"`
}

// PipelineSettings configures clip-level scheduling. Workers governs
// parallelism of the non-network stages; network concurrency is governed
// solely by the gate capacity.
type PipelineSettings struct {
	Workers  int    `mapstructure:"workers"`
	ThumbDir string `mapstructure:"thumb_dir"`
}

// StorageSettings selects the clip record store.
type StorageSettings struct {
	Driver   string `mapstructure:"driver"` // "postgres" or "memory"
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("motion.algorithm", "frame_diff")
	v.SetDefault("motion.box_kernel", 5)
	v.SetDefault("motion.diff_threshold", 20)
	v.SetDefault("motion.hue_buckets", 50)
	v.SetDefault("motion.sat_buckets", 60)
	v.SetDefault("motion.val_buckets", 60)
	v.SetDefault("motion.fps", 1.0)

	v.SetDefault("candidates.count", 3)
	v.SetDefault("candidates.min_spacing", 2.0)
	v.SetDefault("candidates.score_threshold", 0.1)

	v.SetDefault("analysis.base_url", "http://localhost:8080")
	v.SetDefault("analysis.model", "multimodal-default")
	v.SetDefault("analysis.timeout", 30*time.Second)
	v.SetDefault("analysis.max_retries", 2)
	v.SetDefault("analysis.backoff", time.Second)
	v.SetDefault("analysis.inline_limit_bytes", int64(20*1024*1024))
	v.SetDefault("analysis.poll_interval", 2*time.Second)
	v.SetDefault("analysis.poll_max_attempts", 30)
	v.SetDefault("analysis.local", false)
	v.SetDefault("analysis.ollama_url", "http://localhost")
	v.SetDefault("analysis.ollama_port", 11434)
	v.SetDefault("analysis.ollama_model", "llama3.2-vision:11b")

	v.SetDefault("embedding.base_url", "http://localhost:8081")
	v.SetDefault("embedding.model", "embed-default")
	v.SetDefault("embedding.dimension", 768)
	v.SetDefault("embedding.timeout", 30*time.Second)
	v.SetDefault("embedding.max_retries", 2)
	v.SetDefault("embedding.backoff", time.Second)

	v.SetDefault("gate.capacity", 2)

	v.SetDefault("pipeline.workers", 4)
	v.SetDefault("pipeline.thumb_dir", "thumbs")

	v.SetDefault("storage.driver", "memory")
	v.SetDefault("storage.host", "localhost")
	v.SetDefault("storage.port", "5432")
	v.SetDefault("storage.user", "clipenrich")
	v.SetDefault("storage.password", "")
	v.SetDefault("storage.dbname", "clipenrich")
}

// Load reads settings from path (optional, "" skips the file) and the
// environment, validates them and returns the resolved tree.
func Load(path string) (*Settings, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CLIPENRICH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate rejects settings the pipeline cannot run with.
func (s *Settings) Validate() error {
	switch s.Motion.Algorithm {
	case "frame_diff", "histogram":
	default:
		return fmt.Errorf("motion.algorithm %q: want frame_diff or histogram", s.Motion.Algorithm)
	}
	if s.Motion.BoxKernel < 1 || s.Motion.BoxKernel%2 == 0 {
		return fmt.Errorf("motion.box_kernel %d: must be a positive odd number", s.Motion.BoxKernel)
	}
	if s.Motion.FPS <= 0 {
		return fmt.Errorf("motion.fps %v: must be positive", s.Motion.FPS)
	}
	if s.Candidates.Count < 1 || s.Candidates.Count > 3 {
		return fmt.Errorf("candidates.count %d: must be 1..3", s.Candidates.Count)
	}
	if s.Candidates.MinSpacing < 0 {
		return fmt.Errorf("candidates.min_spacing must not be negative")
	}
	if s.Gate.Capacity < 1 {
		return fmt.Errorf("gate.capacity %d: must be at least 1", s.Gate.Capacity)
	}
	if s.Pipeline.Workers < 1 {
		return fmt.Errorf("pipeline.workers %d: must be at least 1", s.Pipeline.Workers)
	}
	if s.Embedding.Dimension < 1 {
		return fmt.Errorf("embedding.dimension %d: must be positive", s.Embedding.Dimension)
	}
	switch s.Storage.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("storage.driver %q: want postgres or memory", s.Storage.Driver)
	}
	return nil
}
