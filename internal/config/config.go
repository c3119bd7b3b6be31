package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hpungsan/upbeat/internal/generate"
	"github.com/hpungsan/upbeat/internal/model"
	"github.com/hpungsan/upbeat/internal/service"
	"github.com/hpungsan/upbeat/internal/train"
)

// Config holds application configuration.
type Config struct {
	// BaselinePath is the baseline checkpoint directory.
	// Relative paths are resolved against the base dir (~/.upbeat).
	BaselinePath string `json:"baseline_path,omitempty"`

	// CheckpointPath is where fine-tuned checkpoints are saved and, when
	// present, loaded from at startup in preference to the baseline.
	CheckpointPath string `json:"checkpoint_path,omitempty"`

	// MaxLength caps encoded input and target length in characters.
	MaxLength int `json:"max_length"`

	// ModelDim and FFDim size a newly initialised baseline.
	ModelDim int `json:"model_dim"`
	FFDim    int `json:"ff_dim"`

	// Training.
	Epochs       int     `json:"epochs"`
	LearningRate float64 `json:"learning_rate"`
	BatchSize    int     `json:"batch_size"`
	WeightDecay  float64 `json:"weight_decay,omitempty"`
	// Seed drives weight initialisation, shuffling and sampling.
	// Negative means nondeterministic. Zero keeps the default.
	Seed int64 `json:"seed,omitempty"`
	// MaxExamples caps the corpus after filtering. 0 means no cap.
	MaxExamples int `json:"max_examples,omitempty"`
	// FoldAccents keeps base letters of accented characters ("café" -> "cafe")
	// instead of dropping them. Applies to training and inference alike.
	FoldAccents bool `json:"fold_accents,omitempty"`

	// Generation.
	DecodeMode        string  `json:"decode_mode"` // "beam" or "sample"
	BeamWidth         int     `json:"beam_width"`
	Temperature       float64 `json:"temperature"`
	TopK              int     `json:"top_k"`
	MaxOutputLength   int     `json:"max_output_length"`
	StepBudget        int     `json:"step_budget"`
	GenerationTimeout string  `json:"generation_timeout"` // Go duration, e.g. "10s"
	MaxConcurrent     int     `json:"max_concurrent"`

	// Web server.
	WebAddr           string `json:"web_addr"`
	WebUsername       string `json:"web_username,omitempty"`
	WebPasswordSHA256 string `json:"web_password_sha256,omitempty"` // hex

	// DBMaxOpenConns limits the maximum number of open database connections.
	// If set to 1, all database access is serialized (reduces "database is locked" errors).
	// 0 means use sql.DB default (unlimited). Only set if you experience contention.
	DBMaxOpenConns int `json:"db_max_open_conns,omitempty"`

	// DBMaxIdleConns limits the maximum number of idle database connections.
	// 0 means use sql.DB default. Typically set equal to DBMaxOpenConns.
	DBMaxIdleConns int `json:"db_max_idle_conns,omitempty"`

	// DisabledTools is a list of MCP tool names to exclude from registration.
	// Unknown tool names are logged as warnings.
	DisabledTools []string `json:"disabled_tools,omitempty"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		BaselinePath:      filepath.Join("models", "baseline"),
		CheckpointPath:    filepath.Join("models", "fine-tuned"),
		MaxLength:         64,
		ModelDim:          16,
		FFDim:             32,
		Epochs:            3,
		LearningRate:      0.01,
		BatchSize:         4,
		Seed:              42,
		DecodeMode:        string(generate.ModeBeam),
		BeamWidth:         5,
		Temperature:       0.8,
		TopK:              50,
		MaxOutputLength:   64,
		StepBudget:        4096,
		GenerationTimeout: "10s",
		MaxConcurrent:     4,
		WebAddr:           "127.0.0.1:8080",
	}
}

// Load loads configuration from baseDir/config.json.
// Returns default config if the file doesn't exist.
// The baseDir parameter allows tests to use t.TempDir() instead of ~/.upbeat.
func Load(baseDir string) (*Config, error) {
	return loadFile(filepath.Join(baseDir, "config.json"))
}

// LoadWithRepo loads configuration from both global (~/.upbeat) and repo (.upbeat) directories.
// Repo config is found by walking upward from startDir to find the nearest .upbeat/config.json.
// Repo config takes precedence for scalar values; arrays are merged (deduplicated).
// Either or both configs may be missing.
func LoadWithRepo(globalDir, startDir string) (*Config, error) {
	global, err := loadFileRaw(filepath.Join(globalDir, "config.json"))
	if err != nil {
		return nil, err
	}

	repo, err := loadFileRaw(FindRepoConfig(startDir))
	if err != nil {
		return nil, err
	}

	// Apply defaults, then global, then repo
	return Merge(Merge(DefaultConfig(), global), repo), nil
}

// FindRepoConfig walks upward from startDir to find the nearest .upbeat/config.json.
// Returns the path if found, or empty string if not found.
func FindRepoConfig(startDir string) string {
	dir := startDir
	for {
		configPath := filepath.Join(dir, ".upbeat", "config.json")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// loadFileRaw loads configuration from a specific file path.
// Returns zero-valued config if the file doesn't exist (not defaults).
func loadFileRaw(configPath string) (*Config, error) {
	if configPath == "" {
		return &Config{}, nil
	}
	data, err := os.ReadFile(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Config{}, nil
		}
		return nil, err
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", configPath, err)
	}
	return cfg, nil
}

// loadFile loads configuration from a specific file path.
// Returns default config if the file doesn't exist.
func loadFile(configPath string) (*Config, error) {
	cfg, err := loadFileRaw(configPath)
	if err != nil {
		return nil, err
	}
	return Merge(DefaultConfig(), cfg), nil
}

// Merge combines base and overlay configs.
// Overlay values take precedence for scalars; arrays are merged and deduplicated.
func Merge(base, overlay *Config) *Config {
	return &Config{
		BaselinePath:      pick(base.BaselinePath, overlay.BaselinePath),
		CheckpointPath:    pick(base.CheckpointPath, overlay.CheckpointPath),
		MaxLength:         pick(base.MaxLength, overlay.MaxLength),
		ModelDim:          pick(base.ModelDim, overlay.ModelDim),
		FFDim:             pick(base.FFDim, overlay.FFDim),
		Epochs:            pick(base.Epochs, overlay.Epochs),
		LearningRate:      pick(base.LearningRate, overlay.LearningRate),
		BatchSize:         pick(base.BatchSize, overlay.BatchSize),
		WeightDecay:       pick(base.WeightDecay, overlay.WeightDecay),
		Seed:              pick(base.Seed, overlay.Seed),
		MaxExamples:       pick(base.MaxExamples, overlay.MaxExamples),
		DecodeMode:        pick(base.DecodeMode, overlay.DecodeMode),
		BeamWidth:         pick(base.BeamWidth, overlay.BeamWidth),
		Temperature:       pick(base.Temperature, overlay.Temperature),
		TopK:              pick(base.TopK, overlay.TopK),
		MaxOutputLength:   pick(base.MaxOutputLength, overlay.MaxOutputLength),
		StepBudget:        pick(base.StepBudget, overlay.StepBudget),
		GenerationTimeout: pick(base.GenerationTimeout, overlay.GenerationTimeout),
		MaxConcurrent:     pick(base.MaxConcurrent, overlay.MaxConcurrent),
		WebAddr:           pick(base.WebAddr, overlay.WebAddr),
		WebUsername:       pick(base.WebUsername, overlay.WebUsername),
		WebPasswordSHA256: pick(base.WebPasswordSHA256, overlay.WebPasswordSHA256),
		DBMaxOpenConns:    pick(base.DBMaxOpenConns, overlay.DBMaxOpenConns),
		DBMaxIdleConns:    pick(base.DBMaxIdleConns, overlay.DBMaxIdleConns),

		// Booleans: overlay wins if true, else base
		FoldAccents: base.FoldAccents || overlay.FoldAccents,

		DisabledTools: mergeStringSlice(base.DisabledTools, overlay.DisabledTools),
	}
}

// pick returns overlay if non-zero, else base.
func pick[T comparable](base, overlay T) T {
	var zero T
	if overlay != zero {
		return overlay
	}
	return base
}

// mergeStringSlice combines two slices, trims whitespace, and removes duplicates.
func mergeStringSlice(a, b []string) []string {
	seen := make(map[string]bool)
	result := make([]string, 0, len(a)+len(b))

	for _, list := range [][]string{a, b} {
		for _, s := range list {
			s = strings.TrimSpace(s)
			if s != "" && !seen[s] {
				seen[s] = true
				result = append(result, s)
			}
		}
	}

	if len(result) == 0 {
		return nil
	}
	return result
}

// Timeout parses GenerationTimeout. An empty value means no timeout.
func (c *Config) Timeout() (time.Duration, error) {
	if c.GenerationTimeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.GenerationTimeout)
	if err != nil {
		return 0, fmt.Errorf("generation_timeout: %w", err)
	}
	if d < 0 {
		return 0, fmt.Errorf("generation_timeout must not be negative")
	}
	return d, nil
}

// ResolvePath resolves a configured path against baseDir unless absolute.
func ResolvePath(baseDir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(baseDir, p)
}

// Train returns the training hyper-parameters.
func (c *Config) Train() train.Config {
	return train.Config{
		Epochs:       c.Epochs,
		LearningRate: c.LearningRate,
		BatchSize:    c.BatchSize,
		WeightDecay:  c.WeightDecay,
		Seed:         c.Seed,
	}
}

// Generate returns the decoding parameters.
func (c *Config) Generate() generate.Config {
	return generate.Config{
		Mode:            generate.Mode(c.DecodeMode),
		MaxOutputLength: c.MaxOutputLength,
		BeamWidth:       c.BeamWidth,
		Temperature:     c.Temperature,
		TopK:            c.TopK,
		StepBudget:      c.StepBudget,
		Seed:            c.Seed,
	}
}

// Model returns hyper-parameters for a new baseline. VocabSize is filled
// in from the codec when the baseline is created.
func (c *Config) Model() model.Config {
	return model.Config{
		MaxPositions: c.MaxLength,
		DModel:       c.ModelDim,
		FFDim:        c.FFDim,
	}
}

// Service returns the paraphrase service settings.
func (c *Config) Service() (service.Config, error) {
	timeout, err := c.Timeout()
	if err != nil {
		return service.Config{}, err
	}
	return service.Config{
		Train:         c.Train(),
		Generate:      c.Generate(),
		FoldAccents:   c.FoldAccents,
		MaxExamples:   c.MaxExamples,
		Timeout:       timeout,
		MaxConcurrent: c.MaxConcurrent,
	}, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.MaxLength < 1 {
		return fmt.Errorf("max_length must be at least 1")
	}
	if c.ModelDim < 1 || c.FFDim < 1 {
		return fmt.Errorf("model_dim and ff_dim must be at least 1")
	}
	if c.MaxConcurrent < 0 {
		return fmt.Errorf("max_concurrent must not be negative")
	}
	if (c.WebPasswordSHA256 == "") != (c.WebUsername == "") {
		return fmt.Errorf("web_username and web_password_sha256 must be set together")
	}
	if err := c.Train().Validate(); err != nil {
		return err
	}
	if err := c.Generate().Validate(); err != nil {
		return err
	}
	_, err := c.Timeout()
	return err
}
