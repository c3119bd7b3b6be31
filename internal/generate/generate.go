// Package generate decodes paraphrases from a trained model.
//
// Two strategies are available: deterministic beam search and stochastic
// sampling with temperature and top-k filtering. Both count model
// evaluations against a step budget and stop with a GENERATION_TIMEOUT
// error when it, or the context deadline, runs out.
package generate

import (
	"context"
	stderrors "errors"
	"math"
	"math/rand/v2"

	"github.com/hpungsan/upbeat/internal/codec"
	"github.com/hpungsan/upbeat/internal/errors"
	"github.com/hpungsan/upbeat/internal/model"
	"github.com/hpungsan/upbeat/internal/text"
)

// Mode selects the decoding strategy.
type Mode string

const (
	ModeBeam   Mode = "beam"
	ModeSample Mode = "sample"
)

// Config holds decoding parameters.
type Config struct {
	Mode            Mode    `json:"mode"`
	MaxOutputLength int     `json:"max_output_length"`
	BeamWidth       int     `json:"beam_width"`
	Temperature     float64 `json:"temperature"` // sample mode: 0 means greedy
	TopK            int     `json:"top_k"`       // 0 disables
	StepBudget      int     `json:"step_budget"` // model evaluations per call; 0 disables
	Seed            int64   `json:"seed"`        // sample mode; negative: nondeterministic
}

// DefaultConfig returns beam search with width 5.
func DefaultConfig() Config {
	return Config{
		Mode:            ModeBeam,
		MaxOutputLength: 64,
		BeamWidth:       5,
		Temperature:     0.8,
		TopK:            50,
		StepBudget:      4096,
		Seed:            -1,
	}
}

// Validate checks parameter ranges.
func (c Config) Validate() error {
	switch {
	case c.Mode != ModeBeam && c.Mode != ModeSample && c.Mode != "":
		return errors.NewInvalidRequest("mode must be beam or sample")
	case c.MaxOutputLength < 1:
		return errors.NewInvalidRequest("max_output_length must be at least 1")
	case c.BeamWidth < 1 && c.Mode != ModeSample:
		return errors.NewInvalidRequest("beam_width must be at least 1")
	case c.Temperature < 0 || math.IsNaN(c.Temperature) || (c.Temperature == 0 && c.Mode != ModeSample):
		return errors.NewInvalidRequest("temperature must be positive")
	case c.TopK < 0:
		return errors.NewInvalidRequest("top_k must not be negative")
	case c.StepBudget < 0:
		return errors.NewInvalidRequest("step_budget must not be negative")
	}
	return nil
}

// Generator produces paraphrases with a fixed configuration.
// It is safe for concurrent use.
type Generator struct {
	cfg Config
}

// New creates a Generator.
func New(cfg Config) (*Generator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeBeam
	}
	return &Generator{cfg: cfg}, nil
}

// Config returns the decoding parameters.
func (g *Generator) Config() Config { return g.cfg }

// Generate decodes a paraphrase of already-normalized input.
// The result is normalized and at most min(MaxOutputLength, max positions)
// characters long.
func (g *Generator) Generate(ctx context.Context, m *model.Model, c *codec.Codec, input string) (string, error) {
	seq, err := c.Encode(input)
	if err != nil {
		return "", err
	}
	src := make([]int, 0, seq.Len())
	for i, id := range seq.IDs {
		if seq.Mask[i] == 1 {
			src = append(src, id)
		}
	}

	mem, err := m.Encode(src)
	if err != nil {
		return "", errors.NewInternal(err)
	}

	d := &decoding{
		ctx:    ctx,
		budget: g.cfg.StepBudget,
		limit:  min(g.cfg.MaxOutputLength, m.Config().MaxPositions),
		vocab:  c.VocabSize(),
	}

	var ids []int
	switch g.cfg.Mode {
	case ModeSample:
		ids, err = d.sample(m.NewDecoder(mem), g.cfg, newRNG(g.cfg.Seed))
	default:
		ids, err = d.beam(m.NewDecoder(mem), g.cfg)
	}
	if err != nil {
		return "", err
	}
	return text.Normalize(c.Decode(ids)), nil
}

// decoding tracks the step budget of one Generate call.
type decoding struct {
	ctx    context.Context
	steps  int
	budget int
	limit  int
	vocab  int
}

// tick counts one model evaluation.
func (d *decoding) tick() error {
	if err := d.ctx.Err(); err != nil {
		if stderrors.Is(err, context.DeadlineExceeded) {
			return errors.NewGenerationTimeout(d.steps, d.budget)
		}
		return err
	}
	d.steps++
	if d.budget > 0 && d.steps > d.budget {
		return errors.NewGenerationTimeout(d.steps-1, d.budget)
	}
	return nil
}

// suppressed reports tokens that are never emitted.
func suppressed(id int) bool {
	return id == codec.PadID || id == codec.BosID || id == codec.UnkID
}

func newRNG(seed int64) *rand.Rand {
	if seed < 0 {
		return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return rand.New(rand.NewPCG(uint64(seed), 0x73616d70))
}
