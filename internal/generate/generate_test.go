package generate

import (
	"context"
	"math"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpungsan/upbeat/internal/codec"
	"github.com/hpungsan/upbeat/internal/errors"
	"github.com/hpungsan/upbeat/internal/model"
	"github.com/hpungsan/upbeat/internal/text"
)

func fixture(t *testing.T, maxLength int) (*model.Model, *codec.Codec) {
	t.Helper()
	c := codec.Default(maxLength)
	m, err := model.New(model.Config{VocabSize: c.VocabSize(), MaxPositions: maxLength, DModel: 4, FFDim: 8}, rand.New(rand.NewPCG(3, 4)))
	require.NoError(t, err)
	return m, c
}

func smallConfig() Config {
	cfg := DefaultConfig()
	cfg.BeamWidth = 2
	cfg.TopK = 5
	cfg.MaxOutputLength = 8
	return cfg
}

func TestGenerate_Beam_Deterministic(t *testing.T) {
	m, c := fixture(t, 16)
	g, err := New(smallConfig())
	require.NoError(t, err)

	a, err := g.Generate(context.Background(), m, c, "this is fine")
	require.NoError(t, err)
	b, err := g.Generate(context.Background(), m, c, "this is fine")
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestGenerate_LengthBound(t *testing.T) {
	tests := []struct {
		name      string
		maxLength int
		maxOutput int
		want      int
	}{
		{"output cap", 16, 5, 5},
		{"position cap", 6, 64, 6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, c := fixture(t, tt.maxLength)
			for _, mode := range []Mode{ModeBeam, ModeSample} {
				cfg := smallConfig()
				cfg.Mode = mode
				cfg.MaxOutputLength = tt.maxOutput
				cfg.Seed = 1
				g, err := New(cfg)
				require.NoError(t, err)

				out, err := g.Generate(context.Background(), m, c, "a rather long sentence")
				require.NoError(t, err)
				assert.LessOrEqual(t, len(out), tt.want, "mode %s", mode)
				assert.Equal(t, text.Normalize(out), out, "output is normalized")
			}
		})
	}
}

func TestGenerate_Sample_Seeded(t *testing.T) {
	m, c := fixture(t, 16)
	cfg := smallConfig()
	cfg.Mode = ModeSample
	cfg.Seed = 42
	g, err := New(cfg)
	require.NoError(t, err)

	a, err := g.Generate(context.Background(), m, c, "hello")
	require.NoError(t, err)
	b, err := g.Generate(context.Background(), m, c, "hello")
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestGenerate_StepBudget(t *testing.T) {
	m, c := fixture(t, 32)
	cfg := smallConfig()
	cfg.MaxOutputLength = 32
	cfg.StepBudget = 1
	// The first step expands the single start beam; the second must exceed the budget.
	g, err := New(cfg)
	require.NoError(t, err)

	_, err = g.Generate(context.Background(), m, c, "hello")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrGenerationTimeout), "got %v", err)
	assert.Equal(t, 504, errors.As(err).Status)
}

func TestGenerate_Deadline(t *testing.T) {
	m, c := fixture(t, 16)
	g, err := New(smallConfig())
	require.NoError(t, err)

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	_, err = g.Generate(ctx, m, c, "hello")
	assert.True(t, errors.Is(err, errors.ErrGenerationTimeout), "got %v", err)
}

func TestGenerate_EncodingError(t *testing.T) {
	m, c := fixture(t, 16)
	g, err := New(smallConfig())
	require.NoError(t, err)

	_, err = g.Generate(context.Background(), m, c, "héllo")
	assert.True(t, errors.Is(err, errors.ErrEncoding), "got %v", err)
}

func TestGenerate_EmptyInput(t *testing.T) {
	m, c := fixture(t, 16)
	g, err := New(smallConfig())
	require.NoError(t, err)

	out, err := g.Generate(context.Background(), m, c, "")
	require.NoError(t, err)
	assert.LessOrEqual(t, len(out), 8)
}

func TestConfig_Validate(t *testing.T) {
	bad := []Config{
		{Mode: "greedy", MaxOutputLength: 1, BeamWidth: 1, Temperature: 1},
		{Mode: ModeBeam, MaxOutputLength: 0, BeamWidth: 1, Temperature: 1},
		{Mode: ModeBeam, MaxOutputLength: 1, BeamWidth: 0, Temperature: 1},
		{Mode: ModeBeam, MaxOutputLength: 1, BeamWidth: 1, Temperature: 0},
		{Mode: ModeSample, MaxOutputLength: 1, Temperature: -1},
		{Mode: ModeBeam, MaxOutputLength: 1, BeamWidth: 1, Temperature: 1, TopK: -1},
		{Mode: ModeBeam, MaxOutputLength: 1, BeamWidth: 1, Temperature: 1, StepBudget: -1},
	}
	for i, cfg := range bad {
		_, err := New(cfg)
		assert.True(t, errors.Is(err, errors.ErrInvalidRequest), "case %d: %v", i, err)
	}

	g, err := New(Config{MaxOutputLength: 4, BeamWidth: 1, Temperature: 1})
	require.NoError(t, err)
	assert.Equal(t, ModeBeam, g.Config().Mode)

	_, err = New(Config{Mode: ModeSample, MaxOutputLength: 4, Temperature: 0})
	assert.NoError(t, err, "greedy sampling is allowed")
}

func TestTopK(t *testing.T) {
	xs := []float64{0.1, math.Inf(-1), 0.5, 0.3, 0.5}
	assert.Equal(t, []int{2, 4, 3}, topK(xs, 3))
	assert.Equal(t, []int{2, 4, 3, 0}, topK(xs, 0))
}

func TestLogSoftmax_Suppressed(t *testing.T) {
	logp := logSoftmax([]float64{5, 5, 1, 5, 1}, 1)
	for _, id := range []int{codec.PadID, codec.BosID, codec.UnkID} {
		assert.True(t, math.IsInf(logp[id], -1))
	}
	assert.InDelta(t, math.Log(0.5), logp[codec.EosID], 1e-9)
}

func TestPick(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 1))
	logits := []float64{9, 9, 0, 9, 0, 3}

	greedy := pick(logits, Config{Temperature: 0}, rng)
	assert.Equal(t, 5, greedy)

	for range 50 {
		tok := pick(logits, Config{Temperature: 1, TopK: 1}, rng)
		assert.Equal(t, 5, tok)
	}
}

func TestMultinomial(t *testing.T) {
	rng := rand.New(rand.NewPCG(9, 9))
	counts := make([]int, 3)
	for range 3000 {
		counts[multinomial([]float64{0.2, 0, 0.8}, rng)]++
	}
	assert.Zero(t, counts[1])
	assert.Greater(t, counts[2], counts[0])
}
