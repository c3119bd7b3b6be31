// Package model implements a small encoder-decoder transformer over
// scalar autograd values.
//
// The encoder runs one layer of bidirectional self-attention and a
// feed-forward block over the source. The decoder runs causal
// self-attention, cross-attention over the encoder output and a
// feed-forward block, then projects to vocabulary logits. Token
// embeddings are shared between source and target.
package model

import (
	"cmp"
	"fmt"
	"math/rand/v2"
	"slices"

	"github.com/hpungsan/upbeat/internal/autograd"
)

// Tensor names.
const (
	TokenEmbedding    = "embed.tokens"
	PositionEmbedding = "embed.positions"
	LMHead            = "lm_head"

	encQ, encK, encV, encO = "encoder.attn.q", "encoder.attn.k", "encoder.attn.v", "encoder.attn.o"
	encIn, encOut          = "encoder.ffn.in", "encoder.ffn.out"

	selfQ, selfK, selfV, selfO     = "decoder.self.q", "decoder.self.k", "decoder.self.v", "decoder.self.o"
	crossQ, crossK, crossV, crossO = "decoder.cross.q", "decoder.cross.k", "decoder.cross.v", "decoder.cross.o"
	decIn, decOut                  = "decoder.ffn.in", "decoder.ffn.out"
)

const initStd = 0.08

// Config holds the model hyper-parameters.
type Config struct {
	VocabSize    int `json:"vocab_size"`
	MaxPositions int `json:"max_positions"`
	DModel       int `json:"d_model"`
	FFDim        int `json:"ff_dim"`
}

// DefaultConfig returns the hyper-parameters for a vocabulary and sequence length.
func DefaultConfig(vocabSize, maxPositions int) Config {
	return Config{
		VocabSize:    vocabSize,
		MaxPositions: maxPositions,
		DModel:       16,
		FFDim:        32,
	}
}

// Validate checks that every dimension is positive.
func (c Config) Validate() error {
	switch {
	case c.VocabSize <= 0:
		return fmt.Errorf("vocab_size must be positive, got %d", c.VocabSize)
	case c.MaxPositions <= 0:
		return fmt.Errorf("max_positions must be positive, got %d", c.MaxPositions)
	case c.DModel <= 0:
		return fmt.Errorf("d_model must be positive, got %d", c.DModel)
	case c.FFDim <= 0:
		return fmt.Errorf("ff_dim must be positive, got %d", c.FFDim)
	}
	return nil
}

// Shapes lists every tensor the config requires, sorted by name.
func Shapes(c Config) []Shape {
	d, f := c.DModel, c.FFDim
	shapes := []Shape{
		{TokenEmbedding, c.VocabSize, d},
		{PositionEmbedding, c.MaxPositions, d},
		{LMHead, c.VocabSize, d},
		{encIn, f, d},
		{encOut, d, f},
		{decIn, f, d},
		{decOut, d, f},
	}
	for _, name := range []string{encQ, encK, encV, encO, selfQ, selfK, selfV, selfO, crossQ, crossK, crossV, crossO} {
		shapes = append(shapes, Shape{name, d, d})
	}
	slices.SortFunc(shapes, func(a, b Shape) int { return cmp.Compare(a.Name, b.Name) })
	return shapes
}

// Model is the full set of trainable parameters.
type Model struct {
	cfg     Config
	tensors []*Tensor // sorted by name
	byName  map[string]*Tensor
	params  []*autograd.Value
}

// New creates a model with Gaussian-initialised weights.
func New(c Config, rng *rand.Rand) (*Model, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	shapes := Shapes(c)
	tensors := make([]*Tensor, len(shapes))
	for i, s := range shapes {
		tensors[i] = newTensor(s, initStd, rng)
	}
	return assemble(c, tensors), nil
}

// FromWeights rebuilds a model from named weight vectors.
// Every tensor the config requires must be present with the right size,
// and no other names are allowed.
func FromWeights(c Config, weights map[string][]float64) (*Model, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	shapes := Shapes(c)
	if len(weights) != len(shapes) {
		for name := range weights {
			if !slices.ContainsFunc(shapes, func(s Shape) bool { return s.Name == name }) {
				return nil, fmt.Errorf("unexpected tensor %q", name)
			}
		}
	}

	tensors := make([]*Tensor, len(shapes))
	for i, s := range shapes {
		data, ok := weights[s.Name]
		if !ok {
			return nil, fmt.Errorf("missing tensor %q", s.Name)
		}
		if len(data) != s.Size() {
			return nil, fmt.Errorf("tensor %q has %d values, want %d (%dx%d)", s.Name, len(data), s.Size(), s.Rows, s.Cols)
		}
		tensors[i] = tensorFrom(s, data)
	}
	return assemble(c, tensors), nil
}

func assemble(c Config, tensors []*Tensor) *Model {
	m := &Model{cfg: c, tensors: tensors, byName: make(map[string]*Tensor, len(tensors))}
	for _, t := range tensors {
		m.byName[t.Name] = t
		m.params = append(m.params, t.Values...)
	}
	return m
}

// Config returns the model's hyper-parameters.
func (m *Model) Config() Config { return m.cfg }

// Tensors returns the tensors sorted by name.
func (m *Model) Tensors() []*Tensor { return m.tensors }

// Tensor returns a tensor by name, or nil.
func (m *Model) Tensor(name string) *Tensor { return m.byName[name] }

// Params returns every trainable scalar in tensor order.
func (m *Model) Params() []*autograd.Value { return m.params }

// ZeroGrads resets all parameter gradients.
func (m *Model) ZeroGrads() {
	for _, p := range m.params {
		p.Grad = 0
	}
}

// Weights copies the forward values of every tensor.
func (m *Model) Weights() map[string][]float64 {
	out := make(map[string][]float64, len(m.tensors))
	for _, t := range m.tensors {
		out[t.Name] = t.Data()
	}
	return out
}

// Clone returns an independent copy of the model's weights.
func (m *Model) Clone() *Model {
	tensors := make([]*Tensor, len(m.tensors))
	for i, t := range m.tensors {
		tensors[i] = tensorFrom(t.Shape(), t.Data())
	}
	return assemble(m.cfg, tensors)
}

// Equal reports whether two models have the same config and weights.
func (m *Model) Equal(other *Model) bool {
	if m.cfg != other.cfg || len(m.params) != len(other.params) {
		return false
	}
	for i, p := range m.params {
		if p.Data != other.params[i].Data {
			return false
		}
	}
	return true
}

// NumParams returns the number of trainable scalars.
func (m *Model) NumParams() int { return len(m.params) }
