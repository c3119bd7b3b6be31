package model

import (
	"fmt"
	"slices"

	"github.com/hpungsan/upbeat/internal/autograd"
)

// Memory is the encoder output with cross-attention keys and values
// already projected.
type Memory struct {
	keys, values [][]*autograd.Value
}

// Len returns the number of encoded source positions.
func (mem *Memory) Len() int { return len(mem.keys) }

// Encode runs the encoder over source token IDs (padding already removed).
func (m *Model) Encode(src []int) (*Memory, error) {
	if len(src) > m.cfg.MaxPositions {
		return nil, fmt.Errorf("source length %d exceeds max positions %d", len(src), m.cfg.MaxPositions)
	}

	x := make([][]*autograd.Value, len(src))
	for i, id := range src {
		emb, err := m.embed(id, i)
		if err != nil {
			return nil, err
		}
		x[i] = emb
	}

	// Self-attention over all positions.
	qs := make([][]*autograd.Value, len(x))
	ks := make([][]*autograd.Value, len(x))
	vs := make([][]*autograd.Value, len(x))
	for i, xi := range x {
		n := rmsNorm(xi)
		qs[i] = linear(m.byName[encQ], n)
		ks[i] = linear(m.byName[encK], n)
		vs[i] = linear(m.byName[encV], n)
	}
	for i := range x {
		a := attend(qs[i], ks, vs)
		x[i] = autograd.AddVec(x[i], linear(m.byName[encO], a))
		x[i] = autograd.AddVec(x[i], feedForward(m.byName[encIn], m.byName[encOut], rmsNorm(x[i])))
	}

	mem := &Memory{
		keys:   make([][]*autograd.Value, len(x)),
		values: make([][]*autograd.Value, len(x)),
	}
	for i, xi := range x {
		n := rmsNorm(xi)
		mem.keys[i] = linear(m.byName[crossK], n)
		mem.values[i] = linear(m.byName[crossV], n)
	}
	return mem, nil
}

// Decoder holds the incremental state of one decoding hypothesis.
// Each Step appends one target position; earlier positions are cached.
type Decoder struct {
	m            *Model
	mem          *Memory
	keys, values [][]*autograd.Value
}

// NewDecoder starts decoding against an encoded source.
func (m *Model) NewDecoder(mem *Memory) *Decoder {
	return &Decoder{m: m, mem: mem}
}

// Len returns the number of positions consumed so far.
func (d *Decoder) Len() int { return len(d.keys) }

// Fork returns a copy that can be stepped independently.
func (d *Decoder) Fork() *Decoder {
	return &Decoder{
		m:      d.m,
		mem:    d.mem,
		keys:   slices.Clone(d.keys),
		values: slices.Clone(d.values),
	}
}

// Step feeds one token and returns the logits for the next position.
func (d *Decoder) Step(token int) ([]*autograd.Value, error) {
	m := d.m
	pos := len(d.keys)
	if pos >= m.cfg.MaxPositions {
		return nil, fmt.Errorf("decoder position %d exceeds max positions %d", pos, m.cfg.MaxPositions)
	}
	x, err := m.embed(token, pos)
	if err != nil {
		return nil, err
	}

	// Causal self-attention: only positions up to this one are cached.
	n := rmsNorm(x)
	q := linear(m.byName[selfQ], n)
	d.keys = append(d.keys, linear(m.byName[selfK], n))
	d.values = append(d.values, linear(m.byName[selfV], n))
	x = autograd.AddVec(x, linear(m.byName[selfO], attend(q, d.keys, d.values)))

	// Cross-attention over the encoder memory.
	q = linear(m.byName[crossQ], rmsNorm(x))
	x = autograd.AddVec(x, linear(m.byName[crossO], attend(q, d.mem.keys, d.mem.values)))

	x = autograd.AddVec(x, feedForward(m.byName[decIn], m.byName[decOut], rmsNorm(x)))
	return linear(m.byName[LMHead], rmsNorm(x)), nil
}

func (m *Model) embed(token, pos int) ([]*autograd.Value, error) {
	if token < 0 || token >= m.cfg.VocabSize {
		return nil, fmt.Errorf("token %d out of range [0, %d)", token, m.cfg.VocabSize)
	}
	return autograd.AddVec(m.byName[TokenEmbedding].Row(token), m.byName[PositionEmbedding].Row(pos)), nil
}

// SequenceLoss runs a teacher-forced pass and returns the summed
// cross-entropy over target positions and the number of positions.
// The decoder input is bos followed by target shifted right by one.
func (m *Model) SequenceLoss(src, target []int, bos int) (*autograd.Value, int, error) {
	if len(target) == 0 {
		return autograd.Constant(0), 0, nil
	}
	mem, err := m.Encode(src)
	if err != nil {
		return nil, 0, err
	}

	dec := m.NewDecoder(mem)
	losses := make([]*autograd.Value, len(target))
	input := bos
	for t, want := range target {
		logits, err := dec.Step(input)
		if err != nil {
			return nil, 0, err
		}
		if want < 0 || want >= len(logits) {
			return nil, 0, fmt.Errorf("target token %d out of range [0, %d)", want, len(logits))
		}
		losses[t] = autograd.CrossEntropy(logits, want)
		input = want
	}
	return autograd.Sum(losses), len(target), nil
}
