package generate

import (
	"math"
	"math/rand/v2"

	"github.com/hpungsan/upbeat/internal/autograd"
	"github.com/hpungsan/upbeat/internal/codec"
	"github.com/hpungsan/upbeat/internal/model"
)

// sample draws one token at a time until EOS or the length limit.
func (d *decoding) sample(dec *model.Decoder, cfg Config, rng *rand.Rand) ([]int, error) {
	var out []int
	input := codec.BosID
	for len(out) < d.limit {
		if err := d.tick(); err != nil {
			return nil, err
		}
		logits, err := dec.Step(input)
		if err != nil {
			return nil, err
		}
		tok := pick(autograd.Data(logits), cfg, rng)
		if tok < 0 || tok == codec.EosID {
			break
		}
		out = append(out, tok)
		input = tok
	}
	return out, nil
}

// pick applies temperature, top-k and a multinomial draw.
// Temperature 0 is greedy. Returns -1 when no token is eligible.
func pick(logits []float64, cfg Config, rng *rand.Rand) int {
	if cfg.Temperature == 0 {
		best := -1
		for i, x := range logits {
			if suppressed(i) {
				continue
			}
			if best < 0 || x > logits[best] {
				best = i
			}
		}
		return best
	}

	logp := logSoftmax(logits, cfg.Temperature)
	keep := topK(logp, cfg.TopK)
	if len(keep) == 0 {
		return -1
	}

	filtered := make([]float64, len(keep))
	for i, tok := range keep {
		filtered[i] = logp[tok]
	}
	probs := autograd.SoftmaxData(filtered, 1)
	return keep[multinomial(probs, rng)]
}

// multinomial samples an index from probs.
func multinomial(probs []float64, rng *rand.Rand) int {
	r := rng.Float64()
	var cum float64
	for i, p := range probs {
		cum += p
		if r < cum {
			return i
		}
	}
	// Rounding left r above the final cumulative sum.
	for i := len(probs) - 1; i >= 0; i-- {
		if probs[i] > 0 && !math.IsNaN(probs[i]) {
			return i
		}
	}
	return len(probs) - 1
}
