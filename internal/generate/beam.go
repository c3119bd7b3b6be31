package generate

import (
	"cmp"
	"math"
	"slices"

	"github.com/hpungsan/upbeat/internal/autograd"
	"github.com/hpungsan/upbeat/internal/codec"
	"github.com/hpungsan/upbeat/internal/model"
)

type hypothesis struct {
	tokens []int
	score  float64 // cumulative log-probability
	dec    *model.Decoder
}

// normScore is the length-normalised score. Finished hypotheses count EOS.
func (h hypothesis) normScore(finished bool) float64 {
	n := len(h.tokens)
	if finished {
		n++
	}
	if n == 0 {
		return h.score
	}
	return h.score / float64(n)
}

type candidate struct {
	parent int
	token  int
	score  float64
}

// beam runs beam search and returns the best hypothesis' tokens.
func (d *decoding) beam(start *model.Decoder, cfg Config) ([]int, error) {
	live := []hypothesis{{dec: start}}
	var finished []hypothesis

	for length := 0; length < d.limit && len(live) > 0; length++ {
		var cands []candidate
		for i, h := range live {
			if err := d.tick(); err != nil {
				return nil, err
			}
			input := codec.BosID
			if len(h.tokens) > 0 {
				input = h.tokens[len(h.tokens)-1]
			}
			logits, err := h.dec.Step(input)
			if err != nil {
				return nil, err
			}
			logp := logSoftmax(autograd.Data(logits), cfg.Temperature)
			for _, tok := range topK(logp, cfg.TopK) {
				cands = append(cands, candidate{parent: i, token: tok, score: h.score + logp[tok]})
			}
		}

		slices.SortStableFunc(cands, func(a, b candidate) int {
			if c := cmp.Compare(b.score, a.score); c != 0 {
				return c
			}
			return cmp.Compare(a.token, b.token)
		})

		var next []hypothesis
		for rank, cand := range cands {
			if len(next) == cfg.BeamWidth {
				break
			}
			parent := live[cand.parent]
			if cand.token == codec.EosID {
				if rank < cfg.BeamWidth {
					finished = append(finished, hypothesis{tokens: parent.tokens, score: cand.score})
				}
				continue
			}
			next = append(next, hypothesis{
				tokens: append(slices.Clone(parent.tokens), cand.token),
				score:  cand.score,
				dec:    parent.dec.Fork(),
			})
		}
		live = next

		if len(finished) >= cfg.BeamWidth {
			break
		}
	}

	pool, isFinished := finished, true
	if len(pool) == 0 {
		pool, isFinished = live, false
	}
	if len(pool) == 0 {
		return nil, nil
	}
	best := pool[0]
	for _, h := range pool[1:] {
		if h.normScore(isFinished) > best.normScore(isFinished) {
			best = h
		}
	}
	return best.tokens, nil
}

// logSoftmax returns log(softmax(logits / temperature)) with suppressed
// tokens set to -Inf.
func logSoftmax(logits []float64, temperature float64) []float64 {
	scaled := make([]float64, len(logits))
	for i, x := range logits {
		if suppressed(i) {
			scaled[i] = math.Inf(-1)
			continue
		}
		scaled[i] = x / temperature
	}
	lse := autograd.LogSumExp(scaled)
	for i := range scaled {
		scaled[i] -= lse
	}
	return scaled
}

// topK returns the indices of the k largest finite entries, highest first.
// k <= 0 keeps every finite entry.
func topK(xs []float64, k int) []int {
	idx := make([]int, 0, len(xs))
	for i, x := range xs {
		if !math.IsInf(x, -1) && !math.IsNaN(x) {
			idx = append(idx, i)
		}
	}
	slices.SortStableFunc(idx, func(a, b int) int { return cmp.Compare(xs[b], xs[a]) })
	if k > 0 && k < len(idx) {
		idx = idx[:k]
	}
	return idx
}
