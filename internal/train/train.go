// Package train fine-tunes a model on a corpus of positive texts.
//
// Each text is its own target: the model learns to reproduce positive
// sentences, which biases generation toward positive phrasing.
package train

import (
	"context"
	"iter"
	"math"
	"math/rand/v2"

	"go.uber.org/zap"

	"github.com/hpungsan/upbeat/internal/autograd"
	"github.com/hpungsan/upbeat/internal/codec"
	"github.com/hpungsan/upbeat/internal/corpus"
	"github.com/hpungsan/upbeat/internal/errors"
	"github.com/hpungsan/upbeat/internal/model"
	"github.com/hpungsan/upbeat/internal/optim"
)

// Config holds training hyper-parameters.
type Config struct {
	Epochs       int     `json:"epochs"`
	LearningRate float64 `json:"learning_rate"`
	BatchSize    int     `json:"batch_size"`
	WeightDecay  float64 `json:"weight_decay"`
	Seed         int64   `json:"seed"` // negative: nondeterministic shuffling
}

// Validate checks hyper-parameter ranges.
func (c Config) Validate() error {
	switch {
	case c.Epochs < 1:
		return errors.NewInvalidRequest("epochs must be at least 1")
	case !(c.LearningRate > 0) || math.IsInf(c.LearningRate, 0):
		return errors.NewInvalidRequest("learning_rate must be a positive number")
	case c.BatchSize < 1:
		return errors.NewInvalidRequest("batch_size must be at least 1")
	case c.WeightDecay < 0:
		return errors.NewInvalidRequest("weight_decay must not be negative")
	}
	return nil
}

// EpochReport summarises one pass over the corpus.
type EpochReport struct {
	Epoch    int     `json:"epoch"` // 1-based
	MeanLoss float64 `json:"mean_loss"`
	Batches  int     `json:"batches"`
}

// Report is the outcome of a complete fine-tuning run.
type Report struct {
	Epochs     []EpochReport `json:"epochs"`
	CorpusSize int           `json:"corpus_size"`
}

// FinalLoss returns the mean loss of the last epoch.
func (r *Report) FinalLoss() float64 {
	if len(r.Epochs) == 0 {
		return math.NaN()
	}
	return r.Epochs[len(r.Epochs)-1].MeanLoss
}

// Trainer runs the optimisation loop.
type Trainer struct {
	cfg    Config
	logger *zap.Logger
	step   stepFunc
}

// stepFunc runs one batch update and returns the batch loss.
type stepFunc func(m *model.Model, c *codec.Codec, opt *optim.Adam, texts []string) (float64, error)

// New creates a Trainer. A nil logger disables logging.
func New(cfg Config, logger *zap.Logger) *Trainer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Trainer{cfg: cfg, logger: logger, step: step}
}

// Config returns the trainer's hyper-parameters.
func (t *Trainer) Config() Config { return t.cfg }

// Epochs returns a lazy sequence that trains m in place, one epoch per
// iteration. The sequence stops after the configured number of epochs or
// at the first error. It is not restartable: ranging over it again
// continues training the same model with a fresh optimizer.
func (t *Trainer) Epochs(ctx context.Context, m *model.Model, c *codec.Codec, corp *corpus.Corpus) iter.Seq2[EpochReport, error] {
	return func(yield func(EpochReport, error) bool) {
		if err := t.cfg.Validate(); err != nil {
			yield(EpochReport{}, err)
			return
		}
		if corp == nil || corp.Len() == 0 {
			yield(EpochReport{}, errors.NewEmptyCorpus(0))
			return
		}

		opt := optim.NewAdam(m.Params(), optim.Config{
			LR:          t.cfg.LearningRate,
			WeightDecay: t.cfg.WeightDecay,
		})
		rng := newRNG(t.cfg.Seed)
		order := make([]int, corp.Len())
		for i := range order {
			order[i] = i
		}

		for epoch := 1; epoch <= t.cfg.Epochs; epoch++ {
			rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

			var sum float64
			batches := 0
			for start := 0; start < len(order); start += t.cfg.BatchSize {
				if err := ctx.Err(); err != nil {
					yield(EpochReport{}, err)
					return
				}
				end := min(start+t.cfg.BatchSize, len(order))
				texts := make([]string, 0, end-start)
				for _, idx := range order[start:end] {
					texts = append(texts, corp.At(idx))
				}

				batches++
				loss, err := t.step(m, c, opt, texts)
				if err != nil {
					yield(EpochReport{}, err)
					return
				}
				if math.IsNaN(loss) || math.IsInf(loss, 0) {
					yield(EpochReport{}, errors.NewOptimization(epoch, batches, loss))
					return
				}
				sum += loss
			}

			report := EpochReport{Epoch: epoch, MeanLoss: sum / float64(batches), Batches: batches}
			t.logger.Info("epoch complete",
				zap.Int("epoch", epoch),
				zap.Float64("mean_loss", report.MeanLoss),
				zap.Int("batches", batches),
			)
			if !yield(report, nil) {
				return
			}
		}
	}
}

// FineTune trains a copy of m and returns it with the complete report.
// m itself is never modified. On error no model or report is returned.
func (t *Trainer) FineTune(ctx context.Context, m *model.Model, c *codec.Codec, corp *corpus.Corpus, progress func(EpochReport)) (*model.Model, *Report, error) {
	work := m.Clone()
	report := &Report{CorpusSize: corp.Len()}

	t.logger.Info("fine-tuning started",
		zap.Int("corpus_size", corp.Len()),
		zap.Int("epochs", t.cfg.Epochs),
		zap.Float64("learning_rate", t.cfg.LearningRate),
		zap.Int("batch_size", t.cfg.BatchSize),
		zap.Int("params", work.NumParams()),
	)

	for epoch, err := range t.Epochs(ctx, work, c, corp) {
		if err != nil {
			t.logger.Warn("fine-tuning aborted", zap.Error(err))
			return nil, nil, err
		}
		report.Epochs = append(report.Epochs, epoch)
		if progress != nil {
			progress(epoch)
		}
	}
	return work, report, nil
}

// step runs one forward/backward pass over a batch and applies the update.
// It returns the mean token cross-entropy of the batch.
func step(m *model.Model, c *codec.Codec, opt *optim.Adam, texts []string) (float64, error) {
	src, err := c.EncodeBatch(texts, false)
	if err != nil {
		return 0, err
	}
	tgt, err := c.EncodeBatch(texts, true)
	if err != nil {
		return 0, err
	}

	var (
		losses []*autograd.Value
		tokens int
	)
	for i := range texts {
		loss, n, err := m.SequenceLoss(unmasked(src.IDs[i], src.Mask[i]), unmasked(tgt.IDs[i], tgt.Mask[i]), codec.BosID)
		if err != nil {
			return 0, errors.NewInternal(err)
		}
		losses = append(losses, loss)
		tokens += n
	}

	total := autograd.Sum(losses).Scale(1 / float64(tokens))
	if math.IsNaN(total.Data) || math.IsInf(total.Data, 0) {
		opt.ZeroGrad()
		return total.Data, nil
	}
	total.Backward()
	opt.Step()
	return total.Data, nil
}

func unmasked(ids, mask []int) []int {
	out := make([]int, 0, len(ids))
	for i, id := range ids {
		if mask[i] == 1 {
			out = append(out, id)
		}
	}
	return out
}

func newRNG(seed int64) *rand.Rand {
	if seed < 0 {
		return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return rand.New(rand.NewPCG(uint64(seed), 0x75706265))
}
