// Package corpus builds the positive-sentiment training corpus from a
// labeled dataset.
package corpus

import (
	"context"

	"github.com/hpungsan/upbeat/internal/errors"
	"github.com/hpungsan/upbeat/internal/text"
)

// Corpus is an ordered, immutable list of normalized positive texts.
type Corpus struct {
	texts []string
	rows  int
}

// New wraps already-normalized texts.
func New(texts []string) *Corpus {
	return &Corpus{texts: append([]string(nil), texts...), rows: len(texts)}
}

// Texts returns a copy of the texts.
func (c *Corpus) Texts() []string {
	return append([]string(nil), c.texts...)
}

// Len returns the number of texts.
func (c *Corpus) Len() int { return len(c.texts) }

// At returns the i-th text.
func (c *Corpus) At(i int) string { return c.texts[i] }

// Rows returns how many dataset rows were read to build the corpus.
func (c *Corpus) Rows() int { return c.rows }

// Option adjusts BuildPositive.
type Option func(*options)

type options struct {
	limit int
}

// Limit keeps at most n texts after filtering. n <= 0 means no limit.
func Limit(n int) Option {
	return func(o *options) { o.limit = n }
}

// BuildPositive keeps positive entries, normalizes them and preserves
// dataset order. Entries that normalize to the empty string are dropped.
func BuildPositive(ctx context.Context, src Source, normalize text.Normalizer, opts ...Option) (*Corpus, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if normalize == nil {
		normalize = text.Normalize
	}

	entries, err := src.Load(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.NewDataSource(src.Name(), err)
	}

	c := &Corpus{rows: len(entries)}
	for _, e := range entries {
		if e.Label != Positive {
			continue
		}
		n := normalize(e.Text)
		if n == "" {
			continue
		}
		c.texts = append(c.texts, n)
		if o.limit > 0 && len(c.texts) == o.limit {
			break
		}
	}

	if len(c.texts) == 0 {
		return nil, errors.NewEmptyCorpus(len(entries))
	}
	return c, nil
}
