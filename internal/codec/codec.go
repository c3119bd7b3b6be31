// Package codec converts normalized text to token sequences and back.
//
// The vocabulary is character level: four special tokens followed by the
// characters normalized text can contain. Training and inference both go
// through a Codec, so truncation and padding policy live only here.
package codec

import (
	"fmt"
	"strings"

	"github.com/hpungsan/upbeat/internal/errors"
)

// Special tokens. Their IDs are fixed by position in every vocabulary.
const (
	PadToken = "<pad>"
	BosToken = "<s>"
	EosToken = "</s>"
	UnkToken = "<unk>"
)

const (
	PadID = 0
	BosID = 1
	EosID = 2
	UnkID = 3

	numSpecial = 4
)

// DefaultCharset is the character set normalized text is drawn from.
const DefaultCharset = " 0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// Sequence is a single encoded text.
// IDs and Mask always have the same length; Mask is 1 for real tokens and 0 for padding.
type Sequence struct {
	IDs  []int `json:"ids"`
	Mask []int `json:"mask"`
}

// Len returns the number of real (unpadded) tokens.
func (s Sequence) Len() int {
	n := 0
	for _, m := range s.Mask {
		n += m
	}
	return n
}

// Batch is a rectangular set of sequences padded to a common width.
type Batch struct {
	IDs  [][]int
	Mask [][]int
}

// Width returns the padded length shared by every row.
func (b Batch) Width() int {
	if len(b.IDs) == 0 {
		return 0
	}
	return len(b.IDs[0])
}

// Codec wraps one fixed vocabulary and a maximum sequence length.
type Codec struct {
	tokens    []string
	runeToID  map[rune]int
	maxLength int
}

// Default returns a codec over DefaultCharset.
func Default(maxLength int) *Codec {
	tokens := []string{PadToken, BosToken, EosToken, UnkToken}
	for _, r := range DefaultCharset {
		tokens = append(tokens, string(r))
	}
	c, err := New(tokens, maxLength)
	if err != nil {
		panic(err) // DefaultCharset is constant
	}
	return c
}

// New rebuilds a codec from a stored vocabulary.
// The first four tokens must be the specials in order; the rest must be single,
// unique characters.
func New(tokens []string, maxLength int) (*Codec, error) {
	if maxLength < 1 {
		return nil, fmt.Errorf("max length must be positive, got %d", maxLength)
	}
	if len(tokens) <= numSpecial {
		return nil, fmt.Errorf("vocabulary has %d tokens, need more than %d", len(tokens), numSpecial)
	}
	specials := []string{PadToken, BosToken, EosToken, UnkToken}
	for i, want := range specials {
		if tokens[i] != want {
			return nil, fmt.Errorf("token %d is %q, want %q", i, tokens[i], want)
		}
	}

	runeToID := make(map[rune]int, len(tokens)-numSpecial)
	for i, tok := range tokens[numSpecial:] {
		runes := []rune(tok)
		if len(runes) != 1 {
			return nil, fmt.Errorf("token %d (%q) is not a single character", i+numSpecial, tok)
		}
		if _, dup := runeToID[runes[0]]; dup {
			return nil, fmt.Errorf("duplicate token %q", tok)
		}
		runeToID[runes[0]] = i + numSpecial
	}

	return &Codec{
		tokens:    append([]string(nil), tokens...),
		runeToID:  runeToID,
		maxLength: maxLength,
	}, nil
}

// Tokens returns a copy of the vocabulary in ID order.
func (c *Codec) Tokens() []string {
	return append([]string(nil), c.tokens...)
}

// VocabSize returns the number of tokens including specials.
func (c *Codec) VocabSize() int {
	return len(c.tokens)
}

// MaxLength returns the configured maximum sequence length.
func (c *Codec) MaxLength() int {
	return c.maxLength
}

// Encode converts text to a sequence padded to MaxLength.
// Longer input is truncated silently. Characters outside the vocabulary
// produce an ENCODING error.
func (c *Codec) Encode(text string) (Sequence, error) {
	ids, err := c.ids(text)
	if err != nil {
		return Sequence{}, err
	}
	return c.pad(ids, c.maxLength), nil
}

// EncodeTarget is Encode with an EOS token appended. When the text is truncated
// the EOS token replaces the last kept character.
func (c *Codec) EncodeTarget(text string) (Sequence, error) {
	ids, err := c.idsWithEOS(text)
	if err != nil {
		return Sequence{}, err
	}
	return c.pad(ids, c.maxLength), nil
}

// EncodeBatch encodes texts into a rectangular batch. The width is the longest
// member or MaxLength, whichever is smaller.
func (c *Codec) EncodeBatch(texts []string, withEOS bool) (Batch, error) {
	rows := make([][]int, len(texts))
	width := 0
	for i, text := range texts {
		var (
			ids []int
			err error
		)
		if withEOS {
			ids, err = c.idsWithEOS(text)
		} else {
			ids, err = c.ids(text)
		}
		if err != nil {
			return Batch{}, fmt.Errorf("batch item %d: %w", i, err)
		}
		rows[i] = ids
		width = max(width, len(ids))
	}
	width = max(width, 1)

	batch := Batch{
		IDs:  make([][]int, len(rows)),
		Mask: make([][]int, len(rows)),
	}
	for i, ids := range rows {
		seq := c.pad(ids, width)
		batch.IDs[i] = seq.IDs
		batch.Mask[i] = seq.Mask
	}
	return batch, nil
}

// Decode converts token IDs back to text. Decoding stops at the first EOS;
// PAD, BOS and UNK are skipped, as are IDs outside the vocabulary.
func (c *Codec) Decode(ids []int) string {
	var b strings.Builder
	b.Grow(len(ids))
	for _, id := range ids {
		if id == EosID {
			break
		}
		if id < numSpecial || id >= len(c.tokens) {
			continue
		}
		b.WriteString(c.tokens[id])
	}
	return b.String()
}

// DecodeSequence decodes only the unmasked positions of seq.
func (c *Codec) DecodeSequence(seq Sequence) string {
	ids := make([]int, 0, len(seq.IDs))
	for i, id := range seq.IDs {
		if seq.Mask[i] == 1 {
			ids = append(ids, id)
		}
	}
	return c.Decode(ids)
}

// ids maps runes to IDs, truncated to MaxLength.
func (c *Codec) ids(text string) ([]int, error) {
	ids := make([]int, 0, min(len(text), c.maxLength))
	pos := 0
	for _, r := range text {
		if len(ids) == c.maxLength {
			break
		}
		id, ok := c.runeToID[r]
		if !ok {
			return nil, errors.NewEncoding(r, pos)
		}
		ids = append(ids, id)
		pos++
	}
	return ids, nil
}

func (c *Codec) idsWithEOS(text string) ([]int, error) {
	ids, err := c.ids(text)
	if err != nil {
		return nil, err
	}
	if len(ids) == c.maxLength {
		ids[len(ids)-1] = EosID
		return ids, nil
	}
	return append(ids, EosID), nil
}

// pad right-pads ids with PAD up to width.
func (c *Codec) pad(ids []int, width int) Sequence {
	seq := Sequence{
		IDs:  make([]int, width),
		Mask: make([]int, width),
	}
	copy(seq.IDs, ids)
	for i := range ids {
		seq.Mask[i] = 1
	}
	return seq
}
