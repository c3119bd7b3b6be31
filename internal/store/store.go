// Package store saves and loads model checkpoints.
//
// A checkpoint is a directory holding:
//
//	model.safetensors  weights (F64, safetensors layout, SHA-256 in metadata)
//	vocab.json         codec vocabulary, special tokens first
//	config.json        model hyper-parameters, max length and training summary
//	README.md          model card
//
// Save writes into a temporary sibling directory and swaps it into place,
// so a reader never sees a partially written checkpoint. A replaced
// checkpoint is renamed to a "<dir>.old-*" sibling for the length of the
// swap; if the process dies inside that window Load restores the sibling.
package store

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	stderrors "errors"
	"io/fs"
	"math"
	mrand "math/rand/v2"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/hpungsan/upbeat/internal/codec"
	uerrors "github.com/hpungsan/upbeat/internal/errors"
	"github.com/hpungsan/upbeat/internal/model"
	"github.com/hpungsan/upbeat/internal/train"
)

// File names inside a checkpoint directory.
const (
	WeightsFile = "model.safetensors"
	VocabFile   = "vocab.json"
	ConfigFile  = "config.json"
	CardFile    = "README.md"
)

// FormatVersion is written to config.json and the weights metadata.
const FormatVersion = 1

// Meta is the content of config.json.
type Meta struct {
	FormatVersion int           `json:"format_version"`
	Model         model.Config  `json:"model"`
	MaxLength     int           `json:"max_length"`
	CreatedAt     time.Time     `json:"created_at"`
	FineTuned     bool          `json:"fine_tuned"`
	Seed          int64         `json:"seed,omitempty"`
	Training      *train.Config `json:"training,omitempty"`
	Report        *train.Report `json:"report,omitempty"`
}

// Checkpoint is a loaded model with its codec and metadata.
type Checkpoint struct {
	Model *model.Model
	Codec *codec.Codec
	Meta  Meta
	Card  string // README.md content, empty if absent
}

// Save writes a checkpoint to dir, replacing any existing checkpoint there.
// Meta.Model, Meta.MaxLength and Meta.FormatVersion are filled from m and c.
func Save(dir string, m *model.Model, c *codec.Codec, meta Meta) error {
	meta.FormatVersion = FormatVersion
	meta.Model = m.Config()
	meta.MaxLength = c.MaxLength()
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now().UTC()
	}

	dir = filepath.Clean(dir)
	if err := os.MkdirAll(filepath.Dir(dir), 0o700); err != nil {
		return uerrors.NewInternal(errors.Wrap(err, "create checkpoint parent"))
	}

	tmp, err := os.MkdirTemp(filepath.Dir(dir), filepath.Base(dir)+".*.tmp")
	if err != nil {
		return uerrors.NewInternal(errors.Wrap(err, "create temp checkpoint"))
	}
	cleanup := true
	defer func() {
		if cleanup {
			os.RemoveAll(tmp)
		}
	}()

	if err := writeArtifacts(tmp, m, c, meta); err != nil {
		return uerrors.NewInternal(err)
	}
	if err := swap(tmp, dir); err != nil {
		return uerrors.NewInternal(err)
	}
	cleanup = false
	return nil
}

func writeArtifacts(dir string, m *model.Model, c *codec.Codec, meta Meta) error {
	var weights bytes.Buffer
	err := writeSafetensors(&weights, m.Tensors(), map[string]string{
		"format":         "upbeat",
		"format_version": strconv.Itoa(FormatVersion),
	})
	if err != nil {
		return err
	}

	vocab, err := json.MarshalIndent(c.Tokens(), "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal vocab")
	}
	config, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal config")
	}

	files := []struct {
		name string
		data []byte
	}{
		{WeightsFile, weights.Bytes()},
		{VocabFile, vocab},
		{ConfigFile, config},
		{CardFile, []byte(Card(meta))},
	}
	for _, f := range files {
		if err := writeSynced(filepath.Join(dir, f.name), f.data); err != nil {
			return err
		}
	}
	return syncDir(dir)
}

func writeSynced(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return errors.Wrapf(err, "create %s", filepath.Base(path))
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return errors.Wrapf(err, "write %s", filepath.Base(path))
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return errors.Wrapf(err, "sync %s", filepath.Base(path))
	}
	return errors.Wrapf(f.Close(), "close %s", filepath.Base(path))
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return errors.Wrap(err, "open dir for sync")
	}
	defer d.Close()
	// Some filesystems reject directory fsync; the rename still orders writes there.
	_ = d.Sync()
	return nil
}

// swap moves tmp to dir. An existing dir is moved aside first and removed
// only after the new directory is in place.
func swap(tmp, dir string) error {
	var old string
	if _, err := os.Stat(dir); err == nil {
		old = dir + ".old-" + randomSuffix()
		if err := os.Rename(dir, old); err != nil {
			return errors.Wrap(err, "move existing checkpoint aside")
		}
	}

	if err := os.Rename(tmp, dir); err != nil {
		if old != "" {
			_ = os.Rename(old, dir)
		}
		return errors.Wrap(err, "move checkpoint into place")
	}
	_ = syncDir(filepath.Dir(dir))

	if old != "" {
		_ = os.RemoveAll(old)
	}
	return nil
}

// restoreAside renames the newest "<dir>.old-*" sibling back to dir. It
// reports whether a checkpoint was restored.
func restoreAside(dir string) bool {
	matches, err := filepath.Glob(filepath.Clean(dir) + ".old-*")
	if err != nil || len(matches) == 0 {
		return false
	}
	var (
		newest  string
		newestT time.Time
	)
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil || !info.IsDir() {
			continue
		}
		if newest == "" || info.ModTime().After(newestT) {
			newest, newestT = m, info.ModTime()
		}
	}
	if newest == "" {
		return false
	}
	return os.Rename(newest, dir) == nil
}

func randomSuffix() string {
	b := make([]byte, 6)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// Load reads and validates a checkpoint directory.
func Load(dir string) (*Checkpoint, error) {
	info, err := os.Stat(dir)
	if stderrors.Is(err, fs.ErrNotExist) {
		if !restoreAside(dir) {
			return nil, uerrors.NewCheckpointNotFound(dir)
		}
		info, err = os.Stat(dir)
	}
	if err != nil {
		return nil, uerrors.NewCheckpointCorrupt(dir, errors.Wrap(err, "stat"))
	}
	if !info.IsDir() {
		return nil, uerrors.NewCheckpointCorrupt(dir, errors.New("not a directory"))
	}

	cp, err := load(dir)
	if err != nil {
		return nil, uerrors.NewCheckpointCorrupt(dir, err)
	}
	return cp, nil
}

func load(dir string) (*Checkpoint, error) {
	var meta Meta
	if err := readJSON(filepath.Join(dir, ConfigFile), &meta); err != nil {
		return nil, err
	}
	if meta.FormatVersion != FormatVersion {
		return nil, errors.Errorf("unsupported format version %d", meta.FormatVersion)
	}
	if err := meta.Model.Validate(); err != nil {
		return nil, errors.Wrap(err, ConfigFile)
	}

	var tokens []string
	if err := readJSON(filepath.Join(dir, VocabFile), &tokens); err != nil {
		return nil, err
	}
	c, err := codec.New(tokens, meta.MaxLength)
	if err != nil {
		return nil, errors.Wrap(err, VocabFile)
	}
	if c.VocabSize() != meta.Model.VocabSize {
		return nil, errors.Errorf("vocabulary has %d tokens, model expects %d", c.VocabSize(), meta.Model.VocabSize)
	}
	if c.MaxLength() > meta.Model.MaxPositions {
		return nil, errors.Errorf("max length %d exceeds model positions %d", c.MaxLength(), meta.Model.MaxPositions)
	}

	raw, err := os.ReadFile(filepath.Join(dir, WeightsFile))
	if err != nil {
		return nil, errors.Wrap(err, "read weights")
	}
	tensors, _, err := readSafetensors(raw)
	if err != nil {
		return nil, errors.Wrap(err, WeightsFile)
	}

	weights := make(map[string][]float64, len(tensors))
	for _, s := range model.Shapes(meta.Model) {
		t, ok := tensors[s.Name]
		if !ok {
			continue // reported by FromWeights
		}
		if len(t.Shape) != 2 || t.Shape[0] != int64(s.Rows) || t.Shape[1] != int64(s.Cols) {
			return nil, errors.Errorf("tensor %q has shape %v, want [%d %d]", s.Name, t.Shape, s.Rows, s.Cols)
		}
	}
	for name, t := range tensors {
		for _, v := range t.Data {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, errors.Errorf("tensor %q contains non-finite values", name)
			}
		}
		weights[name] = t.Data
	}
	m, err := model.FromWeights(meta.Model, weights)
	if err != nil {
		return nil, errors.Wrap(err, WeightsFile)
	}

	card, err := os.ReadFile(filepath.Join(dir, CardFile))
	if err != nil && !stderrors.Is(err, fs.ErrNotExist) {
		return nil, errors.Wrap(err, "read model card")
	}

	return &Checkpoint{Model: m, Codec: c, Meta: meta, Card: string(card)}, nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "read %s", filepath.Base(path))
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Wrapf(err, "parse %s", filepath.Base(path))
	}
	return nil
}

// InitBaseline writes a freshly initialised checkpoint to dir.
// It stands in for a downloaded pretrained model.
func InitBaseline(dir string, cfg model.Config, maxLength int, seed int64) (*Checkpoint, error) {
	c := codec.Default(maxLength)
	cfg.VocabSize = c.VocabSize()
	if cfg.MaxPositions < maxLength {
		cfg.MaxPositions = maxLength
	}

	m, err := model.New(cfg, mrand.New(mrand.NewPCG(uint64(seed), 0x62617365)))
	if err != nil {
		return nil, uerrors.NewInvalidRequest(err.Error())
	}

	meta := Meta{CreatedAt: time.Now().UTC(), Seed: seed}
	if err := Save(dir, m, c, meta); err != nil {
		return nil, err
	}
	meta.FormatVersion = FormatVersion
	meta.Model = m.Config()
	meta.MaxLength = maxLength
	return &Checkpoint{Model: m, Codec: c, Meta: meta, Card: Card(meta)}, nil
}
