// Package service owns the live model and serialises training against
// concurrent paraphrase requests.
//
// Paraphrase calls share a read lock and are bounded by a weighted
// semaphore. FineTune, Load and LoadBaseline take the write lock, so a
// paraphrase never observes partially updated parameters.
package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/hpungsan/upbeat/internal/codec"
	"github.com/hpungsan/upbeat/internal/corpus"
	"github.com/hpungsan/upbeat/internal/errors"
	"github.com/hpungsan/upbeat/internal/generate"
	"github.com/hpungsan/upbeat/internal/model"
	"github.com/hpungsan/upbeat/internal/store"
	"github.com/hpungsan/upbeat/internal/text"
	"github.com/hpungsan/upbeat/internal/train"
)

// State is the lifecycle stage of the service.
type State int32

const (
	Uninitialized State = iota
	BaselineLoaded
	Training
	FineTuned
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case BaselineLoaded:
		return "baseline_loaded"
	case Training:
		return "training"
	case FineTuned:
		return "fine_tuned"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Trainer fine-tunes a copy of a model.
type Trainer interface {
	FineTune(ctx context.Context, m *model.Model, c *codec.Codec, corp *corpus.Corpus, progress func(train.EpochReport)) (*model.Model, *train.Report, error)
}

// Generator decodes a paraphrase of normalized input.
type Generator interface {
	Generate(ctx context.Context, m *model.Model, c *codec.Codec, input string) (string, error)
}

// Config holds service settings.
type Config struct {
	Train         train.Config
	Generate      generate.Config
	FoldAccents   bool
	MaxExamples   int           // 0: no limit
	Timeout       time.Duration // per paraphrase; 0: none
	MaxConcurrent int           // in-flight paraphrases; 0: 4
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithTrainer replaces the default trainer.
func WithTrainer(t Trainer) Option {
	return func(s *Service) { s.trainer = t }
}

// WithGenerator replaces the default generator.
func WithGenerator(g Generator) Option {
	return func(s *Service) { s.generator = g }
}

// WithMaxConcurrent overrides Config.MaxConcurrent.
func WithMaxConcurrent(n int) Option {
	return func(s *Service) { s.cfg.MaxConcurrent = n }
}

// Service is the paraphrasing service.
type Service struct {
	cfg       Config
	logger    *zap.Logger
	trainer   Trainer
	generator Generator
	normalize text.Normalizer
	sem       *semaphore.Weighted

	state atomic.Int32 // written under mu, read lock-free

	mu    sync.RWMutex
	model *model.Model
	codec *codec.Codec
	meta  store.Meta
	path  string
}

// New creates a Service in the Uninitialized state.
func New(cfg Config, opts ...Option) (*Service, error) {
	s := &Service{cfg: cfg}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.trainer == nil {
		if err := cfg.Train.Validate(); err != nil {
			return nil, err
		}
		s.trainer = train.New(cfg.Train, s.logger.Named("train"))
	}
	if s.generator == nil {
		g, err := generate.New(cfg.Generate)
		if err != nil {
			return nil, err
		}
		s.generator = g
	}
	if s.cfg.MaxConcurrent <= 0 {
		s.cfg.MaxConcurrent = 4
	}
	s.sem = semaphore.NewWeighted(int64(s.cfg.MaxConcurrent))
	s.normalize = text.For(cfg.FoldAccents)
	return s, nil
}

// State returns the current state without waiting for a running fine-tune.
func (s *Service) State() State {
	return State(s.state.Load())
}

func (s *Service) setState(st State) {
	s.state.Store(int32(st))
}

// Normalize applies the service's text normalization.
func (s *Service) Normalize(input string) string {
	return s.normalize(input)
}

// LoadBaseline loads a checkpoint as the baseline model.
func (s *Service) LoadBaseline(path string) error {
	return s.load(path, true)
}

// Load replaces the live model with a checkpoint. On error the previous
// model and state are kept.
func (s *Service) Load(path string) error {
	return s.load(path, false)
}

func (s *Service) load(path string, baseline bool) error {
	op := "load"
	if baseline {
		op = "load baseline"
	}
	if st := s.State(); st == Training {
		return errors.NewInvalidState(op, st.String())
	}

	cp, err := store.Load(path)
	if err != nil {
		s.logger.Warn("checkpoint load failed", zap.String("path", path), zap.Error(err))
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.model = cp.Model
	s.codec = cp.Codec
	s.meta = cp.Meta
	s.path = path
	st := BaselineLoaded
	if cp.Meta.FineTuned && !baseline {
		st = FineTuned
	}
	s.setState(st)

	s.logger.Info("checkpoint loaded",
		zap.String("path", path),
		zap.Stringer("state", st),
		zap.Int("params", cp.Model.NumParams()),
	)
	return nil
}

// Save writes the live model to path.
func (s *Service) Save(path string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if st := s.State(); st != BaselineLoaded && st != FineTuned {
		return errors.NewInvalidState("save", st.String())
	}

	meta := s.meta
	meta.CreatedAt = time.Now().UTC()
	if err := store.Save(path, s.model, s.codec, meta); err != nil {
		return err
	}
	s.logger.Info("checkpoint saved", zap.String("path", path))
	return nil
}

// FineTune builds the positive corpus from src and trains the live model on
// it. The corpus is built before any lock is taken; an empty or unreadable
// dataset never reaches the trainer. On failure the model is unchanged.
func (s *Service) FineTune(ctx context.Context, src corpus.Source, progress func(train.EpochReport)) (*train.Report, error) {
	if st := s.State(); st != BaselineLoaded && st != FineTuned {
		return nil, errors.NewInvalidState("fine-tune", st.String())
	}

	corp, err := corpus.BuildPositive(ctx, src, s.normalize, corpus.Limit(s.cfg.MaxExamples))
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.State()
	if prev != BaselineLoaded && prev != FineTuned {
		return nil, errors.NewInvalidState("fine-tune", prev.String())
	}
	s.setState(Training)
	s.logger.Info("fine-tune started", zap.String("source", src.Name()), zap.Int("corpus_size", corp.Len()))

	trained, report, err := s.runTrainer(ctx, corp, progress)
	if err != nil {
		s.setState(prev)
		s.logger.Warn("fine-tune failed, parameters unchanged", zap.Error(err))
		return nil, err
	}

	s.model = trained
	trainCfg := s.trainConfig()
	s.meta.FineTuned = true
	s.meta.Training = &trainCfg
	s.meta.Report = report
	s.setState(FineTuned)

	s.logger.Info("fine-tune committed", zap.Float64("final_loss", report.FinalLoss()))
	return report, nil
}

// runTrainer hands the trainer a private copy so that even a trainer that
// mutates its input cannot touch the live model.
func (s *Service) runTrainer(ctx context.Context, corp *corpus.Corpus, progress func(train.EpochReport)) (trained *model.Model, report *train.Report, err error) {
	defer func() {
		if r := recover(); r != nil {
			trained, report = nil, nil
			err = errors.NewInternal(fmt.Errorf("trainer panic: %v", r))
		}
	}()

	trained, report, err = s.trainer.FineTune(ctx, s.model.Clone(), s.codec, corp, progress)
	if err != nil {
		return nil, nil, err
	}
	if trained == nil || report == nil {
		return nil, nil, errors.NewInternal(stderrors.New("trainer returned no model"))
	}
	return trained, report, nil
}

func (s *Service) trainConfig() train.Config {
	if t, ok := s.trainer.(*train.Trainer); ok {
		return t.Config()
	}
	return s.cfg.Train
}

// Paraphrase rewrites input with the live model. Every error is an
// *errors.UpbeatError.
func (s *Service) Paraphrase(ctx context.Context, input string) (out string, err error) {
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return "", contextError(err, 0)
	}
	defer s.sem.Release(1)

	if err := s.readLock(ctx); err != nil {
		return "", err
	}
	defer s.mu.RUnlock()

	if st := s.State(); st == Uninitialized {
		return "", errors.NewInvalidState("paraphrase", st.String())
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("paraphrase panic", zap.Any("panic", r))
			out, err = "", errors.NewInternal(fmt.Errorf("generation panic: %v", r))
		}
	}()

	out, err = s.generator.Generate(ctx, s.model, s.codec, s.normalize(input))
	if err != nil {
		return "", contextError(err, s.cfg.Generate.StepBudget)
	}
	return out, nil
}

// lockPoll is how often readLock retries while a writer holds the model.
const lockPoll = 5 * time.Millisecond

// readLock takes the read lock without outliving ctx. A running fine-tune
// fails fast with INVALID_STATE; shorter writers such as Load are waited
// out until the deadline.
func (s *Service) readLock(ctx context.Context) error {
	if s.mu.TryRLock() {
		return nil
	}
	ticker := time.NewTicker(lockPoll)
	defer ticker.Stop()
	for {
		if st := s.State(); st == Training {
			return errors.NewInvalidState("paraphrase", st.String())
		}
		select {
		case <-ctx.Done():
			if stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
				uErr := errors.NewGenerationTimeout(0, s.cfg.Generate.StepBudget)
				uErr.Message = "timed out waiting for the model to become available"
				return uErr
			}
			return errors.As(ctx.Err())
		case <-ticker.C:
		}
		if s.mu.TryRLock() {
			return nil
		}
	}
}

// contextError maps context failures onto the error taxonomy.
func contextError(err error, budget int) *errors.UpbeatError {
	if stderrors.Is(err, context.DeadlineExceeded) {
		return errors.NewGenerationTimeout(0, budget)
	}
	return errors.As(err)
}

// Info describes the live model.
type Info struct {
	State      State           `json:"state"`
	Path       string          `json:"path,omitempty"`
	FineTuned  bool            `json:"fine_tuned"`
	Model      *model.Config   `json:"model,omitempty"`
	MaxLength  int             `json:"max_length,omitempty"`
	Params     int             `json:"params,omitempty"`
	CreatedAt  *time.Time      `json:"created_at,omitempty"`
	Training   *train.Config   `json:"training,omitempty"`
	Report     *train.Report   `json:"report,omitempty"`
	Generation generate.Config `json:"generation"`
}

// Info returns a description of the live model. While a fine-tune holds
// the write lock only the state is reported.
func (s *Service) Info() Info {
	info := Info{State: s.State(), Generation: s.cfg.Generate}
	if !s.mu.TryRLock() {
		return info
	}
	defer s.mu.RUnlock()

	info.State = s.State()
	if s.model == nil {
		return info
	}
	cfg := s.model.Config()
	created := s.meta.CreatedAt
	info.Path = s.path
	info.FineTuned = s.meta.FineTuned
	info.Model = &cfg
	info.MaxLength = s.codec.MaxLength()
	info.Params = s.model.NumParams()
	info.CreatedAt = &created
	info.Training = s.meta.Training
	info.Report = s.meta.Report
	return info
}

// Card returns the model card markdown for the live model.
func (s *Service) Card() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.model == nil {
		return "", errors.NewInvalidState("show model card", s.State().String())
	}
	return store.Card(s.meta), nil
}
