package main

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/hpungsan/upbeat/internal/config"
	"github.com/hpungsan/upbeat/internal/db"
	"github.com/hpungsan/upbeat/internal/errors"
	"github.com/hpungsan/upbeat/internal/mcp"
	"github.com/hpungsan/upbeat/internal/ops"
	"github.com/hpungsan/upbeat/internal/service"
)

// env holds what every command needs: the base dir, its database and
// merged config, a logger and the audit writer.
type env struct {
	baseDir string
	db      *sql.DB
	cfg     *config.Config
	logger  *zap.Logger
	level   zap.AtomicLevel
	audit   *ops.Auditor
}

// defaultHome returns ~/.upbeat.
func defaultHome() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".upbeat"), nil
}

// newLogger logs to stderr so stdout stays clean for JSON output.
// Non-verbose runs start at warn level; long-running commands raise it to info.
func newLogger(verbose bool) (*zap.Logger, zap.AtomicLevel, error) {
	var cfg zap.Config
	if verbose {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	}
	cfg.OutputPaths = []string{"stderr"}
	logger, err := cfg.Build()
	if err != nil {
		return nil, zap.AtomicLevel{}, err
	}
	return logger, cfg.Level, nil
}

// openEnv initializes the base dir, database and config.
// An empty home means ~/.upbeat.
func openEnv(home string, verbose bool) (*env, error) {
	if home == "" {
		var err error
		if home, err = defaultHome(); err != nil {
			return nil, err
		}
	}

	logger, level, err := newLogger(verbose)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	database, err := db.Init(home)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	var cfg *config.Config
	if cwd, cwdErr := os.Getwd(); cwdErr == nil {
		cfg, err = config.LoadWithRepo(home, cwd)
	} else {
		cfg, err = config.Load(home)
	}
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	db.ConfigurePool(database, cfg)

	if unknown := mcp.ValidateDisabledTools(cfg.DisabledTools); len(unknown) > 0 {
		logger.Warn("unknown tools in disabled_tools", zap.Strings("tools", unknown))
	}

	return &env{
		baseDir: home,
		db:      database,
		cfg:     cfg,
		logger:  logger,
		level:   level,
		audit:   ops.NewAuditor(database, logger.Named("audit")),
	}, nil
}

// Close drains pending audit writes and releases the database.
func (e *env) Close() {
	if e == nil {
		return
	}
	e.audit.Close()
	e.db.Close()
	_ = e.logger.Sync()
}

func (e *env) baselinePath() string {
	return config.ResolvePath(e.baseDir, e.cfg.BaselinePath)
}

func (e *env) checkpointPath() string {
	return config.ResolvePath(e.baseDir, e.cfg.CheckpointPath)
}

func (e *env) newService() (*service.Service, error) {
	svcCfg, err := e.cfg.Service()
	if err != nil {
		return nil, errors.NewInvalidRequest(err.Error())
	}
	return service.New(svcCfg, service.WithLogger(e.logger.Named("service")))
}

// loadOptions selects which checkpoint loadService starts from.
type loadOptions struct {
	fromBaseline bool // skip the fine-tuned checkpoint
	allowMissing bool // return an uninitialized service when no checkpoint exists
}

// loadService creates a service and loads the fine-tuned checkpoint if one
// exists, otherwise the baseline.
func (e *env) loadService(opts loadOptions) (*service.Service, error) {
	svc, err := e.newService()
	if err != nil {
		return nil, err
	}

	if !opts.fromBaseline {
		err := svc.Load(e.checkpointPath())
		if err == nil {
			return svc, nil
		}
		if !errors.Is(err, errors.ErrCheckpointNotFound) {
			return nil, err
		}
	}

	err = svc.LoadBaseline(e.baselinePath())
	if errors.Is(err, errors.ErrCheckpointNotFound) {
		if opts.allowMissing {
			e.logger.Warn("no checkpoint found, run 'upbeat init' to create a baseline", zap.String("path", e.baselinePath()))
			return svc, nil
		}
		return nil, errors.NewInvalidState("load model", "uninitialized (run 'upbeat init' first)")
	}
	if err != nil {
		return nil, err
	}
	return svc, nil
}

// runMCP serves the MCP tools over stdio.
func runMCP(e *env) error {
	e.level.SetLevel(zapcore.InfoLevel)
	svc, err := e.loadService(loadOptions{allowMissing: true})
	if err != nil {
		return err
	}
	return mcp.Run(svc, e.db, e.cfg, e.audit, Version)
}
