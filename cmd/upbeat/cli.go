package main

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap/zapcore"

	"github.com/hpungsan/upbeat/internal/config"
	"github.com/hpungsan/upbeat/internal/errors"
	"github.com/hpungsan/upbeat/internal/ops"
	"github.com/hpungsan/upbeat/internal/store"
	"github.com/hpungsan/upbeat/internal/train"
	"github.com/hpungsan/upbeat/internal/web"
)

// maxStdinBytes bounds text read from stdin by the paraphrase command.
const maxStdinBytes = 64 << 10

// newCLIApp creates the CLI application with all commands.
// The environment is opened in Before, once global flags are parsed.
func newCLIApp() *cli.App {
	e := new(env)

	app := &cli.App{
		Name:    "upbeat",
		Usage:   "Rewrite sentences with a more positive tone",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "home", EnvVars: []string{"UPBEAT_HOME"}, Usage: "Base directory (default ~/.upbeat)"},
			&cli.BoolFlag{Name: "verbose", Usage: "Development logging at debug level"},
		},
		Before: func(c *cli.Context) error {
			if cmd := c.Args().First(); cmd == "" || cmd == "help" {
				return nil
			}
			opened, err := openEnv(c.String("home"), c.Bool("verbose"))
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			*e = *opened
			return nil
		},
		After: func(c *cli.Context) error {
			if e.db != nil {
				e.Close()
			}
			return nil
		},
		Commands: []*cli.Command{
			initCmd(e),
			trainCmd(e),
			paraphraseCmd(e),
			historyCmd(e),
			runsCmd(e),
			serveCmd(e),
			mcpCmd(e),
		},
	}
	// Disable default exit error handler to allow proper error return in tests
	app.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return app
}

// InitOutput is the result of the init command.
type InitOutput struct {
	Path      string `json:"path"`
	Params    int    `json:"params"`
	VocabSize int    `json:"vocab_size"`
	MaxLength int    `json:"max_length"`
	Seed      int64  `json:"seed"`
}

// initCmd creates the init command.
func initCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:  "init",
		Usage: "Create the baseline checkpoint",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "force", Usage: "Replace an existing baseline"},
			&cli.Int64Flag{Name: "seed", Usage: "Initialisation seed (default: config seed)"},
		},
		Action: func(c *cli.Context) error {
			dir := e.baselinePath()
			if _, err := os.Stat(dir); err == nil && !c.Bool("force") {
				return outputError(errors.NewInvalidRequest(fmt.Sprintf("baseline already exists at %s (use --force to replace)", dir)))
			}

			seed := e.cfg.Seed
			if c.IsSet("seed") {
				seed = c.Int64("seed")
			}

			cp, err := store.InitBaseline(dir, e.cfg.Model(), e.cfg.MaxLength, seed)
			if err != nil {
				return outputError(err)
			}

			return outputJSON(InitOutput{
				Path:      dir,
				Params:    cp.Model.NumParams(),
				VocabSize: cp.Codec.VocabSize(),
				MaxLength: cp.Codec.MaxLength(),
				Seed:      seed,
			})
		},
	}
}

// trainCmd creates the train command.
func trainCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:      "train",
		Usage:     "Fine-tune on the positive entries of a dataset (.jsonl, .ndjson or .csv)",
		ArgsUsage: "<dataset>",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "epochs", Usage: "Override epochs"},
			&cli.Float64Flag{Name: "lr", Usage: "Override learning rate"},
			&cli.IntFlag{Name: "batch-size", Usage: "Override batch size"},
			&cli.IntFlag{Name: "max-examples", Usage: "Cap the corpus size"},
			&cli.BoolFlag{Name: "from-baseline", Usage: "Start from the baseline even if a fine-tuned checkpoint exists"},
			&cli.BoolFlag{Name: "no-save", Usage: "Train without saving a checkpoint"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return outputError(errors.NewInvalidRequest("exactly one dataset path is required"))
			}
			applyTrainFlags(c, e.cfg)
			if err := e.cfg.Train().Validate(); err != nil {
				return outputError(err)
			}

			svc, err := e.loadService(loadOptions{fromBaseline: c.Bool("from-baseline")})
			if err != nil {
				return outputError(err)
			}

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			input := ops.FineTuneInput{
				Dataset: c.Args().First(),
				Progress: func(r train.EpochReport) {
					fmt.Fprintf(os.Stderr, "epoch %d/%d  loss %.4f  (%d batches)\n", r.Epoch, e.cfg.Epochs, r.MeanLoss, r.Batches)
				},
			}
			if !c.Bool("no-save") {
				input.Checkpoint = e.checkpointPath()
			}

			output, err := ops.FineTune(ctx, svc, e.db, e.cfg, input)
			if err != nil {
				return outputError(err)
			}
			return outputJSON(output)
		},
	}
}

// applyTrainFlags copies explicitly set training flags onto cfg.
func applyTrainFlags(c *cli.Context, cfg *config.Config) {
	if c.IsSet("epochs") {
		cfg.Epochs = c.Int("epochs")
	}
	if c.IsSet("lr") {
		cfg.LearningRate = c.Float64("lr")
	}
	if c.IsSet("batch-size") {
		cfg.BatchSize = c.Int("batch-size")
	}
	if c.IsSet("max-examples") {
		cfg.MaxExamples = c.Int("max-examples")
	}
}

// paraphraseCmd creates the paraphrase command.
func paraphraseCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:      "paraphrase",
		Usage:     "Paraphrase text given as arguments or piped via stdin",
		ArgsUsage: "[text...]",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "mode", Usage: "Decoding mode: beam|sample"},
			&cli.IntFlag{Name: "beam-width", Usage: "Override beam width"},
			&cli.Float64Flag{Name: "temperature", Usage: "Override temperature (0 is greedy in sample mode)"},
			&cli.BoolFlag{Name: "baseline", Usage: "Use the baseline even if a fine-tuned checkpoint exists"},
		},
		Action: func(c *cli.Context) error {
			text := strings.Join(c.Args().Slice(), " ")
			if text == "" && stdinHasData() {
				var err error
				if text, err = readStdin(maxStdinBytes); err != nil {
					return outputError(errors.NewInvalidRequest(err.Error()))
				}
			}
			if text == "" {
				return outputError(errors.NewInvalidRequest("text is required (argument or stdin)"))
			}

			if c.IsSet("mode") {
				e.cfg.DecodeMode = c.String("mode")
			}
			if c.IsSet("beam-width") {
				e.cfg.BeamWidth = c.Int("beam-width")
			}
			if c.IsSet("temperature") {
				e.cfg.Temperature = c.Float64("temperature")
			}
			if err := e.cfg.Generate().Validate(); err != nil {
				return outputError(err)
			}

			svc, err := e.loadService(loadOptions{fromBaseline: c.Bool("baseline")})
			if err != nil {
				return outputError(err)
			}

			output, err := ops.Paraphrase(c.Context, svc, e.audit, ops.ParaphraseInput{Input: text})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(output)
		},
	}
}

// historyCmd creates the history command.
func historyCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:  "history",
		Usage: "List audited paraphrases, newest first",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "limit", Aliases: []string{"l"}, Value: ops.DefaultListLimit, Usage: "Max results"},
			&cli.IntFlag{Name: "offset", Aliases: []string{"o"}, Value: 0, Usage: "Skip results"},
		},
		Action: func(c *cli.Context) error {
			output, err := ops.History(c.Context, e.db, ops.HistoryInput{
				Limit:  c.Int("limit"),
				Offset: c.Int("offset"),
			})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(output)
		},
	}
}

// runsCmd creates the runs command.
func runsCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:  "runs",
		Usage: "List recorded fine-tuning runs, newest first",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "limit", Aliases: []string{"l"}, Value: ops.DefaultRunsLimit, Usage: "Max results"},
		},
		Action: func(c *cli.Context) error {
			output, err := ops.Runs(c.Context, e.db, ops.RunsInput{Limit: c.Int("limit")})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(output)
		},
	}
}

// serveCmd creates the serve command.
func serveCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the web UI and JSON API",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Usage: "Listen address (default: config web_addr)"},
		},
		Action: func(c *cli.Context) error {
			e.level.SetLevel(zapcore.InfoLevel)
			if c.IsSet("addr") {
				e.cfg.WebAddr = c.String("addr")
			}

			svc, err := e.loadService(loadOptions{allowMissing: true})
			if err != nil {
				return outputError(err)
			}

			srv, err := web.NewServer(web.Deps{
				Service: svc,
				DB:      e.db,
				Config:  e.cfg,
				Audit:   e.audit,
				Logger:  e.logger.Named("web"),
				Version: Version,
			})
			if err != nil {
				return outputError(errors.NewInternal(err))
			}
			if err := web.Run(c.Context, srv, e.logger.Named("web")); err != nil {
				return outputError(errors.NewInternal(err))
			}
			return nil
		},
	}
}

// mcpCmd creates the mcp command.
func mcpCmd(e *env) *cli.Command {
	return &cli.Command{
		Name:  "mcp",
		Usage: "Serve MCP tools over stdio",
		Action: func(c *cli.Context) error {
			if err := runMCP(e); err != nil {
				return outputError(err)
			}
			return nil
		},
	}
}

// Helper functions

// outputJSON marshals result to stdout as JSON.
func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outputError formats error for CLI.
// Internal errors show their cause since the CLI user is the operator.
func outputError(err error) error {
	if stderrors.Is(err, context.Canceled) {
		return cli.Exit("interrupted", 130)
	}
	uErr := errors.As(err)
	msg := uErr.Message
	if uErr.Code == errors.ErrInternal && uErr.Err != nil {
		msg = uErr.Err.Error()
	}
	return cli.Exit(fmt.Sprintf("[%s] %s", uErr.Code, msg), 1)
}

// stdinHasData returns true if stdin has piped data (not a terminal).
func stdinHasData() bool {
	stat, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (stat.Mode() & os.ModeCharDevice) == 0
}

// readStdin reads at most limit bytes from stdin.
func readStdin(limit int64) (string, error) {
	data, err := io.ReadAll(io.LimitReader(os.Stdin, limit+1))
	if err != nil {
		return "", err
	}
	if int64(len(data)) > limit {
		return "", fmt.Errorf("stdin exceeds %d bytes", limit)
	}
	return strings.TrimSpace(string(data)), nil
}
