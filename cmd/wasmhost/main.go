package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"github.com/woxQAQ/polyglot-wasm/internal/config"
	"github.com/woxQAQ/polyglot-wasm/internal/invoker"
	"go.uber.org/zap"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var flags = []cli.Flag{
	&cli.PathFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "load configuration from `file`",
		EnvVars: []string{config.EnvPrefix + "_CONFIG"},
	},
	&cli.StringFlag{
		Name:  "log-level",
		Usage: "set logging `level` to debug, info, warn or error (overrides config)",
	},
}

var commands = []*cli.Command{
	inspectCommand(),
	addCommand(),
	helloCommand(),
	runCommand(),
	compareCommand(),
	genCommand(),
	schemaCommand(),
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app := &cli.App{
		Name:      "wasmhost",
		Usage:     "drive guest modules through the buffer calling convention",
		UsageText: "wasmhost [global options] command [command options] [arguments...]",
		Version:   fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
		Flags:     flags,
		Commands:  commands,
	}

	if err := app.RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("error: "+err.Error()))
		os.Exit(1)
	}
}

// env is the state shared by commands that talk to guests.
type env struct {
	cfg    *config.Config
	logger *zap.Logger
	host   *invoker.Host
}

func setup(c *cli.Context) (*env, error) {
	cfg, err := config.Load(c.Path("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if lvl := c.String("log-level"); lvl != "" {
		cfg.LogLevel = lvl
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	logger.Debug("Starting wasmhost",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("date", date),
	)

	opts, err := invoker.OptionsFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	opts.Stdout = c.App.Writer
	opts.Stderr = c.App.ErrWriter

	host, err := invoker.NewHost(c.Context, opts, logger)
	if err != nil {
		return nil, err
	}

	return &env{cfg: cfg, logger: logger, host: host}, nil
}

func (e *env) close(ctx context.Context) {
	if err := e.host.Close(ctx); err != nil {
		e.logger.Error("Failed to close host", zap.Error(err))
	}
	_ = e.logger.Sync()
}

// newLogger writes human-readable logs at debug level and JSON otherwise.
// Logs go to stderr so command output stays clean.
func newLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config
	if level == "debug" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}

	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level '%s': %w", level, err)
	}
	cfg.Level = lvl
	cfg.OutputPaths = []string{"stderr"}

	return cfg.Build()
}
