package app

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/strandbio/strand/internal/ctxlog"
	"github.com/strandbio/strand/internal/graph"
	"github.com/strandbio/strand/internal/pipeline"
)

// App encapsulates one loaded, validated pipeline and everything needed to
// run it.
type App struct {
	outW   io.Writer
	logger *slog.Logger
	cfg    *Config
	model  *pipeline.Model
	graph  *graph.Graph
	set    settings
}

// settings is the merged run configuration: CLI flags override the
// pipeline's settings block, which overrides built-in defaults.
type settings struct {
	workDir      string
	resultsRoot  string
	ledgerPath   string
	maxRunning   int
	onFailure    pipeline.FailurePolicy
	grace        time.Duration
	keepWorkdirs bool
}

// New loads the pipeline definition, validates it into a dataflow graph, and
// returns a fully initialized App instance with its own isolated logger.
func New(outW io.Writer, cfg *Config) (*App, error) {
	logger := newLogger(cfg.LogLevel, cfg.LogFormat, outW)
	ctx := ctxlog.WithLogger(context.Background(), logger)
	logger.Debug("Logger configured successfully.")

	model, err := pipeline.Load(ctx, cfg.PipelinePath)
	if err != nil {
		return nil, err
	}
	logger.Debug("Pipeline definition loaded.",
		"pipeline", model.Settings.Name,
		"seeds", len(model.Seeds), "stages", len(model.Stages))

	g, err := graph.Build(ctx, model)
	if err != nil {
		return nil, err
	}
	logger.Debug("Dataflow graph validated.",
		"nodes", len(g.Nodes), "channels", len(g.Channels))

	return &App{
		outW:   outW,
		logger: logger,
		cfg:    cfg,
		model:  model,
		graph:  g,
		set:    mergeSettings(cfg, model.Settings),
	}, nil
}

// Graph returns the validated dataflow graph. This is primarily for testing.
func (a *App) Graph() *graph.Graph { return a.graph }

func mergeSettings(cfg *Config, s pipeline.Settings) settings {
	set := settings{
		workDir:      firstNonEmpty(cfg.WorkDir, s.WorkDir, "work"),
		resultsRoot:  firstNonEmpty(cfg.ResultsRoot, s.ResultsRoot, "results"),
		ledgerPath:   firstNonEmpty(cfg.LedgerPath, s.LedgerPath),
		maxRunning:   cfg.MaxRunning,
		onFailure:    pipeline.FailurePolicy(cfg.OnFailure),
		grace:        cfg.Grace,
		keepWorkdirs: cfg.KeepWorkdirs || s.KeepWorkdirs,
	}
	if set.maxRunning == 0 {
		set.maxRunning = s.MaxRunning
	}
	if set.onFailure == "" {
		set.onFailure = s.OnFailure
	}
	if set.onFailure == "" {
		set.onFailure = pipeline.FailureAbort
	}
	if set.grace == 0 {
		set.grace = s.Grace
	}
	return set
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
