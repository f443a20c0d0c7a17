package app

import (
	"errors"
	"fmt"
	"time"
)

// Config holds everything an App instance needs to run. Zero values mean
// "not set on the command line" and defer to the pipeline's settings block,
// then to built-in defaults.
type Config struct {
	PipelinePath string // hcl file or directory

	LogFormat string
	LogLevel  string

	WorkDir      string
	ResultsRoot  string
	LedgerPath   string
	MaxRunning   int
	OnFailure    string
	Grace        time.Duration
	KeepWorkdirs bool

	// Plan validates the pipeline and prints the execution plan without
	// running any task.
	Plan bool
}

func NewConfig(cfg Config) (*Config, error) {
	if cfg.PipelinePath == "" {
		return nil, errors.New("PipelinePath is a required configuration field and cannot be empty")
	}
	switch cfg.OnFailure {
	case "", "abort", "continue":
	default:
		return nil, fmt.Errorf("invalid on-failure policy %q: must be 'abort' or 'continue'", cfg.OnFailure)
	}
	return &cfg, nil
}
