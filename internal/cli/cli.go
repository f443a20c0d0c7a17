package cli

import (
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/strandbio/strand/internal/app"
)

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

// Parse processes command-line arguments. It returns a populated app.Config,
// a boolean indicating if the program should exit cleanly, or an ExitError.
func Parse(args []string, output io.Writer) (*app.Config, bool, error) {
	flagSet := flag.NewFlagSet("strand", flag.ContinueOnError)
	flagSet.SetOutput(output)

	flagSet.Usage = func() {
		fmt.Fprint(output, `
Strand - A dataflow pipeline engine for file-based scientific workloads.

Usage:
  strand [options] [PIPELINE_PATH]

Arguments:
  PIPELINE_PATH
    Path to a single .hcl file or a directory containing .hcl files.

Options:
`)
		flagSet.PrintDefaults()
	}

	pipelineFlag := flagSet.String("pipeline", "", "Path to the pipeline file or directory.")
	pFlag := flagSet.String("p", "", "Path to the pipeline file or directory (shorthand).")
	logFormatFlag := flagSet.String("log-format", "text", "Log output format. Options: 'text' or 'json'.")
	logLevelFlag := flagSet.String("log-level", "info", "Set the logging level. Options: 'debug', 'info', 'warn', 'error'.")
	maxRunningFlag := flagSet.Int("max-running", 0, "Maximum concurrently running tasks. 0 defers to the pipeline, then to the CPU count.")
	workDirFlag := flagSet.String("work-dir", "", "Root directory for task working directories.")
	resultsFlag := flagSet.String("results", "", "Directory exported results are copied into.")
	ledgerFlag := flagSet.String("ledger", "", "Path to the sqlite run ledger. Empty disables recording.")
	onFailureFlag := flagSet.String("on-failure", "", "Failure policy. Options: 'abort' or 'continue'.")
	graceFlag := flagSet.Duration("grace", 0, "How long running tasks may finish after an abort before being killed.")
	planFlag := flagSet.Bool("plan", false, "Validate the pipeline and print the execution plan without running tasks.")
	keepFlag := flagSet.Bool("keep-workdirs", false, "Keep task working directories after a successful run.")

	if err := flagSet.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return nil, true, nil
		}
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}

	path := ""
	if *pipelineFlag != "" {
		path = *pipelineFlag
	} else if *pFlag != "" {
		path = *pFlag
	} else if flagSet.NArg() > 0 {
		path = flagSet.Arg(0)
	}

	if path == "" {
		flagSet.Usage()
		return nil, true, nil
	}

	logFormat := strings.ToLower(*logFormatFlag)
	if logFormat != "text" && logFormat != "json" {
		return nil, false, &ExitError{Code: 2, Message: "invalid log-format: must be 'text' or 'json'"}
	}

	logLevel := strings.ToLower(*logLevelFlag)
	switch logLevel {
	case "debug", "info", "warn", "error":
		// valid
	default:
		return nil, false, &ExitError{Code: 2, Message: "invalid log-level: must be 'debug', 'info', 'warn', or 'error'"}
	}

	if *graceFlag < 0 {
		return nil, false, &ExitError{Code: 2, Message: "invalid grace: must not be negative"}
	}

	config, err := app.NewConfig(app.Config{
		PipelinePath: path,
		LogFormat:    logFormat,
		LogLevel:     logLevel,
		MaxRunning:   *maxRunningFlag,
		WorkDir:      *workDirFlag,
		ResultsRoot:  *resultsFlag,
		LedgerPath:   *ledgerFlag,
		OnFailure:    strings.ToLower(*onFailureFlag),
		Grace:        *graceFlag,
		Plan:         *planFlag,
		KeepWorkdirs: *keepFlag,
	})
	if err != nil {
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}

	return config, false, nil
}
