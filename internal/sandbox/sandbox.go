// Package sandbox executes one task in an isolated working directory:
// stage declared inputs, run the opaque command, collect declared outputs.
// The engine core depends only on the Runner contract — an exit status plus
// the produced files — so tasks could equally run in a container or on a
// remote executor.
package sandbox

import (
	"context"

	"github.com/strandbio/strand/internal/item"
)

// OutputGlob is one declared output pattern, matched inside the task's
// working directory after a zero exit.
type OutputGlob struct {
	Local   string
	Pattern string
}

// Task is everything a Runner needs to execute one task instance. The
// command is fully resolved text; the runner never interprets it beyond
// handing it to a shell.
type Task struct {
	Stage   string
	Key     string
	Dir     string
	Command string
	Inputs  []item.FileRef
	Outputs []OutputGlob
}

// Result reports what a finished task produced. Outputs is populated only
// after a zero exit; GlobMisses lists output locals whose pattern matched no
// file, which marks the task failed even on exit 0.
type Result struct {
	ExitCode   int
	Outputs    map[string][]string
	GlobMisses []string
	StderrTail string
}

// OK reports whether the task counts as succeeded: clean exit and every
// declared output pattern matched at least one file.
func (r *Result) OK() bool {
	return r.ExitCode == 0 && len(r.GlobMisses) == 0
}

// Runner executes tasks. A non-nil error means the task could not be run at
// all (staging or spawn failure); command failures are reported through the
// Result instead.
type Runner interface {
	Run(ctx context.Context, task *Task) (*Result, error)
}
