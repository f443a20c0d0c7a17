package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/strandbio/strand/internal/ctxlog"
	"github.com/strandbio/strand/internal/graph"
	"github.com/strandbio/strand/internal/item"
	"github.com/strandbio/strand/internal/pipeline"
	"github.com/strandbio/strand/internal/sandbox"
)

// placeholderRe matches the command template placeholders the engine
// substitutes: {name}, {name.N}, {cpus}, {key}.
var placeholderRe = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*(?:\.[0-9]+)?)\}`)

// unsafeKeyRe strips characters that would make a correlation key unusable
// as a directory name component.
var unsafeKeyRe = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// runTask executes one task instance end to end: render the command, stage
// and run it through the sandbox (with per-stage retries), wrap outputs into
// items, and emit them downstream. Failures are recorded and, under the
// abort policy, stop the run.
func (s *Scheduler) runTask(killCtx context.Context, node *graph.Node, idx int, qItems, bItems []item.Item, em *emitter, abort func()) {
	stage := node.Stage
	key := correlationKey(qItems, bItems)
	logger := ctxlog.FromContext(killCtx).With("stage", stage.Name, "task", idx, "key", key)

	dir := s.taskDir(stage.Name, idx, key)
	fail := func(err error, stderrTail string) {
		em.emit(idx, nil)
		logger.Error("Task failed.", "error", err, "workdir", dir)
		f := &Failure{Stage: stage.Name, Key: key, WorkDir: dir, StderrTail: stderrTail, Err: err}
		if s.recordFailure(f) {
			abort()
		}
	}

	bindings, err := bindInputs(stage.Inputs, qItems, bItems)
	if err != nil {
		fail(err, "")
		return
	}
	command, err := renderTemplate(stage.Command, bindings, stage.CPUs, key)
	if err != nil {
		fail(err, "")
		return
	}

	task := &sandbox.Task{
		Stage:   stage.Name,
		Key:     key,
		Dir:     dir,
		Command: command,
		Inputs:  stagedFiles(stage, bindings),
	}
	for _, out := range stage.Outputs {
		if out.Glob != "" {
			task.Outputs = append(task.Outputs, sandbox.OutputGlob{Local: out.Local, Pattern: out.Glob})
		}
	}

	if err := s.rec.TaskStarted(s.opts.RunID, stage.Name, idx, key, dir); err != nil {
		logger.Warn("Failed to record task start.", "error", err)
	}

	res, attempts, err := s.attempt(killCtx, stage.Retry.MaxAttempts, stage.Retry.Backoff, task, logger)
	if err != nil {
		s.recordFinished(stage.Name, idx, "failed", -1, attempts, "", logger)
		fail(err, "")
		return
	}
	if !res.OK() {
		s.recordFinished(stage.Name, idx, "failed", res.ExitCode, attempts, res.StderrTail, logger)
		fail(taskError(res), res.StderrTail)
		return
	}

	outs, err := wrapOutputs(stage, res, bindings, key)
	if err != nil {
		s.recordFinished(stage.Name, idx, "failed", res.ExitCode, attempts, res.StderrTail, logger)
		fail(err, res.StderrTail)
		return
	}

	if stage.Export && s.opts.ResultsRoot != "" {
		var files []string
		for _, paths := range res.Outputs {
			files = append(files, paths...)
		}
		ns := key
		if s.exportPerStage {
			ns = filepath.Join(key, stage.Name)
		}
		if err := sandbox.Export(killCtx, s.opts.ResultsRoot, ns, files); err != nil {
			s.recordFinished(stage.Name, idx, "failed", res.ExitCode, attempts, res.StderrTail, logger)
			fail(err, "")
			return
		}
	}

	em.emit(idx, outs)
	s.succeeded.Add(1)
	s.recordFinished(stage.Name, idx, "succeeded", 0, attempts, "", logger)
	logger.Debug("Task succeeded.", "attempts", attempts)

	// Downstream stages stage their inputs straight out of this directory,
	// so reclamation happens at run level, once the whole run succeeds.
}

// attempt runs the sandbox task up to maxAttempts times, sleeping backoff
// between attempts. The working directory is reset between attempts.
func (s *Scheduler) attempt(ctx context.Context, maxAttempts int, backoff time.Duration, task *sandbox.Task, logger *slog.Logger) (*sandbox.Result, int, error) {
	attempts := 0
	for {
		attempts++
		res, err := s.runner.Run(ctx, task)
		if err == nil && res.OK() {
			return res, attempts, nil
		}
		if attempts >= maxAttempts || ctx.Err() != nil {
			return res, attempts, err
		}
		logger.Warn("Task attempt failed, retrying.",
			"attempt", attempts, "max_attempts", maxAttempts, "error", err)
		if backoff > 0 {
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return res, attempts, err
			case <-timer.C:
			}
		}
		if err := os.RemoveAll(task.Dir); err != nil {
			return nil, attempts, fmt.Errorf("resetting task directory for retry: %w", err)
		}
	}
}

func (s *Scheduler) recordFinished(stage string, idx int, state string, exitCode, attempts int, stderrTail string, logger *slog.Logger) {
	if err := s.rec.TaskFinished(s.opts.RunID, stage, idx, state, exitCode, attempts, stderrTail); err != nil {
		logger.Warn("Failed to record task completion.", "error", err)
	}
}

// taskDir namespaces a task's working directory by stage name, combination
// index, correlation key, and run id, so no two tasks ever share one.
func (s *Scheduler) taskDir(stage string, idx int, key string) string {
	safe := unsafeKeyRe.ReplaceAllString(key, "-")
	if safe == "" {
		safe = "task"
	}
	short := s.opts.RunID
	if len(short) > 8 {
		short = short[:8]
	}
	return filepath.Join(s.opts.WorkDir, stage, fmt.Sprintf("%03d-%s-%s", idx, safe, short))
}

// correlationKey is the first non-empty key across the combination's items,
// queue items first.
func correlationKey(qItems, bItems []item.Item) string {
	for _, it := range qItems {
		if it.Key() != "" {
			return it.Key()
		}
	}
	for _, it := range bItems {
		if it.Key() != "" {
			return it.Key()
		}
	}
	return ""
}

// bindInputs aligns the combination's items with the stage's input bindings
// by local name. qItems follows QueueInputs order, bItems BroadcastInputs
// order.
func bindInputs(ins []pipeline.InputBinding, qItems, bItems []item.Item) (map[string]item.Item, error) {
	bindings := make(map[string]item.Item, len(ins))
	qi, bi := 0, 0
	for _, in := range ins {
		if in.Broadcast {
			if bi >= len(bItems) {
				return nil, fmt.Errorf("input %q has no broadcast value in this combination", in.Local)
			}
			bindings[in.Local] = bItems[bi]
			bi++
			continue
		}
		if qi >= len(qItems) {
			return nil, fmt.Errorf("input %q has no queue item in this combination", in.Local)
		}
		bindings[in.Local] = qItems[qi]
		qi++
	}
	return bindings, nil
}

// taskError describes why a finished task counts as failed.
func taskError(res *sandbox.Result) error {
	if res.ExitCode != 0 {
		return fmt.Errorf("command exited with code %d", res.ExitCode)
	}
	return fmt.Errorf("declared outputs %s matched no files", strings.Join(res.GlobMisses, ", "))
}

// wrapOutputs turns a succeeded task's collected files and value templates
// into channel items, keyed by the task's correlation key, in declared
// binding order.
func wrapOutputs(stage *pipeline.Stage, res *sandbox.Result, bindings map[string]item.Item, key string) (map[string][]item.Item, error) {
	outs := make(map[string][]item.Item, len(stage.Outputs))
	for _, binding := range stage.Outputs {
		if binding.Glob != "" {
			for _, path := range res.Outputs[binding.Local] {
				outs[binding.Local] = append(outs[binding.Local], item.File(key, path))
			}
			continue
		}
		rendered, err := renderTemplate(binding.Value, bindings, stage.CPUs, key)
		if err != nil {
			return nil, fmt.Errorf("output %q: %w", binding.Local, err)
		}
		outs[binding.Local] = []item.Item{item.Scalar(key, rendered)}
	}
	return outs, nil
}

// stagedFiles collects every file reference reachable from the task's
// bound inputs; the sandbox materializes them under their logical names.
func stagedFiles(stage *pipeline.Stage, bindings map[string]item.Item) []item.FileRef {
	var refs []item.FileRef
	for _, in := range stage.Inputs {
		refs = append(refs, bindings[in.Local].Files()...)
	}
	return refs
}

// renderTemplate substitutes {name}, {name.N}, {cpus}, and {key}
// placeholders. File items resolve to their staged (logical) names, scalars
// to their value, tuples to their elements space-joined.
func renderTemplate(template string, bindings map[string]item.Item, cpus int, key string) (string, error) {
	var substErr error
	out := placeholderRe.ReplaceAllStringFunc(template, func(m string) string {
		name := m[1 : len(m)-1]
		switch name {
		case "cpus":
			return strconv.Itoa(cpus)
		case "key":
			return key
		}

		local, idxStr, indexed := strings.Cut(name, ".")
		it, bound := bindings[local]
		if !bound {
			// Not one of ours: shell constructs like ${VAR} or awk bodies
			// pass through untouched.
			return m
		}
		if indexed {
			i, err := strconv.Atoi(idxStr)
			if err != nil {
				return m
			}
			elem, err := it.At(i)
			if err != nil {
				if substErr == nil {
					substErr = fmt.Errorf("template placeholder %q: %w", m, err)
				}
				return m
			}
			return renderItem(elem)
		}
		return renderItem(it)
	})
	return out, substErr
}

// renderItem renders one item for command text: staged file name, scalar
// value, or space-joined tuple elements.
func renderItem(it item.Item) string {
	switch it.Kind() {
	case item.KindFile:
		return it.File().Name
	case item.KindTuple:
		parts := make([]string, 0, it.Len())
		for _, e := range it.Elems() {
			parts = append(parts, renderItem(e))
		}
		return strings.Join(parts, " ")
	default:
		return it.Scalar()
	}
}
