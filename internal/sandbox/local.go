package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/exascience/pargo/parallel"
	"golang.org/x/sys/unix"

	"github.com/strandbio/strand/internal/ctxlog"
	"github.com/strandbio/strand/internal/item"
)

// Names of the files the runner leaves next to a task's outputs. They are
// retained with the working directory for diagnosis.
const (
	scriptFile = ".command.sh"
	stdoutFile = ".command.out"
	stderrFile = ".command.err"
)

// stderrTailBytes bounds how much captured stderr is carried into
// diagnostics.
const stderrTailBytes = 2048

// Local runs tasks as shell subprocesses on the host. Each task gets its own
// working directory and its own process group, so an aborted run can
// terminate a task and everything it spawned in one signal.
type Local struct{}

var _ Runner = (*Local)(nil)

// NewLocal returns a host-process runner.
func NewLocal() *Local {
	return &Local{}
}

// Run stages the task's inputs, executes its command, and collects declared
// outputs. Cancelling ctx force-terminates the task's process group.
func (l *Local) Run(ctx context.Context, task *Task) (*Result, error) {
	logger := ctxlog.FromContext(ctx).With("stage", task.Stage, "key", task.Key)

	if err := stageInputs(task); err != nil {
		return nil, fmt.Errorf("staging task directory %s: %w", task.Dir, err)
	}
	logger.Debug("Task directory staged.", "dir", task.Dir, "inputs", len(task.Inputs))

	exitCode, err := l.execute(ctx, task)
	if err != nil {
		return nil, err
	}

	res := &Result{ExitCode: exitCode, StderrTail: tail(filepath.Join(task.Dir, stderrFile))}
	if exitCode != 0 {
		logger.Debug("Task command exited non-zero.", "exit_code", exitCode)
		return res, nil
	}

	res.Outputs = make(map[string][]string, len(task.Outputs))
	for _, out := range task.Outputs {
		matches, err := filepath.Glob(filepath.Join(task.Dir, out.Pattern))
		if err != nil {
			return nil, fmt.Errorf("output pattern %q of stage %q: %w", out.Pattern, task.Stage, err)
		}
		matches = withoutRunnerFiles(matches)
		if len(matches) == 0 {
			res.GlobMisses = append(res.GlobMisses, out.Local)
			continue
		}
		sort.Strings(matches)
		res.Outputs[out.Local] = matches
	}
	return res, nil
}

// stageInputs creates the working directory and materializes every input
// file under its logical name, by symlink where the filesystem allows it
// and by copy otherwise.
func stageInputs(task *Task) error {
	if err := os.MkdirAll(task.Dir, 0o755); err != nil {
		return err
	}

	errs := make([]error, len(task.Inputs))
	thunks := make([]func(), len(task.Inputs))
	for i, ref := range task.Inputs {
		i, ref := i, ref
		thunks[i] = func() { errs[i] = materialize(task.Dir, ref) }
	}
	switch len(thunks) {
	case 0:
	case 1:
		thunks[0]()
	default:
		parallel.Do(thunks...)
	}
	return errors.Join(errs...)
}

func materialize(dir string, ref item.FileRef) error {
	src, err := filepath.Abs(ref.Path)
	if err != nil {
		return err
	}
	if _, err := os.Stat(src); err != nil {
		return fmt.Errorf("input %q cannot be materialized: %w", ref.Name, err)
	}

	dst := filepath.Join(dir, ref.Name)
	if _, err := os.Lstat(dst); err == nil {
		return fmt.Errorf("input name %q is staged twice", ref.Name)
	}
	if err := os.Symlink(src, dst); err != nil {
		return copyFile(src, dst)
	}
	return nil
}

// execute writes the command script and runs it via the shell with the task
// directory as working directory, returning the exit code. The subprocess
// runs in its own process group; ctx cancellation kills the whole group.
func (l *Local) execute(ctx context.Context, task *Task) (int, error) {
	script := filepath.Join(task.Dir, scriptFile)
	if err := os.WriteFile(script, []byte(task.Command+"\n"), 0o755); err != nil {
		return 0, err
	}

	stdout, err := os.Create(filepath.Join(task.Dir, stdoutFile))
	if err != nil {
		return 0, err
	}
	defer stdout.Close()
	stderr, err := os.Create(filepath.Join(task.Dir, stderrFile))
	if err != nil {
		return 0, err
	}
	defer stderr.Close()

	cmd := exec.Command("/bin/sh", scriptFile)
	cmd.Dir = task.Dir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("spawning task command: %w", err)
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			// Negative pid addresses the whole process group.
			_ = unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
		case <-done:
		}
	}()

	waitErr := cmd.Wait()
	close(done)

	if waitErr == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return 0, fmt.Errorf("waiting for task command: %w", waitErr)
}

// withoutRunnerFiles drops the runner's own bookkeeping files from glob
// matches, so a catch-all output pattern like "*" collects only real
// outputs.
func withoutRunnerFiles(matches []string) []string {
	out := matches[:0]
	for _, m := range matches {
		switch filepath.Base(m) {
		case scriptFile, stdoutFile, stderrFile:
		default:
			out = append(out, m)
		}
	}
	return out
}

// tail returns up to stderrTailBytes from the end of the file at path.
func tail(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return ""
	}
	offset := info.Size() - stderrTailBytes
	if offset < 0 {
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return ""
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return ""
	}
	return string(data)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
