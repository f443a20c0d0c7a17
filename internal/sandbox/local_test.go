package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandbio/strand/internal/item"
)

func writeFile(t *testing.T, path, content string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLocal_StagesInputsAndCollectsOutputs(t *testing.T) {
	t.Parallel()

	tmp := t.TempDir()
	src := writeFile(t, filepath.Join(tmp, "data", "sampleA_1.fastq"), "reads")

	task := &Task{
		Stage:   "align",
		Key:     "sampleA",
		Dir:     filepath.Join(tmp, "work", "align", "0-sampleA"),
		Command: "cat sampleA_1.fastq > sampleA.bam",
		Inputs:  []item.FileRef{{Path: src, Name: "sampleA_1.fastq"}},
		Outputs: []OutputGlob{{Local: "bam", Pattern: "*.bam"}},
	}

	res, err := NewLocal().Run(context.Background(), task)
	require.NoError(t, err)

	assert.True(t, res.OK())
	assert.Equal(t, 0, res.ExitCode)
	require.Len(t, res.Outputs["bam"], 1)
	assert.Equal(t, filepath.Join(task.Dir, "sampleA.bam"), res.Outputs["bam"][0])

	content, err := os.ReadFile(res.Outputs["bam"][0])
	require.NoError(t, err)
	assert.Equal(t, "reads", string(content), "input must be readable under its staged name")
}

func TestLocal_NonZeroExitKeepsStderr(t *testing.T) {
	t.Parallel()

	task := &Task{
		Stage:   "broken",
		Dir:     filepath.Join(t.TempDir(), "work"),
		Command: "echo boom >&2; exit 3",
	}

	res, err := NewLocal().Run(context.Background(), task)
	require.NoError(t, err)

	assert.False(t, res.OK())
	assert.Equal(t, 3, res.ExitCode)
	assert.Contains(t, res.StderrTail, "boom")

	// The script and captured streams stay in place for diagnosis.
	_, statErr := os.Stat(filepath.Join(task.Dir, ".command.err"))
	assert.NoError(t, statErr)
}

func TestLocal_ZeroMatchGlobFailsTheTask(t *testing.T) {
	t.Parallel()

	task := &Task{
		Stage:   "silent",
		Dir:     filepath.Join(t.TempDir(), "work"),
		Command: "true",
		Outputs: []OutputGlob{{Local: "bam", Pattern: "*.bam"}},
	}

	res, err := NewLocal().Run(context.Background(), task)
	require.NoError(t, err)

	assert.Equal(t, 0, res.ExitCode)
	assert.False(t, res.OK(), "exit 0 with an unmatched output glob is still a failed task")
	assert.Equal(t, []string{"bam"}, res.GlobMisses)
}

func TestLocal_CatchAllGlobSkipsRunnerFiles(t *testing.T) {
	t.Parallel()

	task := &Task{
		Stage:   "touchy",
		Dir:     filepath.Join(t.TempDir(), "work"),
		Command: "touch a.txt b.txt",
		Outputs: []OutputGlob{{Local: "all", Pattern: "*"}},
	}

	res, err := NewLocal().Run(context.Background(), task)
	require.NoError(t, err)

	require.True(t, res.OK())
	require.Len(t, res.Outputs["all"], 2)
	assert.Equal(t, "a.txt", filepath.Base(res.Outputs["all"][0]))
	assert.Equal(t, "b.txt", filepath.Base(res.Outputs["all"][1]))
}

func TestLocal_MissingInputFailsStaging(t *testing.T) {
	t.Parallel()

	task := &Task{
		Stage:   "align",
		Dir:     filepath.Join(t.TempDir(), "work"),
		Command: "true",
		Inputs:  []item.FileRef{{Path: "/does/not/exist.fa", Name: "ref.fa"}},
	}

	_, err := NewLocal().Run(context.Background(), task)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot be materialized")
}

func TestLocal_CancellationKillsProcessGroup(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	task := &Task{
		Stage:   "sleepy",
		Dir:     filepath.Join(t.TempDir(), "work"),
		Command: "sleep 30",
	}

	done := make(chan *Result, 1)
	go func() {
		res, _ := NewLocal().Run(ctx, task)
		done <- res
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case res := <-done:
		require.NotNil(t, res)
		assert.NotEqual(t, 0, res.ExitCode, "a killed task must not report success")
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled task did not terminate")
	}
}

func TestExport_NamespacesByKey(t *testing.T) {
	t.Parallel()

	tmp := t.TempDir()
	a := writeFile(t, filepath.Join(tmp, "a.vcf"), "A")
	b := writeFile(t, filepath.Join(tmp, "b.vcf"), "B")
	results := filepath.Join(tmp, "results")

	require.NoError(t, Export(context.Background(), results, "sampleA", []string{a, b}))

	got, err := os.ReadFile(filepath.Join(results, "sampleA", "a.vcf"))
	require.NoError(t, err)
	assert.Equal(t, "A", string(got))
	_, err = os.Stat(filepath.Join(results, "sampleA", "b.vcf"))
	assert.NoError(t, err)
}
