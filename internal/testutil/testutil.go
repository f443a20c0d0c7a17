// Package testutil provides the shared harness for pipeline integration
// tests: it materializes HCL definitions and input files into a temporary
// directory and runs the full application against them.
package testutil

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/strandbio/strand/internal/app"
)

// SafeBuffer is a thread-safe buffer for capturing log output in tests.
type SafeBuffer struct {
	b  bytes.Buffer
	mu sync.Mutex
}

// Write implements the io.Writer interface for SafeBuffer.
func (b *SafeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.Write(p)
}

// String implements the fmt.Stringer interface for SafeBuffer.
func (b *SafeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.String()
}

// HarnessResult holds the outcomes of an integration test run.
type HarnessResult struct {
	// Output is everything the app wrote: logs and the run summary.
	Output string
	Err    error

	// Root is the temporary directory the test ran in.
	Root string
	// WorkDir and ResultsDir are the run's working and results roots under
	// Root.
	WorkDir    string
	ResultsDir string
}

// RunPipeline writes the given files under a fresh temporary directory and
// runs the pipeline rooted at its "pipeline" subdirectory. The literal
// {{root}} in any file's content is replaced with the temporary directory's
// absolute path, so definitions can reference their input files.
func RunPipeline(t *testing.T, files map[string]string) *HarnessResult {
	t.Helper()
	return RunPipelineWithConfig(context.Background(), t, files, nil)
}

// RunPipelineWithConfig is RunPipeline with a caller-provided context and an
// optional hook to adjust the app configuration before the run.
func RunPipelineWithConfig(ctx context.Context, t *testing.T, files map[string]string, adjust func(*app.Config)) *HarnessResult {
	t.Helper()
	return RunPipelineAt(ctx, t, WriteTree(t, files), adjust)
}

// WriteTree materializes the given files under a fresh temporary directory
// and returns it. The literal {{root}} in any file's content is replaced
// with the directory's absolute path, so definitions can reference their
// input files.
func WriteTree(t *testing.T, files map[string]string) string {
	t.Helper()

	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "pipeline"), 0o755))

	for name, content := range files {
		path := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		content = strings.ReplaceAll(content, "{{root}}", root)
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return root
}

// RunPipelineAt runs the pipeline rooted at root's "pipeline" subdirectory.
// Calling it twice over the same root models a re-run against unchanged
// seeds and configuration.
func RunPipelineAt(ctx context.Context, t *testing.T, root string, adjust func(*app.Config)) *HarnessResult {
	t.Helper()

	pipelineDir := filepath.Join(root, "pipeline")
	res := &HarnessResult{
		Root:       root,
		WorkDir:    filepath.Join(root, "work"),
		ResultsDir: filepath.Join(root, "results"),
	}

	cfg, err := app.NewConfig(app.Config{
		PipelinePath: pipelineDir,
		LogFormat:    "text",
		LogLevel:     "debug",
		WorkDir:      res.WorkDir,
		ResultsRoot:  res.ResultsDir,
	})
	require.NoError(t, err)
	if adjust != nil {
		adjust(cfg)
	}

	out := &SafeBuffer{}
	testApp, err := app.New(out, cfg)
	if err != nil {
		res.Output = out.String()
		res.Err = err
		return res
	}
	res.Err = testApp.Run(ctx)
	res.Output = out.String()

	if os.Getenv("STRAND_TEST_LOGS") == "true" {
		t.Logf("--- Full output for %s ---\n%s", t.Name(), res.Output)
	}
	return res
}
