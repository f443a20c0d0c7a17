package integrationtests

import (
	"context"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandbio/strand/internal/app"
	"github.com/strandbio/strand/internal/ledger"
	"github.com/strandbio/strand/internal/testutil"
)

var runIDRe = regexp.MustCompile(`run_id=([0-9a-f-]{36})`)

func TestPipeline_LedgerRecordsRunAndTasks(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	files := map[string]string{
		"pipeline/main.hcl": `
pipeline {
  name = "ledgered"
}

seed "samples" {
  values = ["s1", "s2"]
}

stage "touch" {
  input "s" {
    channel = "samples"
  }
  output "out" {
    channel = "done"
    glob    = "*.txt"
  }
  command = "echo {s} > {key}.txt"
}
`,
	}
	var ledgerPath string

	// --- Act ---
	res := testutil.RunPipelineWithConfig(context.Background(), t, files, func(cfg *app.Config) {
		ledgerPath = filepath.Join(filepath.Dir(cfg.WorkDir), "runs.db")
		cfg.LedgerPath = ledgerPath
	})

	// --- Assert ---
	require.NoError(t, res.Err, "output:\n%s", res.Output)

	match := runIDRe.FindStringSubmatch(res.Output)
	require.Len(t, match, 2, "the run id must appear in the logs")
	runID := match[1]

	led, err := ledger.Open(ledgerPath)
	require.NoError(t, err)
	defer led.Close()

	run, err := led.Run(runID)
	require.NoError(t, err)
	assert.Equal(t, "ledgered", run.Pipeline)
	assert.Equal(t, "succeeded", run.Status)
	assert.False(t, run.Finished.IsZero())

	tasks, err := led.Tasks(runID)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	for _, task := range tasks {
		assert.Equal(t, "touch", task.Stage)
		assert.Equal(t, "succeeded", task.State)
		assert.Equal(t, 1, task.Attempts)
	}
}
