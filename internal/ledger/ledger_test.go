package ledger

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "strand.db"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestLedger_RecordsRunLifecycle(t *testing.T) {
	t.Parallel()
	l := openTemp(t)

	require.NoError(t, l.RunStarted("run-1", "germline"))
	require.NoError(t, l.RunFinished("run-1", "failed"))

	rec, err := l.Run("run-1")
	require.NoError(t, err)
	assert.Equal(t, "germline", rec.Pipeline)
	assert.Equal(t, "failed", rec.Status)
	assert.False(t, rec.Started.IsZero())
	assert.False(t, rec.Finished.IsZero())
}

func TestLedger_RecordsTaskHistory(t *testing.T) {
	t.Parallel()
	l := openTemp(t)

	require.NoError(t, l.RunStarted("run-2", "germline"))
	require.NoError(t, l.TaskStarted("run-2", "align", 0, "sampleA", "/work/align/0"))
	require.NoError(t, l.TaskStarted("run-2", "align", 1, "sampleB", "/work/align/1"))
	require.NoError(t, l.TaskFinished("run-2", "align", 0, "succeeded", 0, 1, ""))
	require.NoError(t, l.TaskFinished("run-2", "align", 1, "failed", 2, 2, "boom"))

	tasks, err := l.Tasks("run-2")
	require.NoError(t, err)
	require.Len(t, tasks, 2)

	assert.Equal(t, "succeeded", tasks[0].State)
	assert.Equal(t, "sampleA", tasks[0].Key)

	assert.Equal(t, "failed", tasks[1].State)
	assert.Equal(t, 2, tasks[1].ExitCode)
	assert.Equal(t, 2, tasks[1].Attempts)
	assert.Equal(t, "boom", tasks[1].StderrTail)
}

func TestLedger_ReopenSeesEarlierRuns(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "strand.db")
	l, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, l.RunStarted("run-3", "p"))
	require.NoError(t, l.Close())

	l2, err := Open(path)
	require.NoError(t, err)
	defer l2.Close()

	rec, err := l2.Run("run-3")
	require.NoError(t, err)
	assert.Equal(t, "running", rec.Status)
}
