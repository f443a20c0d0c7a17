package integrationtests

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandbio/strand/internal/app"
	"github.com/strandbio/strand/internal/testutil"
)

// TestPipeline_EndToEndVariantChain runs a miniature cohort pipeline: paired
// reads per sample flow through a per-sample stage, are rekeyed onto one
// cohort key, grouped, and merged by a single joint stage whose result is
// exported.
func TestPipeline_EndToEndVariantChain(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	files := map[string]string{
		"data/ref.fa":      ">chr1\nACGT\n",
		"data/sampleA_1.fq": "A1\n",
		"data/sampleA_2.fq": "A2\n",
		"data/sampleB_1.fq": "B1\n",
		"data/sampleB_2.fq": "B2\n",
		"pipeline/main.hcl": `
pipeline {
  name = "mini-cohort"
}

params {
  data_dir = "{{root}}/data"
}

seed "reference" {
  file = "${params.data_dir}/ref.fa"
}

seed "reads" {
  pairs = "${params.data_dir}/*_{1,2}.fq"
}

stage "align" {
  input "ref" {
    channel = "reference"
    mode    = "broadcast"
  }
  input "pair" {
    channel = "reads"
  }
  output "bam" {
    channel = "aligned"
    glob    = "*.bam"
  }
  command = "cat ref.fa {pair.0} {pair.1} > {key}.bam"
}

map "cohort_key" {
  from  = "aligned"
  into  = "cohort"
  rekey = "^(sample)"
}

group "by_cohort" {
  from = "cohort"
  into = "cohort_bams"
}

stage "joint_call" {
  input "bams" {
    channel = "cohort_bams"
  }
  output "vcf" {
    channel = "calls"
    glob    = "*.vcf"
  }
  command = "cat {bams} > cohort.vcf"
  export  = true
}
`,
	}

	// --- Act ---
	res := testutil.RunPipeline(t, files)

	// --- Assert ---
	require.NoError(t, res.Err, "output:\n%s", res.Output)
	assert.Contains(t, res.Output, "succeeded")

	// One joint result, exported under the cohort key.
	vcf := filepath.Join(res.ResultsDir, "sample", "cohort.vcf")
	content, err := os.ReadFile(vcf)
	require.NoError(t, err, "exported joint result must exist")
	assert.Contains(t, string(content), "A1")
	assert.Contains(t, string(content), "A2")
	assert.Contains(t, string(content), "B1")
	assert.Contains(t, string(content), "B2")
	assert.Contains(t, string(content), ">chr1", "the broadcast reference reaches every task")

	// The run succeeded, so its working directories are reclaimed.
	entries, err := os.ReadDir(res.WorkDir)
	if err == nil {
		assert.Empty(t, entries, "working directories are reclaimed after success")
	}
}

func TestPipeline_PlanModeRunsNoTask(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	files := map[string]string{
		"pipeline/main.hcl": `
seed "samples" {
  values = ["a", "b"]
}

stage "touch" {
  input "s" {
    channel = "samples"
  }
  output "out" {
    channel = "done"
    glob    = "*.txt"
  }
  command = "touch {key}.txt"
}
`,
	}

	// --- Act ---
	res := testutil.RunPipelineWithConfig(context.Background(), t, files, func(cfg *app.Config) {
		cfg.Plan = true
	})

	// --- Assert ---
	require.NoError(t, res.Err)
	assert.Contains(t, res.Output, "execution order:")
	assert.Contains(t, res.Output, "stage.touch")
	assert.Contains(t, res.Output, "seed.samples")

	_, err := os.Stat(res.WorkDir)
	assert.True(t, os.IsNotExist(err), "plan mode must not create working directories")
}

func TestPipeline_FailureDiagnosticsRetainWorkdir(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	files := map[string]string{
		"pipeline/main.hcl": `
seed "samples" {
  values = ["broken"]
}

stage "crash" {
  input "s" {
    channel = "samples"
  }
  output "out" {
    channel = "done"
    glob    = "*.txt"
  }
  command = "echo no such reference >&2; exit 3"
}
`,
	}

	// --- Act ---
	res := testutil.RunPipeline(t, files)

	// --- Assert ---
	require.Error(t, res.Err)
	msg := res.Err.Error()
	assert.Contains(t, msg, `stage "crash" failed`)
	assert.Contains(t, msg, `key "broken"`)
	assert.Contains(t, msg, "workdir retained at")
	assert.Contains(t, msg, "no such reference", "the stderr tail is part of the diagnostic")
	assert.Contains(t, msg, "exited with code 3")

	// The failed task's working directory survives for debugging.
	crashDirs, err := filepath.Glob(filepath.Join(res.WorkDir, "*", "crash", "*"))
	require.NoError(t, err)
	require.NotEmpty(t, crashDirs, "the failed task's working directory must be retained")
	stderr, err := os.ReadFile(filepath.Join(crashDirs[0], ".command.err"))
	require.NoError(t, err)
	assert.Contains(t, string(stderr), "no such reference")
}

func TestPipeline_ContinuePolicyFinishesHealthyKeys(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	files := map[string]string{
		"pipeline/main.hcl": `
pipeline {
  on_failure = "continue"
}

seed "samples" {
  values = ["good", "bad", "fine"]
}

stage "filter" {
  input "s" {
    channel = "samples"
  }
  output "out" {
    channel = "done"
    glob    = "*.txt"
  }
  command = "test {s} != bad && echo {s} > {key}.txt"
  export  = true
}
`,
	}

	// --- Act ---
	res := testutil.RunPipeline(t, files)

	// --- Assert ---
	require.Error(t, res.Err, "a failed key still fails the run overall")
	assert.FileExists(t, filepath.Join(res.ResultsDir, "good", "good.txt"))
	assert.FileExists(t, filepath.Join(res.ResultsDir, "fine", "fine.txt"))
	assert.NoFileExists(t, filepath.Join(res.ResultsDir, "bad", "bad.txt"))
}

// TestPipeline_MultipleExportingStagesKeepDistinctResults guards against two
// stages that share a correlation key and an output basename overwriting each
// other's exported files.
func TestPipeline_MultipleExportingStagesKeepDistinctResults(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	files := map[string]string{
		"pipeline/main.hcl": `
seed "samples" {
  values = ["s1"]
}

stage "assemble" {
  input "s" {
    channel = "samples"
  }
  output "report" {
    channel = "assembled"
    glob    = "*.txt"
  }
  output "tag" {
    channel = "tags"
    value   = "{key}"
  }
  command = "echo draft > report.txt"
  export  = true
}

stage "polish" {
  input "tag" {
    channel = "tags"
  }
  output "report" {
    channel = "polished"
    glob    = "*.txt"
  }
  command = "echo final > report.txt"
  export  = true
}
`,
	}

	// --- Act ---
	res := testutil.RunPipeline(t, files)

	// --- Assert ---
	require.NoError(t, res.Err, "output:\n%s", res.Output)

	draft, err := os.ReadFile(filepath.Join(res.ResultsDir, "s1", "assemble", "report.txt"))
	require.NoError(t, err)
	assert.Equal(t, "draft\n", string(draft))

	final, err := os.ReadFile(filepath.Join(res.ResultsDir, "s1", "polish", "report.txt"))
	require.NoError(t, err)
	assert.Equal(t, "final\n", string(final))
}

func TestPipeline_ParamsResolveAcrossFiles(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	// The params block and its consumer live in different files; the loader
	// must still resolve params.greeting before decoding the stage.
	files := map[string]string{
		"pipeline/params.hcl": `
params {
  greeting = "hello cohort"
}
`,
		"pipeline/main.hcl": `
seed "trigger" {
  values = ["only"]
}

stage "greet" {
  input "t" {
    channel = "trigger"
  }
  output "out" {
    channel = "done"
    glob    = "*.txt"
  }
  command = "echo ${params.greeting} > greeting.txt"
  export  = true
}
`,
	}

	// --- Act ---
	res := testutil.RunPipeline(t, files)

	// --- Assert ---
	require.NoError(t, res.Err, "output:\n%s", res.Output)
	content, err := os.ReadFile(filepath.Join(res.ResultsDir, "only", "greeting.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello cohort\n", string(content))
}
