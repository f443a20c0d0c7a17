package pipeline

import "github.com/hashicorp/hcl/v2"

// The schema structs mirror the HCL surface of a pipeline definition file.
// They exist only inside the loader; everything downstream works with the
// translated model types.

// pipelineSchema is the `pipeline {}` run-settings block.
type pipelineSchema struct {
	Name         *string `hcl:"name,optional"`
	WorkDir      *string `hcl:"workdir,optional"`
	Results      *string `hcl:"results,optional"`
	Ledger       *string `hcl:"ledger,optional"`
	MaxRunning   *int    `hcl:"max_running,optional"`
	OnFailure    *string `hcl:"on_failure,optional"`
	Grace        *string `hcl:"grace,optional"`
	KeepWorkdirs *bool   `hcl:"keep_workdirs,optional"`
}

// paramsSchema captures the `params {}` block as a raw body; its attributes
// are evaluated in a first pass and exposed to every other block as
// `params.<name>`.
type paramsSchema struct {
	Body hcl.Body `hcl:",remain"`
}

// seedSchema is a `seed "<channel>" {}` block.
type seedSchema struct {
	Channel string    `hcl:"channel,label"`
	File    *string   `hcl:"file,optional"`
	Files   *string   `hcl:"files,optional"`
	Values  *[]string `hcl:"values,optional"`
	Pairs   *string   `hcl:"pairs,optional"`
	Mode    *string   `hcl:"mode,optional"`
}

// inputSchema is an `input "<local>" {}` block inside a stage.
type inputSchema struct {
	Local   string  `hcl:"local_name,label"`
	Channel string  `hcl:"channel"`
	Mode    *string `hcl:"mode,optional"`
	Arity   *int    `hcl:"arity,optional"`
}

// outputSchema is an `output "<local>" {}` block inside a stage.
type outputSchema struct {
	Local   string  `hcl:"local_name,label"`
	Channel string  `hcl:"channel"`
	Glob    *string `hcl:"glob,optional"`
	Value   *string `hcl:"value,optional"`
	Mode    *string `hcl:"mode,optional"`
}

// retrySchema is a `retry {}` block inside a stage.
type retrySchema struct {
	MaxAttempts int     `hcl:"max_attempts"`
	Backoff     *string `hcl:"backoff,optional"`
}

// stageSchema is a `stage "<name>" {}` block.
type stageSchema struct {
	Name    string          `hcl:"name,label"`
	Inputs  []*inputSchema  `hcl:"input,block"`
	Outputs []*outputSchema `hcl:"output,block"`
	Command string          `hcl:"command"`
	CPUs    *int            `hcl:"cpus,optional"`
	Combine *string         `hcl:"combine,optional"`
	Ordered *bool           `hcl:"ordered,optional"`
	Export  *bool           `hcl:"export,optional"`
	Retry   *retrySchema    `hcl:"retry,block"`
}

// groupSchema is a `group "<name>" {}` combinator block.
type groupSchema struct {
	Name string `hcl:"name,label"`
	From string `hcl:"from"`
	Into string `hcl:"into"`
}

// joinSchema is a `join "<name>" {}` combinator block.
type joinSchema struct {
	Name  string `hcl:"name,label"`
	Left  string `hcl:"left"`
	Right string `hcl:"right"`
	Into  string `hcl:"into"`
}

// mapSchema is a `map "<name>" {}` combinator block.
type mapSchema struct {
	Name   string  `hcl:"name,label"`
	From   string  `hcl:"from"`
	Into   string  `hcl:"into"`
	Rekey  *string `hcl:"rekey,optional"`
	Select *[]int  `hcl:"select,optional"`
}

// fanoutSchema is a `fanout "<name>" {}` combinator block.
type fanoutSchema struct {
	Name string   `hcl:"name,label"`
	From string   `hcl:"from"`
	Into []string `hcl:"into"`
}

// fileRoot decodes every block a pipeline file may contain.
type fileRoot struct {
	Pipeline *pipelineSchema `hcl:"pipeline,block"`
	Params   *paramsSchema   `hcl:"params,block"`
	Seeds    []*seedSchema   `hcl:"seed,block"`
	Stages   []*stageSchema  `hcl:"stage,block"`
	Groups   []*groupSchema  `hcl:"group,block"`
	Joins    []*joinSchema   `hcl:"join,block"`
	Maps     []*mapSchema    `hcl:"map,block"`
	Fanouts  []*fanoutSchema `hcl:"fanout,block"`
}

// paramsRoot is the first-pass decode target: only the params blocks, with
// everything else left undecoded.
type paramsRoot struct {
	Params []*paramsSchema `hcl:"params,block"`
	Remain hcl.Body        `hcl:",remain"`
}
