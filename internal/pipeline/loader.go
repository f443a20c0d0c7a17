package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"

	"github.com/strandbio/strand/internal/ctxlog"
)

// Load parses the pipeline definition at path (a single .hcl file or a
// directory of them) into a Model. Loading is two-pass: all params blocks
// are evaluated first, then every other block is decoded with `params.<name>`
// in scope, so a definition may be split across files in any order.
func Load(ctx context.Context, path string) (*Model, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("Pipeline loader started.", "path", path)

	files, err := findHCLFiles(path)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no .hcl pipeline files found at %s", path)
	}
	logger.Debug("Discovered pipeline files.", "count", len(files))

	parser := hclparse.NewParser()
	var bodies []hcl.Body
	for _, file := range files {
		hclFile, diags := parser.ParseHCLFile(file)
		if diags.HasErrors() {
			return nil, fmt.Errorf("failed to parse %s: %w", file, diags)
		}
		bodies = append(bodies, hclFile.Body)
	}

	evalCtx, err := buildParamsContext(bodies)
	if err != nil {
		return nil, err
	}

	model := &Model{}
	for i, body := range bodies {
		var root fileRoot
		if diags := gohcl.DecodeBody(body, evalCtx, &root); diags.HasErrors() {
			return nil, fmt.Errorf("failed to decode %s: %w", files[i], diags)
		}
		if err := mergeRoot(model, &root, files[i]); err != nil {
			return nil, err
		}
	}

	logger.Debug("Pipeline loading complete.",
		"seeds", len(model.Seeds),
		"stages", len(model.Stages),
		"combinators", len(model.Groups)+len(model.Joins)+len(model.Maps)+len(model.Fanouts))
	return model, nil
}

// findHCLFiles returns all .hcl files reachable from path, in walk order.
func findHCLFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("error accessing pipeline path %s: %w", path, err)
	}

	if !info.IsDir() {
		if filepath.Ext(path) != ".hcl" {
			return nil, fmt.Errorf("pipeline file %s is not an .hcl file", path)
		}
		return []string{path}, nil
	}

	var files []string
	err = filepath.Walk(path, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && filepath.Ext(p) == ".hcl" {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// buildParamsContext evaluates every params block attribute and returns the
// evaluation context exposing them as `params.<name>`. Params are literals;
// they cannot reference each other.
func buildParamsContext(bodies []hcl.Body) (*hcl.EvalContext, error) {
	values := make(map[string]cty.Value)
	for _, body := range bodies {
		var root paramsRoot
		if diags := gohcl.DecodeBody(body, nil, &root); diags.HasErrors() {
			return nil, fmt.Errorf("failed to decode params: %w", diags)
		}
		for _, block := range root.Params {
			attrs, diags := block.Body.JustAttributes()
			if diags.HasErrors() {
				return nil, fmt.Errorf("invalid params block: %w", diags)
			}
			for name, attr := range attrs {
				val, diags := attr.Expr.Value(nil)
				if diags.HasErrors() {
					return nil, fmt.Errorf("failed to evaluate param %q: %w", name, diags)
				}
				if _, dup := values[name]; dup {
					return nil, fmt.Errorf("param %q is defined more than once", name)
				}
				values[name] = val
			}
		}
	}

	vars := map[string]cty.Value{}
	if len(values) > 0 {
		vars["params"] = cty.ObjectVal(values)
	} else {
		vars["params"] = cty.EmptyObjectVal
	}
	return &hcl.EvalContext{Variables: vars}, nil
}

// mergeRoot translates one file's decoded blocks into the model.
func mergeRoot(model *Model, root *fileRoot, file string) error {
	if root.Pipeline != nil {
		settings, err := translateSettings(root.Pipeline)
		if err != nil {
			return fmt.Errorf("%s: %w", file, err)
		}
		if model.Settings != (Settings{}) {
			return fmt.Errorf("%s: duplicate pipeline block (already defined elsewhere)", file)
		}
		model.Settings = settings
	}
	for _, s := range root.Seeds {
		seed, err := translateSeed(s)
		if err != nil {
			return fmt.Errorf("%s: %w", file, err)
		}
		model.Seeds = append(model.Seeds, seed)
	}
	for _, s := range root.Stages {
		stage, err := translateStage(s)
		if err != nil {
			return fmt.Errorf("%s: %w", file, err)
		}
		model.Stages = append(model.Stages, stage)
	}
	for _, g := range root.Groups {
		model.Groups = append(model.Groups, &Group{Name: g.Name, From: g.From, Into: g.Into})
	}
	for _, j := range root.Joins {
		model.Joins = append(model.Joins, &Join{Name: j.Name, Left: j.Left, Right: j.Right, Into: j.Into})
	}
	for _, m := range root.Maps {
		mp, err := translateMap(m)
		if err != nil {
			return fmt.Errorf("%s: %w", file, err)
		}
		model.Maps = append(model.Maps, mp)
	}
	for _, f := range root.Fanouts {
		if len(f.Into) < 2 {
			return fmt.Errorf("%s: fanout %q must target at least two channels", file, f.Name)
		}
		model.Fanouts = append(model.Fanouts, &Fanout{Name: f.Name, From: f.From, Into: f.Into})
	}
	return nil
}

func translateSettings(p *pipelineSchema) (Settings, error) {
	s := Settings{OnFailure: FailureAbort}
	if p.Name != nil {
		s.Name = *p.Name
	}
	if p.WorkDir != nil {
		s.WorkDir = *p.WorkDir
	}
	if p.Results != nil {
		s.ResultsRoot = *p.Results
	}
	if p.Ledger != nil {
		s.LedgerPath = *p.Ledger
	}
	if p.MaxRunning != nil {
		if *p.MaxRunning < 1 {
			return Settings{}, fmt.Errorf("max_running must be at least 1, got %d", *p.MaxRunning)
		}
		s.MaxRunning = *p.MaxRunning
	}
	if p.OnFailure != nil {
		switch FailurePolicy(*p.OnFailure) {
		case FailureAbort, FailureContinue:
			s.OnFailure = FailurePolicy(*p.OnFailure)
		default:
			return Settings{}, fmt.Errorf("invalid on_failure %q: must be 'abort' or 'continue'", *p.OnFailure)
		}
	}
	if p.Grace != nil {
		grace, err := time.ParseDuration(*p.Grace)
		if err != nil {
			return Settings{}, fmt.Errorf("invalid grace duration: %w", err)
		}
		s.Grace = grace
	}
	if p.KeepWorkdirs != nil {
		s.KeepWorkdirs = *p.KeepWorkdirs
	}
	return s, nil
}

func translateSeed(s *seedSchema) (*Seed, error) {
	seed := &Seed{Channel: s.Channel}

	set := 0
	if s.File != nil {
		seed.Kind, seed.Path = SeedFile, *s.File
		// A single-file seed is almost always shared context (a reference
		// genome); broadcast is its default mode.
		seed.Broadcast = true
		set++
	}
	if s.Files != nil {
		seed.Kind, seed.Glob = SeedFiles, *s.Files
		set++
	}
	if s.Values != nil {
		seed.Kind, seed.Values = SeedValues, *s.Values
		set++
	}
	if s.Pairs != nil {
		seed.Kind, seed.PairGlob = SeedPairs, *s.Pairs
		if !strings.Contains(seed.PairGlob, "{1,2}") {
			return nil, fmt.Errorf("seed %q: pairs pattern %q must contain the {1,2} mate marker", s.Channel, seed.PairGlob)
		}
		set++
	}
	if set != 1 {
		return nil, fmt.Errorf("seed %q must set exactly one of file, files, values, or pairs", s.Channel)
	}

	if s.Mode != nil {
		switch *s.Mode {
		case "queue":
			seed.Broadcast = false
		case "broadcast":
			seed.Broadcast = true
		default:
			return nil, fmt.Errorf("seed %q: invalid mode %q: must be 'queue' or 'broadcast'", s.Channel, *s.Mode)
		}
	}
	return seed, nil
}

func translateStage(s *stageSchema) (*Stage, error) {
	stage := &Stage{
		Name:    s.Name,
		Command: s.Command,
		CPUs:    1,
		Combine: CombineZip,
		Retry:   Retry{MaxAttempts: 1},
	}
	if strings.TrimSpace(stage.Command) == "" {
		return nil, fmt.Errorf("stage %q has an empty command", s.Name)
	}

	for _, in := range s.Inputs {
		binding := InputBinding{Local: in.Local, Channel: in.Channel}
		if in.Mode != nil {
			switch *in.Mode {
			case "queue":
			case "broadcast":
				binding.Broadcast = true
			default:
				return nil, fmt.Errorf("stage %q input %q: invalid mode %q: must be 'queue' or 'broadcast'", s.Name, in.Local, *in.Mode)
			}
		}
		if in.Arity != nil {
			if *in.Arity < 1 {
				return nil, fmt.Errorf("stage %q input %q: arity must be at least 1", s.Name, in.Local)
			}
			binding.Arity = *in.Arity
		}
		stage.Inputs = append(stage.Inputs, binding)
	}

	if len(s.Outputs) == 0 {
		return nil, fmt.Errorf("stage %q declares no outputs", s.Name)
	}
	for _, out := range s.Outputs {
		binding := OutputBinding{Local: out.Local, Channel: out.Channel}
		switch {
		case out.Glob != nil && out.Value == nil:
			binding.Glob = *out.Glob
		case out.Value != nil && out.Glob == nil:
			binding.Value = *out.Value
		default:
			return nil, fmt.Errorf("stage %q output %q must set exactly one of glob or value", s.Name, out.Local)
		}
		if out.Mode != nil {
			switch *out.Mode {
			case "queue":
			case "broadcast":
				binding.Broadcast = true
			default:
				return nil, fmt.Errorf("stage %q output %q: invalid mode %q: must be 'queue' or 'broadcast'", s.Name, out.Local, *out.Mode)
			}
		}
		stage.Outputs = append(stage.Outputs, binding)
	}

	if s.CPUs != nil {
		if *s.CPUs < 1 {
			return nil, fmt.Errorf("stage %q: cpus must be at least 1", s.Name)
		}
		stage.CPUs = *s.CPUs
	}
	if s.Combine != nil {
		switch CombineMode(*s.Combine) {
		case CombineZip, CombineCross:
			stage.Combine = CombineMode(*s.Combine)
		default:
			return nil, fmt.Errorf("stage %q: invalid combine %q: must be 'zip' or 'cross'", s.Name, *s.Combine)
		}
	}
	if s.Ordered != nil {
		stage.Ordered = *s.Ordered
	}
	if s.Export != nil {
		stage.Export = *s.Export
	}
	if s.Retry != nil {
		if s.Retry.MaxAttempts < 1 {
			return nil, fmt.Errorf("stage %q: retry max_attempts must be at least 1", s.Name)
		}
		stage.Retry.MaxAttempts = s.Retry.MaxAttempts
		if s.Retry.Backoff != nil {
			backoff, err := time.ParseDuration(*s.Retry.Backoff)
			if err != nil {
				return nil, fmt.Errorf("stage %q: invalid retry backoff: %w", s.Name, err)
			}
			stage.Retry.Backoff = backoff
		}
	}
	return stage, nil
}

func translateMap(m *mapSchema) (*Map, error) {
	mp := &Map{Name: m.Name, From: m.From, Into: m.Into}

	switch {
	case m.Rekey != nil && m.Select == nil:
		re, err := regexp.Compile(*m.Rekey)
		if err != nil {
			return nil, fmt.Errorf("map %q: invalid rekey pattern: %w", m.Name, err)
		}
		if re.NumSubexp() < 1 {
			return nil, fmt.Errorf("map %q: rekey pattern %q needs a capture group for the new key", m.Name, *m.Rekey)
		}
		mp.Rekey = re
	case m.Select != nil && m.Rekey == nil:
		if len(*m.Select) == 0 {
			return nil, fmt.Errorf("map %q: select needs at least one tuple index", m.Name)
		}
		for _, i := range *m.Select {
			if i < 0 {
				return nil, fmt.Errorf("map %q: select index %d is negative", m.Name, i)
			}
		}
		mp.Select = *m.Select
	default:
		return nil, fmt.Errorf("map %q must set exactly one of rekey or select", m.Name)
	}
	return mp, nil
}
