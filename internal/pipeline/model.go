package pipeline

import (
	"regexp"
	"time"
)

// Model is the complete, format-agnostic representation of a pipeline
// definition. The loader populates it once; it is immutable afterwards.
type Model struct {
	Settings Settings
	Seeds    []*Seed
	Stages   []*Stage
	Groups   []*Group
	Joins    []*Join
	Maps     []*Map
	Fanouts  []*Fanout
}

// Settings carries the run-level configuration from the pipeline block.
// Zero values mean "not set"; the app layer applies defaults and CLI
// overrides.
type Settings struct {
	Name         string
	WorkDir      string
	ResultsRoot  string
	LedgerPath   string
	MaxRunning   int
	OnFailure    FailurePolicy
	Grace        time.Duration
	KeepWorkdirs bool
}

// FailurePolicy selects how the run reacts to a failed task.
type FailurePolicy string

const (
	// FailureAbort stops scheduling new tasks on the first failure, lets
	// running tasks finish, and exits non-zero. This is the default.
	FailureAbort FailurePolicy = "abort"
	// FailureContinue records the failure and keeps scheduling independent
	// work; the failed key never appears downstream.
	FailureContinue FailurePolicy = "continue"
)

// SeedKind discriminates the ways a seed block can provide items.
type SeedKind int

const (
	// SeedFile seeds the channel with a single file reference.
	SeedFile SeedKind = iota
	// SeedFiles seeds the channel with one file reference per glob match.
	SeedFiles
	// SeedValues seeds the channel with literal scalar values.
	SeedValues
	// SeedPairs seeds the channel with 2-tuples of mate files discovered by
	// a {1,2} alternation glob, keyed by the shared sample id.
	SeedPairs
)

// Seed declares a channel fed directly from configuration rather than from a
// stage. Exactly one of Path, Glob, Values, or PairGlob is set, matching Kind.
type Seed struct {
	Channel   string
	Kind      SeedKind
	Path      string
	Glob      string
	Values    []string
	PairGlob  string
	Broadcast bool
}

// CombineMode selects how a stage with multiple queue inputs forms task
// input combinations.
type CombineMode string

const (
	// CombineZip consumes queue inputs pairwise in lock-step index order.
	// Diverging channel lengths are a runtime pipeline error.
	CombineZip CombineMode = "zip"
	// CombineCross forms the full cross-product of all queue inputs.
	CombineCross CombineMode = "cross"
)

// InputBinding binds a stage-local name to a channel. Arity, when non-zero,
// is the tuple width the stage expects on that channel and is validated at
// graph build time.
type InputBinding struct {
	Local     string
	Channel   string
	Broadcast bool
	Arity     int
}

// OutputBinding declares how a succeeded task's results become a channel's
// items. Exactly one of Glob or Value is set: Glob collects produced files
// matching the pattern (one item per file), Value renders a scalar from the
// stage's template placeholders.
type OutputBinding struct {
	Local     string
	Channel   string
	Glob      string
	Value     string
	Broadcast bool
}

// Retry layers explicit re-attempts over a failed task without changing the
// task state machine. MaxAttempts counts total attempts, not retries.
type Retry struct {
	MaxAttempts int
	Backoff     time.Duration
}

// Stage is one declarative processing node: input bindings, output bindings,
// and an opaque command template the engine never inspects beyond
// placeholder substitution.
type Stage struct {
	Name    string
	Inputs  []InputBinding
	Outputs []OutputBinding
	Command string
	CPUs    int
	Combine CombineMode
	Ordered bool
	Export  bool
	Retry   Retry
}

// QueueInputs returns the stage's queue-mode input bindings in declared order.
func (s *Stage) QueueInputs() []InputBinding {
	var out []InputBinding
	for _, in := range s.Inputs {
		if !in.Broadcast {
			out = append(out, in)
		}
	}
	return out
}

// BroadcastInputs returns the stage's broadcast-mode input bindings in
// declared order.
func (s *Stage) BroadcastInputs() []InputBinding {
	var out []InputBinding
	for _, in := range s.Inputs {
		if in.Broadcast {
			out = append(out, in)
		}
	}
	return out
}

// Group declares a group-by-key combinator: buffer From until it closes,
// then emit one tuple per correlation key into Into.
type Group struct {
	Name string
	From string
	Into string
}

// Join declares a key-based intersection join of Left and Right into Into.
type Join struct {
	Name  string
	Left  string
	Right string
	Into  string
}

// Map declares an element-wise transform of From into Into. Exactly one of
// Rekey or Select is set: Rekey re-derives the correlation key from the
// pattern's first capture group, Select projects tuple elements by index.
type Map struct {
	Name   string
	From   string
	Into   string
	Rekey  *regexp.Regexp
	Select []int
}

// Fanout declares replication of From into every channel named in Into,
// each consumed independently.
type Fanout struct {
	Name string
	From string
	Into []string
}
