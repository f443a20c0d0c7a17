package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/strandbio/strand/internal/ctxlog"
	"github.com/strandbio/strand/internal/flow"
	"github.com/strandbio/strand/internal/graph"
	"github.com/strandbio/strand/internal/item"
	"github.com/strandbio/strand/internal/pipeline"
	"github.com/strandbio/strand/internal/sandbox"
)

// Options configures one run.
type Options struct {
	RunID        string
	WorkDir      string
	ResultsRoot  string
	MaxRunning   int
	OnFailure    pipeline.FailurePolicy
	Grace        time.Duration
	KeepWorkdirs bool
}

// Recorder receives task lifecycle events, typically backed by the ledger.
// Recording failures are logged, never fatal to the run.
type Recorder interface {
	TaskStarted(runID, stage string, index int, key, workdir string) error
	TaskFinished(runID, stage string, index int, state string, exitCode, attempts int, stderrTail string) error
}

// nopRecorder is used when no ledger is configured.
type nopRecorder struct{}

func (nopRecorder) TaskStarted(string, string, int, string, string) error { return nil }
func (nopRecorder) TaskFinished(string, string, int, string, int, int, string) error {
	return nil
}

// Failure describes one failed task instance for the run diagnostic.
type Failure struct {
	Stage      string
	Key        string
	WorkDir    string
	StderrTail string
	Err        error
}

// Error renders the diagnostic the spec requires: stage, input key,
// retained working directory, stderr tail.
func (f *Failure) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "stage %q failed", f.Stage)
	if f.Key != "" {
		fmt.Fprintf(&b, " for key %q", f.Key)
	}
	fmt.Fprintf(&b, ": %v (workdir retained at %s)", f.Err, f.WorkDir)
	if f.StderrTail != "" {
		fmt.Fprintf(&b, "\n  stderr: %s", strings.TrimSpace(f.StderrTail))
	}
	return b.String()
}

// Scheduler executes one pipeline graph.
type Scheduler struct {
	graph  *graph.Graph
	runner sandbox.Runner
	rec    Recorder
	opts   Options

	// slots bounds the number of concurrently running tasks.
	slots chan struct{}

	// exportPerStage adds the stage name to export paths when more than
	// one stage exports, so same-named outputs of one key never collide.
	exportPerStage bool

	mu       sync.Mutex
	failures []*Failure

	aborted   atomic.Bool
	abortOnce sync.Once

	succeeded atomic.Int64
	failed    atomic.Int64
}

// New returns a scheduler for the given graph. A nil recorder disables
// history recording.
func New(g *graph.Graph, runner sandbox.Runner, rec Recorder, opts Options) *Scheduler {
	if opts.MaxRunning < 1 {
		opts.MaxRunning = runtime.NumCPU()
	}
	if opts.Grace <= 0 {
		opts.Grace = 10 * time.Second
	}
	if opts.OnFailure == "" {
		opts.OnFailure = pipeline.FailureAbort
	}
	if rec == nil {
		rec = nopRecorder{}
	}
	exporting := 0
	for _, node := range g.Nodes {
		if node.Kind == graph.KindStage && node.Stage.Export {
			exporting++
		}
	}
	return &Scheduler{
		graph:          g,
		runner:         runner,
		rec:            rec,
		opts:           opts,
		slots:          make(chan struct{}, opts.MaxRunning),
		exportPerStage: exporting > 1,
	}
}

// Failures returns the failed task instances recorded during Run.
func (s *Scheduler) Failures() []*Failure {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Failure, len(s.failures))
	copy(out, s.failures)
	return out
}

// channels holds the materialized flow channels and each queue's single
// read handle for one run.
type channels struct {
	queues     map[string]*flow.Queue
	broadcasts map[string]*flow.Broadcast
	readers    map[string]*flow.Reader
}

// Run drives the whole graph: resolve seed channels, start one goroutine
// per stage and combinator node, and wait for the dataflow to drain. It
// returns a non-nil error if any task failed or any node hit a pipeline
// error, regardless of failure policy.
func (s *Scheduler) Run(ctx context.Context, seeds map[string][]item.Item) error {
	logger := ctxlog.FromContext(ctx)

	// feedCtx gates scheduling and combinator reads; killCtx gates running
	// task processes. Aborting cancels the former immediately and the
	// latter only after the grace period.
	feedCtx, stopFeeding := context.WithCancel(ctx)
	defer stopFeeding()
	killCtx, kill := context.WithCancel(ctx)
	defer kill()

	chans := s.materializeChannels()
	if err := s.resolveSeeds(chans, seeds); err != nil {
		return err
	}
	logger.Debug("Channels materialized and seeds resolved.",
		"channels", len(s.graph.Channels), "seeds", len(seeds))

	// The grace timer is tied to killCtx so it cannot outlive the run.
	var graceWG sync.WaitGroup
	abort := func() {
		s.abortOnce.Do(func() {
			s.aborted.Store(true)
			logger.Warn("Aborting run: no new tasks will be scheduled.",
				"grace", s.opts.Grace.String())
			stopFeeding()
			graceWG.Add(1)
			go func() {
				defer graceWG.Done()
				timer := time.NewTimer(s.opts.Grace)
				defer timer.Stop()
				select {
				case <-timer.C:
					logger.Warn("Grace period elapsed, force-terminating running tasks.")
					kill()
				case <-killCtx.Done():
				}
			}()
		})
	}

	var (
		wg       sync.WaitGroup
		errMu    sync.Mutex
		nodeErrs []error
	)
	record := func(err error) {
		if err == nil || errors.Is(err, context.Canceled) {
			return
		}
		errMu.Lock()
		nodeErrs = append(nodeErrs, err)
		errMu.Unlock()
		if s.opts.OnFailure == pipeline.FailureAbort {
			abort()
		}
	}

	for _, node := range s.graph.TopoOrder() {
		node := node
		switch node.Kind {
		case graph.KindSeed:
			// Already resolved above.
		case graph.KindStage:
			wg.Add(1)
			go func() {
				defer wg.Done()
				record(s.runStageNode(feedCtx, killCtx, node, chans, abort))
			}()
		default:
			wg.Add(1)
			go func() {
				defer wg.Done()
				record(s.runCombinatorNode(feedCtx, node, chans))
			}()
		}
	}

	wg.Wait()
	kill()
	graceWG.Wait()
	logger.Info("All graph nodes completed.",
		"tasks_succeeded", s.succeeded.Load(), "tasks_failed", s.failed.Load())

	errMu.Lock()
	defer errMu.Unlock()
	all := nodeErrs
	for _, f := range s.Failures() {
		all = append(all, f)
	}
	if len(all) > 0 {
		return fmt.Errorf("run failed: %w", errors.Join(all...))
	}
	return nil
}

// materializeChannels creates a flow channel per graph channel and
// subscribes every queue's single reader up front.
func (s *Scheduler) materializeChannels() *channels {
	chans := &channels{
		queues:     make(map[string]*flow.Queue),
		broadcasts: make(map[string]*flow.Broadcast),
		readers:    make(map[string]*flow.Reader),
	}
	for name, ch := range s.graph.Channels {
		if ch.Broadcast {
			chans.broadcasts[name] = flow.NewBroadcast()
			continue
		}
		q := flow.NewQueue()
		chans.queues[name] = q
		if len(ch.Consumers) > 0 {
			chans.readers[name] = q.Subscribe()
		}
	}
	return chans
}

// resolveSeeds feeds every seed channel its initial items. Queue seeds are
// closed immediately; broadcast seeds resolve their fixed value set.
func (s *Scheduler) resolveSeeds(chans *channels, seeds map[string][]item.Item) error {
	for name, items := range seeds {
		if b, ok := chans.broadcasts[name]; ok {
			if err := b.Resolve(items); err != nil {
				return fmt.Errorf("resolving seed channel %q: %w", name, err)
			}
			continue
		}
		q, ok := chans.queues[name]
		if !ok {
			return fmt.Errorf("seed channel %q is not part of the graph", name)
		}
		for _, it := range items {
			if err := q.Send(it); err != nil {
				return fmt.Errorf("seeding channel %q: %w", name, err)
			}
		}
		q.Close()
	}
	return nil
}

// recordFailure stores a failed task instance and returns whether the run
// policy demands an abort.
func (s *Scheduler) recordFailure(f *Failure) bool {
	s.mu.Lock()
	s.failures = append(s.failures, f)
	s.mu.Unlock()
	s.failed.Add(1)
	return s.opts.OnFailure == pipeline.FailureAbort
}
