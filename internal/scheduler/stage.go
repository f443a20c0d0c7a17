package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/strandbio/strand/internal/ctxlog"
	"github.com/strandbio/strand/internal/flow"
	"github.com/strandbio/strand/internal/graph"
	"github.com/strandbio/strand/internal/item"
	"github.com/strandbio/strand/internal/pipeline"
)

// runStageNode feeds one stage: it waits for all broadcast inputs to
// resolve, forms input combinations from the queue inputs, and dispatches
// one task per combination into the bounded worker pool. When the inputs
// are exhausted and every task has finished, the stage's output channels
// close (queues) or resolve (broadcasts).
func (s *Scheduler) runStageNode(ctx, killCtx context.Context, node *graph.Node, chans *channels, abort func()) error {
	stage := node.Stage
	logger := ctxlog.FromContext(ctx).With("stage", stage.Name)

	em := newEmitter(stage, chans)
	// Outputs must always close/resolve, even when the feeder bails out
	// early, or downstream consumers would wait forever.
	defer em.finish()

	var bsets [][]item.Item
	for _, in := range stage.BroadcastInputs() {
		items, err := chans.broadcasts[in.Channel].Items(ctx)
		if err != nil {
			return nil // run is winding down
		}
		bsets = append(bsets, items)
	}
	broadcastCombos := crossProduct(bsets)

	var wg sync.WaitGroup
	defer wg.Wait()

	taskIdx := 0
	dispatch := func(qItems []item.Item) bool {
		for _, bItems := range broadcastCombos {
			if s.aborted.Load() {
				return false
			}
			select {
			case s.slots <- struct{}{}:
			case <-ctx.Done():
				return false
			}
			idx := taskIdx
			taskIdx++
			wg.Add(1)
			go func(qItems, bItems []item.Item) {
				defer wg.Done()
				defer func() { <-s.slots }()
				s.runTask(killCtx, node, idx, qItems, bItems, em, abort)
			}(qItems, bItems)
		}
		return true
	}

	queueIns := stage.QueueInputs()
	switch {
	case len(queueIns) == 0:
		// Only broadcast inputs: a single combination per broadcast tuple.
		dispatch(nil)

	case stage.Combine == pipeline.CombineCross:
		combos, err := crossCombos(ctx, queueIns, chans)
		if err != nil {
			return err
		}
		for _, qItems := range combos {
			if !dispatch(qItems) {
				break
			}
		}

	default: // zip: consume pairwise in lock-step index order, streaming
		for {
			qItems, ok, err := zipStep(ctx, stage, queueIns, chans)
			if err != nil {
				return err
			}
			if !ok {
				break
			}
			if !dispatch(qItems) {
				break
			}
		}
	}

	wg.Wait()
	logger.Debug("Stage drained.", "tasks", taskIdx)
	return nil
}

// zipStep reads one item from each queue input. It returns ok=false on
// clean exhaustion and an error when channel lengths diverge, which is a
// malformed pipeline.
func zipStep(ctx context.Context, stage *pipeline.Stage, ins []pipeline.InputBinding, chans *channels) ([]item.Item, bool, error) {
	items := make([]item.Item, len(ins))
	exhausted := 0
	for i, in := range ins {
		it, ok, err := chans.readers[in.Channel].Next(ctx)
		if err != nil {
			return nil, false, nil // context cancelled, wind down quietly
		}
		if !ok {
			exhausted++
			continue
		}
		items[i] = it
	}
	if exhausted == len(ins) {
		return nil, false, nil
	}
	if exhausted > 0 {
		return nil, false, fmt.Errorf(
			"stage %q: queue inputs have diverging lengths; %d of %d channels exhausted early",
			stage.Name, exhausted, len(ins))
	}
	return items, true, nil
}

// crossCombos drains every queue input to completion and returns the full
// cross-product in index order.
func crossCombos(ctx context.Context, ins []pipeline.InputBinding, chans *channels) ([][]item.Item, error) {
	streams := make([][]item.Item, len(ins))
	for i, in := range ins {
		items, err := chans.readers[in.Channel].Drain(ctx)
		if err != nil {
			return nil, nil // context cancelled
		}
		streams[i] = items
	}
	return crossProduct(streams), nil
}

// crossProduct returns every selection of one element per input slice, in
// lexicographic index order. With no input slices it returns a single empty
// selection; with any empty slice it returns nothing.
func crossProduct(sets [][]item.Item) [][]item.Item {
	combos := [][]item.Item{nil}
	for _, set := range sets {
		if len(set) == 0 {
			return nil
		}
		var next [][]item.Item
		for _, combo := range combos {
			for _, it := range set {
				grown := make([]item.Item, len(combo), len(combo)+1)
				copy(grown, combo)
				next = append(next, append(grown, it))
			}
		}
		combos = next
	}
	return combos
}

// runCombinatorNode drives one reshaping combinator as a graph node with a
// trivial body.
func (s *Scheduler) runCombinatorNode(ctx context.Context, node *graph.Node, chans *channels) error {
	var err error
	switch node.Kind {
	case graph.KindGroup:
		err = flow.GroupByKey(ctx, chans.readers[node.Group.From], chans.queues[node.Group.Into])
	case graph.KindJoin:
		err = flow.JoinByKey(ctx,
			chans.readers[node.Join.Left], chans.readers[node.Join.Right],
			chans.queues[node.Join.Into])
	case graph.KindMap:
		var fn flow.MapFn
		if node.Map.Rekey != nil {
			fn = flow.RekeyFn(node.Map.Rekey)
		} else {
			fn = flow.SelectFn(node.Map.Select)
		}
		err = flow.Map(ctx, chans.readers[node.Map.From], chans.queues[node.Map.Into], fn)
	case graph.KindFanout:
		outs := make([]*flow.Queue, len(node.Fanout.Into))
		for i, name := range node.Fanout.Into {
			outs[i] = chans.queues[name]
		}
		err = flow.FanOut(ctx, chans.readers[node.Fanout.From], outs...)
	}
	if err != nil {
		return fmt.Errorf("combinator '%s': %w", node.ID, err)
	}
	return nil
}
