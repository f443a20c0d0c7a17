package scheduler

import (
	"sync"

	"github.com/willf/bitset"

	"github.com/strandbio/strand/internal/item"
	"github.com/strandbio/strand/internal/pipeline"
)

// emitter routes a stage's task outputs into its output channels. For an
// order-preserving stage it buffers out-of-order completions and releases
// them strictly in consumption index order; otherwise outputs flow out as
// tasks complete. Broadcast outputs accumulate and resolve once, when the
// stage finishes.
type emitter struct {
	stage *pipeline.Stage
	chans *channels

	mu       sync.Mutex
	done     *bitset.BitSet
	buffered map[int]map[string][]item.Item
	next     int
	pending  map[string][]item.Item
	finished bool
}

func newEmitter(stage *pipeline.Stage, chans *channels) *emitter {
	return &emitter{
		stage:    stage,
		chans:    chans,
		done:     bitset.New(64),
		buffered: make(map[int]map[string][]item.Item),
		pending:  make(map[string][]item.Item),
	}
}

// emit hands over one task's outputs, keyed by output local name. Failed
// tasks emit nil so an ordered stage does not stall behind them.
func (e *emitter) emit(idx int, outs map[string][]item.Item) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.stage.Ordered {
		e.sendLocked(outs)
		return
	}

	e.done.Set(uint(idx))
	if outs != nil {
		e.buffered[idx] = outs
	}
	for e.done.Test(uint(e.next)) {
		e.sendLocked(e.buffered[e.next])
		delete(e.buffered, e.next)
		e.next++
	}
}

// sendLocked pushes one task's items into the output channels in declared
// binding order. Broadcast outputs are deferred until finish.
func (e *emitter) sendLocked(outs map[string][]item.Item) {
	if outs == nil {
		return
	}
	for _, binding := range e.stage.Outputs {
		items := outs[binding.Local]
		if binding.Broadcast {
			e.pending[binding.Channel] = append(e.pending[binding.Channel], items...)
			continue
		}
		q := e.chans.queues[binding.Channel]
		for _, it := range items {
			// ErrClosed can only mean the run is winding down.
			_ = q.Send(it)
		}
	}
}

// finish closes the stage's queue outputs and resolves its broadcast
// outputs with everything accumulated. Safe to call exactly once per
// stage; the feeder defers it.
func (e *emitter) finish() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.finished {
		return
	}
	e.finished = true

	for _, binding := range e.stage.Outputs {
		if binding.Broadcast {
			b := e.chans.broadcasts[binding.Channel]
			if !b.Resolved() {
				_ = b.Resolve(e.pending[binding.Channel])
			}
			continue
		}
		e.chans.queues[binding.Channel].Close()
	}
}
