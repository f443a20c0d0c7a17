package graph

import (
	"fmt"
	"sort"

	"github.com/strandbio/strand/internal/item"
	"github.com/strandbio/strand/internal/pipeline"
)

// Kind discriminates the node flavors a pipeline graph contains.
type Kind int

const (
	// KindSeed produces a channel's items directly from configuration.
	KindSeed Kind = iota
	// KindStage runs an opaque command per input combination.
	KindStage
	// KindGroup is the group-by-key combinator.
	KindGroup
	// KindJoin is the key-based intersection join combinator.
	KindJoin
	// KindMap is the element-wise transform combinator.
	KindMap
	// KindFanout replicates one channel into several.
	KindFanout
)

// String returns the node kind as it appears in node IDs.
func (k Kind) String() string {
	switch k {
	case KindSeed:
		return "seed"
	case KindStage:
		return "stage"
	case KindGroup:
		return "group"
	case KindJoin:
		return "join"
	case KindMap:
		return "map"
	case KindFanout:
		return "fanout"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Node is one vertex of the resolved graph. Exactly one of the config
// pointers is non-nil, matching Kind.
type Node struct {
	ID   string
	Name string
	Kind Kind

	Seed   *pipeline.Seed
	Stage  *pipeline.Stage
	Group  *pipeline.Group
	Join   *pipeline.Join
	Map    *pipeline.Map
	Fanout *pipeline.Fanout

	// Deps are this node's upstream producers; Dependents its downstream
	// consumers. Both are keyed by node ID.
	Deps       map[string]*Node
	Dependents map[string]*Node
}

// Channel is the resolved identity of one named channel: its unique
// producer, its consumers, its flavor, and the static shape of its items.
type Channel struct {
	Name      string
	Producer  *Node
	Consumers []*Node
	Broadcast bool
	Shape     item.Shape
}

// Graph is the fully resolved and validated pipeline graph.
type Graph struct {
	Nodes    map[string]*Node
	Channels map[string]*Channel
}

// TopoOrder returns the node IDs in a deterministic topological order
// (dependencies before dependents, ties broken by ID). Build has already
// rejected cycles, so ordering cannot fail.
func (g *Graph) TopoOrder() []*Node {
	indegree := make(map[string]int, len(g.Nodes))
	for id, node := range g.Nodes {
		indegree[id] = len(node.Deps)
	}

	var ready []string
	for id, n := range indegree {
		if n == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	var order []*Node
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		node := g.Nodes[id]
		order = append(order, node)

		var unlocked []string
		for depID := range node.Dependents {
			indegree[depID]--
			if indegree[depID] == 0 {
				unlocked = append(unlocked, depID)
			}
		}
		sort.Strings(unlocked)
		ready = append(ready, unlocked...)
	}
	return order
}
