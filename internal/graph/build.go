package graph

import (
	"context"
	"fmt"
	"sort"

	"github.com/strandbio/strand/internal/ctxlog"
	"github.com/strandbio/strand/internal/item"
	"github.com/strandbio/strand/internal/pipeline"
)

// Build constructs the complete, validated dependency graph for a pipeline
// model. Any configuration error is fatal here, before execution starts.
func Build(ctx context.Context, model *pipeline.Model) (*Graph, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("Build: starting graph construction.")

	g := &Graph{
		Nodes:    make(map[string]*Node),
		Channels: make(map[string]*Channel),
	}

	if err := createNodes(model, g); err != nil {
		return nil, err
	}
	logger.Debug("Build: node creation complete.", "node_count", len(g.Nodes))

	if err := resolveProducers(g); err != nil {
		return nil, err
	}
	if err := resolveConsumers(g); err != nil {
		return nil, err
	}
	logger.Debug("Build: channel resolution complete.", "channel_count", len(g.Channels))

	linkEdges(g)

	if err := g.detectCycles(); err != nil {
		return nil, fmt.Errorf("error validating dependency graph: %w", err)
	}
	logger.Debug("Build: cycle detection passed.")

	if err := resolveShapes(g); err != nil {
		return nil, err
	}
	logger.Debug("Build: shape checks passed. Graph construction successful.")
	return g, nil
}

// createNodes performs the first pass: one node per declared block.
func createNodes(model *pipeline.Model, g *Graph) error {
	add := func(node *Node) error {
		if _, exists := g.Nodes[node.ID]; exists {
			return fmt.Errorf("duplicate definition of '%s'", node.ID)
		}
		g.Nodes[node.ID] = node
		return nil
	}
	newNode := func(kind Kind, name string) *Node {
		return &Node{
			ID:         fmt.Sprintf("%s.%s", kind, name),
			Name:       name,
			Kind:       kind,
			Deps:       make(map[string]*Node),
			Dependents: make(map[string]*Node),
		}
	}

	for _, s := range model.Seeds {
		node := newNode(KindSeed, s.Channel)
		node.Seed = s
		if err := add(node); err != nil {
			return err
		}
	}
	for _, s := range model.Stages {
		node := newNode(KindStage, s.Name)
		node.Stage = s
		if err := add(node); err != nil {
			return err
		}
	}
	for _, c := range model.Groups {
		node := newNode(KindGroup, c.Name)
		node.Group = c
		if err := add(node); err != nil {
			return err
		}
	}
	for _, c := range model.Joins {
		node := newNode(KindJoin, c.Name)
		node.Join = c
		if err := add(node); err != nil {
			return err
		}
	}
	for _, c := range model.Maps {
		node := newNode(KindMap, c.Name)
		node.Map = c
		if err := add(node); err != nil {
			return err
		}
	}
	for _, c := range model.Fanouts {
		node := newNode(KindFanout, c.Name)
		node.Fanout = c
		if err := add(node); err != nil {
			return err
		}
	}
	return nil
}

// resolveProducers performs the second pass: every channel gets its unique
// producer. A second producer on the same channel is a build error.
func resolveProducers(g *Graph) error {
	claim := func(name string, producer *Node, broadcast bool) error {
		if ch, exists := g.Channels[name]; exists {
			return fmt.Errorf("channel %q has multiple producers: '%s' and '%s'",
				name, ch.Producer.ID, producer.ID)
		}
		g.Channels[name] = &Channel{Name: name, Producer: producer, Broadcast: broadcast}
		return nil
	}

	// Iterate nodes via stable accessors per kind so error messages are
	// deterministic regardless of map order.
	for _, node := range sortedNodes(g) {
		switch node.Kind {
		case KindSeed:
			if err := claim(node.Seed.Channel, node, node.Seed.Broadcast); err != nil {
				return err
			}
		case KindStage:
			for _, out := range node.Stage.Outputs {
				if err := claim(out.Channel, node, out.Broadcast); err != nil {
					return err
				}
			}
		case KindGroup:
			if err := claim(node.Group.Into, node, false); err != nil {
				return err
			}
		case KindJoin:
			if err := claim(node.Join.Into, node, false); err != nil {
				return err
			}
		case KindMap:
			if err := claim(node.Map.Into, node, false); err != nil {
				return err
			}
		case KindFanout:
			for _, into := range node.Fanout.Into {
				if err := claim(into, node, false); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// resolveConsumers performs the third pass: attach every consumer to its
// channel, rejecting unresolved references and flavor mismatches.
func resolveConsumers(g *Graph) error {
	consume := func(name string, consumer *Node, wantBroadcast bool) error {
		ch, exists := g.Channels[name]
		if !exists {
			return fmt.Errorf("'%s' consumes channel %q, but no seed or stage produces it", consumer.ID, name)
		}
		if wantBroadcast != ch.Broadcast {
			return fmt.Errorf("'%s' binds channel %q as %s, but it is a %s channel",
				consumer.ID, name, flavor(wantBroadcast), flavor(ch.Broadcast))
		}
		ch.Consumers = append(ch.Consumers, consumer)
		return nil
	}

	for _, node := range sortedNodes(g) {
		switch node.Kind {
		case KindStage:
			for _, in := range node.Stage.Inputs {
				if err := consume(in.Channel, node, in.Broadcast); err != nil {
					return err
				}
			}
		case KindGroup:
			if err := consume(node.Group.From, node, false); err != nil {
				return err
			}
		case KindJoin:
			if err := consume(node.Join.Left, node, false); err != nil {
				return err
			}
			if err := consume(node.Join.Right, node, false); err != nil {
				return err
			}
		case KindMap:
			if err := consume(node.Map.From, node, false); err != nil {
				return err
			}
		case KindFanout:
			if err := consume(node.Fanout.From, node, false); err != nil {
				return err
			}
		}
	}

	// A queue channel is consumed at most once; broadcast channels and
	// dead-end channels (zero consumers) are both fine.
	for _, ch := range g.Channels {
		if !ch.Broadcast && len(ch.Consumers) > 1 {
			return fmt.Errorf("queue channel %q has %d consumers ('%s' and '%s'); replicate it with a fanout block instead",
				ch.Name, len(ch.Consumers), ch.Consumers[0].ID, ch.Consumers[1].ID)
		}
	}
	return nil
}

func flavor(broadcast bool) string {
	if broadcast {
		return "broadcast"
	}
	return "queue"
}

// linkEdges derives node dependencies from the resolved channels.
func linkEdges(g *Graph) {
	for _, ch := range g.Channels {
		for _, consumer := range ch.Consumers {
			if consumer.ID == ch.Producer.ID {
				continue // self-loop caught by cycle detection below
			}
			consumer.Deps[ch.Producer.ID] = ch.Producer
			ch.Producer.Dependents[consumer.ID] = consumer
		}
	}
	// Preserve self-consumption as an explicit self-edge so the cycle check
	// reports it.
	for _, ch := range g.Channels {
		for _, consumer := range ch.Consumers {
			if consumer.ID == ch.Producer.ID {
				consumer.Deps[consumer.ID] = consumer
				consumer.Dependents[consumer.ID] = consumer
			}
		}
	}
}

// detectCycles checks for circular dependencies in the graph using DFS.
func (g *Graph) detectCycles() error {
	visiting := make(map[string]bool)
	visited := make(map[string]bool)

	var visit func(node *Node) error
	visit = func(node *Node) error {
		visiting[node.ID] = true
		for _, dep := range node.Deps {
			if visiting[dep.ID] {
				return fmt.Errorf("cycle detected involving '%s'", dep.ID)
			}
			if !visited[dep.ID] {
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		delete(visiting, node.ID)
		visited[node.ID] = true
		return nil
	}

	for _, node := range sortedNodes(g) {
		if !visited[node.ID] {
			if err := visit(node); err != nil {
				return err
			}
		}
	}
	return nil
}

// resolveShapes derives each channel's static item shape from its producer
// and validates declared input arities against them.
func resolveShapes(g *Graph) error {
	memo := make(map[string]item.Shape)

	var shapeOf func(name string) (item.Shape, error)
	shapeOf = func(name string) (item.Shape, error) {
		if s, done := memo[name]; done {
			return s, nil
		}
		ch := g.Channels[name]

		var shape item.Shape
		switch node := ch.Producer; node.Kind {
		case KindSeed:
			switch node.Seed.Kind {
			case pipeline.SeedValues:
				shape = item.Shape{Kind: item.KindScalar, Arity: 1}
			case pipeline.SeedPairs:
				shape = item.Shape{Kind: item.KindTuple, Arity: 2}
			default:
				shape = item.Shape{Kind: item.KindFile, Arity: 1}
			}
		case KindStage:
			for _, out := range node.Stage.Outputs {
				if out.Channel != name {
					continue
				}
				if out.Value != "" {
					shape = item.Shape{Kind: item.KindScalar, Arity: 1}
				} else {
					shape = item.Shape{Kind: item.KindFile, Arity: 1}
				}
			}
		case KindGroup:
			shape = item.Shape{Kind: item.KindTuple, Arity: item.ArityAny}
		case KindJoin:
			shape = item.Shape{Kind: item.KindTuple, Arity: 2}
		case KindMap:
			from, err := shapeOf(node.Map.From)
			if err != nil {
				return item.Shape{}, err
			}
			shape, err = mapShape(node, from)
			if err != nil {
				return item.Shape{}, err
			}
		case KindFanout:
			from, err := shapeOf(node.Fanout.From)
			if err != nil {
				return item.Shape{}, err
			}
			shape = from
		}

		memo[name] = shape
		ch.Shape = shape
		return shape, nil
	}

	for _, ch := range sortedChannels(g) {
		if _, err := shapeOf(ch.Name); err != nil {
			return err
		}
	}

	for _, node := range sortedNodes(g) {
		if node.Kind != KindStage {
			continue
		}
		for _, in := range node.Stage.Inputs {
			if in.Arity == 0 {
				continue
			}
			shape := g.Channels[in.Channel].Shape
			if !shape.AcceptsArity(in.Arity) {
				return fmt.Errorf("'%s' input %q expects arity %d, but channel %q carries %s",
					node.ID, in.Local, in.Arity, in.Channel, shape)
			}
		}
	}
	return nil
}

// mapShape derives a map combinator's output shape from its input shape.
func mapShape(node *Node, from item.Shape) (item.Shape, error) {
	m := node.Map
	if m.Rekey != nil {
		return from, nil
	}

	for _, idx := range m.Select {
		if from.Kind == item.KindTuple && from.Arity != item.ArityAny && idx >= from.Arity {
			return item.Shape{}, fmt.Errorf("'%s' selects index %d, but channel %q carries %s",
				node.ID, idx, m.From, from)
		}
		if from.Kind != item.KindTuple && from.Kind != item.KindAny && idx > 0 {
			return item.Shape{}, fmt.Errorf("'%s' selects index %d, but channel %q carries %s",
				node.ID, idx, m.From, from)
		}
	}
	if len(m.Select) > 1 {
		return item.Shape{Kind: item.KindTuple, Arity: len(m.Select)}, nil
	}
	if from.Kind != item.KindTuple {
		return from, nil
	}
	// Selecting one element out of a mixed tuple: kind unknown statically.
	return item.Shape{Kind: item.KindAny, Arity: 1}, nil
}

// sortedNodes returns the graph's nodes ordered by ID for deterministic
// iteration and error reporting.
func sortedNodes(g *Graph) []*Node {
	ids := make([]string, 0, len(g.Nodes))
	for id := range g.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	nodes := make([]*Node, 0, len(ids))
	for _, id := range ids {
		nodes = append(nodes, g.Nodes[id])
	}
	return nodes
}

// sortedChannels returns the graph's channels ordered by name.
func sortedChannels(g *Graph) []*Channel {
	names := make([]string, 0, len(g.Channels))
	for name := range g.Channels {
		names = append(names, name)
	}
	sort.Strings(names)
	chans := make([]*Channel, 0, len(names))
	for _, name := range names {
		chans = append(chans, g.Channels[name])
	}
	return chans
}
