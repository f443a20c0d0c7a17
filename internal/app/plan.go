package app

import (
	"fmt"
	"sort"
	"strings"

	"github.com/strandbio/strand/internal/graph"
)

// plan prints the validated execution plan: every node in topological order
// with its upstream dependencies, then the channel table. No task runs.
func (a *App) plan() error {
	name := a.model.Settings.Name
	if name == "" {
		name = a.cfg.PipelinePath
	}
	fmt.Fprintf(a.outW, "pipeline %q: %d nodes, %d channels\n\n",
		name, len(a.graph.Nodes), len(a.graph.Channels))

	fmt.Fprintln(a.outW, "execution order:")
	for i, node := range a.graph.TopoOrder() {
		fmt.Fprintf(a.outW, "  %2d. %s%s\n", i+1, node.ID, planDeps(node))
	}

	fmt.Fprintln(a.outW, "\nchannels:")
	names := make([]string, 0, len(a.graph.Channels))
	for n := range a.graph.Channels {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		ch := a.graph.Channels[n]
		flavor := "queue"
		if ch.Broadcast {
			flavor = "broadcast"
		}
		consumers := make([]string, 0, len(ch.Consumers))
		for _, c := range ch.Consumers {
			consumers = append(consumers, c.ID)
		}
		sort.Strings(consumers)
		dest := strings.Join(consumers, ", ")
		if dest == "" {
			dest = "(unconsumed)"
		}
		fmt.Fprintf(a.outW, "  %s [%s %s] %s -> %s\n",
			n, flavor, ch.Shape, ch.Producer.ID, dest)
	}
	return nil
}

func planDeps(node *graph.Node) string {
	if len(node.Deps) == 0 {
		return ""
	}
	ids := make([]string, 0, len(node.Deps))
	for id := range node.Deps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return "  <- " + strings.Join(ids, ", ")
}
