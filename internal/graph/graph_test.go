package graph

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandbio/strand/internal/item"
	"github.com/strandbio/strand/internal/pipeline"
)

// chain returns a model with a broadcast reference seed, a paired-read seed,
// and two stages forming reference -> align -> sort.
func chain() *pipeline.Model {
	return &pipeline.Model{
		Seeds: []*pipeline.Seed{
			{Channel: "reference", Kind: pipeline.SeedFile, Path: "genome.fa", Broadcast: true},
			{Channel: "reads", Kind: pipeline.SeedPairs, PairGlob: "reads/*_{1,2}.fastq.gz"},
		},
		Stages: []*pipeline.Stage{
			{
				Name: "align",
				Inputs: []pipeline.InputBinding{
					{Local: "ref", Channel: "reference", Broadcast: true},
					{Local: "pair", Channel: "reads", Arity: 2},
				},
				Outputs: []pipeline.OutputBinding{
					{Local: "bam", Channel: "aligned", Glob: "*.bam"},
				},
				Command: "align",
			},
			{
				Name: "sort",
				Inputs: []pipeline.InputBinding{
					{Local: "bam", Channel: "aligned"},
				},
				Outputs: []pipeline.OutputBinding{
					{Local: "sorted", Channel: "sorted", Glob: "*.sorted.bam"},
				},
				Command: "sort",
			},
		},
	}
}

func TestBuild_ResolvesEdgesFromChannelReferences(t *testing.T) {
	t.Parallel()

	g, err := Build(context.Background(), chain())
	require.NoError(t, err)

	require.Len(t, g.Nodes, 4)
	align := g.Nodes["stage.align"]
	require.NotNil(t, align)
	assert.Contains(t, align.Deps, "seed.reference")
	assert.Contains(t, align.Deps, "seed.reads")
	assert.Contains(t, align.Dependents, "stage.sort")

	aligned := g.Channels["aligned"]
	require.NotNil(t, aligned)
	assert.Equal(t, "stage.align", aligned.Producer.ID)
	require.Len(t, aligned.Consumers, 1)
	assert.False(t, aligned.Broadcast)

	// The reference channel is broadcast and its shape is a single file.
	assert.True(t, g.Channels["reference"].Broadcast)
	assert.Equal(t, item.Shape{Kind: item.KindFile, Arity: 1}, g.Channels["reference"].Shape)
	assert.Equal(t, item.Shape{Kind: item.KindTuple, Arity: 2}, g.Channels["reads"].Shape)
}

func TestBuild_TopoOrderPutsDependenciesFirst(t *testing.T) {
	t.Parallel()

	g, err := Build(context.Background(), chain())
	require.NoError(t, err)

	order := g.TopoOrder()
	require.Len(t, order, 4)
	pos := make(map[string]int, len(order))
	for i, node := range order {
		pos[node.ID] = i
	}
	assert.Less(t, pos["seed.reference"], pos["stage.align"])
	assert.Less(t, pos["seed.reads"], pos["stage.align"])
	assert.Less(t, pos["stage.align"], pos["stage.sort"])
}

func TestBuild_UnresolvedChannelIsRejected(t *testing.T) {
	t.Parallel()

	model := chain()
	model.Stages[1].Inputs[0].Channel = "missing"

	_, err := Build(context.Background(), model)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "stage.sort")
	assert.Contains(t, err.Error(), `"missing"`)
}

func TestBuild_MultipleProducersAreRejected(t *testing.T) {
	t.Parallel()

	model := chain()
	model.Stages[1].Outputs[0].Channel = "aligned"

	_, err := Build(context.Background(), model)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "multiple producers")
	assert.Contains(t, err.Error(), `"aligned"`)
}

func TestBuild_CycleIsRejected(t *testing.T) {
	t.Parallel()

	model := chain()
	// sort feeds align back, closing a loop.
	model.Stages[0].Inputs = append(model.Stages[0].Inputs,
		pipeline.InputBinding{Local: "back", Channel: "sorted"})

	_, err := Build(context.Background(), model)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle detected")
}

func TestBuild_SelfConsumptionIsACycle(t *testing.T) {
	t.Parallel()

	model := &pipeline.Model{
		Stages: []*pipeline.Stage{{
			Name:    "loop",
			Inputs:  []pipeline.InputBinding{{Local: "in", Channel: "c"}},
			Outputs: []pipeline.OutputBinding{{Local: "out", Channel: "c", Glob: "*"}},
			Command: "loop",
		}},
	}

	_, err := Build(context.Background(), model)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle detected")
}

func TestBuild_QueueWithTwoConsumersPointsAtFanout(t *testing.T) {
	t.Parallel()

	model := chain()
	model.Stages = append(model.Stages, &pipeline.Stage{
		Name:    "stats",
		Inputs:  []pipeline.InputBinding{{Local: "bam", Channel: "aligned"}},
		Outputs: []pipeline.OutputBinding{{Local: "txt", Channel: "stats", Glob: "*.txt"}},
		Command: "stats",
	})

	_, err := Build(context.Background(), model)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "fanout")
	assert.Contains(t, err.Error(), `"aligned"`)
}

func TestBuild_FanoutLegalizesMultipleConsumers(t *testing.T) {
	t.Parallel()

	model := chain()
	model.Stages[1].Inputs[0].Channel = "aligned_for_sort"
	model.Stages = append(model.Stages, &pipeline.Stage{
		Name:    "stats",
		Inputs:  []pipeline.InputBinding{{Local: "bam", Channel: "aligned_for_stats"}},
		Outputs: []pipeline.OutputBinding{{Local: "txt", Channel: "stats", Glob: "*.txt"}},
		Command: "stats",
	})
	model.Fanouts = []*pipeline.Fanout{{
		Name: "split",
		From: "aligned",
		Into: []string{"aligned_for_sort", "aligned_for_stats"},
	}}

	g, err := Build(context.Background(), model)
	require.NoError(t, err)

	// Fanout targets inherit the source shape.
	assert.Equal(t, item.Shape{Kind: item.KindFile, Arity: 1}, g.Channels["aligned_for_stats"].Shape)
}

func TestBuild_FlavorMismatchIsRejected(t *testing.T) {
	t.Parallel()

	model := chain()
	// Binding the broadcast reference as a queue input is a config error.
	model.Stages[0].Inputs[0].Broadcast = false

	_, err := Build(context.Background(), model)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "broadcast")
}

func TestBuild_ArityMismatchIsRejected(t *testing.T) {
	t.Parallel()

	model := chain()
	model.Stages[1].Inputs[0].Arity = 4

	_, err := Build(context.Background(), model)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "arity 4")
	assert.Contains(t, err.Error(), "stage.sort")
}

func TestBuild_GroupAndJoinShapes(t *testing.T) {
	t.Parallel()

	model := chain()
	model.Stages[1].Inputs[0].Channel = "aligned_pairs"
	model.Joins = []*pipeline.Join{{Name: "pairup", Left: "aligned", Right: "tables", Into: "aligned_pairs"}}
	model.Seeds = append(model.Seeds, &pipeline.Seed{Channel: "tables", Kind: pipeline.SeedFiles, Glob: "*.table"})
	model.Groups = []*pipeline.Group{{Name: "by_sample", From: "sorted", Into: "per_sample"}}

	g, err := Build(context.Background(), model)
	require.NoError(t, err)

	assert.Equal(t, item.Shape{Kind: item.KindTuple, Arity: 2}, g.Channels["aligned_pairs"].Shape)
	assert.Equal(t, item.Shape{Kind: item.KindTuple, Arity: item.ArityAny}, g.Channels["per_sample"].Shape)
}

func TestBuild_MapSelectOutOfRangeIsRejected(t *testing.T) {
	t.Parallel()

	model := chain()
	model.Maps = []*pipeline.Map{{Name: "pick", From: "sorted", Into: "picked", Select: []int{3}}}

	_, err := Build(context.Background(), model)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "selects index 3")
}

func TestBuild_DeadEndChannelIsLegal(t *testing.T) {
	t.Parallel()

	model := chain()
	// "sorted" has no consumer; that is a dead end, not an error.
	g, err := Build(context.Background(), model)

	require.NoError(t, err)
	assert.Empty(t, g.Channels["sorted"].Consumers)
}
