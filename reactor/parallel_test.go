package reactor

import (
	"context"
	"testing"
	"time"
)

func TestParallelExecutionMode_DispatchesThroughPool(t *testing.T) {
	eg, err := CreateGraph(
		WithNodesConfig(NodesConfig{
			Plugins: []Plugin{staticPlugin{}, aggPlugin{}},
			Nodes: []NodeDefinition{
				staticNode("a", 1, 2),
				staticNode("b", 10, 20),
				{ID: "sum", PluginID: "agg", Inputs: []string{"a", "b"}, Mode: ExecModeParallel},
			},
		}),
		WithOptions(EngineOptions{
			ExecutionMode:        ExecutionParallel,
			StabilizationTimeout: 5 * time.Second,
		}, ExecutionContextOptions{Parallel: ParallelOptions{MaxWorkers: 2}}),
	)
	if err != nil {
		t.Fatalf("CreateGraph: %v", err)
	}
	defer eg.Destroy()

	if eg.pool == nil {
		t.Fatal("parallel engine should construct a worker pool")
	}

	if err := eg.Execute(context.Background()); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	rs, _ := eg.GetState("sum")
	expectVector(t, vectorOf(t, rs), []float64{11, 22})
}

func TestSerialEngineDowngradesParallelNodes(t *testing.T) {
	eg, err := CreateGraph(
		WithNodesConfig(NodesConfig{
			Plugins: []Plugin{staticPlugin{}},
			Nodes: []NodeDefinition{
				{ID: "a", PluginID: "static", Config: map[string]any{"value": 1.0}, Mode: ExecModeParallel},
			},
		}),
	)
	if err != nil {
		t.Fatalf("CreateGraph: %v", err)
	}
	defer eg.Destroy()

	if eg.pool != nil {
		t.Fatal("serial engine should not construct a worker pool")
	}
	def, _ := eg.graph.Node("a")
	if def.Mode != ExecModeAsync {
		t.Errorf("parallel node should downgrade to async without a pool, got %s", def.Mode)
	}

	if err := eg.Execute(context.Background()); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	rs, _ := eg.GetState("a")
	if rs.LastValue == nil || rs.LastValue.Data.(float64) != 1.0 {
		t.Errorf("downgraded node never computed: %+v", rs.LastValue)
	}
}

func TestWorkerCountDefaults(t *testing.T) {
	if n := defaultWorkerCount(); n < 1 {
		t.Errorf("default worker count must be at least 1, got %d", n)
	}
}
