package reactor

import (
	"context"
	"testing"
	"time"
)

// staticPlugin emits the "value" entry of its config.
type staticPlugin struct{}

func (staticPlugin) ID() string               { return "static" }
func (staticPlugin) Category() PluginCategory { return CategoryData }
func (staticPlugin) Compute(_ context.Context, _ map[string]Value, config map[string]any) (any, error) {
	return config["value"], nil
}

// aggPlugin sums its inputs pointwise: element i of the result is the sum
// of element i across every data input.
type aggPlugin struct{}

func (aggPlugin) ID() string               { return "agg" }
func (aggPlugin) Category() PluginCategory { return CategoryData }
func (aggPlugin) Compute(_ context.Context, inputs map[string]Value, _ map[string]any) (any, error) {
	var out []float64
	for _, v := range inputs {
		if v.Kind != KindData {
			continue
		}
		vec, ok := v.Data.([]any)
		if !ok {
			continue
		}
		if out == nil {
			out = make([]float64, len(vec))
		}
		for i, elem := range vec {
			if i >= len(out) {
				break
			}
			if n, ok := elem.(float64); ok {
				out[i] += n
			}
		}
	}
	result := make([]any, len(out))
	for i, n := range out {
		result[i] = n
	}
	return result, nil
}

func staticNode(id string, vec ...float64) NodeDefinition {
	value := make([]any, len(vec))
	for i, n := range vec {
		value[i] = n
	}
	return NodeDefinition{ID: id, PluginID: "static", Config: map[string]any{"value": value}}
}

func vectorOf(t *testing.T, rs NodeRuntimeState) []float64 {
	t.Helper()
	if rs.LastValue == nil || rs.LastValue.Kind != KindData {
		t.Fatalf("node has no data value: %+v", rs.LastValue)
	}
	raw, ok := rs.LastValue.Data.([]any)
	if !ok {
		t.Fatalf("expected a vector value, got %T", rs.LastValue.Data)
	}
	out := make([]float64, len(raw))
	for i, e := range raw {
		out[i] = e.(float64)
	}
	return out
}

func expectVector(t *testing.T, got, want []float64) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("vector length mismatch: got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("element %d: got %v, want %v", i, got, want)
		}
	}
}

func TestScenario_PointwiseAggregation(t *testing.T) {
	eg, err := CreateGraph(
		WithNodesConfig(NodesConfig{
			Plugins: []Plugin{staticPlugin{}, aggPlugin{}},
			Nodes: []NodeDefinition{
				staticNode("a", 1, 2),
				staticNode("b", 3, 4),
				{
					ID: "agg", PluginID: "agg", Inputs: []string{"a", "b"},
					Config: map[string]any{"isSubscribed": true, "mode": "pointwise"},
				},
			},
		}),
	)
	if err != nil {
		t.Fatalf("CreateGraph: %v", err)
	}
	defer eg.Destroy()

	if err := eg.Execute(context.Background()); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	rs, _ := eg.GetState("agg")
	expectVector(t, vectorOf(t, rs), []float64{4, 6})
}

func TestScenario_DiamondUpdate(t *testing.T) {
	nodes := []NodeDefinition{
		staticNode("A", 1, 2),
		staticNode("B", 3, 4),
		staticNode("C", 5, 6),
		{
			ID: "D", PluginID: "agg", Inputs: []string{"B", "C"},
			Config: map[string]any{"isSubscribed": true},
		},
	}
	eg, err := CreateGraph(
		WithNodesConfig(NodesConfig{
			Plugins: []Plugin{staticPlugin{}, aggPlugin{}},
			Nodes:   nodes,
		}),
	)
	if err != nil {
		t.Fatalf("CreateGraph: %v", err)
	}
	defer eg.Destroy()

	if err := eg.Execute(context.Background()); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	rs, _ := eg.GetState("D")
	expectVector(t, vectorOf(t, rs), []float64{8, 10})

	updated := []NodeDefinition{
		nodes[0], nodes[1],
		staticNode("C", 10, 20),
		nodes[3],
	}
	if err := eg.UpdateGraph(updated, UpdateOptions{}); err != nil {
		t.Fatalf("UpdateGraph: %v", err)
	}
	if err := eg.Execute(context.Background()); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	rs, _ = eg.GetState("D")
	expectVector(t, vectorOf(t, rs), []float64{13, 24})
}

func TestUpdateGraphDoesNotRecomputeUnaffectedSources(t *testing.T) {
	stable := &countingPlugin{id: "counted", val: 1.0}
	nodes := []NodeDefinition{
		{ID: "stable", PluginID: "counted"},
		staticNode("tuned", 5),
	}
	eg, err := CreateGraph(
		WithNodesConfig(NodesConfig{
			Plugins: []Plugin{stable, staticPlugin{}},
			Nodes:   nodes,
		}),
	)
	if err != nil {
		t.Fatalf("CreateGraph: %v", err)
	}
	defer eg.Destroy()

	if err := eg.Execute(context.Background()); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := stable.calls.Load(); got != 1 {
		t.Fatalf("expected one initial compute, got %d", got)
	}

	updated := []NodeDefinition{
		nodes[0],
		staticNode("tuned", 6),
	}
	if err := eg.UpdateGraph(updated, UpdateOptions{}); err != nil {
		t.Fatalf("UpdateGraph: %v", err)
	}
	if err := eg.Execute(context.Background()); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if got := stable.calls.Load(); got != 1 {
		t.Errorf("unaffected source recomputed on graph update, plugin ran %d times", got)
	}
	rs, _ := eg.GetState("stable")
	if rs.LastValue == nil || rs.LastValue.Data.(float64) != 1.0 {
		t.Errorf("unaffected source should keep its value, got %+v", rs.LastValue)
	}
	rs, _ = eg.GetState("tuned")
	expectVector(t, vectorOf(t, rs), []float64{6})
}

func TestScenario_PausedUpdateGraphIsDeferred(t *testing.T) {
	nodes := []NodeDefinition{
		staticNode("src", 10),
		{ID: "out", PluginID: "agg", Inputs: []string{"src"}},
	}
	eg, err := CreateGraph(
		WithNodesConfig(NodesConfig{
			Plugins: []Plugin{staticPlugin{}, aggPlugin{}},
			Nodes:   nodes,
		}),
	)
	if err != nil {
		t.Fatalf("CreateGraph: %v", err)
	}
	defer eg.Destroy()

	if err := eg.Execute(context.Background()); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	rs, _ := eg.GetState("out")
	expectVector(t, vectorOf(t, rs), []float64{10})

	if err := eg.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	updated := []NodeDefinition{
		staticNode("src", 20),
		nodes[1],
	}
	if err := eg.UpdateGraph(updated, UpdateOptions{}); err != nil {
		t.Fatalf("UpdateGraph: %v", err)
	}

	// While paused the structural change is deferred: out keeps its value.
	time.Sleep(30 * time.Millisecond)
	rs, _ = eg.GetState("out")
	expectVector(t, vectorOf(t, rs), []float64{10})

	if err := eg.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if err := eg.Execute(context.Background()); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	rs, _ = eg.GetState("out")
	expectVector(t, vectorOf(t, rs), []float64{20})
}
