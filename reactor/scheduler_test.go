package reactor

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// failPlugin always returns an error.
type failPlugin struct{ id string }

func (p failPlugin) ID() string               { return p.id }
func (p failPlugin) Category() PluginCategory { return CategoryData }
func (p failPlugin) Compute(_ context.Context, _ map[string]Value, _ map[string]any) (any, error) {
	return nil, errors.New("intentional failure")
}

// countingPlugin returns a fixed value and counts invocations.
type countingPlugin struct {
	id    string
	val   any
	calls atomic.Int64
}

func (p *countingPlugin) ID() string               { return p.id }
func (p *countingPlugin) Category() PluginCategory { return CategoryData }
func (p *countingPlugin) Compute(_ context.Context, _ map[string]Value, _ map[string]any) (any, error) {
	p.calls.Add(1)
	return p.val, nil
}

// slowEchoPlugin echoes its single input after a delay, honoring
// cancellation, and counts completed and canceled runs.
type slowEchoPlugin struct {
	id        string
	delay     time.Duration
	completed atomic.Int64
	canceled  atomic.Int64
}

func (p *slowEchoPlugin) ID() string               { return p.id }
func (p *slowEchoPlugin) Category() PluginCategory { return CategoryData }
func (p *slowEchoPlugin) Compute(ctx context.Context, inputs map[string]Value, _ map[string]any) (any, error) {
	select {
	case <-time.After(p.delay):
	case <-ctx.Done():
		p.canceled.Add(1)
		return nil, ctx.Err()
	}
	p.completed.Add(1)
	for _, v := range inputs {
		return v.Data, nil
	}
	return nil, nil
}

func TestScheduler_ErrorIsolation(t *testing.T) {
	eg, err := CreateGraph(
		WithNodesConfig(NodesConfig{
			Plugins: []Plugin{
				failPlugin{id: "fail"},
				constPlugin{id: "static", val: 42.0},
			},
			Nodes: []NodeDefinition{
				{ID: "err", PluginID: "fail"},
				{ID: "ok", PluginID: "static", Config: map[string]any{"isSubscribed": true}},
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

	errState, _ := eg.GetState("err")
	if errState.LastValue == nil || errState.LastValue.Kind != KindNull {
		t.Errorf("failed node should surface null, got %+v", errState.LastValue)
	}
	if errState.LastError == "" {
		t.Error("failed node should record its error")
	}

	okState, _ := eg.GetState("ok")
	if okState.LastValue == nil || okState.LastValue.Data.(float64) != 42.0 {
		t.Errorf("sibling node should be unaffected, got %+v", okState.LastValue)
	}

	if stats := eg.GetStats(); stats.ErrorCount < 1 {
		t.Errorf("expected error_count >= 1, got %d", stats.ErrorCount)
	}
}

func TestScheduler_FailedInputPropagatesAsNull(t *testing.T) {
	eg, err := CreateGraph(
		WithNodesConfig(NodesConfig{
			Plugins: []Plugin{failPlugin{id: "fail"}, sumPlugin{id: "sum"}},
			Nodes: []NodeDefinition{
				{ID: "err", PluginID: "fail"},
				{ID: "down", PluginID: "sum", Inputs: []string{"err"}},
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

	// The dependent still computed: it saw null as "missing" and summed 0.
	down, _ := eg.GetState("down")
	if down.LastValue == nil || down.LastValue.Data.(float64) != 0.0 {
		t.Errorf("dependent of a failed node should still compute, got %+v", down.LastValue)
	}
}

func TestScheduler_CacheHitBypassesCompute(t *testing.T) {
	counting := &countingPlugin{id: "static", val: 7.0}
	eg, err := CreateGraph(
		WithNodesConfig(NodesConfig{
			Plugins: []Plugin{counting},
			Nodes:   []NodeDefinition{{ID: "n", PluginID: "static"}},
		}),
		WithOptions(EngineOptions{
			DistinctValues:       true,
			CacheOptions:         CacheOptions{Enabled: true},
			StabilizationTimeout: 5 * time.Second,
		}, ExecutionContextOptions{}),
	)
	if err != nil {
		t.Fatalf("CreateGraph: %v", err)
	}
	defer eg.Destroy()

	if err := eg.Execute(context.Background()); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := counting.calls.Load(); got != 1 {
		t.Fatalf("expected one compute, got %d", got)
	}

	// Same fingerprint: served from cache, the plugin is not re-invoked.
	eg.scheduler.MarkDirty("n")
	if err := eg.Execute(context.Background()); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := counting.calls.Load(); got != 1 {
		t.Errorf("expected cache hit to bypass compute, plugin ran %d times", got)
	}

	// Node-scoped invalidation forces a fresh compute.
	if err := eg.InvalidateCache("n"); err != nil {
		t.Fatalf("InvalidateCache: %v", err)
	}
	if err := eg.Execute(context.Background()); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := counting.calls.Load(); got != 2 {
		t.Errorf("expected recompute after invalidation, plugin ran %d times", got)
	}

	stats := eg.GetStats()
	if stats.CacheStats == nil {
		t.Fatal("expected cache stats to be collected")
	}
	if stats.CacheStats.Hits < 1 || stats.CacheStats.Misses < 1 {
		t.Errorf("expected both hits and misses, got %+v", stats.CacheStats)
	}
}

func TestScheduler_CancellationSupersession(t *testing.T) {
	slow := &slowEchoPlugin{id: "slow", delay: 200 * time.Millisecond}
	eg, err := CreateGraph(
		WithNodesConfig(NodesConfig{
			Plugins: []Plugin{constPlugin{id: "static", val: 0.0}, slow},
			Nodes: []NodeDefinition{
				{ID: "src", PluginID: "static"},
				{ID: "echo", PluginID: "slow", Inputs: []string{"src"}, Mode: ExecModeAsync},
			},
		}),
		WithOptions(EngineOptions{
			EnableCancelableCompute: true,
			StabilizationTimeout:    10 * time.Second,
		}, ExecutionContextOptions{}),
	)
	if err != nil {
		t.Fatalf("CreateGraph: %v", err)
	}
	defer eg.Destroy()

	if _, err := eg.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	for i := 1; i <= 5; i++ {
		time.Sleep(50 * time.Millisecond)
		eg.scheduler.Inject("src", DataValue(float64(i)))
	}

	if err := eg.Execute(context.Background()); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	echo, _ := eg.GetState("echo")
	if echo.LastValue == nil || echo.LastValue.Data.(float64) != 5.0 {
		t.Fatalf("final value must reflect the latest input, got %+v", echo.LastValue)
	}
	if slow.canceled.Load() < 1 {
		t.Error("expected at least one superseded compute to be canceled")
	}
	if slow.completed.Load() > 3 {
		t.Errorf("expected most computes canceled, %d completed", slow.completed.Load())
	}
}

func TestScheduler_SkipPropagatesThroughUndemandedChain(t *testing.T) {
	eg, err := CreateGraph(
		WithNodesConfig(NodesConfig{
			Plugins: []Plugin{constPlugin{id: "static", val: 1.0}},
			Nodes: []NodeDefinition{
				{ID: "a", PluginID: "static"},
				{ID: "b", PluginID: "static", Inputs: []string{"a"}},
			},
		}),
		WithOptions(EngineOptions{
			DataNodesExecutionMode: AsyncExecMode,
			StabilizationTimeout:   time.Second,
		}, ExecutionContextOptions{}),
	)
	if err != nil {
		t.Fatalf("CreateGraph: %v", err)
	}
	defer eg.Destroy()

	stream, _ := eg.scheduler.StreamFor("b")
	ch := stream.Subscribe(8)

	if err := eg.Execute(context.Background()); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	select {
	case v := <-ch:
		if v.Kind != KindSkip {
			t.Fatalf("undemanded async chain should emit skip, got %+v", v)
		}
	case <-time.After(time.Second):
		t.Fatal("skip sentinel never propagated")
	}

	a, _ := eg.GetState("a")
	b, _ := eg.GetState("b")
	if a.ComputeCount != 0 || b.ComputeCount != 0 {
		t.Errorf("undemanded nodes must not compute, got %d and %d", a.ComputeCount, b.ComputeCount)
	}
}

func TestScheduler_TimeoutSurfacesAsTaskTimeout(t *testing.T) {
	slow := &slowEchoPlugin{id: "slow", delay: time.Second}
	eg, err := CreateGraph(
		WithNodesConfig(NodesConfig{
			Plugins: []Plugin{slow},
			Nodes: []NodeDefinition{
				{ID: "stuck", PluginID: "slow", Mode: ExecModeAsync, Policy: NodePolicy{Timeout: 30 * time.Millisecond}},
			},
		}),
		WithOptions(EngineOptions{StabilizationTimeout: 5 * time.Second}, ExecutionContextOptions{}),
	)
	if err != nil {
		t.Fatalf("CreateGraph: %v", err)
	}
	defer eg.Destroy()

	if err := eg.Execute(context.Background()); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	rs, _ := eg.GetState("stuck")
	if rs.LastError == "" {
		t.Fatal("expected a recorded timeout error")
	}
	if !strings.Contains(rs.LastError, "timeout") {
		t.Errorf("expected a timeout error, got %q", rs.LastError)
	}
	if rs.LastValue == nil || rs.LastValue.Kind != KindNull {
		t.Errorf("timed-out node should surface null, got %+v", rs.LastValue)
	}
}
