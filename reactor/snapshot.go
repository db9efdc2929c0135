package reactor

import "encoding/json"

// SnapshotOptions is the portion of EngineOptions captured in an exported
// snapshot: the reactive-behavior tuning a re-imported engine should honor,
// as opposed to provider wiring (cache/logger/persistence/...), which a
// snapshot cannot carry and must be re-supplied by the host at ImportState
// time via the same CreateGraph call that produced the original engine.
type SnapshotOptions struct {
	ExecutionMode           string `json:"execution_mode"`
	DataNodesExecutionMode  string `json:"data_nodes_execution_mode"`
	EnableCancelableCompute bool   `json:"enable_cancelable_compute"`
	ThrottleTimeMS          uint   `json:"throttle_time_ms"`
	DebounceTimeMS          uint   `json:"debounce_time_ms"`
	DistinctValues          bool   `json:"distinct_values"`
	SilentErrors            bool   `json:"silent_errors"`
}

// SnapshotStats mirrors Stats for JSON export.
type SnapshotStats struct {
	NodesCount          uint64      `json:"nodes_count"`
	ComputeCount        uint64      `json:"compute_count"`
	ErrorCount          uint64      `json:"error_count"`
	ActiveSubscriptions int64       `json:"active_subscriptions"`
	CacheStats          *cacheStats `json:"cache_stats,omitempty"`
}

// cacheStats avoids importing the cache package's type directly into the
// JSON tag surface so SnapshotStats stays a plain, dependency-free DTO.
type cacheStats struct {
	Hits      uint64  `json:"hits"`
	Misses    uint64  `json:"misses"`
	Evictions uint64  `json:"evictions"`
	HitRatio  float64 `json:"hit_ratio"`
	Size      int     `json:"size"`
	MaxSize   int     `json:"max_size"`
}

// SnapshotNode is one node's exported definition and last known value.
type SnapshotNode struct {
	PluginID     string         `json:"plugin_id"`
	Config       map[string]any `json:"config"`
	Inputs       []string       `json:"inputs"`
	CurrentValue any            `json:"current_value,omitempty"`
}

// EngineStateSnapshot is the exportable/importable form of an
// ExecutableGraph's structure and data, used by ExportState/ImportState and
// by SaveState/LoadState through a Persistence Provider.
type EngineStateSnapshot struct {
	EngineID string                  `json:"engine_id"`
	State    string                  `json:"state"`
	Options  SnapshotOptions         `json:"options"`
	Stats    SnapshotStats           `json:"stats"`
	Nodes    map[string]SnapshotNode `json:"nodes"`
}

// Marshal serializes the snapshot to JSON, the wire format SaveState hands
// to a Persistence Provider.
func (s EngineStateSnapshot) Marshal() ([]byte, error) {
	return json.Marshal(s)
}

// UnmarshalSnapshot parses the JSON form produced by Marshal.
func UnmarshalSnapshot(data []byte) (EngineStateSnapshot, error) {
	var s EngineStateSnapshot
	err := json.Unmarshal(data, &s)
	return s, err
}

// ExportState captures the engine's current structure (node definitions) and
// data (each node's last computed value) into a serializable snapshot.
func (g *ExecutableGraph) ExportState() (EngineStateSnapshot, error) {
	snap := EngineStateSnapshot{
		EngineID: g.id,
		State:    string(g.lifecycle.State()),
		Options: SnapshotOptions{
			ExecutionMode:           g.options.ExecutionMode.String(),
			DataNodesExecutionMode:  g.options.DataNodesExecutionMode.String(),
			EnableCancelableCompute: g.options.EnableCancelableCompute,
			ThrottleTimeMS:          g.options.ThrottleTimeMS,
			DebounceTimeMS:          g.options.DebounceTimeMS,
			DistinctValues:          g.options.DistinctValues,
			SilentErrors:            g.options.SilentErrors,
		},
		Nodes: make(map[string]SnapshotNode, len(g.graph.NodeIDs())),
	}

	stats := g.GetStats()
	snap.Stats = SnapshotStats{
		NodesCount:          stats.NodesCount,
		ComputeCount:        stats.ComputeCount,
		ErrorCount:          stats.ErrorCount,
		ActiveSubscriptions: stats.ActiveSubscriptions,
	}
	if stats.CacheStats != nil {
		snap.Stats.CacheStats = &cacheStats{
			Hits:      stats.CacheStats.Hits,
			Misses:    stats.CacheStats.Misses,
			Evictions: stats.CacheStats.Evictions,
			HitRatio:  stats.CacheStats.HitRatio,
			Size:      stats.CacheStats.Size,
			MaxSize:   stats.CacheStats.MaxSize,
		}
	}

	for _, id := range g.graph.NodeIDs() {
		def, _ := g.graph.Node(id)
		rs, _ := g.scheduler.RuntimeState(id)
		var cv any
		if rs.LastValue != nil && rs.LastValue.Kind == KindData {
			cv = rs.LastValue.Data
		}
		snap.Nodes[id] = SnapshotNode{
			PluginID:     def.PluginID,
			Config:       def.Config,
			Inputs:       append([]string{}, def.Inputs...),
			CurrentValue: cv,
		}
	}
	return snap, nil
}

// ImportState rebuilds the engine's graph from a snapshot's node set
// (reusing the currently registered plugins) and seeds each node's last
// known value from the snapshot's recorded data. A snapshot that fails
// validation (unknown plugin, cycle) leaves the engine completely
// unchanged, matching UpdateGraph's atomicity guarantee. Because a JSON map
// has no declaration order, a round trip through ExportState/ImportState
// preserves every node's value and structure but may not preserve the
// original's declaration-order tie-break for topological sort.
func (g *ExecutableGraph) ImportState(snap EngineStateSnapshot) error {
	if g.lifecycle.IsDestroyed() {
		return ErrEngineDestroyed
	}

	defs := make([]NodeDefinition, 0, len(snap.Nodes))
	for id, n := range snap.Nodes {
		def := NodeDefinition{
			ID:       id,
			PluginID: n.PluginID,
			Inputs:   append([]string{}, n.Inputs...),
			Config:   n.Config,
		}
		if existing, ok := g.graph.Node(id); ok {
			def.Mode = existing.Mode
			def.Policy = existing.Policy
			def.Stream = existing.Stream
		}
		defs = append(defs, def)
	}
	applyStreamDefaults(defs, g.options)

	newGraph, err := NewGraph(defs)
	if err != nil {
		return err
	}
	for _, id := range newGraph.NodeIDs() {
		def, _ := newGraph.Node(id)
		if _, ok := g.registry.Lookup(def.PluginID); !ok {
			return &UnknownPluginError{NodeID: id, PluginID: def.PluginID}
		}
	}

	diffs := DiffGraphs(g.graph, newGraph)
	if err := g.applyGraphUpdate(newGraph, diffs); err != nil {
		return err
	}

	for id, n := range snap.Nodes {
		if n.CurrentValue == nil {
			continue
		}
		g.scheduler.seedClean(id, DataValue(n.CurrentValue))
	}
	return nil
}
