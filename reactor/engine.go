package reactor

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/flowmesh/reactor/cache"
	"github.com/flowmesh/reactor/logging"
	"github.com/flowmesh/reactor/notify"
	"github.com/flowmesh/reactor/persistence"
	"github.com/flowmesh/reactor/sanitize"
	"github.com/flowmesh/reactor/telemetry"
)

// Stats reports point-in-time engine counters, surfaced through GetStats and
// embedded in an exported snapshot.
type Stats struct {
	NodesCount          uint64
	ComputeCount        uint64
	ErrorCount          uint64
	ActiveSubscriptions int64
	CacheStats          *cache.Stats
}

// pendingGraphUpdate holds an UpdateGraph call submitted while the engine is
// PAUSED, applied once Resume runs.
type pendingGraphUpdate struct {
	graph *Graph
	diffs []NodeDiff
}

// ExecutableGraph is the materialized, runnable form of a GraphDefinition:
// the handle CreateGraph returns, tying together the graph model, plugin
// registry, scheduler, lifecycle controller, and provider wiring into the
// engine's public surface.
type ExecutableGraph struct {
	id        string
	graph     *Graph
	registry  *PluginRegistry
	lifecycle *LifecycleController
	scheduler *Scheduler
	pool      *WorkerPool
	cacheProv cache.Provider
	logger    *logging.Logger
	persist   persistence.Provider
	notifier  notify.Provider
	ctxProv   telemetry.ContextProvider
	metrics   *Metrics

	options  EngineOptions
	execOpts ExecutionContextOptions
	subs     *Subscriptions

	schedCtx    context.Context
	schedCancel context.CancelFunc

	mu            sync.Mutex
	internalSubs  []func()
	pendingUpdate *pendingGraphUpdate

	computeCount uint64
	errorCount   uint64
	activeSubs   int64
	statsUnsub   func()
}

// LongRunningHandle is returned by Run: an ExecutableGraph whose
// long-lived, repeatedly-reconfigurable use is signaled by also exposing
// UpdateGraph, as opposed to a one-shot Execute caller that never needs it.
type LongRunningHandle struct {
	*ExecutableGraph
}

func defaultWorkerCount() int {
	n := runtime.NumCPU() - 1
	if n < 1 {
		return 1
	}
	return n
}

// newExecutableGraph validates and materializes gd. Validation happens
// before any engine state is constructed so a rejected GraphDefinition never
// leaves behind partial state.
func newExecutableGraph(gd *GraphDefinition) (*ExecutableGraph, error) {
	registry := NewPluginRegistry()
	for _, p := range gd.Plugins {
		registry.Register(p)
	}

	nodes := make([]NodeDefinition, len(gd.Nodes))
	copy(nodes, gd.Nodes)

	if gd.Options.SanitizeInput {
		for i := range nodes {
			cleaned, report, err := sanitize.Sanitize(nodes[i].Config, sanitize.Options{
				MaxDepth: int(gd.Options.MaxDepth),
				Strict:   gd.Options.SanitizeStrict,
			})
			if err != nil {
				return nil, &InputGuardError{NodeID: nodes[i].ID, Reasons: report.Reasons}
			}
			if gd.Logger != nil && !report.Clean() {
				gd.Logger.InputGuard(context.Background(), nodes[i].ID, report.Reasons)
			}
			nodes[i].Config = cleaned
		}
	}

	applyStreamDefaults(nodes, gd.Options)

	// Without a worker pool (serial execution), a node declared
	// ExecModeParallel has nowhere to dispatch to; downgrade it to async so
	// it still runs off the scheduler's own goroutine instead of silently
	// blocking the dispatch loop.
	if gd.Options.ExecutionMode != ExecutionParallel {
		for i := range nodes {
			if nodes[i].Mode == ExecModeParallel {
				nodes[i].Mode = ExecModeAsync
			}
		}
	}

	graph, err := NewGraph(nodes)
	if err != nil {
		return nil, err
	}
	for _, id := range graph.NodeIDs() {
		def, _ := graph.Node(id)
		if _, ok := registry.Lookup(def.PluginID); !ok {
			return nil, &UnknownPluginError{NodeID: id, PluginID: def.PluginID}
		}
	}

	lifecycle := NewLifecycleController()

	var metrics *Metrics
	if gd.Options.CacheOptions.CollectMetrics {
		metrics = NewMetrics(nil)
	}

	cacheProv := gd.CacheProvider
	if cacheProv == nil && gd.Options.CacheOptions.Enabled {
		lru, err := cache.NewLRU(1024)
		if err != nil {
			return nil, err
		}
		cacheProv = lru
	}

	var pool *WorkerPool
	if gd.Options.ExecutionMode == ExecutionParallel {
		workers := gd.ExecutionContext.Parallel.MaxWorkers
		if workers <= 0 {
			workers = defaultWorkerCount()
		}
		pool = NewWorkerPool(workers, 64, metrics)
	}

	defaultTimeout := gd.Options.DefaultTimeout
	if defaultTimeout <= 0 && gd.ExecutionContext.Parallel.WorkerTimeoutMS > 0 {
		defaultTimeout = time.Duration(gd.ExecutionContext.Parallel.WorkerTimeoutMS) * time.Millisecond
	}

	id := uuid.NewString()

	schedCfg := SchedulerConfig{
		Cache:             cacheProv,
		Pool:              pool,
		Logger:            gd.Logger,
		Metrics:           metrics,
		ContextProvider:   gd.ContextProvider,
		DefaultTimeout:    defaultTimeout,
		RunID:             id,
		DataNodesAsync:    gd.Options.DataNodesExecutionMode == AsyncExecMode,
		CancelableCompute: gd.Options.EnableCancelableCompute,
		SilentErrors:      gd.Options.SilentErrors,
	}
	scheduler := NewScheduler(graph, registry, lifecycle, schedCfg)

	eg := &ExecutableGraph{
		id:        id,
		graph:     graph,
		registry:  registry,
		lifecycle: lifecycle,
		scheduler: scheduler,
		pool:      pool,
		cacheProv: cacheProv,
		logger:    gd.Logger,
		persist:   gd.Persistence,
		notifier:  gd.Notifications,
		ctxProv:   gd.ContextProvider,
		metrics:   metrics,
		options:   gd.Options,
		execOpts:  gd.ExecutionContext,
		subs:      gd.Subscriptions,
	}
	eg.trackStats()
	return eg, nil
}

func (g *ExecutableGraph) trackStats() {
	ch := g.lifecycle.Events().Subscribe(256)
	g.statsUnsub = func() { g.lifecycle.Events().Unsubscribe(ch) }
	go func() {
		for e := range ch {
			switch e.Type {
			case EventNodeComputeOK:
				atomic.AddUint64(&g.computeCount, 1)
			case EventNodeComputeError:
				atomic.AddUint64(&g.errorCount, 1)
			}
		}
	}()
}

// ID returns the engine's generated identifier.
func (g *ExecutableGraph) ID() string { return g.id }

// State returns the engine's current lifecycle state.
func (g *ExecutableGraph) State() LifecycleState { return g.lifecycle.State() }

func (g *ExecutableGraph) schedulerConfig() SchedulerConfig {
	defaultTimeout := g.options.DefaultTimeout
	if defaultTimeout <= 0 && g.execOpts.Parallel.WorkerTimeoutMS > 0 {
		defaultTimeout = time.Duration(g.execOpts.Parallel.WorkerTimeoutMS) * time.Millisecond
	}
	return SchedulerConfig{
		Cache:             g.cacheProv,
		Pool:              g.pool,
		Logger:            g.logger,
		Metrics:           g.metrics,
		ContextProvider:   g.ctxProv,
		DefaultTimeout:    defaultTimeout,
		RunID:             g.id,
		DataNodesAsync:    g.options.DataNodesExecutionMode == AsyncExecMode,
		CancelableCompute: g.options.EnableCancelableCompute,
		SilentErrors:      g.options.SilentErrors,
	}
}

// start transitions the engine into RUNNING (from INITIALIZED or PAUSED) and
// starts the scheduler's dispatch loop, idempotent if already RUNNING.
func (g *ExecutableGraph) start(context.Context) error {
	switch g.lifecycle.State() {
	case StateDestroyed:
		return ErrEngineDestroyed
	case StateRunning:
		return nil
	case StatePaused:
		return g.Resume()
	}
	if err := g.lifecycle.Start(); err != nil {
		return err
	}
	g.schedCtx, g.schedCancel = context.WithCancel(context.Background())
	g.scheduler.Run(g.schedCtx)
	g.wireSubscriptions()
	return nil
}

func (g *ExecutableGraph) wireSubscriptions() {
	subscribedIDs := make([]string, 0)
	for _, id := range g.graph.NodeIDs() {
		def, _ := g.graph.Node(id)
		if isSubscribed(def.Config) {
			subscribedIDs = append(subscribedIDs, id)
			g.scheduler.Demand(id)
		}
	}
	if g.subs == nil || len(subscribedIDs) == 0 {
		return
	}

	var handlers map[string]SubscriptionHandler
	switch {
	case g.subs.ByNode != nil:
		handlers = g.subs.ByNode
	case g.subs.Generator != nil:
		handlers = g.subs.Generator(subscribedIDs)
	case g.subs.Uniform != nil:
		handlers = make(map[string]SubscriptionHandler, len(subscribedIDs))
		for _, id := range subscribedIDs {
			handlers[id] = g.subs.Uniform
		}
	}

	for id, h := range handlers {
		stream, ok := g.scheduler.StreamFor(id)
		if !ok {
			continue
		}
		ch := stream.SubscribeExternal(8)
		g.mu.Lock()
		g.internalSubs = append(g.internalSubs, func() { stream.Unsubscribe(ch) })
		g.mu.Unlock()
		handler, nodeID := h, id
		go func() {
			for v := range ch {
				handler(nodeID, v)
			}
		}()
	}
}

// Execute runs the graph, blocking until it reaches quiescence (no node
// dirty or in flight) or the configured StabilizationTimeout elapses,
// whichever comes first. A timeout is not reported as an error: the caller
// can inspect individual node states via GetState to see what is still
// pending.
func (g *ExecutableGraph) Execute(ctx context.Context) error {
	if err := g.start(ctx); err != nil {
		return err
	}
	timeout := g.options.StabilizationTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()
	for {
		if g.scheduler.Quiescent() {
			return nil
		}
		if time.Now().After(deadline) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Run starts the graph without waiting for quiescence and returns a
// LongRunningHandle exposing UpdateGraph for ongoing, dynamic use.
func (g *ExecutableGraph) Run(ctx context.Context) (*LongRunningHandle, error) {
	if err := g.start(ctx); err != nil {
		return nil, err
	}
	return &LongRunningHandle{ExecutableGraph: g}, nil
}

// Pause transitions RUNNING -> PAUSED: in-flight computes continue, but new
// dirty marks produced by input propagation are coalesced instead of
// dispatched until Resume.
func (g *ExecutableGraph) Pause() error {
	if g.lifecycle.IsDestroyed() {
		return ErrEngineDestroyed
	}
	return g.lifecycle.Pause()
}

// Resume transitions PAUSED -> RUNNING, applies any UpdateGraph call
// deferred while paused, then marks every node with a coalesced deferred
// update dirty, in topological order, so recomputation respects dependency
// order rather than racing.
func (g *ExecutableGraph) Resume() error {
	if g.lifecycle.IsDestroyed() {
		return ErrEngineDestroyed
	}
	deferred, err := g.lifecycle.Resume()
	if err != nil {
		return err
	}

	g.mu.Lock()
	pu := g.pendingUpdate
	g.pendingUpdate = nil
	g.mu.Unlock()
	if pu != nil {
		if err := g.applyGraphUpdate(pu.graph, pu.diffs); err != nil {
			return err
		}
	}

	for _, id := range g.graph.TopoOrder() {
		if _, ok := deferred[id]; ok {
			g.scheduler.MarkDirty(id)
		}
	}
	g.scheduler.Kick()
	return nil
}

// Destroy tears the engine down: cancels the scheduler's dispatch loop,
// shuts down the worker pool, closes the persistence provider, and releases
// internal subscriptions. Safe to call more than once.
func (g *ExecutableGraph) Destroy() error {
	return g.lifecycle.Destroy(func() {
		var eg errgroup.Group
		eg.Go(func() error {
			if g.schedCancel != nil {
				g.schedCancel()
			}
			g.scheduler.Stop()
			return nil
		})
		eg.Go(func() error {
			if g.pool == nil {
				return nil
			}
			if g.execOpts.Parallel.DisableAutoCleanup {
				g.pool.ShutdownAsync()
			} else {
				g.pool.Shutdown()
			}
			return nil
		})
		eg.Go(func() error {
			if g.persist != nil {
				return g.persist.Close()
			}
			return nil
		})
		_ = eg.Wait()
		g.unsubscribeAll()
	})
}

// Stop is an alias for Destroy.
func (g *ExecutableGraph) Stop() error { return g.Destroy() }

func (g *ExecutableGraph) unsubscribeAll() {
	g.mu.Lock()
	subs := g.internalSubs
	g.internalSubs = nil
	g.mu.Unlock()
	for _, u := range subs {
		u()
	}
	if g.statsUnsub != nil {
		g.statsUnsub()
	}
}

// Observe subscribes to a node's output stream, demanding it (lifting the
// async-data-node gate, if any) and returning a channel of every value the
// node delivers from now on along with an idempotent unsubscribe function.
func (g *ExecutableGraph) Observe(nodeID string) (<-chan Value, func(), error) {
	if g.lifecycle.IsDestroyed() {
		return nil, nil, ErrEngineDestroyed
	}
	stream, ok := g.scheduler.StreamFor(nodeID)
	if !ok {
		return nil, nil, &UnknownInputError{NodeID: nodeID, Input: nodeID}
	}
	g.scheduler.Demand(nodeID)
	ch := stream.SubscribeExternal(8)
	atomic.AddInt64(&g.activeSubs, 1)

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			stream.Unsubscribe(ch)
			atomic.AddInt64(&g.activeSubs, -1)
		})
	}
	return ch, unsub, nil
}

// GetState returns a node's current runtime status.
func (g *ExecutableGraph) GetState(nodeID string) (NodeRuntimeState, bool) {
	return g.scheduler.RuntimeState(nodeID)
}

// GetStats returns a point-in-time snapshot of engine counters.
func (g *ExecutableGraph) GetStats() Stats {
	st := Stats{
		NodesCount:          uint64(len(g.graph.NodeIDs())),
		ComputeCount:        atomic.LoadUint64(&g.computeCount),
		ErrorCount:          atomic.LoadUint64(&g.errorCount),
		ActiveSubscriptions: atomic.LoadInt64(&g.activeSubs),
	}
	if g.cacheProv != nil {
		cs := g.cacheProv.Stats()
		st.CacheStats = &cs
	}
	return st
}

// On registers handler for every lifecycle/execution event of the given
// type and returns an idempotent unsubscribe function.
func (g *ExecutableGraph) On(event EventType, handler func(Event)) func() {
	ch := g.lifecycle.Events().Subscribe(32)
	var once sync.Once
	unsub := func() {
		once.Do(func() { g.lifecycle.Events().Unsubscribe(ch) })
	}
	go func() {
		for e := range ch {
			if e.Type == event {
				handler(e)
			}
		}
	}()
	return unsub
}

// Notify, Broadcast, SubscribeTopic, and UnsubscribeTopic delegate to the
// engine's Notification Provider, returning ProviderNotRegisteredError if
// none was configured via WithNotifications.

// Notify delivers payload directly to one connection.
func (g *ExecutableGraph) Notify(connectionID string, payload any) error {
	if g.notifier == nil {
		return &ProviderNotRegisteredError{Kind: "notification"}
	}
	g.notifier.Notify(connectionID, payload)
	return nil
}

// Broadcast delivers payload to every connection subscribed to topic.
func (g *ExecutableGraph) Broadcast(topic string, payload any) error {
	if g.notifier == nil {
		return &ProviderNotRegisteredError{Kind: "notification"}
	}
	g.notifier.Broadcast(topic, payload)
	return nil
}

// SubscribeTopic registers a connection's interest in topic.
func (g *ExecutableGraph) SubscribeTopic(connectionID, topic string) error {
	if g.notifier == nil {
		return &ProviderNotRegisteredError{Kind: "notification"}
	}
	g.notifier.Subscribe(connectionID, topic)
	return nil
}

// UnsubscribeTopic removes a connection's interest in topic.
func (g *ExecutableGraph) UnsubscribeTopic(connectionID, topic string) error {
	if g.notifier == nil {
		return &ProviderNotRegisteredError{Kind: "notification"}
	}
	g.notifier.Unsubscribe(connectionID, topic)
	return nil
}

// SaveState, LoadState, and DeleteState delegate to the engine's Persistence
// Provider, returning ProviderNotRegisteredError if none was configured via
// WithPersistence.

func (g *ExecutableGraph) SaveState(ctx context.Context, key string) error {
	if g.persist == nil {
		return &ProviderNotRegisteredError{Kind: "persistence"}
	}
	snap, err := g.ExportState()
	if err != nil {
		return err
	}
	data, err := snap.Marshal()
	if err != nil {
		return err
	}
	return g.persist.Save(ctx, key, data)
}

func (g *ExecutableGraph) LoadState(ctx context.Context, key string) error {
	if g.persist == nil {
		return &ProviderNotRegisteredError{Kind: "persistence"}
	}
	data, ok, err := g.persist.Load(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("reactor: no snapshot stored under key %q", key)
	}
	snap, err := UnmarshalSnapshot(data)
	if err != nil {
		return err
	}
	return g.ImportState(snap)
}

func (g *ExecutableGraph) DeleteState(ctx context.Context, key string) error {
	if g.persist == nil {
		return &ProviderNotRegisteredError{Kind: "persistence"}
	}
	return g.persist.Delete(ctx, key)
}

// applyStreamDefaults fills each node's unset stream-operator fields from
// the engine-wide options, so per-node StreamOptions act as overrides on
// top of the engine's throttle/debounce/distinct tuning.
func applyStreamDefaults(nodes []NodeDefinition, opts EngineOptions) {
	for i := range nodes {
		if opts.DistinctValues {
			nodes[i].Stream.DistinctValues = true
		}
		if nodes[i].Stream.ThrottleTimeMS == 0 {
			nodes[i].Stream.ThrottleTimeMS = int64(opts.ThrottleTimeMS)
		}
		if nodes[i].Stream.DebounceTimeMS == 0 {
			nodes[i].Stream.DebounceTimeMS = int64(opts.DebounceTimeMS)
		}
	}
}

// InvalidateCache drops nodeID's cached fingerprints and, if the node
// exists, marks it dirty so the next dispatch recomputes rather than
// serving stale data. The node is marked dirty whether or not anything
// subscribes to it or to its dependents.
func (g *ExecutableGraph) InvalidateCache(nodeID string) error {
	if g.lifecycle.IsDestroyed() {
		return ErrEngineDestroyed
	}
	if g.cacheProv != nil {
		g.cacheProv.InvalidateNode(nodeID)
	}
	if _, ok := g.graph.Node(nodeID); ok {
		g.scheduler.MarkDirty(nodeID)
	}
	return nil
}

// UpdateOptions configures UpdateGraph's behavior.
type UpdateOptions struct {
	// AutoStart, if true, applies the update immediately even while the
	// engine is PAUSED instead of deferring it until Resume.
	AutoStart bool
}

// UpdateGraph atomically validates and applies a new node definition set.
// A validation failure (cycle, unknown input, unresolvable plugin) leaves
// the running graph completely unchanged. Nodes whose definition didn't
// change, and that aren't downstream of one that did, keep their last
// computed value rather than recomputing from scratch.
func (g *ExecutableGraph) UpdateGraph(defs []NodeDefinition, opts UpdateOptions) error {
	if g.lifecycle.IsDestroyed() {
		return ErrEngineDestroyed
	}
	defsCopy := make([]NodeDefinition, len(defs))
	copy(defsCopy, defs)
	defs = defsCopy
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

	if g.lifecycle.IsPaused() && !opts.AutoStart {
		g.mu.Lock()
		g.pendingUpdate = &pendingGraphUpdate{graph: newGraph, diffs: diffs}
		g.mu.Unlock()
		return nil
	}
	return g.applyGraphUpdate(newGraph, diffs)
}

// applyGraphUpdate swaps in newGraph and a freshly built Scheduler over it,
// carrying forward the last known value of every node that is unchanged and
// not downstream of a changed node, so external subscribers don't see a
// spurious reset.
func (g *ExecutableGraph) applyGraphUpdate(newGraph *Graph, diffs []NodeDiff) error {
	g.mu.Lock()

	changed := make(map[string]bool, len(diffs))
	for _, d := range diffs {
		changed[d.NodeID] = true
	}
	affected := make(map[string]bool)
	var mark func(id string)
	mark = func(id string) {
		if affected[id] {
			return
		}
		affected[id] = true
		for _, out := range newGraph.Outputs(id) {
			mark(out)
		}
	}
	for id := range changed {
		if _, ok := newGraph.Node(id); ok {
			mark(id)
		}
	}

	oldScheduler := g.scheduler
	cfg := g.schedulerConfig()
	cfg.DeferInitialDirty = true
	newSched := NewScheduler(newGraph, g.registry, g.lifecycle, cfg)

	for _, id := range newGraph.NodeIDs() {
		if affected[id] {
			continue
		}
		if rs, ok := oldScheduler.RuntimeState(id); ok && rs.LastValue != nil {
			newSched.seedClean(id, *rs.LastValue)
		}
	}

	// Only the affected closure recomputes. Its roots (nodes whose inputs
	// are all carried over, or sources) are marked directly; the rest
	// follow through normal propagation as those roots publish. An
	// unaffected source with no carried-over value has never computed and
	// still needs its initial eager run.
	for _, id := range newGraph.TopoOrder() {
		if affected[id] {
			if newSched.InputsReady(id) {
				newSched.MarkDirty(id)
			}
			continue
		}
		if def, _ := newGraph.Node(id); len(def.Inputs) == 0 {
			if rs, ok := newSched.RuntimeState(id); ok && rs.LastValue == nil {
				newSched.MarkDirty(id)
			}
		}
	}

	if g.schedCancel != nil {
		g.schedCancel()
	}
	oldScheduler.Stop()
	g.graph = newGraph
	g.scheduler = newSched

	for _, d := range diffs {
		evt := EventNodeUpdated
		switch d.Kind {
		case DiffAdded:
			evt = EventNodeAdded
		case DiffRemoved:
			evt = EventNodeRemoved
		}
		g.lifecycle.Events().Publish(Event{Type: evt, NodeID: d.NodeID})
	}

	// The new scheduler's loop also starts while PAUSED: dispatch stays
	// gated by the pause check, and an update applied with AutoStart would
	// otherwise leave a scheduler that never runs after Resume.
	st := g.lifecycle.State()
	shouldWire := st == StateRunning || st == StatePaused
	if shouldWire {
		g.schedCtx, g.schedCancel = context.WithCancel(context.Background())
		g.scheduler.Run(g.schedCtx)
	}
	g.mu.Unlock()

	if shouldWire {
		g.wireSubscriptions()
	}
	return nil
}
