package reactor

import (
	"container/heap"
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/flowmesh/reactor/cache"
	"github.com/flowmesh/reactor/logging"
	"github.com/flowmesh/reactor/telemetry"
)

// nodeState is the scheduler's per-node bookkeeping: its clean/dirty/
// computing state, the inputs collected so far this wave, and the
// cancellation handle for an in-flight compute so a newer dirty mark can
// supersede it.
type nodeState struct {
	mu             sync.Mutex
	state          schedState
	generation     uint64
	cancel         context.CancelFunc
	inputs         map[string]Value
	received       map[string]bool
	allInputsReady bool
	lastValue      *Value
	lastErr        error
	computeCount   uint64
}

// workItem pairs a node id with its declaration index, the scheduler's
// deterministic tie-break for dispatch order.
type workItem struct {
	nodeID string
	order  uint64
}

// workHeap is a container/heap priority queue ordered by declaration
// index: a min-heap combined with the scheduler's own dirty-set
// bookkeeping gives deterministic, starvation-free dispatch order in which
// two dependents of the same changed node recompute in insertion order.
type workHeap []workItem

func (h workHeap) Len() int           { return len(h) }
func (h workHeap) Less(i, j int) bool { return h[i].order < h[j].order }
func (h workHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *workHeap) Push(x any)        { *h = append(*h, x.(workItem)) }
func (h *workHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Scheduler is the Execution Scheduler: it tracks per-node dirty/computing
// state, aggregates inputs, dispatches computes sync/async/parallel per
// node policy, consults the cache before invoking a plugin, and cancels a
// superseded in-flight compute before starting a fresh one.
type Scheduler struct {
	graph     *Graph
	registry  *PluginRegistry
	lifecycle *LifecycleController

	streams   map[string]*Stream
	states    map[string]*nodeState
	declIndex map[string]int

	cache       cache.Provider
	pool        *WorkerPool
	logger      *logging.Logger
	metrics     *Metrics
	ctxProvider telemetry.ContextProvider

	defaultTimeout time.Duration
	runID          string
	rng            *rand.Rand
	cancelable     bool
	silentErrors   bool

	// Under async data-node mode, a CategoryData node does not compute
	// until Demand has been called for it (directly, or transitively
	// through a downstream demand), and instead publishes SKIP_NODE_EXEC.
	// demanded is guarded by mu, alongside the heap.
	category  map[string]PluginCategory
	dataAsync bool
	demanded  map[string]bool

	mu      sync.Mutex
	heap    workHeap
	inQueue map[string]bool
	wakeup  chan struct{}
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// SchedulerConfig bundles the provider wiring a Scheduler needs, supplied
// by the Public Composition API when it materializes an ExecutableGraph.
type SchedulerConfig struct {
	Cache           cache.Provider
	Pool            *WorkerPool
	Logger          *logging.Logger
	Metrics         *Metrics
	ContextProvider telemetry.ContextProvider
	DefaultTimeout  time.Duration
	RunID           string
	// DataNodesAsync selects async_exec_mode (demand-driven CategoryData
	// nodes) over the sync_exec_mode default (eager).
	DataNodesAsync bool
	// CancelableCompute makes a newer dirty mark cancel a node's
	// in-flight compute before the replacement starts. Off, the old
	// compute runs to completion and the node recomputes afterwards.
	CancelableCompute bool
	// SilentErrors suppresses logger output for compute failures; the
	// failure is still counted and surfaced as a null emission.
	SilentErrors bool
	// DeferInitialDirty suppresses the constructor's source-node dirty
	// marking. UpdateGraph/ImportState set it so they can seed carried-over
	// values first and then dirty only the affected closure, instead of
	// recomputing every source on every structural change.
	DeferInitialDirty bool
}

// NewScheduler builds a Scheduler over g, wiring one output Stream per
// node and subscribing each node to the streams of its declared inputs.
func NewScheduler(g *Graph, registry *PluginRegistry, lifecycle *LifecycleController, cfg SchedulerConfig) *Scheduler {
	s := &Scheduler{
		graph:          g,
		registry:       registry,
		lifecycle:      lifecycle,
		streams:        make(map[string]*Stream, len(g.nodes)),
		states:         make(map[string]*nodeState, len(g.nodes)),
		declIndex:      make(map[string]int, len(g.nodes)),
		cache:          cfg.Cache,
		pool:           cfg.Pool,
		logger:         cfg.Logger,
		metrics:        cfg.Metrics,
		ctxProvider:    cfg.ContextProvider,
		defaultTimeout: cfg.DefaultTimeout,
		runID:          cfg.RunID,
		cancelable:     cfg.CancelableCompute,
		silentErrors:   cfg.SilentErrors,
		rng:            rand.New(rand.NewSource(int64(len(g.nodes)) + 1)),
		category:       make(map[string]PluginCategory, len(g.nodes)),
		dataAsync:      cfg.DataNodesAsync,
		demanded:       make(map[string]bool),
		inQueue:        make(map[string]bool),
		wakeup:         make(chan struct{}, 1),
		stopCh:         make(chan struct{}),
	}

	for i, id := range g.NodeIDs() {
		def, _ := g.Node(id)
		s.declIndex[id] = i
		s.streams[id] = NewStream(def.Stream)
		st := &nodeState{
			state:    stateClean,
			inputs:   make(map[string]Value),
			received: make(map[string]bool),
		}
		st.allInputsReady = len(def.Inputs) == 0
		s.states[id] = st
		if plugin, ok := registry.Lookup(def.PluginID); ok {
			s.category[id] = plugin.Category()
		}
	}

	s.wireInputs()

	// Source nodes (no declared inputs) have nothing to wait on, so they
	// are dirty from the start and queue immediately once Run is called.
	// A rebuilt scheduler defers this to its caller, which knows which
	// nodes actually changed.
	if !cfg.DeferInitialDirty {
		for _, id := range g.NodeIDs() {
			if def, _ := g.Node(id); len(def.Inputs) == 0 {
				s.MarkDirty(id)
			}
		}
	}
	return s
}

func (s *Scheduler) wireInputs() {
	for _, id := range s.graph.NodeIDs() {
		def, _ := s.graph.Node(id)
		for _, in := range def.Inputs {
			ch := s.streams[in].Subscribe(8)
			s.wg.Add(1)
			go s.forwardInput(id, in, ch)
		}
	}
}

func (s *Scheduler) forwardInput(nodeID, inputName string, ch <-chan Value) {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case v, ok := <-ch:
			if !ok {
				return
			}
			s.onInputValue(nodeID, inputName, v)
		}
	}
}

func (s *Scheduler) onInputValue(nodeID, inputName string, v Value) {
	def, _ := s.graph.Node(nodeID)
	st := s.states[nodeID]

	st.mu.Lock()
	st.inputs[inputName] = v
	st.received[inputName] = true
	if !st.allInputsReady && len(st.received) == len(def.Inputs) {
		st.allInputsReady = true
	}
	ready := st.allInputsReady
	st.mu.Unlock()

	if !ready {
		return
	}
	if s.lifecycle != nil && s.lifecycle.IsPaused() {
		s.lifecycle.RecordDeferred(nodeID, v)
		return
	}
	s.MarkDirty(nodeID)
}

// MarkDirty marks a node dirty and, if it is not already queued or
// currently computing, enqueues it for dispatch. If it is already
// computing and the engine enables cancelable compute, the in-flight
// compute is canceled (supersession); either way the node stays dirty so
// finish requeues it once the old compute settles.
func (s *Scheduler) MarkDirty(nodeID string) {
	st := s.states[nodeID]
	st.mu.Lock()
	switch st.state {
	case stateComputing:
		if s.cancelable && st.cancel != nil {
			st.cancel()
		}
		st.state = stateDirty
		st.mu.Unlock()
		return
	case stateDirty:
		st.mu.Unlock()
		return
	default:
		st.state = stateDirty
		st.mu.Unlock()
	}

	s.enqueue(nodeID)
}

func (s *Scheduler) enqueue(nodeID string) {
	s.mu.Lock()
	if !s.inQueue[nodeID] {
		s.inQueue[nodeID] = true
		heap.Push(&s.heap, workItem{nodeID: nodeID, order: uint64(s.declIndex[nodeID])})
		s.metrics.setQueueDepth(s.heap.Len())
	}
	s.mu.Unlock()

	select {
	case s.wakeup <- struct{}{}:
	default:
	}
}

// InputsReady reports whether every declared input of nodeID has a value
// (received or seeded), i.e. a dirty mark would dispatch rather than wait.
func (s *Scheduler) InputsReady(nodeID string) bool {
	st, ok := s.states[nodeID]
	if !ok {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.allInputsReady
}

// Kick wakes the dispatch loop without marking anything dirty, so work
// that queued up while the engine was paused is reconsidered on resume.
func (s *Scheduler) Kick() {
	select {
	case s.wakeup <- struct{}{}:
	default:
	}
}

// Run starts the scheduler's dispatch loop on the calling goroutine's
// behalf (it spawns its own goroutine and returns immediately). Call Stop
// to halt it.
func (s *Scheduler) Run(ctx context.Context) {
	s.wg.Add(1)
	go s.loop(ctx)
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	for {
		nodeID, ok := s.popReady()
		if !ok {
			select {
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			case <-s.wakeup:
				continue
			}
		}
		s.dispatch(ctx, nodeID)
	}
}

// popReady pops the earliest-declared dirty node that isn't paused-blocked.
func (s *Scheduler) popReady() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.heap.Len() == 0 {
		return "", false
	}
	if s.lifecycle != nil && s.lifecycle.IsPaused() {
		return "", false
	}
	item := heap.Pop(&s.heap).(workItem)
	delete(s.inQueue, item.nodeID)
	s.metrics.setQueueDepth(s.heap.Len())
	return item.nodeID, true
}

// shouldSkip reports whether nodeID's dispatch should publish SKIP_NODE_EXEC
// instead of invoking compute: either an upstream input itself skipped this
// wave, or the node is a CategoryData node under async_exec_mode that has
// not yet been Demand-ed by a subscriber.
func (s *Scheduler) shouldSkip(nodeID string, inputs map[string]Value) bool {
	for _, v := range inputs {
		if v.Kind == KindSkip {
			return true
		}
	}
	return s.isAsyncGated(nodeID)
}

func (s *Scheduler) isAsyncGated(nodeID string) bool {
	if !s.dataAsync || s.category[nodeID] != CategoryData {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.demanded[nodeID]
}

// Demand marks nodeID, and transitively every CategoryData ancestor of
// nodeID, as having an active consumer. Under async_exec_mode this lifts
// the skip-gate so the node (and any gated ancestor it depends on) computes
// on its next dispatch instead of publishing SKIP_NODE_EXEC. A no-op under
// sync_exec_mode, since no node is ever gated there. Idempotent.
func (s *Scheduler) Demand(nodeID string) {
	if !s.dataAsync {
		return
	}
	visited := make(map[string]bool)
	var walk func(id string)
	walk = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true
		def, ok := s.graph.Node(id)
		if !ok {
			return
		}
		for _, in := range def.Inputs {
			walk(in)
		}
	}
	walk(nodeID)

	s.mu.Lock()
	toWake := make([]string, 0, len(visited))
	for id := range visited {
		if s.category[id] == CategoryData && !s.demanded[id] {
			s.demanded[id] = true
			toWake = append(toWake, id)
		}
	}
	s.mu.Unlock()

	for _, id := range toWake {
		s.MarkDirty(id)
	}
}

// dispatch runs one node's compute, honoring its DispatchMode, policy
// timeout, retry policy, and the cache-first fast path.
func (s *Scheduler) dispatch(parent context.Context, nodeID string) {
	def, _ := s.graph.Node(nodeID)
	st := s.states[nodeID]

	st.mu.Lock()
	if st.state != stateDirty {
		st.mu.Unlock()
		return
	}
	inputsCopy := make(map[string]Value, len(st.inputs))
	for k, v := range st.inputs {
		inputsCopy[k] = v
	}
	st.mu.Unlock()

	if s.shouldSkip(nodeID, inputsCopy) {
		st.mu.Lock()
		if st.state == stateDirty {
			st.state = stateClean
		}
		st.mu.Unlock()
		s.streams[nodeID].Publish(SkipValue())
		return
	}

	st.mu.Lock()
	if st.state != stateDirty {
		st.mu.Unlock()
		return
	}
	st.state = stateComputing
	st.generation++
	gen := st.generation
	st.mu.Unlock()

	computeCtx, cancel := context.WithCancel(parent)
	st.mu.Lock()
	st.cancel = cancel
	st.mu.Unlock()

	runFn := func() {
		defer cancel()
		s.runCompute(computeCtx, nodeID, def, inputsCopy, gen)
	}

	switch {
	case def.Policy.IsDataNode || def.Mode == ExecModeSync:
		runFn()
	case def.Mode == ExecModeParallel && s.pool != nil:
		resultCh, err := s.pool.Submit(computeCtx, nodeID, func(ctx context.Context) (any, error) {
			return s.computeOnce(ctx, nodeID, def, inputsCopy)
		})
		if err != nil {
			s.finish(nodeID, gen, Value{}, err)
			cancel()
			return
		}
		go func() {
			defer cancel()
			r := <-resultCh
			s.finish(nodeID, gen, DataValue(r.value), r.err)
		}()
	default: // ExecModeAsync
		go runFn()
	}
}

// runCompute handles the cache lookup, retry loop, and timeout wrapping
// for sync/async dispatch (parallel dispatch instead goes through
// computeOnce via the worker pool in dispatch above).
func (s *Scheduler) runCompute(ctx context.Context, nodeID string, def *NodeDefinition, inputs map[string]Value, gen uint64) {
	v, err := s.computeOnce(ctx, nodeID, def, inputs)
	s.finish(nodeID, gen, DataValue(v), err)
}

func (s *Scheduler) computeOnce(ctx context.Context, nodeID string, def *NodeDefinition, inputs map[string]Value) (any, error) {
	plugin, ok := s.registry.Lookup(def.PluginID)
	if !ok {
		return nil, &UnknownPluginError{NodeID: nodeID, PluginID: def.PluginID}
	}

	fp, fpErr := Fingerprint(nodeID, def.Inputs, inputs, def.Config)
	if fpErr == nil && s.cache != nil {
		if cached, hit := s.cache.Get(fp); hit {
			s.metrics.recordCacheHit()
			return cached, nil
		}
		s.metrics.recordCacheMiss()
	}

	timeout := nodeTimeout(def.Policy, s.defaultTimeout)
	runCtx := ctx
	var cancelTimeout context.CancelFunc
	if timeout > 0 {
		runCtx, cancelTimeout = context.WithTimeout(ctx, timeout)
		defer cancelTimeout()
	}

	if s.ctxProvider != nil {
		var rt telemetry.RuntimeContext
		runCtx, rt = s.ctxProvider.NewRuntimeContext(runCtx, s.runID, nodeID)
		defer rt.Span.End()
	}

	s.publishLifecycleEvent(Event{Type: EventNodeComputeStart, NodeID: nodeID})

	start := time.Now()
	result, err := s.runWithRetry(runCtx, nodeID, def, plugin, inputs)
	s.metrics.observeCompute(nodeID, computeStatus(err), float64(time.Since(start).Milliseconds()))

	if err != nil {
		switch {
		case timeout > 0 && runCtx.Err() == context.DeadlineExceeded:
			err = &TaskTimeoutError{NodeID: nodeID, Timeout: timeout.String()}
		case ctx.Err() == context.Canceled:
			// Superseded or torn down: cancellation is not an error and
			// produces no emission.
			err = context.Canceled
		}
		return nil, err
	}

	if fpErr == nil && s.cache != nil {
		s.cache.Put(fp, result)
	}
	return result, nil
}

func computeStatus(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func (s *Scheduler) runWithRetry(ctx context.Context, nodeID string, def *NodeDefinition, plugin Plugin, inputs map[string]Value) (any, error) {
	policy := def.Policy.Retry
	maxAttempts := 1
	if policy != nil && policy.MaxAttempts > 0 {
		maxAttempts = policy.MaxAttempts
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		result, err := plugin.Compute(ctx, inputs, def.Config)
		if err == nil {
			return result, nil
		}
		lastErr = &PluginComputeError{NodeID: nodeID, Cause: err}
		if ctx.Err() != nil {
			return nil, lastErr
		}
		if attempt == maxAttempts-1 || !isRetryable(policy, err) {
			return nil, lastErr
		}
		delay := computeBackoff(attempt, policy.BaseDelay, policy.MaxDelay, s.rng)
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, lastErr
		}
	}
	return nil, lastErr
}

// finish records the outcome of a compute attempt at generation gen. A
// finish call for a stale generation (the node was superseded and is
// already computing again) is discarded. A node re-marked dirty while this
// attempt ran is requeued so the newer inputs are picked up.
func (s *Scheduler) finish(nodeID string, gen uint64, v Value, err error) {
	st := s.states[nodeID]
	st.mu.Lock()
	if st.generation != gen {
		st.mu.Unlock()
		return
	}
	superseded := st.state == stateDirty

	if err == context.Canceled || errors.Is(err, context.Canceled) {
		// Cancellation produces no emission and no error, distinct from
		// failure. The node either recomputes (superseded) or settles.
		if !superseded {
			st.state = stateClean
		}
		st.mu.Unlock()
		if superseded {
			s.enqueue(nodeID)
		}
		return
	}

	if err != nil {
		st.lastErr = err
		null := NullValue()
		st.lastValue = &null
		if !superseded {
			st.state = stateClean
		}
		st.mu.Unlock()
		s.publishLifecycleEvent(Event{Type: EventNodeComputeError, NodeID: nodeID, Err: err})
		if s.logger != nil && !s.silentErrors {
			s.logger.Error(context.Background(), "node compute failed", err, map[string]any{"node_id": nodeID})
		}
		// A failed node surfaces null downstream so dependents keep
		// propagating; they may treat it as "missing".
		s.streams[nodeID].Publish(null)
		if superseded {
			s.enqueue(nodeID)
		}
		return
	}

	st.lastErr = nil
	st.lastValue = &v
	st.computeCount++
	if !superseded {
		st.state = stateClean
	}
	st.mu.Unlock()

	s.publishLifecycleEvent(Event{Type: EventNodeComputeOK, NodeID: nodeID, Data: v})
	s.streams[nodeID].Publish(v)
	if superseded {
		s.enqueue(nodeID)
	}
}

func (s *Scheduler) publishLifecycleEvent(e Event) {
	if s.lifecycle != nil {
		s.lifecycle.Events().Publish(e)
	}
}

// Quiescent reports whether the scheduler currently has no queued work and
// no node in flight, the condition Execute waits for before returning.
func (s *Scheduler) Quiescent() bool {
	s.mu.Lock()
	heapEmpty := s.heap.Len() == 0
	s.mu.Unlock()
	if !heapEmpty {
		return false
	}
	for _, st := range s.states {
		st.mu.Lock()
		busy := st.state != stateClean
		st.mu.Unlock()
		if busy {
			return false
		}
	}
	return true
}

// seedClean sets nodeID's last known value on its state, its output stream,
// and the input-aggregation state of every direct consumer, without marking
// anything dirty or delivering to subscribers. UpdateGraph/ImportState use
// it to carry an unaffected node's value forward into a freshly rebuilt
// Scheduler: the consumer-side seeding matters because the node may never
// re-emit (distinct filtering suppresses an identical republish), and a
// downstream node must not wait forever on an input that already settled.
func (s *Scheduler) seedClean(nodeID string, v Value) {
	if st, ok := s.states[nodeID]; ok {
		st.mu.Lock()
		st.lastValue = &v
		st.mu.Unlock()
	}
	if stream, ok := s.streams[nodeID]; ok {
		stream.SeedLastValue(v)
	}
	for _, out := range s.graph.Outputs(nodeID) {
		st, ok := s.states[out]
		if !ok {
			continue
		}
		def, _ := s.graph.Node(out)
		st.mu.Lock()
		st.inputs[nodeID] = v
		st.received[nodeID] = true
		if !st.allInputsReady && len(st.received) == len(def.Inputs) {
			st.allInputsReady = true
		}
		st.mu.Unlock()
	}
}

// Stop halts the scheduler's dispatch loop and input forwarders, and
// closes every node's output stream.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	for _, st := range s.streams {
		st.Close()
	}
}

// StreamFor returns the output Stream for nodeID, used by the Public
// Composition API to expose subscription to callers.
func (s *Scheduler) StreamFor(nodeID string) (*Stream, bool) {
	st, ok := s.streams[nodeID]
	return st, ok
}

// RuntimeState returns a snapshot of a node's runtime status.
func (s *Scheduler) RuntimeState(nodeID string) (NodeRuntimeState, bool) {
	st, ok := s.states[nodeID]
	if !ok {
		return NodeRuntimeState{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	rs := NodeRuntimeState{
		NodeID:       nodeID,
		State:        st.state.String(),
		LastValue:    st.lastValue,
		ComputeCount: st.computeCount,
	}
	if st.lastErr != nil {
		rs.LastError = st.lastErr.Error()
	}
	return rs, true
}

// Inject pushes an externally-produced value directly onto a node's output
// stream and marks its downstream consumers dirty, the entry point source
// nodes (and tests) use to feed data into the graph.
func (s *Scheduler) Inject(nodeID string, v Value) {
	s.streams[nodeID].Publish(v)
	for _, out := range s.graph.Outputs(nodeID) {
		s.onInputValue(out, nodeID, v)
	}
}
