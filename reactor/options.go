package reactor

import "time"

// ExecutionMode selects whether the engine dispatches a node's compute
// inline/goroutine-backed only (ExecutionSerial) or additionally routes
// ExecModeParallel nodes to the Worker Pool Executor (ExecutionParallel).
// Orthogonal to a single node's own DispatchMode (sync/async/parallel):
// this is the engine-wide switch that decides whether a pool exists at all.
type ExecutionMode int

const (
	ExecutionSerial ExecutionMode = iota
	ExecutionParallel
)

func (m ExecutionMode) String() string {
	if m == ExecutionParallel {
		return "parallel"
	}
	return "serial"
}

// DataNodesExecutionMode selects between the two data-node scheduling
// policies: eager compute at start, or demand-driven compute gated on a
// downstream subscriber.
type DataNodesExecutionMode int

const (
	// SyncExecMode computes every CategoryData node eagerly, as soon as its
	// inputs are ready. The engine default.
	SyncExecMode DataNodesExecutionMode = iota
	// AsyncExecMode gates a CategoryData node's compute behind a consumer
	// Demand (see Scheduler.Demand), publishing SKIP_NODE_EXEC until then.
	AsyncExecMode
)

func (m DataNodesExecutionMode) String() string {
	if m == AsyncExecMode {
		return "async_exec_mode"
	}
	return "sync_exec_mode"
}

// CacheOptions configures the engine's fingerprint-keyed compute cache.
type CacheOptions struct {
	// Enabled turns on the default bounded-LRU cache.Provider when no
	// explicit Provider was supplied via WithCacheProvider.
	Enabled bool
	// CollectMetrics turns on Prometheus counters/histograms for cache
	// hits/misses and compute latency.
	CollectMetrics bool
}

// EngineOptions is the engine-wide tuning surface assembled by
// WithOptions.
type EngineOptions struct {
	ExecutionMode           ExecutionMode
	DataNodesExecutionMode  DataNodesExecutionMode
	EnableCancelableCompute bool

	ThrottleTimeMS uint
	DebounceTimeMS uint
	DistinctValues bool

	// SilentErrors suppresses logger output for compute failures. The
	// failure is still counted, still fires NODE_COMPUTE_ERROR, and still
	// surfaces as a null emission on the node's stream.
	SilentErrors bool

	SanitizeInput  bool
	SanitizeStrict bool
	MaxDepth       uint

	CacheOptions CacheOptions

	// DefaultTimeout bounds any node compute that doesn't set its own
	// NodePolicy.Timeout. Zero means no default timeout.
	DefaultTimeout time.Duration
	// StabilizationTimeout bounds how long Execute waits for the graph to
	// reach quiescence before returning anyway.
	StabilizationTimeout time.Duration
}

// DefaultEngineOptions returns the engine's out-of-the-box tuning: serial
// execution, eager data nodes, distinct-value filtering on, a 30-second
// per-task timeout, a 30-second stabilization timeout, everything else off.
func DefaultEngineOptions() EngineOptions {
	return EngineOptions{
		ExecutionMode:          ExecutionSerial,
		DataNodesExecutionMode: SyncExecMode,
		DistinctValues:         true,
		DefaultTimeout:         30 * time.Second,
		StabilizationTimeout:   30 * time.Second,
	}
}

// ParallelOptions configures the Worker Pool Executor, used only when
// EngineOptions.ExecutionMode is ExecutionParallel.
type ParallelOptions struct {
	// MaxWorkers sizes the pool. Zero defaults to runtime.NumCPU()-1
	// (floor 1).
	MaxWorkers int
	// WorkerPath names an external worker script/binary for hosts that
	// run workers out of process. The in-process goroutine pool
	// doesn't shell out to it, and it is not part of the engine's snapshot;
	// it is only carried here for hosts that swap in a subprocess-backed
	// Provider of their own.
	WorkerPath string
	// WorkerTimeoutMS, if set and EngineOptions.DefaultTimeout is zero,
	// becomes the engine's default per-task timeout.
	WorkerTimeoutMS uint
	// DisableAutoCleanup makes Destroy signal worker shutdown without
	// waiting for in-flight tasks to drain.
	DisableAutoCleanup bool
}

// ExecutionContextOptions groups the options that configure how compute
// actually runs, as opposed to EngineOptions' reactive-behavior tuning.
type ExecutionContextOptions struct {
	Parallel ParallelOptions
}
