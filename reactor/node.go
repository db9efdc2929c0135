package reactor

import "time"

// DispatchMode controls how the scheduler dispatches a dirty node's
// compute: inline on the scheduler goroutine (sync), as a cancelable
// goroutine-backed future (async), or handed to the Worker Pool Executor
// (parallel). Distinct from the engine-wide ExecutionMode, which decides
// whether a worker pool exists at all.
type DispatchMode int

const (
	// ExecModeSync runs the node's compute inline, blocking the scheduler
	// loop. Appropriate for cheap, pure data nodes.
	ExecModeSync DispatchMode = iota
	// ExecModeAsync runs the node's compute in its own goroutine but
	// still on the engine process, supporting cancellation via context.
	ExecModeAsync
	// ExecModeParallel dispatches the node's compute to the Worker Pool
	// Executor for least-loaded scheduling across a fixed pool.
	ExecModeParallel
)

func (m DispatchMode) String() string {
	switch m {
	case ExecModeSync:
		return "sync"
	case ExecModeAsync:
		return "async"
	case ExecModeParallel:
		return "parallel"
	default:
		return "unknown"
	}
}

// StreamOptions configures the reactive operator chain attached to a node's
// output stream, applied in the fixed order distinct_values -> throttle ->
// debounce.
type StreamOptions struct {
	// DistinctValues enables deep-structural-equality filtering of
	// consecutive identical values. Sentinels (init/skip) always pass.
	DistinctValues bool
	// ThrottleTimeMS, if > 0, emits at most one value per window,
	// dropping intermediate values.
	ThrottleTimeMS int64
	// DebounceTimeMS, if > 0, only emits a value once no new value has
	// arrived within the window.
	DebounceTimeMS int64
}

// NodePolicy configures per-node execution behavior: a timeout override,
// retry policy, and a data-node flag that forces synchronous dispatch
// independent of Mode.
type NodePolicy struct {
	// Timeout overrides the engine-wide default task timeout for this
	// node. Zero means "use the engine default".
	Timeout time.Duration
	// IsDataNode marks a node that only reshapes/combines its inputs
	// without async work; such nodes run synchronously on the scheduler
	// loop regardless of Mode.
	IsDataNode bool
	// Retry configures automatic retry with exponential backoff and
	// jitter for a failing compute. Nil means no retries.
	Retry *RetryPolicy
}

// RetryPolicy configures automatic retry of a failing node compute with
// exponential backoff and jitter.
type RetryPolicy struct {
	// MaxAttempts is the maximum number of execution attempts including
	// the first. Must be >= 1.
	MaxAttempts int
	// BaseDelay is the base delay for exponential backoff.
	BaseDelay time.Duration
	// MaxDelay caps the exponential growth of the backoff delay.
	MaxDelay time.Duration
	// Retryable decides whether an error should trigger another
	// attempt. A nil Retryable treats every error as retryable.
	Retryable func(error) bool
}

// NodeDefinition is the static description of one node in a GraphDefinition:
// which plugin it binds to, which other nodes feed it, and how its compute
// should be scheduled and streamed.
type NodeDefinition struct {
	// ID uniquely identifies the node within its graph.
	ID string
	// PluginID names the Plugin this node's Compute delegates to.
	PluginID string
	// Inputs lists the node ids that feed this node, in declaration
	// order. Plugin.Compute receives the inputs as a map keyed by these
	// ids, and the fingerprint sorts them, so neither depends on the order.
	Inputs []string
	// Config is static, node-scoped configuration passed to every
	// Compute call alongside the resolved inputs.
	Config map[string]any
	// Mode selects sync/async/parallel dispatch.
	Mode DispatchMode
	// Policy carries the timeout override and data-node flag.
	Policy NodePolicy
	// Stream configures the distinct/throttle/debounce operator chain on
	// this node's output.
	Stream StreamOptions
}

// schedState is the per-node state machine tracked by the scheduler:
// clean, dirty (needs recompute), or computing (in flight).
type schedState int

const (
	stateClean schedState = iota
	stateDirty
	stateComputing
)

func (s schedState) String() string {
	switch s {
	case stateClean:
		return "clean"
	case stateDirty:
		return "dirty"
	case stateComputing:
		return "computing"
	default:
		return "unknown"
	}
}

// NodeRuntimeState is the externally observable runtime status of a node,
// returned by ExecutableGraph inspection methods and carried in snapshots.
type NodeRuntimeState struct {
	NodeID       string `json:"node_id"`
	State        string `json:"state"`
	LastValue    *Value `json:"last_value,omitempty"`
	LastError    string `json:"last_error,omitempty"`
	ComputeCount uint64 `json:"compute_count"`
}
