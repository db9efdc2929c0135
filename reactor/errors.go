// Package reactor implements a reactive dataflow execution engine: a DAG of
// computation nodes connected by reactive value streams, scheduled by a
// dirty-propagation scheduler and executed on a worker pool.
package reactor

import (
	"errors"
	"fmt"
	"strings"
)

// Construction-time errors. These surface while assembling a GraphDefinition
// or materializing an ExecutableGraph, before any node has executed.

// CycleError is returned when a graph's edges form a cycle. Path lists the
// node ids in cycle order, starting and ending on the same id.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return "reactor: cycle detected: " + strings.Join(e.Path, " -> ")
}

// UnknownInputError is returned when a node declares an input that does not
// name any other node in the graph.
type UnknownInputError struct {
	NodeID string
	Input  string
}

func (e *UnknownInputError) Error() string {
	return fmt.Sprintf("reactor: node %q references unknown input %q", e.NodeID, e.Input)
}

// UnknownPluginError is returned when a node references a plugin id that was
// never registered with the engine's PluginRegistry.
type UnknownPluginError struct {
	NodeID   string
	PluginID string
}

func (e *UnknownPluginError) Error() string {
	return fmt.Sprintf("reactor: node %q references unregistered plugin %q", e.NodeID, e.PluginID)
}

// DuplicateNodeIDError is returned when two node definitions in the same
// graph share an id.
type DuplicateNodeIDError struct {
	NodeID string
}

func (e *DuplicateNodeIDError) Error() string {
	return fmt.Sprintf("reactor: duplicate node id %q", e.NodeID)
}

// Runtime errors. These surface while the scheduler or worker pool is
// executing a node's compute function.

// PluginComputeError wraps an error returned by a plugin's Compute function.
type PluginComputeError struct {
	NodeID string
	Cause  error
}

func (e *PluginComputeError) Error() string {
	return fmt.Sprintf("reactor: node %s compute failed: %v", e.NodeID, e.Cause)
}

func (e *PluginComputeError) Unwrap() error { return e.Cause }

// TaskTimeoutError is returned when a node's compute did not finish within
// its configured timeout.
type TaskTimeoutError struct {
	NodeID  string
	Timeout string
}

func (e *TaskTimeoutError) Error() string {
	return fmt.Sprintf("reactor: node %s exceeded timeout of %s", e.NodeID, e.Timeout)
}

// WorkerCrashedError is returned when a worker goroutine in the pool
// terminated unexpectedly (panic recovery) while running a task.
type WorkerCrashedError struct {
	WorkerIndex int
	NodeID      string
	Recovered   any
}

func (e *WorkerCrashedError) Error() string {
	return fmt.Sprintf("reactor: worker %d crashed running node %s: %v", e.WorkerIndex, e.NodeID, e.Recovered)
}

// ErrExecutorTerminated is returned by the worker pool when a task is
// submitted after Shutdown has been called.
var ErrExecutorTerminated = errors.New("reactor: worker pool executor terminated")

// Lifecycle errors.

// ErrEngineDestroyed is returned by any ExecutableGraph method once the
// engine has transitioned to the terminal DESTROYED state.
var ErrEngineDestroyed = errors.New("reactor: engine destroyed")

// InvalidTransitionError is returned when a lifecycle method is called from
// a state that does not permit it (e.g. Pause while INITIALIZED).
type InvalidTransitionError struct {
	From LifecycleState
	To   LifecycleState
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("reactor: invalid lifecycle transition %s -> %s", e.From, e.To)
}

// Provider errors.

// ProviderNotRegisteredError is returned when a component asks for a
// provider kind (cache, persistence, notification, ...) that was never
// configured and has no default.
type ProviderNotRegisteredError struct {
	Kind string
}

func (e *ProviderNotRegisteredError) Error() string {
	return fmt.Sprintf("reactor: no %s provider registered", e.Kind)
}

// Input guard errors.

// InputGuardError is returned when the sanitizer rejects a node config in
// strict mode.
type InputGuardError struct {
	NodeID  string
	Reasons []string
}

func (e *InputGuardError) Error() string {
	return fmt.Sprintf("reactor: node %s config rejected by input guard: %s", e.NodeID, strings.Join(e.Reasons, "; "))
}
