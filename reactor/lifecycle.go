package reactor

import "sync"

// LifecycleState is one state of the engine's lifecycle state machine:
// INITIALIZED -> RUNNING <-> PAUSED -> DESTROYED, with DESTROYED terminal.
type LifecycleState string

const (
	StateInitialized LifecycleState = "INITIALIZED"
	StateRunning     LifecycleState = "RUNNING"
	StatePaused      LifecycleState = "PAUSED"
	StateDestroyed   LifecycleState = "DESTROYED"
)

var validTransitions = map[LifecycleState]map[LifecycleState]bool{
	StateInitialized: {StateRunning: true, StateDestroyed: true},
	StateRunning:     {StatePaused: true, StateDestroyed: true},
	StatePaused:      {StateRunning: true, StateDestroyed: true},
	StateDestroyed:   {},
}

// LifecycleController owns the engine's state machine and typed event
// bus, and coalesces updates produced while PAUSED so Resume can replay
// them in dependency order rather than losing them or replaying every
// intermediate value.
type LifecycleController struct {
	mu    sync.Mutex
	state LifecycleState
	bus   *EventBus

	// deferred holds, per receiving node id, the latest input value that
	// reached the node while PAUSED. Resume hands it back once the
	// controller is RUNNING again; ExecutableGraph.Resume then marks those
	// nodes dirty in the graph's topological order.
	deferred map[string]Value
}

// NewLifecycleController creates a controller in the INITIALIZED state.
func NewLifecycleController() *LifecycleController {
	return &LifecycleController{
		state:    StateInitialized,
		bus:      NewEventBus(),
		deferred: make(map[string]Value),
	}
}

// State returns the current lifecycle state.
func (c *LifecycleController) State() LifecycleState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Events returns the controller's event bus for subscribing to lifecycle
// and execution events.
func (c *LifecycleController) Events() *EventBus {
	return c.bus
}

func (c *LifecycleController) transition(to LifecycleState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !validTransitions[c.state][to] {
		return &InvalidTransitionError{From: c.state, To: to}
	}
	c.state = to
	return nil
}

// Start transitions INITIALIZED -> RUNNING and emits ENGINE_STARTED.
func (c *LifecycleController) Start() error {
	if err := c.transition(StateRunning); err != nil {
		return err
	}
	c.bus.Publish(Event{Type: EventEngineStarted})
	return nil
}

// Pause transitions RUNNING -> PAUSED and emits ENGINE_PAUSED. While
// paused, the scheduler records each input value that reaches a ready node
// through RecordDeferred instead of marking the node dirty.
func (c *LifecycleController) Pause() error {
	if err := c.transition(StatePaused); err != nil {
		return err
	}
	c.bus.Publish(Event{Type: EventEnginePaused})
	return nil
}

// Resume transitions PAUSED -> RUNNING, emits ENGINE_RESUMED, and returns
// the coalesced deferred updates accumulated while paused so the caller
// (ExecutableGraph.Resume) can apply them in dependency order. Resuming
// from any state other than PAUSED is an InvalidTransitionError.
func (c *LifecycleController) Resume() (map[string]Value, error) {
	c.mu.Lock()
	if c.state != StatePaused {
		from := c.state
		c.mu.Unlock()
		return nil, &InvalidTransitionError{From: from, To: StateRunning}
	}
	c.state = StateRunning
	drained := c.deferred
	c.deferred = make(map[string]Value)
	c.mu.Unlock()
	c.bus.Publish(Event{Type: EventEngineResumed})
	return drained, nil
}

// Destroy transitions to the terminal DESTROYED state, emitting
// BEFORE_DESTROY before the transition and AFTER_DESTROY once it commits.
// teardown is invoked between the two events to release engine resources
// (worker pool, streams, provider connections).
func (c *LifecycleController) Destroy(teardown func()) error {
	c.bus.Publish(Event{Type: EventBeforeDestroy})
	if err := c.transition(StateDestroyed); err != nil {
		return err
	}
	if teardown != nil {
		teardown()
	}
	c.bus.Publish(Event{Type: EventAfterDestroy})
	return nil
}

// IsPaused reports whether the controller is currently PAUSED.
func (c *LifecycleController) IsPaused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StatePaused
}

// IsDestroyed reports whether the controller has reached the terminal
// DESTROYED state.
func (c *LifecycleController) IsDestroyed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateDestroyed
}

// RecordDeferred coalesces a value produced while PAUSED, keeping only the
// latest value per node id.
func (c *LifecycleController) RecordDeferred(nodeID string, v Value) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deferred[nodeID] = v
}
