package reactor

import (
	"github.com/flowmesh/reactor/cache"
	"github.com/flowmesh/reactor/logging"
	"github.com/flowmesh/reactor/notify"
	"github.com/flowmesh/reactor/persistence"
	"github.com/flowmesh/reactor/telemetry"
)

// SubscriptionHandler receives every value delivered on a subscribed node's
// stream, including INIT_NODE_EXEC and SKIP_NODE_EXEC.
type SubscriptionHandler func(nodeID string, v Value)

// Subscriptions configures how NodesConfig's optional subscriptions resolve
// to handlers for nodes whose Config carries "isSubscribed": true. Three
// forms are supported: an explicit per-node map, a generator given the
// full subscribed-id set, or one handler applied uniformly. At most one
// of the three is used, checked in that order.
type Subscriptions struct {
	ByNode    map[string]SubscriptionHandler
	Uniform   SubscriptionHandler
	Generator func(subscribedIDs []string) map[string]SubscriptionHandler
}

// NodesConfig is the argument to WithNodesConfig: the plugins and node
// definitions that make up a graph, plus optional subscription wiring.
type NodesConfig struct {
	Plugins       []Plugin
	Nodes         []NodeDefinition
	Subscriptions *Subscriptions
}

// GraphDefinition accumulates everything an Operator contributes to a
// CreateGraph call. It is never exposed directly to callers; CreateGraph
// materializes it into an ExecutableGraph.
type GraphDefinition struct {
	Plugins       []Plugin
	Nodes         []NodeDefinition
	Subscriptions *Subscriptions

	Options          EngineOptions
	ExecutionContext ExecutionContextOptions

	CacheProvider   cache.Provider
	Logger          *logging.Logger
	Persistence     persistence.Provider
	Notifications   notify.Provider
	ContextProvider telemetry.ContextProvider
}

// Operator is one unit of graph composition, functional-option style, in
// place of a single monolithic config struct.
type Operator func(*GraphDefinition) error

// WithNodesConfig contributes plugins, node definitions, and subscription
// wiring to the graph under construction. Calling it more than once
// accumulates plugins and nodes and replaces any previously supplied
// Subscriptions.
func WithNodesConfig(cfg NodesConfig) Operator {
	return func(gd *GraphDefinition) error {
		gd.Plugins = append(gd.Plugins, cfg.Plugins...)
		gd.Nodes = append(gd.Nodes, cfg.Nodes...)
		if cfg.Subscriptions != nil {
			gd.Subscriptions = cfg.Subscriptions
		}
		return nil
	}
}

// WithOptions sets the engine-wide tuning and execution-context options.
func WithOptions(opts EngineOptions, execCtx ExecutionContextOptions) Operator {
	return func(gd *GraphDefinition) error {
		gd.Options = opts
		gd.ExecutionContext = execCtx
		return nil
	}
}

// WithCacheProvider overrides the engine's cache.Provider. Takes precedence
// over EngineOptions.CacheOptions.Enabled's default bounded-LRU provider.
func WithCacheProvider(p cache.Provider) Operator {
	return func(gd *GraphDefinition) error {
		gd.CacheProvider = p
		return nil
	}
}

// WithLoggerProvider sets the Logger Provider used for compute-failure
// logging and input-guard reporting.
func WithLoggerProvider(l *logging.Logger) Operator {
	return func(gd *GraphDefinition) error {
		gd.Logger = l
		return nil
	}
}

// WithPersistence sets the Persistence Provider backing SaveState/LoadState/
// DeleteState.
func WithPersistence(p persistence.Provider) Operator {
	return func(gd *GraphDefinition) error {
		gd.Persistence = p
		return nil
	}
}

// WithNotifications sets the Notification Provider backing Notify/Broadcast/
// SubscribeTopic/UnsubscribeTopic.
func WithNotifications(p notify.Provider) Operator {
	return func(gd *GraphDefinition) error {
		gd.Notifications = p
		return nil
	}
}

// WithEventContextProvider sets the Event Source / Context Provider that
// produces each compute's RuntimeContext (tracing span, correlation id).
func WithEventContextProvider(p telemetry.ContextProvider) Operator {
	return func(gd *GraphDefinition) error {
		gd.ContextProvider = p
		return nil
	}
}

// CreateGraph composes ops left to right into a GraphDefinition and
// materializes it into an ExecutableGraph, validating referential integrity,
// plugin resolvability, and acyclicity before any state is built.
func CreateGraph(ops ...Operator) (*ExecutableGraph, error) {
	gd := &GraphDefinition{Options: DefaultEngineOptions()}
	for _, op := range ops {
		if op == nil {
			continue
		}
		if err := op(gd); err != nil {
			return nil, err
		}
	}
	return newExecutableGraph(gd)
}

func isSubscribed(config map[string]any) bool {
	if config == nil {
		return false
	}
	v, ok := config["isSubscribed"]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}
