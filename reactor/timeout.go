package reactor

import "time"

// nodeTimeout resolves the effective per-task timeout: a node's own
// Policy.Timeout wins, falling back to the engine-wide default, falling
// back to no timeout (0).
func nodeTimeout(policy NodePolicy, defaultTimeout time.Duration) time.Duration {
	if policy.Timeout > 0 {
		return policy.Timeout
	}
	if defaultTimeout > 0 {
		return defaultTimeout
	}
	return 0
}
