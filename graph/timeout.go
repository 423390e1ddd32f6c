package graph

import (
	"context"
	"fmt"
	"time"
)

func nodeTimeout(policy *NodePolicy, defaultTimeout time.Duration) time.Duration {
	if policy != nil && policy.Timeout > 0 {
		return policy.Timeout
	}
	return defaultTimeout
}

// runWithTimeout executes one attempt of a node under its timeout, if any.
// When the deadline is hit and the node returns no error of its own, the
// result carries a NODE_TIMEOUT engine error; an error the node returns
// itself (including a context deadline error) is passed through unchanged.
func runWithTimeout[S any](ctx context.Context, nodeID string, node Node[S], state S, policy *NodePolicy, defaultTimeout time.Duration) NodeResult[S] {
	timeout := nodeTimeout(policy, defaultTimeout)
	if timeout <= 0 {
		return node.Run(ctx, state)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result := node.Run(timeoutCtx, state)
	if result.Err == nil && timeoutCtx.Err() == context.DeadlineExceeded {
		result.Err = &EngineError{
			Message: fmt.Sprintf("node %s exceeded timeout of %v", nodeID, timeout),
			Code:    CodeNodeTimeout,
		}
	}
	return result
}
