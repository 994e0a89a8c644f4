package health

import (
	"context"
	"time"
)

// AlwaysUpChecker never probes anything; it backs the always-up
// reachability strategy for hosts with no meaningful liveness signal
// (typically the implicit localhost host).
type AlwaysUpChecker struct{}

// Check always reports healthy.
func (AlwaysUpChecker) Check(ctx context.Context) Result {
	return Result{Healthy: true, Message: "always-up", CheckedAt: time.Now()}
}

// Type returns the health check type.
func (AlwaysUpChecker) Type() CheckType { return CheckTypeAlwaysUp }
