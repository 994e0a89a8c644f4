package health

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/rsbackup/pkg/types"
)

// SSHPort is the default port an ssh-probe reachability check dials.
const SSHPort = "22"

// CheckerFor builds the Checker a Host's configured ReachabilityStrategy
// calls for. localhost (empty Target) is always AlwaysUpChecker
// regardless of configured strategy, since there is nothing to dial or
// exec against the current process's own host.
func CheckerFor(host *types.Host) (Checker, error) {
	if host.Target() == "" {
		return AlwaysUpChecker{}, nil
	}
	switch host.Reachability {
	case "", types.ReachabilityAlwaysUp:
		return AlwaysUpChecker{}, nil
	case types.ReachabilitySSHProbe:
		hostname := host.HostName
		if hostname == "" {
			hostname = host.Name
		}
		return NewTCPChecker(hostname + ":" + SSHPort), nil
	case types.ReachabilityCustomExec:
		if len(host.ReachabilityCmd) == 0 {
			return nil, fmt.Errorf("health: host %q: exec reachability strategy requires reachability-cmd", host.Name)
		}
		return NewExecChecker(host.ReachabilityCmd), nil
	default:
		return nil, fmt.Errorf("health: host %q: unknown reachability strategy %q", host.Name, host.Reachability)
	}
}

// Probe runs the reachability check appropriate for host once and
// reports whether it succeeded.
func Probe(ctx context.Context, host *types.Host) Result {
	checker, err := CheckerFor(host)
	if err != nil {
		return Result{Healthy: false, Message: err.Error()}
	}
	return checker.Check(ctx)
}

// OrchestratorRetryConfig tunes ProbeWithRetry for the orchestrator's
// per-host worker: a flaky probe gets two follow-up attempts a few
// seconds apart rather than DefaultConfig's container-monitoring cadence,
// which would stall a backup run for minutes on one unreachable host.
func OrchestratorRetryConfig() Config {
	return Config{
		Interval:    2 * time.Second,
		Timeout:     10 * time.Second,
		Retries:     2,
		StartPeriod: 0,
	}
}

// ProbeWithRetry runs the reachability check for host, retrying on
// failure until cfg.Retries consecutive failures accumulate in a Status
// or a single success clears it. A failing check inside cfg.StartPeriod
// of the first attempt is suppressed entirely (it neither counts toward
// the failure threshold nor ends the probe early), so a host that only
// just came under management gets its full grace window before a slow
// first connection can mark it unreachable.
//
// The returned Result carries the last attempt's message and timing but
// Healthy reflects the debounced Status, not the raw last check.
func ProbeWithRetry(ctx context.Context, host *types.Host, cfg Config) Result {
	checker, err := CheckerFor(host)
	if err != nil {
		return Result{Healthy: false, Message: err.Error()}
	}

	status := NewStatus()
	attempts := cfg.Retries
	if attempts < 1 {
		attempts = 1
	}

	var result Result
	for attempt := 0; attempt < attempts; attempt++ {
		result = checker.Check(ctx)

		if !result.Healthy && status.InStartPeriod(cfg) {
			status.LastCheck = result.CheckedAt
			status.LastResult = result
		} else {
			status.Update(result, cfg)
		}

		if result.Healthy {
			break
		}
		if attempt == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			result.Healthy = false
			return result
		case <-time.After(cfg.Interval):
		}
	}

	result.Healthy = status.Healthy
	return result
}
