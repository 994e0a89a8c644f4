/*
Package health provides the reachability-probe mechanisms the orchestrator
(§4.10) runs against a Host before a worker thread touches its volumes.

Three checkers implement the Checker interface: TCPChecker (dials a port,
used for an ssh-probe reachability strategy), ExecChecker (runs a
user-supplied command on the host, used for the exec strategy), and the
trivial AlwaysUpChecker for hosts configured as always reachable.

ProbeWithRetry drives a Status against a Config's Retries threshold so a
single flaky probe does not flip a host's reachability: it keeps
retrying on cfg.Interval until either a check succeeds or consecutive
failures reach Retries. A StartPeriod grace window suppresses failures
from counting toward that threshold, for hosts that are slow to come up
after being added to the configuration. The orchestrator calls
ProbeWithRetry with OrchestratorRetryConfig, a cadence tuned for a
single backup run rather than DefaultConfig's longer-running
supervision interval.
*/
package health
