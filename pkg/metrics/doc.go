/*
Package metrics defines and registers rsbackup's Prometheus instrumentation:
counters for backups and prunes, a histogram for backup/prune duration, a
counter for catalogue write retries, and gauges for device-identification
state and per-volume backup age. Collector periodically refreshes the
gauges from a Config's in-memory state; the counters and the duration
histogram are updated directly by the engines as work completes.
*/
package metrics
