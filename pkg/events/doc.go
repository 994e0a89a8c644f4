// Package events provides an in-memory pub/sub broker for
// backup-lifecycle notifications: a volume's backup starting, completing,
// failing, or being skipped by admission policy; a prune pass starting or
// completing; an individual backup being pruned; a host failing its
// reachability check; a device being identified or lost at a store.
//
// Publish never blocks the caller beyond handing the event to the
// broker's internal channel: the broadcast loop fans it out to every
// subscriber's buffered channel, dropping it for any subscriber whose
// buffer is full rather than stalling the publisher (a slow metrics
// dashboard must never slow down a backup run).
package events
