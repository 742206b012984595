// Package directory implements the agent directory: the durable record of
// every participating agent's descriptor, its heartbeat-driven lifecycle and
// the eviction watchdog for stale registrations.
//
// The directory is a thin service over a core.DirectoryStore. All change
// notification flows through the store's watch feed, so multiple processes
// sharing one durable store (see the redis subpackage) observe a consistent
// stream of registration, heartbeat, deregistration and eviction events. The
// capability registry consumes this stream to rebuild its projection.
package directory
