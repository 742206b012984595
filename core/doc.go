// Package core contains the shared contracts of the agentbus framework: the
// event envelope wire shape, the chunk-framed stream protocol, agent
// descriptors and capabilities, task delegations with budget envelopes, and
// the narrow interfaces through which external collaborators (event
// transport, durable directory store, trajectory log) are consumed.
//
// Types in this package are intentionally free of orchestration behavior.
// Higher-level packages (directory, registry, router, stream, runtime,
// coordinator) build on these contracts without depending on each other's
// internals.
package core
