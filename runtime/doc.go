// Package runtime provides the agent runtime shell: the hosting layer that
// turns a plain task handler into a well-behaved bus participant.
//
// The shell owns everything around the handler so agent authors do not have
// to: directory registration and heartbeats, queue-group consumption with
// prefetch matched to declared concurrency, duplicate-task suppression,
// retry with exponential backoff for transient failures, dead-lettering for
// permanent ones, result delivery (inline or chunk-streamed), and graceful
// drain on shutdown. A validated state machine tracks the shell lifecycle.
package runtime
