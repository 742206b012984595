// Package logging provides a tiny abstraction over slog so downstream code
// can depend on a minimal interface (Logger) while allowing users to plug any
// structured logger. It also offers a richer BusLogger with contextual
// helpers (component, correlation) and domain specific logging helpers for
// delegations, streams and directory lifecycle events.
package logging
