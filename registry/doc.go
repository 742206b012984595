// Package registry maintains the capability registry: a read-optimized
// projection from capability name to the agent declaring it, derived from the
// agent directory.
//
// The projection is rebuilt as a whole on every directory change and swapped
// in atomically, so readers always observe a consistent snapshot and lookups
// never block on writes. Duplicate capability declarations are resolved
// deterministically (confidence hint, then most recent registration) and
// logged, never silently dropped.
package registry
