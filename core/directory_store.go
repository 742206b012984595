package core

import "context"

// Version sentinels for DirectoryStore.Put.
const (
	// VersionAny performs an unconditional write.
	VersionAny int64 = -1
	// VersionAbsent requires that the key does not exist yet (create-only).
	VersionAbsent int64 = 0
)

// KeyValue is one stored record with its monotonically increasing version.
type KeyValue struct {
	Key     string
	Value   []byte
	Version int64
}

// StoreEvent is a change notification produced by DirectoryStore.Watch.
type StoreEvent struct {
	Key     string
	Value   []byte
	Version int64
	Deleted bool
}

// DirectoryStore is the durable key-value store backing the agent directory.
// It is the only collaborator interface requiring compare-and-swap semantics,
// used to avoid lost updates on concurrent heartbeat writes.
type DirectoryStore interface {
	// Put writes value under key. expectedVersion of VersionAny writes
	// unconditionally, VersionAbsent requires the key to be new, and any
	// positive value must match the current version or the write fails with
	// ErrVersionConflict. The new version is returned.
	Put(ctx context.Context, key string, value []byte, expectedVersion int64) (int64, error)

	// Get returns the record for key or ErrNotFound.
	Get(ctx context.Context, key string) (KeyValue, error)

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns a snapshot of all records whose key has the given prefix.
	List(ctx context.Context, prefix string) ([]KeyValue, error)

	// Watch produces change notifications for keys under prefix, starting
	// from now (no history replay). The channel is closed when ctx is done.
	// Notifications for a single key are delivered in apply order.
	Watch(ctx context.Context, prefix string) (<-chan StoreEvent, error)
}
