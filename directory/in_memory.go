package directory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/hupe1980/agentbus/core"
)

// InMemoryStore is a process-local core.DirectoryStore with per-key versions
// and ordered watch delivery. It is the default backing store for tests and
// single-process deployments.
type InMemoryStore struct {
	mu       sync.Mutex
	records  map[string]core.KeyValue
	watchers []*storeWatcher
}

var _ core.DirectoryStore = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[string]core.KeyValue)}
}

// Put implements core.DirectoryStore.
func (s *InMemoryStore) Put(ctx context.Context, key string, value []byte, expectedVersion int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, exists := s.records[key]
	switch expectedVersion {
	case core.VersionAny:
	case core.VersionAbsent:
		if exists {
			return 0, core.ErrVersionConflict
		}
	default:
		if !exists || cur.Version != expectedVersion {
			return 0, core.ErrVersionConflict
		}
	}

	next := cur.Version + 1
	stored := core.KeyValue{Key: key, Value: append([]byte(nil), value...), Version: next}
	s.records[key] = stored
	s.notifyLocked(core.StoreEvent{Key: key, Value: stored.Value, Version: next})
	return next, nil
}

// Get implements core.DirectoryStore.
func (s *InMemoryStore) Get(ctx context.Context, key string) (core.KeyValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kv, ok := s.records[key]
	if !ok {
		return core.KeyValue{}, core.ErrNotFound
	}
	kv.Value = append([]byte(nil), kv.Value...)
	return kv, nil
}

// Delete implements core.DirectoryStore.
func (s *InMemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kv, ok := s.records[key]
	if !ok {
		return nil
	}
	delete(s.records, key)
	s.notifyLocked(core.StoreEvent{Key: key, Version: kv.Version, Deleted: true})
	return nil
}

// List implements core.DirectoryStore.
func (s *InMemoryStore) List(ctx context.Context, prefix string) ([]core.KeyValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.KeyValue, 0, len(s.records))
	for key, kv := range s.records {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		kv.Value = append([]byte(nil), kv.Value...)
		out = append(out, kv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Watch implements core.DirectoryStore. Events are queued per watcher so a
// slow consumer delays only itself, never a writer.
func (s *InMemoryStore) Watch(ctx context.Context, prefix string) (<-chan core.StoreEvent, error) {
	w := &storeWatcher{
		prefix: prefix,
		out:    make(chan core.StoreEvent),
		quit:   make(chan struct{}),
	}
	w.cond = sync.NewCond(&w.mu)

	s.mu.Lock()
	s.watchers = append(s.watchers, w)
	s.mu.Unlock()

	go w.pump()
	go func() {
		<-ctx.Done()
		s.mu.Lock()
		for i, cand := range s.watchers {
			if cand == w {
				s.watchers = append(s.watchers[:i], s.watchers[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
		w.stop()
	}()
	return w.out, nil
}

func (s *InMemoryStore) notifyLocked(ev core.StoreEvent) {
	for _, w := range s.watchers {
		if strings.HasPrefix(ev.Key, w.prefix) {
			w.enqueue(ev)
		}
	}
}

// storeWatcher buffers events in an unbounded queue drained by a pump
// goroutine, preserving apply order without blocking the store mutex.
type storeWatcher struct {
	prefix string
	out    chan core.StoreEvent
	quit   chan struct{}

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []core.StoreEvent
	stopped bool
}

func (w *storeWatcher) enqueue(ev core.StoreEvent) {
	w.mu.Lock()
	if !w.stopped {
		w.queue = append(w.queue, ev)
		w.cond.Signal()
	}
	w.mu.Unlock()
}

func (w *storeWatcher) stop() {
	w.mu.Lock()
	if !w.stopped {
		w.stopped = true
		close(w.quit)
		w.cond.Signal()
	}
	w.mu.Unlock()
}

func (w *storeWatcher) pump() {
	defer close(w.out)
	for {
		w.mu.Lock()
		for len(w.queue) == 0 && !w.stopped {
			w.cond.Wait()
		}
		if w.stopped {
			w.mu.Unlock()
			return
		}
		ev := w.queue[0]
		w.queue = w.queue[1:]
		w.mu.Unlock()
		// The consumer may never read again; a stop must release the send.
		select {
		case w.out <- ev:
		case <-w.quit:
			return
		}
	}
}
