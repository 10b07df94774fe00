package dbcontext

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

// DefaultBuildTimeout bounds one context build, which includes one LLM call
// per table when SQL examples are requested.
const DefaultBuildTimeout = 10 * time.Minute

type BuildFunc func(ctx context.Context, key Key) (*Context, error)

type registryEntry struct {
	done chan struct{}
	ctx  *Context
	err  error
}

// Registry holds at most one live Context per key. Concurrent first access
// for a key builds once; other callers wait for that build. The build is
// detached from the first caller's cancellation and bounded by BuildTimeout.
type Registry struct {
	BuildTimeout time.Duration

	mu      sync.Mutex
	entries map[Key]*registryEntry
}

func NewRegistry() *Registry {
	return &Registry{BuildTimeout: DefaultBuildTimeout, entries: map[Key]*registryEntry{}}
}

func (r *Registry) GetOrCreate(ctx context.Context, key Key, build BuildFunc) (*Context, error) {
	if c, ok := r.Lookup(key); ok {
		return c, nil
	}

	r.mu.Lock()
	entry, ok := r.entries[key]
	if !ok {
		entry = &registryEntry{done: make(chan struct{})}
		r.entries[key] = entry
	}
	r.mu.Unlock()

	if ok {
		select {
		case <-entry.done:
			if entry.err != nil {
				return nil, entry.err
			}
			return entry.ctx, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	r.build(ctx, key, entry, build)
	return entry.ctx, entry.err
}

func (r *Registry) build(ctx context.Context, key Key, entry *registryEntry, build BuildFunc) {
	timeout := r.BuildTimeout
	if timeout <= 0 {
		timeout = DefaultBuildTimeout
	}
	buildCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	completed := false
	defer func() {
		if !completed {
			entry.ctx, entry.err = nil, fmt.Errorf("build %s: builder panicked", key)
		}
		if entry.err != nil {
			r.mu.Lock()
			if r.entries[key] == entry {
				delete(r.entries, key)
			}
			r.mu.Unlock()
		}
		close(entry.done)
	}()
	entry.ctx, entry.err = build(buildCtx, key)
	completed = true
}

func (r *Registry) Lookup(key Key) (*Context, bool) {
	r.mu.Lock()
	entry, ok := r.entries[key]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	select {
	case <-entry.done:
		return entry.ctx, entry.err == nil
	default:
		return nil, false
	}
}

func (r *Registry) Keys() []Key {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]Key, 0, len(r.entries))
	for key := range r.entries {
		keys = append(keys, key)
	}
	slices.SortFunc(keys, func(a, b Key) int {
		if c := cmp.Compare(a.DBType, b.DBType); c != 0 {
			return c
		}
		return cmp.Compare(a.DBName, b.DBName)
	})
	return keys
}

// Close releases every built context and empties the registry.
func (r *Registry) Close() {
	r.mu.Lock()
	entries := r.entries
	r.entries = map[Key]*registryEntry{}
	r.mu.Unlock()
	for _, entry := range entries {
		<-entry.done
		if entry.ctx != nil {
			entry.ctx.close()
		}
	}
}
