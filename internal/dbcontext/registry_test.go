package dbcontext

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func countingBuild(builds *atomic.Int64) BuildFunc {
	return func(ctx context.Context, key Key) (*Context, error) {
		builds.Add(1)
		time.Sleep(10 * time.Millisecond)
		return New(ctx, key, newFakeDB(orderSummaries...), Options{Embedder: wordEmbedder{}})
	}
}

func TestRegistryBuildsOncePerKey(t *testing.T) {
	registry := NewRegistry()
	t.Cleanup(registry.Close)
	var builds atomic.Int64
	key := NewKey("DuckDB", "shop")

	results := make([]*Context, 8)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := registry.GetOrCreate(context.Background(), key, countingBuild(&builds))
			if err != nil {
				t.Errorf("GetOrCreate() error = %v", err)
				return
			}
			results[i] = c
		}()
	}
	wg.Wait()

	if got := builds.Load(); got != 1 {
		t.Fatalf("builds = %d, want 1", got)
	}
	for i, c := range results {
		if c == nil || c != results[0] {
			t.Fatalf("results[%d] = %p, want %p", i, c, results[0])
		}
	}
	again, err := registry.GetOrCreate(context.Background(), NewKey("duckdb", "shop"), countingBuild(&builds))
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	if again != results[0] {
		t.Fatal("GetOrCreate() should return the registered context")
	}
}

func TestRegistryForgetsFailedBuilds(t *testing.T) {
	registry := NewRegistry()
	t.Cleanup(registry.Close)
	key := NewKey("postgres", "shop")
	boom := errors.New("connection refused")

	_, err := registry.GetOrCreate(context.Background(), key, func(context.Context, Key) (*Context, error) {
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("GetOrCreate() error = %v, want %v", err, boom)
	}
	if _, ok := registry.Lookup(key); ok {
		t.Fatal("Lookup() should miss after a failed build")
	}

	var builds atomic.Int64
	if _, err := registry.GetOrCreate(context.Background(), key, countingBuild(&builds)); err != nil {
		t.Fatalf("GetOrCreate() retry error = %v", err)
	}
	if builds.Load() != 1 {
		t.Fatalf("builds = %d, want 1", builds.Load())
	}
}

func TestRegistryWaiterHonoursContext(t *testing.T) {
	registry := NewRegistry()
	t.Cleanup(registry.Close)
	key := NewKey("duckdb", "slow")
	started := make(chan struct{})
	unblock := make(chan struct{})

	go func() {
		_, _ = registry.GetOrCreate(context.Background(), key, func(ctx context.Context, key Key) (*Context, error) {
			close(started)
			<-unblock
			return New(ctx, key, newFakeDB(orderSummaries...), Options{Embedder: wordEmbedder{}})
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := registry.GetOrCreate(ctx, key, func(context.Context, Key) (*Context, error) {
		t.Error("second build should not run")
		return nil, nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("GetOrCreate() error = %v, want deadline exceeded", err)
	}
	close(unblock)
}

func TestRegistryKeysSorted(t *testing.T) {
	registry := NewRegistry()
	t.Cleanup(registry.Close)
	var builds atomic.Int64
	for _, key := range []Key{NewKey("postgres", "b"), NewKey("duckdb", "z"), NewKey("postgres", "a")} {
		if _, err := registry.GetOrCreate(context.Background(), key, countingBuild(&builds)); err != nil {
			t.Fatalf("GetOrCreate(%s) error = %v", key, err)
		}
	}
	keys := registry.Keys()
	want := []Key{NewKey("duckdb", "z"), NewKey("postgres", "a"), NewKey("postgres", "b")}
	if len(keys) != len(want) {
		t.Fatalf("Keys() = %v", keys)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("Keys()[%d] = %s, want %s", i, keys[i], want[i])
		}
	}
}

func TestRegistryBuildSurvivesFirstCallerCancellation(t *testing.T) {
	registry := NewRegistry()
	t.Cleanup(registry.Close)
	key := NewKey("duckdb", "shop")
	started := make(chan struct{})
	unblock := make(chan struct{})
	var builds atomic.Int64

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstDone := make(chan error, 1)
	go func() {
		_, err := registry.GetOrCreate(firstCtx, key, func(ctx context.Context, key Key) (*Context, error) {
			builds.Add(1)
			close(started)
			select {
			case <-unblock:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return New(ctx, key, newFakeDB(orderSummaries...), Options{Embedder: wordEmbedder{}})
		})
		firstDone <- err
	}()
	<-started

	type result struct {
		c   *Context
		err error
	}
	waiter := make(chan result, 1)
	go func() {
		c, err := registry.GetOrCreate(context.Background(), key, func(context.Context, Key) (*Context, error) {
			t.Error("second build should not run")
			return nil, nil
		})
		waiter <- result{c, err}
	}()

	cancelFirst()
	time.Sleep(10 * time.Millisecond)
	close(unblock)

	got := <-waiter
	if got.err != nil {
		t.Fatalf("waiter GetOrCreate() error = %v", got.err)
	}
	if got.c == nil {
		t.Fatal("waiter GetOrCreate() returned no context")
	}
	if err := <-firstDone; err != nil {
		t.Fatalf("first GetOrCreate() error = %v", err)
	}
	if builds.Load() != 1 {
		t.Fatalf("builds = %d, want 1", builds.Load())
	}
}

func TestRegistryRecoversFromPanickingBuild(t *testing.T) {
	registry := NewRegistry()
	t.Cleanup(registry.Close)
	key := NewKey("duckdb", "shop")
	started := make(chan struct{})
	unblock := make(chan struct{})

	go func() {
		defer func() { _ = recover() }()
		_, _ = registry.GetOrCreate(context.Background(), key, func(context.Context, Key) (*Context, error) {
			close(started)
			<-unblock
			panic("introspection crashed")
		})
	}()
	<-started

	waiter := make(chan error, 1)
	go func() {
		_, err := registry.GetOrCreate(context.Background(), key, func(context.Context, Key) (*Context, error) {
			return nil, errors.New("second build should not run")
		})
		waiter <- err
	}()
	time.Sleep(10 * time.Millisecond)
	close(unblock)

	if err := <-waiter; err == nil {
		t.Fatal("waiter GetOrCreate() expected an error after a panicking build")
	}
	var builds atomic.Int64
	if _, err := registry.GetOrCreate(context.Background(), key, countingBuild(&builds)); err != nil {
		t.Fatalf("GetOrCreate() after panic error = %v", err)
	}
	if builds.Load() != 1 {
		t.Fatalf("builds = %d, want 1", builds.Load())
	}
}

func TestNewKeyFoldsTypeAliases(t *testing.T) {
	if got, want := NewKey(" PostgreSQL ", " crm "), NewKey("postgres", "crm"); got != want {
		t.Fatalf("NewKey() = %s, want %s", got, want)
	}
	if got := NewKey("DuckDB", "shop").DBType; got != "duckdb" {
		t.Fatalf("NewKey().DBType = %q, want duckdb", got)
	}
}
