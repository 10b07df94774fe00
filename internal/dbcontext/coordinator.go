package dbcontext

import (
	"context"
	"io"
	"log/slog"
	"sync"
)

// Coordinator owns the registry and drives refreshes. Notify refreshes
// synchronously and drops notifications that find a refresh in flight;
// Publish enqueues into a single-slot mailbox drained by one worker per key,
// so bursts coalesce into at most one pending refresh.
type Coordinator struct {
	Registry *Registry
	Logger   *slog.Logger

	mu      sync.Mutex
	workers map[Key]chan struct{}
	closed  bool
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewCoordinator(registry *Registry, logger *slog.Logger) *Coordinator {
	if registry == nil {
		registry = NewRegistry()
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		Registry: registry,
		Logger:   logger,
		workers:  map[Key]chan struct{}{},
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Open returns the context for key, building it with build on first use.
func (c *Coordinator) Open(ctx context.Context, key Key, build BuildFunc) (*Context, error) {
	return c.Registry.GetOrCreate(ctx, key, build)
}

func (c *Coordinator) Lookup(key Key) (*Context, bool) {
	return c.Registry.Lookup(key)
}

// Notify signals a schema change for key. It never creates a context: an
// unknown key fails with ErrNotInitialized.
func (c *Coordinator) Notify(ctx context.Context, key Key) (bool, error) {
	dbctx, ok := c.Registry.Lookup(key)
	if !ok {
		c.Logger.ErrorContext(ctx, "no state machine for database, is the instance initialized?",
			slog.String("db_type", key.DBType),
			slog.String("db_name", key.DBName),
		)
		return false, ErrNotInitialized
	}
	return dbctx.notify(ctx, false)
}

func (c *Coordinator) Publish(key Key) error {
	dbctx, ok := c.Registry.Lookup(key)
	if !ok {
		c.Logger.Error("no state machine for database, is the instance initialized?",
			slog.String("db_type", key.DBType),
			slog.String("db_name", key.DBName),
		)
		return ErrNotInitialized
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	mailbox, ok := c.workers[key]
	if !ok {
		mailbox = make(chan struct{}, 1)
		c.workers[key] = mailbox
		c.wg.Add(1)
		go c.drain(dbctx, mailbox)
	}
	select {
	case mailbox <- struct{}{}:
	default:
	}
	return nil
}

func (c *Coordinator) drain(dbctx *Context, mailbox <-chan struct{}) {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case _, ok := <-mailbox:
			if !ok {
				return
			}
			if _, err := dbctx.notify(c.ctx, true); err != nil && c.ctx.Err() == nil {
				c.Logger.Error("queued refresh failed",
					slog.String("db_type", dbctx.key.DBType),
					slog.String("db_name", dbctx.key.DBName),
					slog.Any("error", err),
				)
			}
		}
	}
}

// Close stops the workers and releases every context.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for _, mailbox := range c.workers {
		close(mailbox)
	}
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	c.Registry.Close()
}
