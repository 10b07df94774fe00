package dbcontext

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/duckmesh/sqlrag/internal/llm"
	"github.com/duckmesh/sqlrag/internal/observability"
	"github.com/duckmesh/sqlrag/internal/vectorindex"
)

const (
	SchemaIndexName  = "schema"
	ExampleIndexName = "sql"
)

// Database is the relational database capability a context is built from.
type Database interface {
	Type() string
	SummarizeTables(ctx context.Context) ([]string, error)
	TableInfo(ctx context.Context, names ...string) ([]string, error)
	RunNoThrow(ctx context.Context, sqlText string) string
}

// SnapshotStore persists built indices so the per-table LLM cost of the SQL
// example index is not paid again after a restart.
type SnapshotStore interface {
	Load(ctx context.Context, dbType, dbName, index string, embedder vectorindex.Embedder, opts vectorindex.Options) (*vectorindex.Index, bool, error)
	Save(ctx context.Context, dbType, dbName, index string, ix *vectorindex.Index) error
}

type Options struct {
	Embedder           vectorindex.Embedder
	LLM                llm.Model
	IndexOptions       func(key Key, index string) vectorindex.Options
	IncludeSQLExamples bool
	RefreshSQLExamples bool
	Snapshots          SnapshotStore
	Logger             *slog.Logger
	Clock              func() time.Time
}

func (o *Options) ensureDefaults() {
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.IndexOptions == nil {
		o.IndexOptions = func(Key, string) vectorindex.Options { return vectorindex.DefaultOptions() }
	}
}

// Context owns the retrievable knowledge about one database.
type Context struct {
	key  Key
	db   Database
	opts Options

	current   atomic.Pointer[View]
	state     atomic.Int32
	refreshMu sync.Mutex
	lease     atomic.Pointer[RefreshLease]
	closeOnce sync.Once
}

// RefreshLease is handed out by a notification cycle while it holds the
// refresh lock. A lease is only valid until that cycle ends.
type RefreshLease struct {
	owner *Context
}

// New builds the schema summary index and, when requested, the SQL example
// index.
func New(ctx context.Context, key Key, db Database, opts Options) (*Context, error) {
	opts.ensureDefaults()
	if db == nil {
		return nil, fmt.Errorf("database is required")
	}
	if opts.Embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if opts.IncludeSQLExamples && opts.LLM == nil {
		return nil, fmt.Errorf("language model is required for sql examples")
	}

	c := &Context{key: key, db: db, opts: opts}
	v, err := c.build(ctx, nil)
	if err != nil {
		return nil, err
	}
	c.current.Store(v)
	c.opts.Logger.InfoContext(ctx, "database context ready",
		slog.String("db_type", key.DBType),
		slog.String("db_name", key.DBName),
		slog.Int("tables", len(v.summaries)),
		slog.Int("sql_examples", len(v.exampleSQL)),
	)
	return c, nil
}

func (c *Context) Key() Key {
	return c.key
}

func (c *Context) Database() Database {
	return c.db
}

func (c *Context) State() State {
	return State(c.state.Load())
}

// Acquire pins the current view. The returned release func must be called
// once the caller is done with the view's indices.
func (c *Context) Acquire() (*View, func()) {
	for {
		v := c.current.Load()
		v.refs.Add(1)
		if c.current.Load() == v {
			return v, v.release
		}
		v.release()
	}
}

func (c *Context) Summaries() []string {
	v, release := c.Acquire()
	defer release()
	return v.Summaries()
}

// Refresh recomputes the schema summary and rebuilds the schema index, then
// publishes the result atomically. The SQL example index is carried over
// unless RefreshSQLExamples is set. lease must be the one issued by the
// notification currently holding the refresh lock; anything else fails with
// ErrRefreshNotHeld.
func (c *Context) Refresh(ctx context.Context, lease *RefreshLease) error {
	if lease == nil || lease.owner != c || c.lease.Load() != lease {
		return ErrRefreshNotHeld
	}
	return c.refreshLocked(ctx)
}

func (c *Context) refreshLocked(ctx context.Context) error {
	old := c.current.Load()
	next, err := c.build(ctx, old)
	if err != nil {
		return err
	}
	if next.examples == old.examples {
		old.ownsExamples = false
	}
	c.current.Store(next)
	old.retire()
	return nil
}

func (c *Context) build(ctx context.Context, previous *View) (*View, error) {
	summaries, err := c.db.SummarizeTables(ctx)
	if err != nil {
		return nil, fmt.Errorf("summarize tables of %s: %w", c.key, err)
	}
	schema, err := vectorindex.Build(ctx, vectorindex.TextChunks(summaries), c.opts.Embedder, c.opts.IndexOptions(c.key, SchemaIndexName))
	if err != nil {
		return nil, fmt.Errorf("build schema index of %s: %w", c.key, err)
	}
	v := &View{summaries: summaries, schema: schema, builtAt: c.opts.Clock()}

	switch {
	case !c.opts.IncludeSQLExamples:
	case previous != nil && !c.opts.RefreshSQLExamples:
		v.examples = previous.examples
		v.exampleSQL = previous.exampleSQL
		v.ownsExamples = true
	default:
		examples, exampleSQL, err := c.buildExamples(ctx, previous == nil)
		if err != nil {
			_ = schema.Destroy()
			return nil, err
		}
		v.examples = examples
		v.exampleSQL = exampleSQL
		v.ownsExamples = true
	}
	return v, nil
}

// notify runs one refresh cycle. With wait unset a notification that finds a
// refresh in flight is dropped; with wait set it queues behind the lock.
func (c *Context) notify(ctx context.Context, wait bool) (bool, error) {
	logger := c.opts.Logger.With(
		slog.String("db_type", c.key.DBType),
		slog.String("db_name", c.key.DBName),
	)
	if !wait && c.State() == StateRefreshing {
		logger.InfoContext(ctx, "refresh already in progress, notification dropped")
		observability.ObserveRefresh(c.key.DBType, "dropped", 0)
		return false, nil
	}
	if wait {
		c.refreshMu.Lock()
	} else if !c.refreshMu.TryLock() {
		logger.InfoContext(ctx, "refresh already in progress, notification dropped")
		observability.ObserveRefresh(c.key.DBType, "dropped", 0)
		return false, nil
	}
	defer c.refreshMu.Unlock()
	lease := &RefreshLease{owner: c}
	c.lease.Store(lease)
	defer c.lease.Store(nil)

	start := time.Now()
	c.state.Store(int32(StateRefreshing))
	if err := c.Refresh(ctx, lease); err != nil {
		c.state.Store(int32(StateReady))
		observability.ObserveRefresh(c.key.DBType, "failed", time.Since(start))
		logger.ErrorContext(ctx, "refresh failed", slog.Any("error", err))
		return false, fmt.Errorf("refresh %s: %w", c.key, err)
	}
	c.state.Store(int32(StateRefreshed))
	observability.ObserveRefresh(c.key.DBType, "completed", time.Since(start))
	logger.InfoContext(ctx, "refresh completed", slog.Duration("duration", time.Since(start)))
	return true, nil
}

// close retires the current view and closes the database when it is an
// io.Closer.
func (c *Context) close() {
	c.closeOnce.Do(func() {
		c.refreshMu.Lock()
		defer c.refreshMu.Unlock()
		if v := c.current.Load(); v != nil {
			v.retire()
		}
		if closer, ok := c.db.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				c.opts.Logger.Warn("close database",
					slog.String("db_type", c.key.DBType),
					slog.String("db_name", c.key.DBName),
					slog.Any("error", err),
				)
			}
		}
	})
}
