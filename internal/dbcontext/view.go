package dbcontext

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/duckmesh/sqlrag/internal/vectorindex"
)

// View is an immutable generation of a context's retrievable knowledge.
// A refresh publishes a new View; the replaced one is destroyed once the last
// holder releases it.
type View struct {
	summaries    []string
	schema       *vectorindex.Index
	examples     *vectorindex.Index
	exampleSQL   []string
	builtAt      time.Time
	ownsExamples bool

	refs    atomic.Int64
	retired atomic.Bool
	once    sync.Once
}

func (v *View) Summaries() []string {
	return slices.Clone(v.summaries)
}

func (v *View) SchemaIndex() *vectorindex.Index {
	return v.schema
}

// ExampleIndex is nil when SQL examples were not requested or none could be
// generated.
func (v *View) ExampleIndex() *vectorindex.Index {
	return v.examples
}

func (v *View) ExampleSQL() []string {
	return slices.Clone(v.exampleSQL)
}

func (v *View) BuiltAt() time.Time {
	return v.builtAt
}

func (v *View) release() {
	if v.refs.Add(-1) == 0 && v.retired.Load() {
		v.destroy()
	}
}

func (v *View) retire() {
	v.retired.Store(true)
	if v.refs.Load() == 0 {
		v.destroy()
	}
}

func (v *View) destroy() {
	v.once.Do(func() {
		if v.schema != nil {
			_ = v.schema.Destroy()
		}
		if v.examples != nil && v.ownsExamples {
			_ = v.examples.Destroy()
		}
	})
}
