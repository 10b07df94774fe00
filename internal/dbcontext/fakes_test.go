package dbcontext

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
)

type fakeDB struct {
	mu        sync.Mutex
	summaries []string
	infos     []string
	calls     int
	block     bool
	entered   chan struct{}
	release   chan struct{}
}

func newFakeDB(summaries ...string) *fakeDB {
	infos := make([]string, len(summaries))
	for i, summary := range summaries {
		name, _, _ := strings.Cut(summary, "(")
		infos[i] = "CREATE TABLE " + name + " (\n\tid INTEGER\n)"
	}
	return &fakeDB{
		summaries: summaries,
		infos:     infos,
		entered:   make(chan struct{}, 16),
		release:   make(chan struct{}),
	}
}

func (f *fakeDB) Type() string { return "duckdb" }

func (f *fakeDB) SummarizeTables(context.Context) ([]string, error) {
	f.mu.Lock()
	f.calls++
	calls := f.calls
	block := f.block
	summaries := slices.Clone(f.summaries)
	f.mu.Unlock()
	if block && calls > 1 {
		f.entered <- struct{}{}
		<-f.release
	}
	return summaries, nil
}

func (f *fakeDB) TableInfo(context.Context, ...string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.infos), nil
}

func (f *fakeDB) RunNoThrow(context.Context, string) string { return "" }

func (f *fakeDB) setSummaries(summaries ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.summaries = summaries
}

func (f *fakeDB) summarizeCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// wordEmbedder hashes each lowercase word into one of 32 buckets.
type wordEmbedder struct{}

func (wordEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i], _ = wordEmbedder{}.EmbedQuery(ctx, text)
	}
	return out, nil
}

func (wordEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	vector := make([]float32, 32)
	for _, word := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_')
	}) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(word))
		vector[h.Sum32()%32]++
	}
	return vector, nil
}

type fakeLLM struct {
	structured string
	calls      atomic.Int64
}

func (f *fakeLLM) Ask(context.Context, string) (string, error) {
	f.calls.Add(1)
	return "", nil
}

func (f *fakeLLM) AskStructured(_ context.Context, _ string, out any) error {
	f.calls.Add(1)
	return json.Unmarshal([]byte(f.structured), out)
}
