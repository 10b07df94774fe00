package nl2sql

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"testing"

	"github.com/duckmesh/sqlrag/internal/dbcontext"
	"github.com/duckmesh/sqlrag/internal/llm"
	"github.com/duckmesh/sqlrag/internal/sqldb"
)

const topCustomerSQL = "SELECT customer, SUM(total) AS spend FROM orders GROUP BY customer ORDER BY spend DESC LIMIT 1"

// scriptedLLM answers by recognising which prompt it was given.
type scriptedLLM struct {
	mu         sync.Mutex
	decompose  string
	firstSQL   string
	finalSQL   string
	examples   string
	answer     string
	rephrased  []string
	hyde       string
	decomposeE error
	prompts    []string
}

func (s *scriptedLLM) Ask(_ context.Context, prompt string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, prompt)
	return s.answer, nil
}

func (s *scriptedLLM) AskStructured(_ context.Context, prompt string, out any) error {
	s.mu.Lock()
	s.prompts = append(s.prompts, prompt)
	s.mu.Unlock()

	var raw string
	switch {
	case strings.Contains(prompt, `"sql_list"`):
		raw = s.examples
	case strings.Contains(prompt, "rephrased_query"):
		raw = mustJSON(map[string]any{"original_query": "", "rephrased_query": s.rephrased})
	case strings.Contains(prompt, `"hyde"`):
		raw = mustJSON(map[string]string{"original_query": "", "hyde": s.hyde})
	case strings.Contains(prompt, "text_to_sql_query"):
		if s.decomposeE != nil {
			return s.decomposeE
		}
		raw = s.decompose
	case strings.Contains(prompt, "previously written"):
		raw = mustJSON(map[string]string{"sql_query": s.finalSQL})
	case strings.Contains(prompt, `"sql_query"`):
		raw = mustJSON(map[string]string{"sql_query": s.firstSQL})
	default:
		return fmt.Errorf("%w: unexpected prompt", llm.ErrParse)
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("%w: %v", llm.ErrParse, err)
	}
	return nil
}

func (s *scriptedLLM) structuredCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.prompts)
}

func mustJSON(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(raw)
}

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

func newScriptedLLM() *scriptedLLM {
	return &scriptedLLM{
		decompose: mustJSON(map[string]string{
			"text_to_sql_query":    "Which customer has the highest total order amount",
			"interpretation_query": "Name the top customer",
		}),
		firstSQL: topCustomerSQL,
		examples: mustJSON(map[string][]string{"sql_list": {
			"SELECT customer, total FROM orders ORDER BY total DESC LIMIT 5",
			"SELECT COUNT(*) FROM orders",
		}}),
		answer: "  alice spent the most.  ",
	}
}

func openShop(t *testing.T, model llm.Model, includeExamples bool) *dbcontext.Context {
	t.Helper()
	ctx := context.Background()
	db, err := sqldb.Open(ctx, sqldb.Config{Type: "duckdb", Name: "shop"})
	if err != nil {
		t.Fatalf("sqldb.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	for _, statement := range []string{
		`CREATE TABLE orders (id INTEGER NOT NULL, customer VARCHAR, total DOUBLE)`,
		`INSERT INTO orders VALUES (1, 'alice', 30.5), (2, 'bob', 12.0), (3, 'alice', 7.5)`,
		`CREATE TABLE customers (name VARCHAR, city VARCHAR)`,
	} {
		if _, err := db.Handle().ExecContext(ctx, statement); err != nil {
			t.Fatalf("exec %q: %v", statement, err)
		}
	}

	registry := dbcontext.NewRegistry()
	t.Cleanup(registry.Close)
	dbctx, err := registry.GetOrCreate(ctx, dbcontext.NewKey("duckdb", "shop"), func(ctx context.Context, key dbcontext.Key) (*dbcontext.Context, error) {
		return dbcontext.New(ctx, key, db, dbcontext.Options{
			Embedder:           wordEmbedder{},
			LLM:                model,
			IncludeSQLExamples: includeExamples,
		})
	})
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	return dbctx
}

func TestRunWithoutSimilaritySQL(t *testing.T) {
	model := newScriptedLLM()
	dbctx := openShop(t, model, false)
	workflow := &Workflow{LLM: model, EnforceSelect: true}

	run, err := workflow.Run(context.Background(), dbctx, "top customer by total spend", RunOptions{NeedSimilaritySQL: false})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if run.ID == "" || run.DBType != "duckdb" || run.DBName != "shop" {
		t.Fatalf("run identity = %q %q %q", run.ID, run.DBType, run.DBName)
	}
	if run.RetrievalQuestion != "Which customer has the highest total order amount" {
		t.Fatalf("RetrievalQuestion = %q", run.RetrievalQuestion)
	}
	if run.InterpretationQuestion != "Name the top customer" {
		t.Fatalf("InterpretationQuestion = %q", run.InterpretationQuestion)
	}
	if len(run.SchemaContext) == 0 || run.SchemaContext[0] != "orders(id, customer, total)" {
		t.Fatalf("SchemaContext = %v", run.SchemaContext)
	}
	if !strings.HasPrefix(run.FirstSQL, "SELECT") {
		t.Fatalf("FirstSQL = %q", run.FirstSQL)
	}
	if run.FinalSQL != run.FirstSQL {
		t.Fatalf("FinalSQL = %q, want %q", run.FinalSQL, run.FirstSQL)
	}
	if len(run.SimilarSQL) != 0 {
		t.Fatalf("SimilarSQL = %v, want none", run.SimilarSQL)
	}
	if !strings.Contains(run.SQLResult, `"customer":"alice"`) {
		t.Fatalf("SQLResult = %q", run.SQLResult)
	}
	if calls := model.structuredCalls(); calls != 2 {
		t.Fatalf("language model calls = %d, want 2", calls)
	}
}

func TestRunConcurrentlyOnSharedWorkflow(t *testing.T) {
	model := newScriptedLLM()
	dbctx := openShop(t, model, false)
	workflow := &Workflow{LLM: model}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run, err := workflow.Run(context.Background(), dbctx, "top customer by total spend", RunOptions{})
			if err != nil {
				t.Errorf("Run() error = %v", err)
				return
			}
			if run.FinalSQL != topCustomerSQL {
				t.Errorf("FinalSQL = %q", run.FinalSQL)
			}
		}()
	}
	wg.Wait()

	if workflow.TopK != 0 || workflow.Logger != nil {
		t.Fatalf("Run() mutated the workflow: TopK = %d, Logger = %v", workflow.TopK, workflow.Logger)
	}
}

func TestRunWithSimilaritySQL(t *testing.T) {
	model := newScriptedLLM()
	model.finalSQL = "```sql\n" + topCustomerSQL + ";\n```"
	dbctx := openShop(t, model, true)
	constructionCalls := model.structuredCalls()
	workflow := &Workflow{LLM: model, EnforceSelect: true, TopK: 3}

	run, err := workflow.Run(context.Background(), dbctx, "top customer by total spend", RunOptions{NeedSimilaritySQL: true})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(run.SimilarSQL) != 3 {
		t.Fatalf("SimilarSQL = %v, want 3 statements", run.SimilarSQL)
	}
	if run.FinalSQL != topCustomerSQL+";" {
		t.Fatalf("FinalSQL = %q", run.FinalSQL)
	}
	if !strings.Contains(run.SQLResult, "alice") {
		t.Fatalf("SQLResult = %q", run.SQLResult)
	}
	if calls := model.structuredCalls() - constructionCalls; calls != 3 {
		t.Fatalf("language model calls = %d, want 3", calls)
	}
	finalPrompt := model.prompts[len(model.prompts)-1]
	if !strings.Contains(finalPrompt, run.SimilarSQL[0]) {
		t.Fatalf("final prompt does not carry similar sql: %s", finalPrompt)
	}
}

func TestRunKeepsExecutionErrorAsResult(t *testing.T) {
	model := newScriptedLLM()
	model.firstSQL = "SELECT missing_column FROM orders"
	dbctx := openShop(t, model, false)
	workflow := &Workflow{LLM: model, EnforceSelect: true}

	run, err := workflow.Run(context.Background(), dbctx, "top customer by total spend", RunOptions{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !strings.HasPrefix(run.SQLResult, "Error: ") {
		t.Fatalf("SQLResult = %q, want execution error text", run.SQLResult)
	}
	if run.FinalSQL != model.firstSQL {
		t.Fatalf("FinalSQL = %q", run.FinalSQL)
	}
}

func TestRunReportsDecompositionFailure(t *testing.T) {
	model := newScriptedLLM()
	model.decomposeE = fmt.Errorf("%w: missing interpretation_query", llm.ErrParse)
	dbctx := openShop(t, model, false)
	workflow := &Workflow{LLM: model}

	run, err := workflow.Run(context.Background(), dbctx, "top customer by total spend", RunOptions{})
	if run != nil {
		t.Fatalf("Run() = %+v, want nil run", run)
	}
	if !errors.Is(err, ErrDecomposition) || !errors.Is(err, llm.ErrParse) {
		t.Fatalf("Run() error = %v, want decomposition parse error", err)
	}
	var stageErr *StageError
	if !errors.As(err, &stageErr) || stageErr.Stage != StageDecompose {
		t.Fatalf("Run() error = %#v, want decompose stage", err)
	}
}

func TestRunRejectsDestructiveSQL(t *testing.T) {
	model := newScriptedLLM()
	model.firstSQL = "DELETE FROM orders"
	dbctx := openShop(t, model, false)
	workflow := &Workflow{LLM: model, EnforceSelect: true}

	_, err := workflow.Run(context.Background(), dbctx, "top customer by total spend", RunOptions{})
	var stageErr *StageError
	if !errors.As(err, &stageErr) || stageErr.Stage != StageFirstSQL {
		t.Fatalf("Run() error = %v, want first_sql stage error", err)
	}
	if !errors.Is(err, llm.ErrParse) {
		t.Fatalf("Run() error = %v, want %v", err, llm.ErrParse)
	}
	result := dbctx.Database().RunNoThrow(context.Background(), "SELECT COUNT(*) AS n FROM orders")
	if !strings.Contains(result, `"n":3`) {
		t.Fatalf("orders after rejected statement = %s", result)
	}
}

func TestAnswer(t *testing.T) {
	model := newScriptedLLM()
	workflow := &Workflow{LLM: model}

	if _, err := workflow.Answer(context.Background(), &Run{}); err == nil {
		t.Fatal("Answer() expected error for an incomplete run")
	}
	answer, err := workflow.Answer(context.Background(), &Run{
		Question:  "top customer by total spend",
		FinalSQL:  topCustomerSQL,
		SQLResult: `[{"customer":"alice","spend":38}]`,
	})
	if err != nil {
		t.Fatalf("Answer() error = %v", err)
	}
	if answer != "alice spent the most." {
		t.Fatalf("Answer() = %q", answer)
	}
	if prompt := model.prompts[len(model.prompts)-1]; !strings.Contains(prompt, `"spend":38`) {
		t.Fatalf("answer prompt = %s", prompt)
	}
}
