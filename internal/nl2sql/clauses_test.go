package nl2sql

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/duckmesh/sqlrag/internal/llm"
)

// clauseLLM answers the clause workflow prompts from a fixed script.
type clauseLLM struct {
	mu            sync.Mutex
	understanding string
	understandErr error
	answers       map[string]string
	prompts       map[string]string
}

func newClauseLLM() *clauseLLM {
	return &clauseLLM{
		understanding: mustJSON(map[string]any{
			"tables":         []string{"orders"},
			"select_columns": []string{"customer", "SUM(total)"},
			"conditions":     []string{"total > 5", "SUM(total) > 20"},
			"operations": map[string]any{
				"aggregation": true,
				"group_by":    []string{"customer"},
				"order_by":    map[string]string{"column": "SUM(total)", "direction": "desc"},
			},
		}),
		answers: map[string]string{
			"Generate the SELECT clause":    `{"select_columns":["customer","SUM(total) AS spend"]}`,
			"Determine the FROM clause":     `{"tables":["orders"]}`,
			"Construct the WHERE clause":    `{"where_conditions":["total > 5"]}`,
			"Construct the GROUP BY clause": `{"group_by_columns":["customer"]}`,
			"Construct the HAVING clause":   `{"having_conditions":["SUM(total) > 20"]}`,
			"Construct the ORDER BY clause": `{"order_by":{"column":"spend","direction":"desc"}}`,
		},
		prompts: map[string]string{},
	}
}

func (c *clauseLLM) Ask(context.Context, string) (string, error) {
	return "", errors.New("unexpected free-form call")
}

func (c *clauseLLM) AskStructured(_ context.Context, prompt string, out any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if strings.Contains(prompt, "extracts the key parts") {
		c.prompts["understand"] = prompt
		if c.understandErr != nil {
			return c.understandErr
		}
		return json.Unmarshal([]byte(c.understanding), out)
	}
	for task, answer := range c.answers {
		if strings.Contains(prompt, "Subtask: "+task+"\n") {
			c.prompts[task] = prompt
			return json.Unmarshal([]byte(answer), out)
		}
	}
	return fmt.Errorf("%w: unexpected prompt", llm.ErrParse)
}

func TestClauseWorkflowBuildsStatementClauseByClause(t *testing.T) {
	model := newClauseLLM()
	dbctx := openShop(t, model, false)
	workflow := &ClauseWorkflow{LLM: model, EnforceSelect: true}

	run, err := workflow.Run(context.Background(), dbctx, "customers whose orders above 5 add up to more than 20, biggest spender first")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	wantSubtasks := []string{ClauseSelect, ClauseFrom, ClauseWhere, ClauseGroupBy, ClauseHaving, ClauseOrderBy}
	if !slices.Equal(run.Subtasks, wantSubtasks) {
		t.Fatalf("Subtasks = %v, want %v", run.Subtasks, wantSubtasks)
	}
	wantSQL := strings.Join([]string{
		"SELECT customer, SUM(total) AS spend",
		"FROM orders",
		"WHERE total > 5",
		"GROUP BY customer",
		"HAVING SUM(total) > 20",
		"ORDER BY spend DESC",
	}, "\n")
	if run.SQL != wantSQL {
		t.Fatalf("SQL = %q, want %q", run.SQL, wantSQL)
	}
	if !strings.Contains(run.SQLResult, `"customer":"alice"`) || strings.Contains(run.SQLResult, "bob") {
		t.Fatalf("SQLResult = %q", run.SQLResult)
	}
	if len(run.SchemaContext) == 0 || !strings.Contains(model.prompts["understand"], run.SchemaContext[0]) {
		t.Fatalf("understanding prompt does not carry schema context: %s", model.prompts["understand"])
	}
	if from := model.prompts["Determine the FROM clause"]; !strings.Contains(from, `"select_columns":["customer","SUM(total) AS spend"]`) {
		t.Fatalf("FROM prompt does not carry previous selections: %s", from)
	}
}

func TestClauseWorkflowSkipsUnneededClauses(t *testing.T) {
	model := newClauseLLM()
	model.understanding = mustJSON(map[string]any{
		"tables":         []string{"customers"},
		"select_columns": []string{"city"},
		"conditions":     []string{},
		"operations": map[string]any{
			"aggregation": false,
			"group_by":    []string{},
			"order_by":    map[string]string{"column": "", "direction": ""},
		},
	})
	model.answers["Generate the SELECT clause"] = `{"select_columns":["city"]}`
	model.answers["Determine the FROM clause"] = `{"tables":["customers"]}`
	dbctx := openShop(t, model, false)

	run, err := (&ClauseWorkflow{LLM: model, EnforceSelect: true}).Run(context.Background(), dbctx, "which city do customers live in")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if run.SQL != "SELECT city\nFROM customers" {
		t.Fatalf("SQL = %q", run.SQL)
	}
	if _, asked := model.prompts["Construct the WHERE clause"]; asked {
		t.Fatal("WHERE clause should not be resolved without conditions")
	}
}

func TestClauseWorkflowReportsUnderstandingFailure(t *testing.T) {
	model := newClauseLLM()
	model.understandErr = fmt.Errorf("%w: missing operations", llm.ErrParse)
	dbctx := openShop(t, model, false)

	run, err := (&ClauseWorkflow{LLM: model}).Run(context.Background(), dbctx, "top customer by total spend")
	if run != nil {
		t.Fatalf("Run() = %+v, want nil run", run)
	}
	var stageErr *StageError
	if !errors.As(err, &stageErr) || stageErr.Stage != StageUnderstand {
		t.Fatalf("Run() error = %v, want understand stage", err)
	}
	if !errors.Is(err, llm.ErrParse) {
		t.Fatalf("Run() error = %v, want parse error", err)
	}
}

func TestPlanClausesRoutesAggregateConditionsToHaving(t *testing.T) {
	tests := []struct {
		name string
		u    QuestionUnderstanding
		want []string
	}{
		{
			name: "select only",
			want: []string{ClauseSelect, ClauseFrom},
		},
		{
			name: "plain condition",
			u:    QuestionUnderstanding{Conditions: []string{"summer_sales > 3"}},
			want: []string{ClauseSelect, ClauseFrom, ClauseWhere},
		},
		{
			name: "aggregate condition",
			u:    QuestionUnderstanding{Conditions: []string{"count(*) > 2", " "}},
			want: []string{ClauseSelect, ClauseFrom, ClauseHaving},
		},
		{
			name: "grouping and ordering",
			u: QuestionUnderstanding{Operations: Operations{
				GroupBy: []string{"city"},
				OrderBy: OrderBy{Column: "city", Direction: "asc"},
			}},
			want: []string{ClauseSelect, ClauseFrom, ClauseGroupBy, ClauseOrderBy},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := PlanClauses(tt.u); !slices.Equal(got, tt.want) {
				t.Fatalf("PlanClauses() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAssembleClausesRequiresSelectAndFrom(t *testing.T) {
	if _, err := AssembleClauses(Clauses{Tables: []string{"orders"}}); !errors.Is(err, llm.ErrParse) {
		t.Fatalf("AssembleClauses() error = %v, want parse error", err)
	}
	if _, err := AssembleClauses(Clauses{SelectColumns: []string{"id"}}); !errors.Is(err, llm.ErrParse) {
		t.Fatalf("AssembleClauses() error = %v, want parse error", err)
	}
	got, err := AssembleClauses(Clauses{
		SelectColumns: []string{"id"},
		Tables:        []string{"orders"},
		OrderBy:       &OrderBy{Column: "id", Direction: "sideways"},
	})
	if err != nil {
		t.Fatalf("AssembleClauses() error = %v", err)
	}
	if got != "SELECT id\nFROM orders\nORDER BY id" {
		t.Fatalf("AssembleClauses() = %q", got)
	}
}
