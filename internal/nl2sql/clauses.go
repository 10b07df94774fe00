package nl2sql

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/duckmesh/sqlrag/internal/dbcontext"
	"github.com/duckmesh/sqlrag/internal/llm"
)

const (
	StageUnderstand = "understand"
	StageAssemble   = "assemble"

	ClauseSelect  = "select"
	ClauseFrom    = "from"
	ClauseWhere   = "where"
	ClauseGroupBy = "group_by"
	ClauseHaving  = "having"
	ClauseOrderBy = "order_by"
)

var aggregatePattern = regexp.MustCompile(`(?i)\b(sum|count|avg|max|min)\b`)

type OrderBy struct {
	Column    string `json:"column"`
	Direction string `json:"direction"`
}

type Operations struct {
	Aggregation bool     `json:"aggregation"`
	GroupBy     []string `json:"group_by"`
	OrderBy     OrderBy  `json:"order_by"`
}

// QuestionUnderstanding is the model's breakdown of a question into the
// parts of a query.
type QuestionUnderstanding struct {
	Tables        []string   `json:"tables"`
	SelectColumns []string   `json:"select_columns"`
	Conditions    []string   `json:"conditions"`
	Operations    Operations `json:"operations"`
}

// Clauses accumulates the resolved parts of a statement.
type Clauses struct {
	SelectColumns    []string `json:"select_columns,omitempty"`
	Tables           []string `json:"tables,omitempty"`
	WhereConditions  []string `json:"where_conditions,omitempty"`
	GroupByColumns   []string `json:"group_by_columns,omitempty"`
	HavingConditions []string `json:"having_conditions,omitempty"`
	OrderBy          *OrderBy `json:"order_by,omitempty"`
}

type ClauseRun struct {
	ID            string                `json:"id"`
	DBType        string                `json:"db_type"`
	DBName        string                `json:"db_name"`
	Question      string                `json:"question"`
	SchemaContext []string              `json:"schema_context"`
	Understanding QuestionUnderstanding `json:"understanding"`
	Subtasks      []string              `json:"subtasks"`
	Clauses       Clauses               `json:"clauses"`
	SQL           string                `json:"sql"`
	SQLResult     string                `json:"sql_result"`
	StartedAt     time.Time             `json:"started_at"`
}

// ClauseWorkflow writes SQL one clause at a time: the question is broken
// into its parts, each needed clause is resolved by its own model call with
// the earlier selections in view, and the statement is assembled locally.
type ClauseWorkflow struct {
	LLM           llm.Model
	Logger        *slog.Logger
	TopK          int
	EnforceSelect bool
}

type clauseSubtask struct {
	task     string
	question string
	format   string
	resolve  func(ctx context.Context, model llm.Model, prompt string, clauses *Clauses) error
}

var clauseSubtasks = map[string]clauseSubtask{
	ClauseSelect: {
		task:     "Generate the SELECT clause",
		question: "Which columns and aggregation functions should be included in the SELECT clause?",
		format:   `Answer with a JSON object whose "select_columns" field lists the select expressions.`,
		resolve: func(ctx context.Context, model llm.Model, prompt string, clauses *Clauses) error {
			var resp struct {
				SelectColumns []string `json:"select_columns"`
			}
			if err := model.AskStructured(ctx, prompt, &resp); err != nil {
				return err
			}
			clauses.SelectColumns = nonEmpty(resp.SelectColumns)
			return nil
		},
	},
	ClauseFrom: {
		task:     "Determine the FROM clause",
		question: "Which tables, with their joins, should be used in the FROM clause?",
		format:   `Answer with a JSON object whose "tables" field lists the FROM items.`,
		resolve: func(ctx context.Context, model llm.Model, prompt string, clauses *Clauses) error {
			var resp struct {
				Tables []string `json:"tables"`
			}
			if err := model.AskStructured(ctx, prompt, &resp); err != nil {
				return err
			}
			clauses.Tables = nonEmpty(resp.Tables)
			return nil
		},
	},
	ClauseWhere: {
		task:     "Construct the WHERE clause",
		question: "Which conditions should the WHERE clause contain?",
		format:   `Answer with a JSON object whose "where_conditions" field lists the conditions.`,
		resolve: func(ctx context.Context, model llm.Model, prompt string, clauses *Clauses) error {
			var resp struct {
				WhereConditions []string `json:"where_conditions"`
			}
			if err := model.AskStructured(ctx, prompt, &resp); err != nil {
				return err
			}
			clauses.WhereConditions = nonEmpty(resp.WhereConditions)
			return nil
		},
	},
	ClauseGroupBy: {
		task:     "Construct the GROUP BY clause",
		question: "Which columns should be used for grouping?",
		format:   `Answer with a JSON object whose "group_by_columns" field lists the grouping columns.`,
		resolve: func(ctx context.Context, model llm.Model, prompt string, clauses *Clauses) error {
			var resp struct {
				GroupByColumns []string `json:"group_by_columns"`
			}
			if err := model.AskStructured(ctx, prompt, &resp); err != nil {
				return err
			}
			clauses.GroupByColumns = nonEmpty(resp.GroupByColumns)
			return nil
		},
	},
	ClauseHaving: {
		task:     "Construct the HAVING clause",
		question: "Which aggregate conditions should the HAVING clause contain?",
		format:   `Answer with a JSON object whose "having_conditions" field lists the conditions.`,
		resolve: func(ctx context.Context, model llm.Model, prompt string, clauses *Clauses) error {
			var resp struct {
				HavingConditions []string `json:"having_conditions"`
			}
			if err := model.AskStructured(ctx, prompt, &resp); err != nil {
				return err
			}
			clauses.HavingConditions = nonEmpty(resp.HavingConditions)
			return nil
		},
	},
	ClauseOrderBy: {
		task:     "Construct the ORDER BY clause",
		question: "How should the results be ordered?",
		format:   `Answer with a JSON object whose "order_by" field holds "column" and "direction" (ASC or DESC).`,
		resolve: func(ctx context.Context, model llm.Model, prompt string, clauses *Clauses) error {
			var resp struct {
				OrderBy OrderBy `json:"order_by"`
			}
			if err := model.AskStructured(ctx, prompt, &resp); err != nil {
				return err
			}
			if strings.TrimSpace(resp.OrderBy.Column) != "" {
				clauses.OrderBy = &resp.OrderBy
			}
			return nil
		},
	},
}

// Run generates and executes a statement for question, clause by clause.
// As with Workflow.Run, execution errors end up in SQLResult.
func (w *ClauseWorkflow) Run(ctx context.Context, dbctx *dbcontext.Context, question string) (*ClauseRun, error) {
	topK, baseLogger := resolveSettings(w.TopK, w.Logger)
	if w.LLM == nil {
		return nil, fmt.Errorf("language model is required")
	}
	if dbctx == nil {
		return nil, fmt.Errorf("database context is required")
	}
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, fmt.Errorf("question is required")
	}

	key := dbctx.Key()
	run := &ClauseRun{
		ID:        uuid.NewString(),
		DBType:    key.DBType,
		DBName:    key.DBName,
		Question:  question,
		StartedAt: time.Now().UTC(),
	}
	logger := baseLogger.With(
		slog.String("run_id", run.ID),
		slog.String("db_type", key.DBType),
		slog.String("db_name", key.DBName),
		slog.String("strategy", "clauses"),
	)

	view, release := dbctx.Acquire()
	defer release()
	db := dbctx.Database()
	dialect := db.Type()

	err := runStage(ctx, logger, StageSchemaContext, func() error {
		chunks, err := view.SchemaIndex().SearchForChunks(ctx, question, topK)
		if err != nil {
			return fmt.Errorf("search schema index: %w", err)
		}
		run.SchemaContext = make([]string, len(chunks))
		for i, chunk := range chunks {
			run.SchemaContext[i] = chunk.EmbedText()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	tables := strings.Join(run.SchemaContext, "\n")

	err = runStage(ctx, logger, StageUnderstand, func() error {
		prompt := fmt.Sprintf(understandPrompt, dialect, tables, question)
		if err := w.LLM.AskStructured(ctx, prompt, &run.Understanding); err != nil {
			return err
		}
		run.Subtasks = PlanClauses(run.Understanding)
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, name := range run.Subtasks {
		subtask := clauseSubtasks[name]
		err := runStage(ctx, logger, "clause_"+name, func() error {
			previous, err := json.Marshal(run.Clauses)
			if err != nil {
				return fmt.Errorf("encode previous selections: %w", err)
			}
			prompt := fmt.Sprintf(clauseTaskPrompt, dialect, subtask.task, tables, question, previous, subtask.question, subtask.format)
			return subtask.resolve(ctx, w.LLM, prompt, &run.Clauses)
		})
		if err != nil {
			return nil, err
		}
	}

	err = runStage(ctx, logger, StageAssemble, func() error {
		statement, err := AssembleClauses(run.Clauses)
		if err != nil {
			return err
		}
		run.SQL, err = CheckStatement(statement, w.EnforceSelect)
		return err
	})
	if err != nil {
		return nil, err
	}

	_ = runStage(ctx, logger, StageExecute, func() error {
		run.SQLResult = db.RunNoThrow(ctx, run.SQL)
		return nil
	})
	return run, nil
}

// PlanClauses lists the clauses a question needs, in resolution order.
// Conditions that use an aggregate function go to HAVING, the rest to WHERE.
func PlanClauses(u QuestionUnderstanding) []string {
	subtasks := []string{ClauseSelect, ClauseFrom}
	var where, having bool
	for _, condition := range nonEmpty(u.Conditions) {
		if aggregatePattern.MatchString(condition) {
			having = true
		} else {
			where = true
		}
	}
	if where {
		subtasks = append(subtasks, ClauseWhere)
	}
	if len(nonEmpty(u.Operations.GroupBy)) > 0 {
		subtasks = append(subtasks, ClauseGroupBy)
	}
	if having {
		subtasks = append(subtasks, ClauseHaving)
	}
	if strings.TrimSpace(u.Operations.OrderBy.Column) != "" {
		subtasks = append(subtasks, ClauseOrderBy)
	}
	return subtasks
}

// AssembleClauses renders resolved clauses as one SELECT statement.
func AssembleClauses(c Clauses) (string, error) {
	if len(c.SelectColumns) == 0 {
		return "", fmt.Errorf("%w: no select columns resolved", llm.ErrParse)
	}
	if len(c.Tables) == 0 {
		return "", fmt.Errorf("%w: no tables resolved", llm.ErrParse)
	}
	parts := []string{
		"SELECT " + strings.Join(c.SelectColumns, ", "),
		"FROM " + strings.Join(c.Tables, ", "),
	}
	if len(c.WhereConditions) > 0 {
		parts = append(parts, "WHERE "+strings.Join(c.WhereConditions, " AND "))
	}
	if len(c.GroupByColumns) > 0 {
		parts = append(parts, "GROUP BY "+strings.Join(c.GroupByColumns, ", "))
	}
	if len(c.HavingConditions) > 0 {
		parts = append(parts, "HAVING "+strings.Join(c.HavingConditions, " AND "))
	}
	if c.OrderBy != nil {
		order := "ORDER BY " + strings.TrimSpace(c.OrderBy.Column)
		switch direction := strings.ToUpper(strings.TrimSpace(c.OrderBy.Direction)); direction {
		case "ASC", "DESC":
			order += " " + direction
		}
		parts = append(parts, order)
	}
	return strings.Join(parts, "\n"), nil
}

func nonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		if value = strings.TrimSpace(value); value != "" {
			out = append(out, value)
		}
	}
	return out
}
