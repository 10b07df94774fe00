package nl2sql

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/duckmesh/sqlrag/internal/dbcontext"
	"github.com/duckmesh/sqlrag/internal/llm"
	"github.com/duckmesh/sqlrag/internal/observability"
)

const defaultTopK = 5

// Run is the record of one question passing through the workflow. Each stage
// fills one field; a failed run reports the stage instead of partial SQL.
type Run struct {
	ID                     string    `json:"id"`
	DBType                 string    `json:"db_type"`
	DBName                 string    `json:"db_name"`
	Question               string    `json:"question"`
	RetrievalQuestion      string    `json:"retrieval_question"`
	InterpretationQuestion string    `json:"interpretation_question"`
	SchemaContext          []string  `json:"schema_context"`
	FirstSQL               string    `json:"first_sql"`
	SimilarSQL             []string  `json:"similar_sql"`
	FinalSQL               string    `json:"final_sql"`
	SQLResult              string    `json:"sql_result"`
	StartedAt              time.Time `json:"started_at"`
}

type RunOptions struct {
	NeedSimilaritySQL bool
}

type Workflow struct {
	LLM    llm.Model
	Logger *slog.Logger
	TopK   int
	// EnforceSelect rejects generated statements that do not start with
	// SELECT or WITH.
	EnforceSelect bool
}

type decomposeResponse struct {
	RetrievalQuestion      string `json:"text_to_sql_query"`
	InterpretationQuestion string `json:"interpretation_query"`
}

type generateSQLResponse struct {
	SQLQuery string `json:"sql_query"`
}

// settings resolves defaults without writing to w, which is shared by
// concurrent requests.
func (w *Workflow) settings() (int, *slog.Logger) {
	return resolveSettings(w.TopK, w.Logger)
}

func resolveSettings(topK int, logger *slog.Logger) (int, *slog.Logger) {
	if topK <= 0 {
		topK = defaultTopK
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return topK, logger
}

// Run answers question against dbctx: decompose, retrieve schema context,
// generate a first SQL statement, retrieve similar example SQL, generate the
// final statement and execute it. Execution errors end up in SQLResult.
func (w *Workflow) Run(ctx context.Context, dbctx *dbcontext.Context, question string, opts RunOptions) (*Run, error) {
	topK, baseLogger := w.settings()
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
	run := &Run{
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
	)

	view, release := dbctx.Acquire()
	defer release()
	db := dbctx.Database()
	dialect := db.Type()

	err := runStage(ctx, logger, StageDecompose, func() error {
		var resp decomposeResponse
		if err := w.LLM.AskStructured(ctx, fmt.Sprintf(decomposePrompt, question), &resp); err != nil {
			return fmt.Errorf("%w: %w", ErrDecomposition, err)
		}
		resp.RetrievalQuestion = strings.TrimSpace(resp.RetrievalQuestion)
		if resp.RetrievalQuestion == "" {
			return fmt.Errorf("%w: empty retrieval question", ErrDecomposition)
		}
		run.RetrievalQuestion = resp.RetrievalQuestion
		run.InterpretationQuestion = strings.TrimSpace(resp.InterpretationQuestion)
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = runStage(ctx, logger, StageSchemaContext, func() error {
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

	err = runStage(ctx, logger, StageFirstSQL, func() error {
		statement, err := w.generateSQL(ctx, dialect, run.SchemaContext, nil, run.RetrievalQuestion)
		if err != nil {
			return err
		}
		run.FirstSQL = statement
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = runStage(ctx, logger, StageSimilarSQL, func() error {
		run.SimilarSQL = []string{}
		examples := view.ExampleIndex()
		if examples == nil {
			return nil
		}
		chunks, err := examples.SearchForChunks(ctx, run.FirstSQL, topK)
		if err != nil {
			return fmt.Errorf("search sql example index: %w", err)
		}
		for _, chunk := range chunks {
			run.SimilarSQL = append(run.SimilarSQL, chunk.EmbedText())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = runStage(ctx, logger, StageFinalSQL, func() error {
		if !opts.NeedSimilaritySQL || len(run.SimilarSQL) == 0 {
			run.FinalSQL = run.FirstSQL
			return nil
		}
		statement, err := w.generateSQL(ctx, dialect, run.SchemaContext, run.SimilarSQL, run.RetrievalQuestion)
		if err != nil {
			return err
		}
		run.FinalSQL = statement
		return nil
	})
	if err != nil {
		return nil, err
	}

	_ = runStage(ctx, logger, StageExecute, func() error {
		run.SQLResult = db.RunNoThrow(ctx, run.FinalSQL)
		return nil
	})
	if strings.HasPrefix(run.SQLResult, "Error: ") {
		logger.WarnContext(ctx, "generated sql failed", slog.String("sql", run.FinalSQL), slog.String("result", run.SQLResult))
	}
	return run, nil
}

// Answer phrases the executed result of run as a natural-language answer.
func (w *Workflow) Answer(ctx context.Context, run *Run) (string, error) {
	_, baseLogger := w.settings()
	if w.LLM == nil {
		return "", fmt.Errorf("language model is required")
	}
	if run == nil || run.FinalSQL == "" {
		return "", fmt.Errorf("completed run is required")
	}
	logger := baseLogger.With(slog.String("run_id", run.ID))

	var answer string
	err := runStage(ctx, logger, StageAnswer, func() error {
		text, err := w.LLM.Ask(ctx, fmt.Sprintf(answerPrompt, run.Question, run.FinalSQL, run.SQLResult))
		if err != nil {
			return err
		}
		answer = strings.TrimSpace(text)
		return nil
	})
	return answer, err
}

func (w *Workflow) generateSQL(ctx context.Context, dialect string, schema, similar []string, question string) (string, error) {
	reference := ""
	if len(similar) > 0 {
		reference = fmt.Sprintf(similarSQLSection, strings.Join(similar, "\n"))
	}
	prompt := fmt.Sprintf(generateSQLPrompt, dialect, dialect, strings.Join(schema, "\n"), reference, question)

	var resp generateSQLResponse
	if err := w.LLM.AskStructured(ctx, prompt, &resp); err != nil {
		return "", err
	}
	return CheckStatement(resp.SQLQuery, w.EnforceSelect)
}

func runStage(ctx context.Context, logger *slog.Logger, name string, fn func() error) error {
	start := time.Now()
	err := fn()
	elapsed := time.Since(start)
	observability.ObserveWorkflowStage(name, elapsed, err)
	if err != nil {
		logger.ErrorContext(ctx, "workflow stage failed", slog.String("stage", name), slog.Any("error", err))
		return &StageError{Stage: name, Err: err}
	}
	logger.DebugContext(ctx, "workflow stage completed", slog.String("stage", name), slog.Duration("duration", elapsed))
	return nil
}
