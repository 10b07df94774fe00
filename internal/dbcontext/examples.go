package dbcontext

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/duckmesh/sqlrag/internal/vectorindex"
)

const maxExamplesPerTable = 5

const sampleSQLPrompt = `You are an expert in %s SQL.
Below is the definition of a single table together with a few of its rows.
Write between 1 and 5 representative read-only SQL queries against this table that together touch
all of its columns and would answer questions a user of this data is likely to ask.
Every query must be a single SELECT statement valid for %s.

Table:
%s

Answer with a JSON object whose "sql_list" field holds the queries.`

type sampleSQLResponse struct {
	SQLList []string `json:"sql_list"`
}

// buildExamples asks the language model for sample queries once per table and
// indexes them. A stored snapshot replaces generation on first construction.
func (c *Context) buildExamples(ctx context.Context, allowSnapshot bool) (*vectorindex.Index, []string, error) {
	opts := c.opts.IndexOptions(c.key, ExampleIndexName)
	if allowSnapshot && c.opts.Snapshots != nil {
		ix, found, err := c.opts.Snapshots.Load(ctx, c.key.DBType, c.key.DBName, ExampleIndexName, c.opts.Embedder, opts)
		if err != nil {
			c.opts.Logger.WarnContext(ctx, "load sql example snapshot failed",
				slog.String("db_type", c.key.DBType),
				slog.String("db_name", c.key.DBName),
				slog.Any("error", err),
			)
		} else if found {
			return ix, exampleTexts(ix.Chunks()), nil
		}
	}

	infos, err := c.db.TableInfo(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("describe tables of %s: %w", c.key, err)
	}
	var chunks []vectorindex.Chunk
	for _, info := range infos {
		var resp sampleSQLResponse
		prompt := fmt.Sprintf(sampleSQLPrompt, c.db.Type(), c.db.Type(), info)
		if err := c.opts.LLM.AskStructured(ctx, prompt, &resp); err != nil {
			return nil, nil, fmt.Errorf("generate sql examples for %s: %w", c.key, err)
		}
		table := tableName(info)
		added := 0
		for _, statement := range resp.SQLList {
			statement = strings.TrimSpace(statement)
			if statement == "" || added == maxExamplesPerTable {
				continue
			}
			chunks = append(chunks, vectorindex.Chunk{
				Record: map[string]any{"sql": statement, "table": table},
				Field:  "sql",
			})
			added++
		}
	}
	if len(chunks) == 0 {
		c.opts.Logger.WarnContext(ctx, "no sql examples generated",
			slog.String("db_type", c.key.DBType),
			slog.String("db_name", c.key.DBName),
		)
		return nil, nil, nil
	}

	ix, err := vectorindex.Build(ctx, chunks, c.opts.Embedder, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("build sql example index of %s: %w", c.key, err)
	}
	if c.opts.Snapshots != nil {
		if err := c.opts.Snapshots.Save(ctx, c.key.DBType, c.key.DBName, ExampleIndexName, ix); err != nil {
			c.opts.Logger.WarnContext(ctx, "save sql example snapshot failed",
				slog.String("db_type", c.key.DBType),
				slog.String("db_name", c.key.DBName),
				slog.Any("error", err),
			)
		}
	}
	return ix, exampleTexts(chunks), nil
}

func exampleTexts(chunks []vectorindex.Chunk) []string {
	texts := make([]string, len(chunks))
	for i, chunk := range chunks {
		texts[i] = chunk.EmbedText()
	}
	return texts
}

// tableName reads the name out of a "CREATE TABLE name (" header.
func tableName(info string) string {
	header, _, _ := strings.Cut(info, "(")
	fields := strings.Fields(header)
	if len(fields) == 0 {
		return ""
	}
	return fields[len(fields)-1]
}
