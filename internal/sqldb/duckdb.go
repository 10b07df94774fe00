package sqldb

import (
	"context"
	"database/sql"
	"fmt"
)

type duckdbDialect struct{}

func (duckdbDialect) listTables(ctx context.Context, db *sql.DB) ([]string, error) {
	rows, err := db.QueryContext(ctx, `
SELECT table_name
FROM duckdb_tables()
WHERE schema_name = current_schema() AND NOT internal
UNION
SELECT view_name
FROM duckdb_views()
WHERE schema_name = current_schema() AND NOT internal AND NOT temporary
ORDER BY 1`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanStrings(rows)
}

func (duckdbDialect) tableComment(ctx context.Context, db *sql.DB, table string) (string, error) {
	var comment string
	err := db.QueryRowContext(ctx, `
SELECT COALESCE(comment, '')
FROM duckdb_tables()
WHERE schema_name = current_schema() AND table_name = $1`, table).Scan(&comment)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return comment, err
}

func (duckdbDialect) columns(ctx context.Context, db *sql.DB, table string) ([]Column, error) {
	rows, err := db.QueryContext(ctx, `
SELECT column_name, data_type, is_nullable, COALESCE(comment, '')
FROM duckdb_columns()
WHERE schema_name = current_schema() AND table_name = $1
ORDER BY column_index`, table)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var columns []Column
	for rows.Next() {
		var column Column
		if err := rows.Scan(&column.Name, &column.Type, &column.Nullable, &column.Comment); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		columns = append(columns, column)
	}
	return columns, rows.Err()
}

func (duckdbDialect) indexes(ctx context.Context, db *sql.DB, table string) ([]Index, error) {
	rows, err := db.QueryContext(ctx, `
SELECT index_name, COALESCE(sql, '')
FROM duckdb_indexes()
WHERE schema_name = current_schema() AND table_name = $1
ORDER BY index_name`, table)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var indexes []Index
	for rows.Next() {
		var name, definition string
		if err := rows.Scan(&name, &definition); err != nil {
			return nil, fmt.Errorf("scan index: %w", err)
		}
		indexes = append(indexes, Index{Name: name, Columns: indexColumnsFromDefinition(definition)})
	}
	return indexes, rows.Err()
}
