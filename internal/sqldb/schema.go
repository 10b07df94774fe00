package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"slices"
	"strings"
)

type Column struct {
	Name     string
	Type     string
	Nullable bool
	Comment  string
}

type Index struct {
	Name    string
	Columns []string
}

type Table struct {
	Name    string
	Comment string
	Columns []Column
	Indexes []Index
}

type dialect interface {
	listTables(ctx context.Context, db *sql.DB) ([]string, error)
	tableComment(ctx context.Context, db *sql.DB, table string) (string, error)
	columns(ctx context.Context, db *sql.DB, table string) ([]Column, error)
	indexes(ctx context.Context, db *sql.DB, table string) ([]Index, error)
}

var indexColumnsPattern = regexp.MustCompile(`\(([^)]+)\)`)

// indexColumnsFromDefinition extracts the parenthesized column lists of a
// CREATE INDEX statement.
func indexColumnsFromDefinition(definition string) []string {
	var columns []string
	for _, match := range indexColumnsPattern.FindAllStringSubmatch(definition, -1) {
		columns = append(columns, strings.TrimSpace(match[1]))
	}
	return columns
}

// Tables introspects every usable table, sorted by name.
func (d *DB) Tables(ctx context.Context) ([]Table, error) {
	names, err := d.dialect.listTables(ctx, d.db)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	slices.Sort(names)
	tables := make([]Table, 0, len(names))
	for _, name := range names {
		table, err := d.describe(ctx, name)
		if err != nil {
			return nil, err
		}
		tables = append(tables, table)
	}
	return tables, nil
}

func (d *DB) describe(ctx context.Context, name string) (Table, error) {
	columns, err := d.dialect.columns(ctx, d.db, name)
	if err != nil {
		return Table{}, fmt.Errorf("describe columns of %q: %w", name, err)
	}
	indexes, err := d.dialect.indexes(ctx, d.db, name)
	if err != nil {
		return Table{}, fmt.Errorf("describe indexes of %q: %w", name, err)
	}
	comment, err := d.dialect.tableComment(ctx, d.db, name)
	if err != nil {
		comment = ""
	}
	return Table{Name: name, Comment: comment, Columns: columns, Indexes: indexes}, nil
}

// SummarizeTables returns one summary line per table, sorted by table name.
func (d *DB) SummarizeTables(ctx context.Context) ([]string, error) {
	tables, err := d.Tables(ctx)
	if err != nil {
		return nil, err
	}
	summaries := make([]string, len(tables))
	for i, table := range tables {
		summaries[i] = Summary(table)
	}
	return summaries, nil
}

// Summary renders a table as
// "name(col (comment), col2), and index keys: idx(`col`) , and table comment: text".
func Summary(table Table) string {
	columns := make([]string, len(table.Columns))
	for i, column := range table.Columns {
		if column.Comment != "" {
			columns[i] = fmt.Sprintf("%s (%s)", column.Name, column.Comment)
		} else {
			columns[i] = column.Name
		}
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s(%s)", table.Name, strings.Join(columns, ", "))

	var keys []string
	for _, index := range table.Indexes {
		if len(index.Columns) == 0 {
			continue
		}
		keys = append(keys, fmt.Sprintf("%s(`%s`) ", index.Name, strings.Join(index.Columns, ", ")))
	}
	if len(keys) > 0 {
		b.WriteString(", and index keys: ")
		b.WriteString(strings.Join(keys, ", "))
	}
	if table.Comment != "" {
		b.WriteString(", and table comment: ")
		b.WriteString(table.Comment)
	}
	return b.String()
}

// TableInfo renders a CREATE TABLE description plus sample rows for each
// named table, or for every table when names is empty.
func (d *DB) TableInfo(ctx context.Context, names ...string) ([]string, error) {
	tables, err := d.Tables(ctx)
	if err != nil {
		return nil, err
	}
	if len(names) > 0 {
		known := make(map[string]Table, len(tables))
		for _, table := range tables {
			known[table.Name] = table
		}
		selected := make([]Table, 0, len(names))
		var missing []string
		for _, name := range names {
			table, ok := known[name]
			if !ok {
				missing = append(missing, name)
				continue
			}
			selected = append(selected, table)
		}
		if len(missing) > 0 {
			return nil, fmt.Errorf("tables %v not found in database", missing)
		}
		tables = selected
	}

	infos := make([]string, 0, len(tables))
	for _, table := range tables {
		samples, err := d.sampleRows(ctx, table.Name)
		if err != nil {
			return nil, err
		}
		infos = append(infos, createTableStatement(table)+"\n\n/*\n"+samples+"\n*/")
	}
	return infos, nil
}

func createTableStatement(table Table) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE %s (\n", table.Name)
	for i, column := range table.Columns {
		fmt.Fprintf(&b, "\t%s %s", column.Name, strings.ToUpper(column.Type))
		if !column.Nullable {
			b.WriteString(" NOT NULL")
		}
		if i < len(table.Columns)-1 {
			b.WriteString(",")
		}
		b.WriteString("\n")
	}
	b.WriteString(")")
	return b.String()
}

func (d *DB) sampleRows(ctx context.Context, table string) (string, error) {
	result, err := d.Run(ctx, fmt.Sprintf("SELECT * FROM %s LIMIT %d", quoteIdent(table), d.cfg.SampleRows))
	if err != nil {
		return "", fmt.Errorf("sample rows of %q: %w", table, err)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d rows from %s table:\n", len(result.Rows), table)
	b.WriteString(strings.Join(result.Columns, "\t"))
	for _, row := range result.Rows {
		values := make([]string, len(row))
		for i, value := range row {
			if value == nil {
				values[i] = "NULL"
				continue
			}
			values[i] = fmt.Sprint(truncateValue(fmt.Sprint(value), 100))
		}
		b.WriteString("\n")
		b.WriteString(strings.Join(values, "\t"))
	}
	return b.String(), nil
}
