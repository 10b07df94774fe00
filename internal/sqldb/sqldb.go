package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/marcboeker/go-duckdb/v2"

	"github.com/duckmesh/sqlrag/internal/config"
	"github.com/duckmesh/sqlrag/internal/observability"
)

const (
	TypePostgres = "postgres"
	TypeDuckDB   = "duckdb"

	defaultSampleRows      = 3
	defaultMaxStringLength = 300
)

type Config struct {
	Type            string
	Name            string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration
	SampleRows      int
	MaxStringLength int
}

type Result struct {
	Columns  []string
	Rows     [][]any
	Duration time.Duration
}

type DB struct {
	db      *sql.DB
	cfg     Config
	dialect dialect
}

func NormalizeType(dbType string) (string, error) {
	switch config.CanonicalDBType(dbType) {
	case TypePostgres:
		return TypePostgres, nil
	case "duckdb":
		return TypeDuckDB, nil
	default:
		return "", fmt.Errorf("unsupported db type %q (supported: %s, %s)", dbType, TypePostgres, TypeDuckDB)
	}
}

func Open(ctx context.Context, cfg Config) (*DB, error) {
	dbType, err := NormalizeType(cfg.Type)
	if err != nil {
		return nil, err
	}
	driver := "pgx"
	if dbType == TypeDuckDB {
		driver = "duckdb"
	} else if cfg.DSN == "" {
		return nil, fmt.Errorf("dsn is required for %s database %q", dbType, cfg.Name)
	}

	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s db %q: %w", dbType, cfg.Name, err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s db %q: %w", dbType, cfg.Name, err)
	}

	cfg.Type = dbType
	return New(db, cfg)
}

// New wraps an already opened handle.
func New(db *sql.DB, cfg Config) (*DB, error) {
	if db == nil {
		return nil, fmt.Errorf("db handle is required")
	}
	dbType, err := NormalizeType(cfg.Type)
	if err != nil {
		return nil, err
	}
	cfg.Type = dbType
	if cfg.SampleRows <= 0 {
		cfg.SampleRows = defaultSampleRows
	}
	if cfg.MaxStringLength <= 0 {
		cfg.MaxStringLength = defaultMaxStringLength
	}
	var d dialect = postgresDialect{}
	if dbType == TypeDuckDB {
		d = duckdbDialect{}
	}
	return &DB{db: db, cfg: cfg, dialect: d}, nil
}

func (d *DB) Type() string {
	return d.cfg.Type
}

func (d *DB) Name() string {
	return d.cfg.Name
}

func (d *DB) Handle() *sql.DB {
	return d.db
}

func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) Run(ctx context.Context, sqlText string) (Result, error) {
	start := time.Now()
	sqlText = stripTrailingSemicolons(sqlText)
	if sqlText == "" {
		return Result{}, fmt.Errorf("sql is required")
	}

	rows, err := d.db.QueryContext(ctx, sqlText)
	if err != nil {
		return Result{}, fmt.Errorf("execute query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return Result{}, fmt.Errorf("query columns: %w", err)
	}

	resultRows := make([][]any, 0)
	for rows.Next() {
		values := make([]any, len(columns))
		scanTargets := make([]any, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return Result{}, fmt.Errorf("scan row: %w", err)
		}
		resultRows = append(resultRows, normalizeValues(values))
	}
	if err := rows.Err(); err != nil {
		return Result{}, fmt.Errorf("iterate rows: %w", err)
	}

	return Result{
		Columns:  columns,
		Rows:     resultRows,
		Duration: time.Since(start),
	}, nil
}

// RunNoThrow executes sqlText and renders the outcome as text: JSON rows,
// an empty string when nothing is returned, or "Error: <message>".
func (d *DB) RunNoThrow(ctx context.Context, sqlText string) string {
	result, err := d.Run(ctx, sqlText)
	observability.ObserveSQLExecution(d.cfg.Type, err)
	if err != nil {
		return "Error: " + err.Error()
	}
	rendered, err := d.render(result)
	if err != nil {
		return "Error: " + err.Error()
	}
	return rendered
}

func (d *DB) render(result Result) (string, error) {
	if len(result.Rows) == 0 {
		return "", nil
	}
	records := make([]map[string]any, len(result.Rows))
	for i, row := range result.Rows {
		record := make(map[string]any, len(result.Columns))
		for j, column := range result.Columns {
			record[column] = truncateValue(row[j], d.cfg.MaxStringLength)
		}
		records[i] = record
	}
	body, err := json.Marshal(records)
	if err != nil {
		return "", fmt.Errorf("render rows: %w", err)
	}
	return string(body), nil
}

func normalizeValues(values []any) []any {
	normalized := make([]any, len(values))
	for i, value := range values {
		switch typed := value.(type) {
		case []byte:
			normalized[i] = string(typed)
		default:
			normalized[i] = typed
		}
	}
	return normalized
}

func truncateValue(value any, length int) any {
	text, ok := value.(string)
	if !ok || len(text) <= length {
		return value
	}
	if length <= 3 {
		return text[:runeBoundary(text, length)]
	}
	return text[:runeBoundary(text, length-3)] + "..."
}

// runeBoundary returns the largest cut <= n that does not split a rune.
func runeBoundary(text string, n int) int {
	for n > 0 && !utf8.RuneStart(text[n]) {
		n--
	}
	return n
}

func quoteIdent(value string) string {
	return `"` + strings.ReplaceAll(value, `"`, `""`) + `"`
}

func stripTrailingSemicolons(sqlText string) string {
	trimmed := strings.TrimSpace(sqlText)
	for strings.HasSuffix(trimmed, ";") {
		trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, ";"))
	}
	return trimmed
}
