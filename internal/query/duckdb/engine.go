package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/marcboeker/go-duckdb/v2"

	"github.com/recordmesh/recordmesh/internal/query"
	"github.com/recordmesh/recordmesh/internal/storage"
	"github.com/recordmesh/recordmesh/pkg/recordservice"
)

// OpenFunc opens the database a query runs in. Each query gets its own.
type OpenFunc func() (*sql.DB, error)

type Engine struct {
	Store  storage.ObjectStore
	OpenDB OpenFunc
	// TempDir is where objects are downloaded; empty uses os.TempDir.
	TempDir string
}

func NewEngine(store storage.ObjectStore) *Engine {
	return &Engine{Store: store, OpenDB: openInMemory}
}

func openInMemory() (*sql.DB, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

// Describe returns the schema of request without reading any rows.
func (e *Engine) Describe(ctx context.Context, request query.Request) (recordservice.Schema, error) {
	c, err := e.open(ctx, request, true)
	if err != nil {
		return recordservice.Schema{}, err
	}
	schema := c.Schema()
	if err := c.Close(); err != nil {
		return recordservice.Schema{}, err
	}
	return schema, nil
}

func (e *Engine) Open(ctx context.Context, request query.Request) (query.Cursor, error) {
	return e.open(ctx, request, false)
}

func (e *Engine) open(ctx context.Context, request query.Request, describe bool) (_ *cursor, err error) {
	sqlText := stripTrailingSemicolons(request.SQL)
	if sqlText == "" {
		return nil, fmt.Errorf("sql is required")
	}
	if len(request.Files) == 0 {
		return nil, fmt.Errorf("no files to query")
	}
	if e.Store == nil {
		return nil, fmt.Errorf("object store is required")
	}
	openDB := e.OpenDB
	if openDB == nil {
		openDB = openInMemory
	}

	workDir, err := os.MkdirTemp(e.TempDir, "recordmesh-task-")
	if err != nil {
		return nil, fmt.Errorf("create task temp dir: %w", err)
	}
	c := &cursor{workDir: workDir}
	defer func() {
		if err != nil {
			_ = c.Close()
		}
	}()

	groupedPaths, err := e.materialize(ctx, workDir, request.Files)
	if err != nil {
		return nil, err
	}

	c.db, err = openDB()
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	for _, tableName := range sortedKeys(groupedPaths) {
		viewSQL := fmt.Sprintf(`CREATE OR REPLACE VIEW %s AS SELECT * FROM read_parquet(%s)`, quoteIdent(tableName), quoteStringArray(groupedPaths[tableName]))
		if _, err := c.db.ExecContext(ctx, viewSQL); err != nil {
			return nil, fmt.Errorf("create view for table %q: %w", tableName, err)
		}
	}

	switch {
	case describe:
		sqlText = fmt.Sprintf("SELECT * FROM (%s) AS q LIMIT 0", sqlText)
	case request.RowLimit > 0:
		sqlText = fmt.Sprintf("SELECT * FROM (%s) AS q LIMIT %d", sqlText, request.RowLimit)
	}

	c.rows, err = c.db.QueryContext(ctx, sqlText)
	if err != nil {
		return nil, fmt.Errorf("execute query: %w", err)
	}
	columnTypes, err := c.rows.ColumnTypes()
	if err != nil {
		return nil, fmt.Errorf("query columns: %w", err)
	}
	c.schema = schemaFor(columnTypes)
	return c, nil
}

func (e *Engine) materialize(ctx context.Context, workDir string, files []query.TableFile) (map[string][]string, error) {
	groupedPaths := map[string][]string{}
	for index, file := range files {
		reader, err := e.Store.Get(ctx, file.ObjectPath)
		if err != nil {
			return nil, fmt.Errorf("get object %q: %w", file.ObjectPath, err)
		}

		localPath := filepath.Join(workDir, fmt.Sprintf("%s_%d.parquet", sanitizeFileComponent(file.TableName), index))
		if err := writeFile(localPath, reader); err != nil {
			_ = reader.Close()
			return nil, fmt.Errorf("write local parquet file %q: %w", localPath, err)
		}
		if err := reader.Close(); err != nil {
			return nil, fmt.Errorf("close object %q: %w", file.ObjectPath, err)
		}
		groupedPaths[file.TableName] = append(groupedPaths[file.TableName], localPath)
	}
	return groupedPaths, nil
}

func quoteIdent(value string) string {
	return `"` + strings.ReplaceAll(value, `"`, `""`) + `"`
}

func quoteStringArray(values []string) string {
	quoted := make([]string, 0, len(values))
	for _, value := range values {
		quoted = append(quoted, `'`+strings.ReplaceAll(value, `'`, `''`)+`'`)
	}
	return "[" + strings.Join(quoted, ",") + "]"
}

func sanitizeFileComponent(value string) string {
	value = strings.ReplaceAll(value, "/", "_")
	value = strings.ReplaceAll(value, "..", "_")
	if value == "" {
		return "table"
	}
	return value
}

func stripTrailingSemicolons(sqlText string) string {
	trimmed := strings.TrimSpace(sqlText)
	for strings.HasSuffix(trimmed, ";") {
		trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, ";"))
	}
	return trimmed
}
