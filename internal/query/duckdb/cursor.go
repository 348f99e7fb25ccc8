package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/marcboeker/go-duckdb/v2"
	"github.com/shopspring/decimal"

	"github.com/recordmesh/recordmesh/pkg/recordservice"
)

type cursor struct {
	db      *sql.DB
	rows    *sql.Rows
	workDir string
	schema  recordservice.Schema
	read    int64
	done    bool
	closed  bool
}

func (c *cursor) Schema() recordservice.Schema { return c.schema }

func (c *cursor) Next(ctx context.Context, maxRows int) (recordservice.Batch, error) {
	if c.closed {
		return recordservice.Batch{}, fmt.Errorf("cursor closed")
	}
	if c.done {
		return recordservice.Batch{Done: true, Progress: 1}, nil
	}
	if maxRows <= 0 {
		maxRows = 1024
	}

	builders := make([]columnBuilder, len(c.schema.Cols))
	for i, col := range c.schema.Cols {
		builders[i] = columnBuilder{typ: col.Type}
	}
	values := make([]any, len(builders))
	targets := make([]any, len(builders))
	for i := range values {
		targets[i] = &values[i]
	}

	n := 0
	for n < maxRows {
		if err := ctx.Err(); err != nil {
			return recordservice.Batch{}, err
		}
		if !c.rows.Next() {
			if err := c.rows.Err(); err != nil {
				return recordservice.Batch{}, fmt.Errorf("iterate rows: %w", err)
			}
			c.done = true
			break
		}
		if err := c.rows.Scan(targets...); err != nil {
			return recordservice.Batch{}, fmt.Errorf("scan row: %w", err)
		}
		for i, value := range values {
			if err := builders[i].append(value); err != nil {
				return recordservice.Batch{}, fmt.Errorf("column %q: %w", c.schema.Cols[i].Name, err)
			}
		}
		n++
	}
	c.read += int64(n)

	batch := recordservice.Batch{NumRows: n, Done: c.done}
	if n > 0 {
		batch.Columns = make([]recordservice.ColumnData, len(builders))
		for i := range builders {
			batch.Columns[i] = builders[i].data()
		}
	}
	if c.done {
		batch.Progress = 1
	}
	return batch, nil
}

func (c *cursor) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	var firstErr error
	if c.rows != nil {
		if err := c.rows.Close(); err != nil {
			firstErr = fmt.Errorf("close rows: %w", err)
		}
	}
	if c.db != nil {
		if err := c.db.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close duckdb: %w", err)
		}
	}
	if c.workDir != "" {
		_ = os.RemoveAll(c.workDir)
	}
	return firstErr
}

func schemaFor(columnTypes []*sql.ColumnType) recordservice.Schema {
	cols := make([]recordservice.ColumnDesc, 0, len(columnTypes))
	for _, ct := range columnTypes {
		typ := typeFor(ct.DatabaseTypeName())
		if typ.ID == recordservice.TypeDecimal {
			if precision, scale, ok := ct.DecimalSize(); ok {
				typ.Precision = int(precision)
				typ.Scale = int(scale)
			}
		}
		cols = append(cols, recordservice.ColumnDesc{Name: ct.Name(), Type: typ})
	}
	return recordservice.Schema{Cols: cols}
}

// typeFor maps a DuckDB type name onto the client type system. Types
// without a counterpart are rendered as strings.
func typeFor(name string) recordservice.Type {
	upper := strings.ToUpper(strings.TrimSpace(name))
	switch {
	case upper == "BOOLEAN":
		return recordservice.Type{ID: recordservice.TypeBoolean}
	case upper == "TINYINT":
		return recordservice.Type{ID: recordservice.TypeTinyInt}
	case upper == "SMALLINT" || upper == "UTINYINT":
		return recordservice.Type{ID: recordservice.TypeSmallInt}
	case upper == "INTEGER" || upper == "USMALLINT":
		return recordservice.Type{ID: recordservice.TypeInt}
	case upper == "BIGINT" || upper == "UINTEGER":
		return recordservice.Type{ID: recordservice.TypeBigInt}
	case upper == "FLOAT":
		return recordservice.Type{ID: recordservice.TypeFloat}
	case upper == "DOUBLE":
		return recordservice.Type{ID: recordservice.TypeDouble}
	case upper == "DATE" || strings.HasPrefix(upper, "TIMESTAMP"):
		return recordservice.Type{ID: recordservice.TypeTimestampNanos}
	case strings.HasPrefix(upper, "DECIMAL"):
		return recordservice.Type{ID: recordservice.TypeDecimal}
	default:
		return recordservice.Type{ID: recordservice.TypeString}
	}
}

type columnBuilder struct {
	typ     recordservice.Type
	col     recordservice.ColumnData
	nulls   []bool
	hasNull bool
}

func (b *columnBuilder) append(value any) error {
	if value == nil {
		b.nulls = append(b.nulls, true)
		b.hasNull = true
		b.appendZero()
		return nil
	}
	b.nulls = append(b.nulls, false)
	switch b.typ.ID {
	case recordservice.TypeBoolean:
		v, ok := value.(bool)
		if !ok {
			return fmt.Errorf("cannot read %T as BOOLEAN", value)
		}
		b.col.Bools = append(b.col.Bools, v)
	case recordservice.TypeTinyInt, recordservice.TypeSmallInt, recordservice.TypeInt, recordservice.TypeBigInt:
		v, err := toInt64(value)
		if err != nil {
			return err
		}
		b.col.Ints = append(b.col.Ints, v)
	case recordservice.TypeFloat, recordservice.TypeDouble:
		v, err := toFloat64(value)
		if err != nil {
			return err
		}
		b.col.Floats = append(b.col.Floats, v)
	case recordservice.TypeTimestampNanos:
		v, ok := value.(time.Time)
		if !ok {
			return fmt.Errorf("cannot read %T as TIMESTAMP", value)
		}
		b.col.Timestamps = append(b.col.Timestamps, recordservice.NewTimestampNanos(v))
	case recordservice.TypeDecimal:
		v, err := toDecimal(value)
		if err != nil {
			return err
		}
		b.col.Decimals = append(b.col.Decimals, v)
	default:
		b.col.Bytes = append(b.col.Bytes, toBytes(value))
	}
	return nil
}

func (b *columnBuilder) appendZero() {
	switch b.typ.ID {
	case recordservice.TypeBoolean:
		b.col.Bools = append(b.col.Bools, false)
	case recordservice.TypeTinyInt, recordservice.TypeSmallInt, recordservice.TypeInt, recordservice.TypeBigInt:
		b.col.Ints = append(b.col.Ints, 0)
	case recordservice.TypeFloat, recordservice.TypeDouble:
		b.col.Floats = append(b.col.Floats, 0)
	case recordservice.TypeTimestampNanos:
		b.col.Timestamps = append(b.col.Timestamps, 0)
	case recordservice.TypeDecimal:
		b.col.Decimals = append(b.col.Decimals, decimal.Zero)
	default:
		b.col.Bytes = append(b.col.Bytes, nil)
	}
}

func (b *columnBuilder) data() recordservice.ColumnData {
	col := b.col
	if b.hasNull {
		col.Nulls = b.nulls
	}
	return col
}

func toInt64(value any) (int64, error) {
	switch v := value.(type) {
	case int8:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case uint8:
		return int64(v), nil
	case uint16:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	default:
		return 0, fmt.Errorf("cannot read %T as integer", value)
	}
}

func toFloat64(value any) (float64, error) {
	switch v := value.(type) {
	case float32:
		return float64(v), nil
	case float64:
		return v, nil
	default:
		return 0, fmt.Errorf("cannot read %T as floating point", value)
	}
}

func toDecimal(value any) (decimal.Decimal, error) {
	switch v := value.(type) {
	case duckdb.Decimal:
		if v.Value == nil {
			return decimal.NewFromBigInt(new(big.Int), -int32(v.Scale)), nil
		}
		return decimal.NewFromBigInt(v.Value, -int32(v.Scale)), nil
	case float64:
		return decimal.NewFromFloat(v), nil
	case int64:
		return decimal.NewFromInt(v), nil
	case string:
		return decimal.NewFromString(v)
	case []byte:
		return decimal.NewFromString(string(v))
	default:
		return decimal.Decimal{}, fmt.Errorf("cannot read %T as DECIMAL", value)
	}
}

func toBytes(value any) []byte {
	switch v := value.(type) {
	case string:
		return []byte(v)
	case []byte:
		return append([]byte(nil), v...)
	case fmt.Stringer:
		return []byte(v.String())
	default:
		return []byte(fmt.Sprint(v))
	}
}
