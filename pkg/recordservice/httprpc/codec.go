package httprpc

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/parquet-go/parquet-go"
	"github.com/shopspring/decimal"

	"github.com/recordmesh/recordmesh/pkg/recordservice"
)

const (
	readChunk = 256
	// maxColumns keeps zero padded leaf names in column order.
	maxColumns = 1_000_000
)

// EncodeBatch writes the rows of b as a parquet file with one optional leaf
// per column, named c000000, c000001, ... so leaf order follows column order.
// A batch without rows encodes to nil.
func EncodeBatch(b recordservice.Batch) ([]byte, error) {
	if b.NumRows == 0 {
		return nil, nil
	}
	if len(b.Columns) > maxColumns {
		return nil, fmt.Errorf("batch has %d columns, at most %d are supported", len(b.Columns), maxColumns)
	}
	group := parquet.Group{}
	kinds := make([]columnKind, len(b.Columns))
	for i, col := range b.Columns {
		kind, err := kindOf(col)
		if err != nil {
			return nil, fmt.Errorf("column %d: %w", i, err)
		}
		kinds[i] = kind
		group[columnName(i)] = parquet.Optional(parquet.Leaf(kind.physical()))
	}
	schema := parquet.NewSchema("batch", group)

	var buf bytes.Buffer
	writer := parquet.NewWriter(&buf, schema)
	rows := make([]parquet.Row, 0, b.NumRows)
	for r := 0; r < b.NumRows; r++ {
		row := make(parquet.Row, len(b.Columns))
		for c, col := range b.Columns {
			if col.Nulls != nil && col.Nulls[r] {
				row[c] = parquet.NullValue().Level(0, 0, c)
				continue
			}
			row[c] = kinds[c].value(col, r).Level(0, 1, c)
		}
		rows = append(rows, row)
	}
	if _, err := writer.WriteRows(rows); err != nil {
		return nil, fmt.Errorf("write batch rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close batch writer: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeBatch reads a parquet file produced by EncodeBatch into column
// data typed by schema.
func DecodeBatch(data []byte, schema recordservice.Schema) (recordservice.Batch, error) {
	if len(data) == 0 {
		return recordservice.Batch{}, nil
	}
	reader := parquet.NewReader(bytes.NewReader(data))
	defer reader.Close()

	if n := len(reader.Schema().Fields()); n != len(schema.Cols) {
		return recordservice.Batch{}, fmt.Errorf("batch has %d columns, schema has %d", n, len(schema.Cols))
	}
	numRows := int(reader.NumRows())
	columns := make([]recordservice.ColumnData, len(schema.Cols))
	for i, col := range schema.Cols {
		columns[i] = allocColumn(col.Type.ID, numRows)
	}

	buf := make([]parquet.Row, readChunk)
	r := 0
	for {
		n, err := reader.ReadRows(buf)
		for _, row := range buf[:n] {
			if r >= numRows {
				return recordservice.Batch{}, fmt.Errorf("batch has more than %d rows", numRows)
			}
			for _, v := range row {
				c := v.Column()
				if c < 0 || c >= len(columns) {
					return recordservice.Batch{}, fmt.Errorf("value for unknown column %d", c)
				}
				if err := setValue(&columns[c], schema.Cols[c].Type.ID, r, numRows, v); err != nil {
					return recordservice.Batch{}, fmt.Errorf("column %d row %d: %w", c, r, err)
				}
			}
			r++
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return recordservice.Batch{}, fmt.Errorf("read batch rows: %w", err)
		}
		if n == 0 {
			break
		}
	}
	if r != numRows {
		return recordservice.Batch{}, fmt.Errorf("read %d rows, file declares %d", r, numRows)
	}
	return recordservice.Batch{NumRows: numRows, Columns: columns}, nil
}

func columnName(i int) string {
	return fmt.Sprintf("c%06d", i)
}

type columnKind uint8

const (
	kindBool columnKind = iota + 1
	kindInt
	kindFloat
	kindBytes
	kindTimestamp
	kindDecimal
)

func kindOf(col recordservice.ColumnData) (columnKind, error) {
	switch {
	case col.Bools != nil:
		return kindBool, nil
	case col.Ints != nil:
		return kindInt, nil
	case col.Floats != nil:
		return kindFloat, nil
	case col.Bytes != nil:
		return kindBytes, nil
	case col.Timestamps != nil:
		return kindTimestamp, nil
	case col.Decimals != nil:
		return kindDecimal, nil
	default:
		return 0, errors.New("column holds no values")
	}
}

func (k columnKind) physical() parquet.Type {
	switch k {
	case kindBool:
		return parquet.BooleanType
	case kindInt, kindTimestamp:
		return parquet.Int64Type
	case kindFloat:
		return parquet.DoubleType
	default:
		return parquet.ByteArrayType
	}
}

func (k columnKind) value(col recordservice.ColumnData, r int) parquet.Value {
	switch k {
	case kindBool:
		return parquet.BooleanValue(col.Bools[r])
	case kindInt:
		return parquet.Int64Value(col.Ints[r])
	case kindFloat:
		return parquet.DoubleValue(col.Floats[r])
	case kindTimestamp:
		return parquet.Int64Value(int64(col.Timestamps[r]))
	case kindDecimal:
		return parquet.ByteArrayValue([]byte(col.Decimals[r].String()))
	default:
		return parquet.ByteArrayValue(col.Bytes[r])
	}
}

func allocColumn(t recordservice.TypeID, n int) recordservice.ColumnData {
	switch t {
	case recordservice.TypeBoolean:
		return recordservice.ColumnData{Bools: make([]bool, n)}
	case recordservice.TypeTinyInt, recordservice.TypeSmallInt, recordservice.TypeInt, recordservice.TypeBigInt:
		return recordservice.ColumnData{Ints: make([]int64, n)}
	case recordservice.TypeFloat, recordservice.TypeDouble:
		return recordservice.ColumnData{Floats: make([]float64, n)}
	case recordservice.TypeTimestampNanos:
		return recordservice.ColumnData{Timestamps: make([]recordservice.TimestampNanos, n)}
	case recordservice.TypeDecimal:
		return recordservice.ColumnData{Decimals: make([]decimal.Decimal, n)}
	default:
		return recordservice.ColumnData{Bytes: make([][]byte, n)}
	}
}

func setValue(col *recordservice.ColumnData, t recordservice.TypeID, r, n int, v parquet.Value) error {
	if v.IsNull() {
		if col.Nulls == nil {
			col.Nulls = make([]bool, n)
		}
		col.Nulls[r] = true
		return nil
	}
	switch t {
	case recordservice.TypeBoolean:
		col.Bools[r] = v.Boolean()
	case recordservice.TypeTinyInt:
		return setInt(col, r, v.Int64(), math.MinInt8, math.MaxInt8)
	case recordservice.TypeSmallInt:
		return setInt(col, r, v.Int64(), math.MinInt16, math.MaxInt16)
	case recordservice.TypeInt:
		return setInt(col, r, v.Int64(), math.MinInt32, math.MaxInt32)
	case recordservice.TypeBigInt:
		col.Ints[r] = v.Int64()
	case recordservice.TypeFloat, recordservice.TypeDouble:
		col.Floats[r] = v.Double()
	case recordservice.TypeTimestampNanos:
		col.Timestamps[r] = recordservice.TimestampNanos(v.Int64())
	case recordservice.TypeDecimal:
		d, err := decimal.NewFromString(string(v.ByteArray()))
		if err != nil {
			return fmt.Errorf("parse decimal: %w", err)
		}
		col.Decimals[r] = d
	default:
		col.Bytes[r] = bytes.Clone(v.ByteArray())
	}
	return nil
}

func setInt(col *recordservice.ColumnData, r int, v, lo, hi int64) error {
	if v < lo || v > hi {
		return fmt.Errorf("value %d out of range", v)
	}
	col.Ints[r] = v
	return nil
}
