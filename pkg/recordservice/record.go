package recordservice

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Record is a view over the current row of a Records cursor. Each getter
// takes a zero-based column index and must match the column's declared
// type; a mismatch or an out of range index returns a *DecodingError.
// Null values are returned as the zero value; use IsNull to tell them apart.
type Record struct {
	schema *Schema
	batch  *Batch
	row    int
}

func (r Record) NumColumns() int {
	if r.schema == nil {
		return 0
	}
	return len(r.schema.Cols)
}

func (r Record) IsNull(col int) (bool, error) {
	data, _, err := r.column(col)
	if err != nil {
		return false, err
	}
	return data.Nulls != nil && data.Nulls[r.row], nil
}

func (r Record) Bool(col int) (bool, error) {
	data, err := r.typed(col, TypeBoolean)
	if err != nil {
		return false, err
	}
	return data.Bools[r.row], nil
}

func (r Record) Byte(col int) (int8, error) {
	data, err := r.typed(col, TypeTinyInt)
	if err != nil {
		return 0, err
	}
	return int8(data.Ints[r.row]), nil
}

func (r Record) Short(col int) (int16, error) {
	data, err := r.typed(col, TypeSmallInt)
	if err != nil {
		return 0, err
	}
	return int16(data.Ints[r.row]), nil
}

func (r Record) Int(col int) (int32, error) {
	data, err := r.typed(col, TypeInt)
	if err != nil {
		return 0, err
	}
	return int32(data.Ints[r.row]), nil
}

func (r Record) Long(col int) (int64, error) {
	data, err := r.typed(col, TypeBigInt)
	if err != nil {
		return 0, err
	}
	return data.Ints[r.row], nil
}

func (r Record) Float(col int) (float32, error) {
	data, err := r.typed(col, TypeFloat)
	if err != nil {
		return 0, err
	}
	return float32(data.Floats[r.row]), nil
}

func (r Record) Double(col int) (float64, error) {
	data, err := r.typed(col, TypeDouble)
	if err != nil {
		return 0, err
	}
	return data.Floats[r.row], nil
}

// ByteArray returns the raw bytes of a STRING, VARCHAR or CHAR column. The
// slice aliases the batch buffer and must be copied to outlive the row.
func (r Record) ByteArray(col int) ([]byte, error) {
	data, err := r.typed(col, TypeString, TypeVarchar, TypeChar)
	if err != nil {
		return nil, err
	}
	return data.Bytes[r.row], nil
}

func (r Record) String(col int) (string, error) {
	b, err := r.ByteArray(col)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r Record) TimestampNanos(col int) (TimestampNanos, error) {
	data, err := r.typed(col, TypeTimestampNanos)
	if err != nil {
		return 0, err
	}
	return data.Timestamps[r.row], nil
}

func (r Record) Decimal(col int) (decimal.Decimal, error) {
	data, err := r.typed(col, TypeDecimal)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return data.Decimals[r.row], nil
}

// Value returns the value of col using the getter that matches its declared
// type: bool, int8, int16, int32, int64, float32, float64, string,
// TimestampNanos or decimal.Decimal. Null values are returned as nil.
func (r Record) Value(col int) (any, error) {
	data, t, err := r.column(col)
	if err != nil {
		return nil, err
	}
	if data.Nulls != nil && data.Nulls[r.row] {
		return nil, nil
	}
	switch t {
	case TypeBoolean:
		return r.Bool(col)
	case TypeTinyInt:
		return r.Byte(col)
	case TypeSmallInt:
		return r.Short(col)
	case TypeInt:
		return r.Int(col)
	case TypeBigInt:
		return r.Long(col)
	case TypeFloat:
		return r.Float(col)
	case TypeDouble:
		return r.Double(col)
	case TypeString, TypeVarchar, TypeChar:
		return r.String(col)
	case TypeTimestampNanos:
		return r.TimestampNanos(col)
	case TypeDecimal:
		return r.Decimal(col)
	default:
		return nil, &DecodingError{Column: col, Msg: fmt.Sprintf("service returned type that is not supported: %s", t)}
	}
}

// Values returns Value for every column of the row.
func (r Record) Values() ([]any, error) {
	values := make([]any, r.NumColumns())
	for i := range values {
		v, err := r.Value(i)
		if err != nil {
			return nil, err
		}
		values[i] = v
	}
	return values, nil
}

func (r Record) column(col int) (*ColumnData, TypeID, error) {
	if r.schema == nil || r.batch == nil {
		return nil, 0, &DecodingError{Column: col, Msg: "no current record"}
	}
	if col < 0 || col >= len(r.schema.Cols) {
		return nil, 0, &DecodingError{Column: col, Msg: fmt.Sprintf("index out of range, record has %d columns", len(r.schema.Cols))}
	}
	// The cursor may have moved on or been closed since the record was taken.
	if col >= len(r.batch.Columns) || r.row < 0 || r.row >= r.batch.NumRows {
		return nil, 0, &DecodingError{Column: col, Msg: "no current record"}
	}
	return &r.batch.Columns[col], r.schema.Cols[col].Type.ID, nil
}

func (r Record) typed(col int, want ...TypeID) (*ColumnData, error) {
	data, got, err := r.column(col)
	if err != nil {
		return nil, err
	}
	for _, t := range want {
		if t == got {
			return data, nil
		}
	}
	return nil, &DecodingError{Column: col, Want: want[0], Got: got}
}
