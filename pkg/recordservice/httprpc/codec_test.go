package httprpc

import (
	"bytes"
	"sort"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/recordmesh/recordmesh/pkg/recordservice"
)

func TestEncodeDecodeBatchPreservesValuesAndNulls(t *testing.T) {
	schema := recordservice.Schema{Cols: []recordservice.ColumnDesc{
		{Name: "id", Type: recordservice.Type{ID: recordservice.TypeBigInt}},
		{Name: "name", Type: recordservice.Type{ID: recordservice.TypeString}},
		{Name: "active", Type: recordservice.Type{ID: recordservice.TypeBoolean}},
		{Name: "score", Type: recordservice.Type{ID: recordservice.TypeDouble}},
		{Name: "ts", Type: recordservice.Type{ID: recordservice.TypeTimestampNanos}},
		{Name: "price", Type: recordservice.Type{ID: recordservice.TypeDecimal, Precision: 10, Scale: 2}},
		{Name: "small", Type: recordservice.Type{ID: recordservice.TypeSmallInt}},
	}}
	batch := recordservice.Batch{
		NumRows: 3,
		Columns: []recordservice.ColumnData{
			{Ints: []int64{1, 2, 3}},
			{Bytes: [][]byte{[]byte("a"), nil, []byte("")}, Nulls: []bool{false, true, false}},
			{Bools: []bool{true, false, true}},
			{Floats: []float64{1.5, 0, -2.25}, Nulls: []bool{false, true, false}},
			{Timestamps: []recordservice.TimestampNanos{1, 1_700_000_000_123_456_789, 0}},
			{Decimals: []decimal.Decimal{decimal.RequireFromString("12.34"), decimal.Zero, decimal.RequireFromString("-0.01")}},
			{Ints: []int64{-5, 0, 32767}},
		},
	}

	data, err := EncodeBatch(batch)
	if err != nil {
		t.Fatalf("EncodeBatch() error = %v", err)
	}
	got, err := DecodeBatch(data, schema)
	if err != nil {
		t.Fatalf("DecodeBatch() error = %v", err)
	}
	if err := got.Validate(schema); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if got.NumRows != 3 {
		t.Fatalf("NumRows = %d", got.NumRows)
	}
	if got.Columns[0].Ints[2] != 3 {
		t.Fatalf("id[2] = %d", got.Columns[0].Ints[2])
	}
	if !bytes.Equal(got.Columns[1].Bytes[0], []byte("a")) || !got.Columns[1].Nulls[1] || got.Columns[1].Nulls[2] {
		t.Fatalf("name column = %+v", got.Columns[1])
	}
	if !got.Columns[2].Bools[0] || got.Columns[2].Bools[1] {
		t.Fatalf("active column = %+v", got.Columns[2].Bools)
	}
	if got.Columns[3].Floats[2] != -2.25 || !got.Columns[3].Nulls[1] {
		t.Fatalf("score column = %+v", got.Columns[3])
	}
	if got.Columns[4].Timestamps[1] != 1_700_000_000_123_456_789 {
		t.Fatalf("ts[1] = %d", got.Columns[4].Timestamps[1])
	}
	if !got.Columns[5].Decimals[0].Equal(decimal.RequireFromString("12.34")) {
		t.Fatalf("price[0] = %s", got.Columns[5].Decimals[0])
	}
	if got.Columns[6].Ints[2] != 32767 {
		t.Fatalf("small[2] = %d", got.Columns[6].Ints[2])
	}
	if got.Columns[0].Nulls != nil {
		t.Fatal("column without nulls should not allocate null flags")
	}
}

func TestEncodeBatchWithoutRowsIsEmpty(t *testing.T) {
	data, err := EncodeBatch(recordservice.Batch{Done: true})
	if err != nil {
		t.Fatalf("EncodeBatch() error = %v", err)
	}
	if len(data) != 0 {
		t.Fatalf("EncodeBatch() = %d bytes, want 0", len(data))
	}
	got, err := DecodeBatch(nil, recordservice.Schema{})
	if err != nil {
		t.Fatalf("DecodeBatch() error = %v", err)
	}
	if got.NumRows != 0 {
		t.Fatalf("NumRows = %d", got.NumRows)
	}
}

func TestDecodeBatchRejectsSchemaMismatch(t *testing.T) {
	data, err := EncodeBatch(recordservice.Batch{NumRows: 1, Columns: []recordservice.ColumnData{{Ints: []int64{1}}}})
	if err != nil {
		t.Fatalf("EncodeBatch() error = %v", err)
	}
	schema := recordservice.Schema{Cols: []recordservice.ColumnDesc{
		{Name: "a", Type: recordservice.Type{ID: recordservice.TypeBigInt}},
		{Name: "b", Type: recordservice.Type{ID: recordservice.TypeBigInt}},
	}}
	if _, err := DecodeBatch(data, schema); err == nil {
		t.Fatal("expected column count mismatch error")
	}
}

func TestDecodeBatchRejectsOutOfRangeInt(t *testing.T) {
	data, err := EncodeBatch(recordservice.Batch{NumRows: 1, Columns: []recordservice.ColumnData{{Ints: []int64{300}}}})
	if err != nil {
		t.Fatalf("EncodeBatch() error = %v", err)
	}
	schema := recordservice.Schema{Cols: []recordservice.ColumnDesc{
		{Name: "b", Type: recordservice.Type{ID: recordservice.TypeTinyInt}},
	}}
	if _, err := DecodeBatch(data, schema); err == nil {
		t.Fatal("expected out of range error for TINYINT")
	}
}

func TestEncodeBatchRejectsEmptyColumn(t *testing.T) {
	if _, err := EncodeBatch(recordservice.Batch{NumRows: 1, Columns: []recordservice.ColumnData{{}}}); err == nil {
		t.Fatal("expected error for column without values")
	}
}

func TestColumnNamesSortInColumnOrder(t *testing.T) {
	indexes := []int{0, 1, 9, 10, 999, 1000, 1001, 9999, 10000, 10001, 99999, 100000, 123456, maxColumns - 1}
	for i := 0; i < maxColumns; i += 7919 {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	names := make([]string, 0, len(indexes))
	for _, i := range indexes {
		names = append(names, columnName(i))
	}
	if !sort.StringsAreSorted(names) {
		t.Fatalf("column names are not in column order: %v", names)
	}
	if columnName(9999) >= columnName(10000) {
		t.Fatalf("columnName(9999) = %q sorts after columnName(10000) = %q", columnName(9999), columnName(10000))
	}
}
