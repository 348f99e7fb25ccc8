package recordservice

import (
	"fmt"
	"strings"
)

// TypeID is the closed set of column types a service can return.
type TypeID uint8

const (
	TypeBoolean TypeID = iota + 1
	TypeTinyInt
	TypeSmallInt
	TypeInt
	TypeBigInt
	TypeFloat
	TypeDouble
	TypeString
	TypeVarchar
	TypeChar
	TypeTimestampNanos
	TypeDecimal
)

var typeNames = map[TypeID]string{
	TypeBoolean:        "BOOLEAN",
	TypeTinyInt:        "TINYINT",
	TypeSmallInt:       "SMALLINT",
	TypeInt:            "INT",
	TypeBigInt:         "BIGINT",
	TypeFloat:          "FLOAT",
	TypeDouble:         "DOUBLE",
	TypeString:         "STRING",
	TypeVarchar:        "VARCHAR",
	TypeChar:           "CHAR",
	TypeTimestampNanos: "TIMESTAMP_NANOS",
	TypeDecimal:        "DECIMAL",
}

func (t TypeID) Valid() bool {
	_, ok := typeNames[t]
	return ok
}

func (t TypeID) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("TypeID(%d)", uint8(t))
}

// ParseTypeID maps a type name back to its TypeID.
func ParseTypeID(name string) (TypeID, error) {
	upper := strings.ToUpper(strings.TrimSpace(name))
	for id, n := range typeNames {
		if n == upper {
			return id, nil
		}
	}
	return 0, fmt.Errorf("unknown column type %q", name)
}

func (t TypeID) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("unknown column type %d", uint8(t))
	}
	return []byte(t.String()), nil
}

func (t *TypeID) UnmarshalText(text []byte) error {
	id, err := ParseTypeID(string(text))
	if err != nil {
		return err
	}
	*t = id
	return nil
}

// Type is a column type. Len is set for CHAR and VARCHAR, Precision and
// Scale for DECIMAL.
type Type struct {
	ID        TypeID `json:"type_id"`
	Len       int    `json:"len,omitempty"`
	Precision int    `json:"precision,omitempty"`
	Scale     int    `json:"scale,omitempty"`
}

func (t Type) String() string {
	switch t.ID {
	case TypeChar, TypeVarchar:
		return fmt.Sprintf("%s(%d)", t.ID, t.Len)
	case TypeDecimal:
		return fmt.Sprintf("%s(%d,%d)", t.ID, t.Precision, t.Scale)
	default:
		return t.ID.String()
	}
}

type ColumnDesc struct {
	Name string `json:"name"`
	Type Type   `json:"type"`
}

// Schema is the ordered column list of a result. Column order defines the
// index used by the Record getters.
type Schema struct {
	Cols []ColumnDesc `json:"cols"`
	// IsCountStar is set for plans that only count rows; such results carry
	// no column data.
	IsCountStar bool `json:"is_count_star,omitempty"`
}

func (s Schema) NumColumns() int { return len(s.Cols) }

// ColumnIndex returns the index of the first column named name, or -1.
func (s Schema) ColumnIndex(name string) int {
	for i, col := range s.Cols {
		if strings.EqualFold(col.Name, name) {
			return i
		}
	}
	return -1
}

func (s Schema) String() string {
	parts := make([]string, 0, len(s.Cols))
	for _, col := range s.Cols {
		parts = append(parts, col.Name+" "+col.Type.String())
	}
	return "(" + strings.Join(parts, ", ") + ")"
}
