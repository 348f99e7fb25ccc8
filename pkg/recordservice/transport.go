package recordservice

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// ProtocolVersion is negotiated once per connection.
type ProtocolVersion string

// ProtocolV1 is the version this client speaks.
const ProtocolV1 ProtocolVersion = "1.0"

// DelegationToken is an opaque credential; the client never interprets it.
type DelegationToken []byte

type NetworkAddress struct {
	Hostname string `json:"hostname"`
	Port     int    `json:"port"`
}

func (a NetworkAddress) String() string {
	return net.JoinHostPort(a.Hostname, strconv.Itoa(a.Port))
}

// Endpoint identifies a planner. Principal is passed through to the
// transport for authenticated connections.
type Endpoint struct {
	Hostname  string
	Port      int
	Principal string
}

func (e Endpoint) Address() NetworkAddress {
	return NetworkAddress{Hostname: e.Hostname, Port: e.Port}
}

func (e Endpoint) String() string { return e.Address().String() }

// Task is one unit of planned work. Hosts lists the replicas able to run it
// in planner preference order; Payload is opaque to the client.
type Task struct {
	ID             string           `json:"task_id"`
	Hosts          []NetworkAddress `json:"local_hosts"`
	Payload        []byte           `json:"task"`
	ResultsOrdered bool             `json:"results_ordered,omitempty"`
}

type PlanRequestParams struct {
	ClientVersion ProtocolVersion `json:"client_version"`
	RequestType   RequestType     `json:"request_type"`
	SQLStmt       string          `json:"sql_stmt,omitempty"`
	Path          *PathRequest    `json:"path,omitempty"`
	User          string          `json:"user,omitempty"`
}

type PlanResult struct {
	Tasks    []Task   `json:"tasks"`
	Schema   Schema   `json:"schema"`
	Warnings []string `json:"warnings,omitempty"`
}

type ExecTaskParams struct {
	ClientVersion ProtocolVersion `json:"client_version"`
	Task          []byte          `json:"task"`
	FetchSize     int             `json:"fetch_size,omitempty"`
	Limit         int64           `json:"limit,omitempty"`
	MemLimit      int64           `json:"mem_limit,omitempty"`
}

type ExecTaskResult struct {
	Handle string `json:"handle"`
	Schema Schema `json:"schema"`
}

// TimestampNanos is a timestamp with nanosecond precision, stored as
// nanoseconds since the Unix epoch in UTC.
type TimestampNanos int64

func NewTimestampNanos(t time.Time) TimestampNanos { return TimestampNanos(t.UnixNano()) }

func (t TimestampNanos) Time() time.Time { return time.Unix(0, int64(t)).UTC() }

func (t TimestampNanos) String() string { return t.Time().Format(time.RFC3339Nano) }

// ColumnData holds the values of one column of a batch. Only the slice that
// matches the column type is populated and it has one entry per row; null
// rows hold the zero value and are flagged in Nulls (nil means no nulls).
//
// TINYINT through BIGINT use Ints, FLOAT and DOUBLE use Floats and STRING,
// VARCHAR and CHAR use Bytes.
type ColumnData struct {
	Nulls      []bool
	Bools      []bool
	Ints       []int64
	Floats     []float64
	Bytes      [][]byte
	Timestamps []TimestampNanos
	Decimals   []decimal.Decimal
}

// Len returns the number of values held for a column of type t.
func (c ColumnData) Len(t TypeID) int {
	switch t {
	case TypeBoolean:
		return len(c.Bools)
	case TypeTinyInt, TypeSmallInt, TypeInt, TypeBigInt:
		return len(c.Ints)
	case TypeFloat, TypeDouble:
		return len(c.Floats)
	case TypeString, TypeVarchar, TypeChar:
		return len(c.Bytes)
	case TypeTimestampNanos:
		return len(c.Timestamps)
	case TypeDecimal:
		return len(c.Decimals)
	default:
		return 0
	}
}

// Batch is one fetch worth of rows. Done is set on the last batch of a task.
type Batch struct {
	NumRows  int
	Columns  []ColumnData
	Done     bool
	Progress float32
}

// Validate checks that the batch agrees with schema.
func (b Batch) Validate(schema Schema) error {
	if b.NumRows == 0 {
		return nil
	}
	if len(b.Columns) != len(schema.Cols) {
		return fmt.Errorf("batch has %d columns, schema has %d", len(b.Columns), len(schema.Cols))
	}
	for i, col := range schema.Cols {
		if n := b.Columns[i].Len(col.Type.ID); n != b.NumRows {
			return fmt.Errorf("column %d (%s) has %d values, want %d", i, col.Name, n, b.NumRows)
		}
		if nulls := b.Columns[i].Nulls; nulls != nil && len(nulls) != b.NumRows {
			return fmt.Errorf("column %d (%s) has %d null flags, want %d", i, col.Name, len(nulls), b.NumRows)
		}
	}
	return nil
}

// PlannerConn is one connection to a planner. Implementations report
// server-side failures as *ServiceError and connection failures as
// *TransportError.
type PlannerConn interface {
	GetProtocolVersion(ctx context.Context) (ProtocolVersion, error)
	PlanRequest(ctx context.Context, params PlanRequestParams) (PlanResult, error)
	GetSchema(ctx context.Context, params PlanRequestParams) (Schema, error)
	GetDelegationToken(ctx context.Context, user, renewer string) (DelegationToken, error)
	CancelDelegationToken(ctx context.Context, token DelegationToken) error
	RenewDelegationToken(ctx context.Context, token DelegationToken) error
	Close() error
}

type PlannerDialer interface {
	DialPlanner(ctx context.Context, endpoint Endpoint) (PlannerConn, error)
}

// WorkerConn is one connection to a worker, with the same error contract
// as PlannerConn.
type WorkerConn interface {
	GetProtocolVersion(ctx context.Context) (ProtocolVersion, error)
	ExecTask(ctx context.Context, params ExecTaskParams) (ExecTaskResult, error)
	Fetch(ctx context.Context, handle string) (Batch, error)
	CloseTask(ctx context.Context, handle string) error
	Close() error
}

type WorkerDialer interface {
	DialWorker(ctx context.Context, addr NetworkAddress) (WorkerConn, error)
}
