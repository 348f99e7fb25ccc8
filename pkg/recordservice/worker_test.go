package recordservice

import (
	"context"
	"errors"
	"testing"
)

func connectTestWorker(t *testing.T, conn *fakeWorkerConn, opts WorkerOptions) *WorkerClient {
	t.Helper()
	opts.Dialer = &fakeWorkerDialer{conn: conn}
	opts.Address = NetworkAddress{Hostname: "w1", Port: 12050}
	c, err := ConnectWorker(context.Background(), opts)
	if err != nil {
		t.Fatalf("ConnectWorker() error = %v", err)
	}
	return c
}

func TestRecordsIterateToExhaustion(t *testing.T) {
	conn := &fakeWorkerConn{
		schema:  longStringSchema,
		batches: []Batch{longStringBatch(false, 0, 1), {}, longStringBatch(true, 2)},
	}
	c := connectTestWorker(t, conn, WorkerOptions{FetchSize: 2})
	records, err := c.ExecAndFetch(context.Background(), Task{ID: "t0", Payload: []byte("task")})
	if err != nil {
		t.Fatalf("ExecAndFetch() error = %v", err)
	}
	if conn.lastExec.FetchSize != 2 || string(conn.lastExec.Task) != "task" {
		t.Fatalf("exec params = %+v", conn.lastExec)
	}

	var names []string
	for records.Next() {
		name, err := records.Record().String(1)
		if err != nil {
			t.Fatalf("String() error = %v", err)
		}
		names = append(names, name)
	}
	if err := records.Err(); err != nil {
		t.Fatalf("Err() = %v", err)
	}
	if len(names) != 3 || names[0] != "a" || names[2] != "c" {
		t.Fatalf("names = %v", names)
	}
	if records.Next() {
		t.Fatal("Next() after exhaustion = true")
	}
	if conn.fetches != 3 {
		t.Fatalf("fetches = %d, want 3", conn.fetches)
	}
	if err := records.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := records.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if len(conn.closedTasks) != 1 || conn.closedTasks[0] != "h1" {
		t.Fatalf("closed tasks = %v", conn.closedTasks)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("client Close() error = %v", err)
	}
}

func TestRecordKeptPastCursorReturnsError(t *testing.T) {
	conn := &fakeWorkerConn{
		schema:  longStringSchema,
		batches: []Batch{longStringBatch(false, 0, 1), longStringBatch(true, 2)},
	}
	c := connectTestWorker(t, conn, WorkerOptions{})
	records, err := c.ExecAndFetch(context.Background(), Task{ID: "t0"})
	if err != nil {
		t.Fatalf("ExecAndFetch() error = %v", err)
	}
	if !records.Next() || !records.Next() {
		t.Fatalf("Next() = false, err = %v", records.Err())
	}
	second := records.Record()
	if id, err := second.Long(0); err != nil || id != 1 {
		t.Fatalf("Long() = %d, %v", id, err)
	}

	if !records.Next() {
		t.Fatalf("Next() = false, err = %v", records.Err())
	}
	var de *DecodingError
	if _, err := second.Long(0); !errors.As(err, &de) {
		t.Fatalf("Long() on a record from a replaced batch error = %v, want DecodingError", err)
	}

	current := records.Record()
	if err := records.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := current.Long(0); !errors.As(err, &de) {
		t.Fatalf("Long() after Close() error = %v, want DecodingError", err)
	}
	if _, err := current.IsNull(1); !errors.As(err, &de) {
		t.Fatalf("IsNull() after Close() error = %v, want DecodingError", err)
	}
}

func TestRecordsCloseBeforeExhaustion(t *testing.T) {
	conn := &fakeWorkerConn{schema: longStringSchema, batches: []Batch{longStringBatch(false, 0, 1)}}
	c := connectTestWorker(t, conn, WorkerOptions{})
	records, err := c.ExecAndFetch(context.Background(), Task{ID: "t0"})
	if err != nil {
		t.Fatalf("ExecAndFetch() error = %v", err)
	}
	if !records.Next() {
		t.Fatalf("Next() = false, err = %v", records.Err())
	}
	if err := records.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if records.Next() {
		t.Fatal("Next() after Close = true")
	}
	if records.Record().NumColumns() != 0 {
		t.Fatal("Record() after Close should be empty")
	}
	if len(conn.closedTasks) != 1 {
		t.Fatalf("closed tasks = %v", conn.closedTasks)
	}
}

func TestWorkerCloseClosesOpenRecords(t *testing.T) {
	conn := &fakeWorkerConn{schema: longStringSchema}
	c := connectTestWorker(t, conn, WorkerOptions{})
	if _, err := c.ExecAndFetch(context.Background(), Task{ID: "t0"}); err != nil {
		t.Fatalf("ExecAndFetch() error = %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if len(conn.closedTasks) != 1 || !conn.closed {
		t.Fatalf("closed tasks = %v conn closed = %v", conn.closedTasks, conn.closed)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	var ue *UsageError
	if _, err := c.ExecAndFetch(context.Background(), Task{}); !errors.As(err, &ue) {
		t.Fatalf("ExecAndFetch() after close error = %v, want UsageError", err)
	}
}

func TestRecordsLimit(t *testing.T) {
	conn := &fakeWorkerConn{schema: longStringSchema, batches: []Batch{longStringBatch(true, 0, 1, 2, 3)}}
	c := connectTestWorker(t, conn, WorkerOptions{Limit: 2})
	records, err := c.ExecAndFetch(context.Background(), Task{ID: "t0"})
	if err != nil {
		t.Fatalf("ExecAndFetch() error = %v", err)
	}
	defer func() { _ = records.Close() }()
	n := 0
	for records.Next() {
		n++
	}
	if n != 2 || records.Stats().Records != 2 {
		t.Fatalf("records = %d", n)
	}
	if conn.lastExec.Limit != 2 {
		t.Fatalf("exec limit = %d", conn.lastExec.Limit)
	}
}

func TestRecordsFetchErrors(t *testing.T) {
	conn := &fakeWorkerConn{schema: longStringSchema, fetchErr: &TransportError{Op: "Fetch", Err: errors.New("reset")}}
	c := connectTestWorker(t, conn, WorkerOptions{})
	records, err := c.ExecAndFetch(context.Background(), Task{ID: "t0"})
	if err != nil {
		t.Fatalf("ExecAndFetch() error = %v", err)
	}
	if records.Next() {
		t.Fatal("Next() = true on fetch failure")
	}
	var ce *ConnectionError
	if !errors.As(records.Err(), &ce) {
		t.Fatalf("Err() = %v, want *ConnectionError", records.Err())
	}

	conn.fetchErr = nil
	conn.batches = []Batch{{NumRows: 1, Columns: []ColumnData{{Ints: []int64{1}}}}}
	records, err = c.ExecAndFetch(context.Background(), Task{ID: "t1"})
	if err != nil {
		t.Fatalf("ExecAndFetch() error = %v", err)
	}
	if records.Next() {
		t.Fatal("Next() = true for a malformed batch")
	}
	var de *DecodingError
	if !errors.As(records.Err(), &de) {
		t.Fatalf("Err() = %v, want *DecodingError", records.Err())
	}
}

func TestExecAndFetchRejectsUnknownType(t *testing.T) {
	conn := &fakeWorkerConn{schema: Schema{Cols: []ColumnDesc{{Name: "x", Type: Type{ID: TypeID(99)}}}}}
	c := connectTestWorker(t, conn, WorkerOptions{})
	_, err := c.ExecAndFetch(context.Background(), Task{ID: "t0"})
	var de *DecodingError
	if !errors.As(err, &de) {
		t.Fatalf("ExecAndFetch() error = %v, want *DecodingError", err)
	}
	if len(conn.closedTasks) != 1 {
		t.Fatal("task with unsupported schema was not closed")
	}
}

func TestExecAndFetchServiceErrorPassesThrough(t *testing.T) {
	conn := &fakeWorkerConn{execErr: &ServiceError{Code: ErrCodeInvalidTask, Message: "bad task"}}
	c := connectTestWorker(t, conn, WorkerOptions{})
	_, err := c.ExecAndFetch(context.Background(), Task{ID: "t0"})
	var se *ServiceError
	if !errors.As(err, &se) || se.Code != ErrCodeInvalidTask {
		t.Fatalf("ExecAndFetch() error = %v", err)
	}
}

func TestConnectTaskWorkerWithoutHosts(t *testing.T) {
	dialer := &fakeWorkerDialer{conn: &fakeWorkerConn{}}
	_, err := ConnectTaskWorker(context.Background(), Task{ID: "t0"}, nil, WorkerOptions{Dialer: dialer})
	var se *ServiceError
	if !errors.As(err, &se) || se.Code != ErrCodeInvalidTask {
		t.Fatalf("ConnectTaskWorker() error = %v, want INVALID_TASK", err)
	}
	if len(dialer.addrs) != 0 {
		t.Fatalf("dialed %v", dialer.addrs)
	}
}

func TestConnectWorkerDialFailure(t *testing.T) {
	_, err := ConnectWorker(context.Background(), WorkerOptions{Dialer: &fakeWorkerDialer{}, Address: NetworkAddress{Hostname: "w1", Port: 1}})
	var ce *ConnectionError
	if !errors.As(err, &ce) || !errors.Is(err, errDialRefused) {
		t.Fatalf("ConnectWorker() error = %v", err)
	}
}
