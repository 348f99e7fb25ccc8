package embedded

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/recordmesh/recordmesh/internal/query"
	"github.com/recordmesh/recordmesh/internal/storage"
	"github.com/recordmesh/recordmesh/pkg/recordservice"
)

func TestPlanPathRequestEmitsOneTaskPerDataFile(t *testing.T) {
	store := &fakeStore{objects: []storage.ObjectInfo{
		{Key: "sample/part-0.parquet", Size: 10},
		{Key: "sample/_SUCCESS"},
		{Key: "sample/part-1.parquet", Size: 20},
	}}
	engine := &fakeEngine{schema: testSchema()}
	planner := newTestPlanner(t, store, engine, nil)

	result, err := planner.PlanRequest(context.Background(), recordservice.PlanRequestParams{
		RequestType: recordservice.RequestPath,
		Path:        &recordservice.PathRequest{URI: "s3://recordmesh/sample"},
	})
	if err != nil {
		t.Fatalf("PlanRequest() error = %v", err)
	}
	if len(result.Tasks) != 2 {
		t.Fatalf("tasks = %d, want 2", len(result.Tasks))
	}
	if store.lastPrefix != "sample" {
		t.Fatalf("listed prefix = %q", store.lastPrefix)
	}
	if result.Tasks[0].Hosts[0] == result.Tasks[1].Hosts[0] {
		t.Fatal("tasks should prefer different hosts")
	}
	spec, err := decodeTask(result.Tasks[1].Payload)
	if err != nil {
		t.Fatalf("decodeTask() error = %v", err)
	}
	if spec.SQL != "SELECT * FROM __PATH__" || spec.Files[0].ObjectPath != "sample/part-1.parquet" || spec.Files[0].TableName != PathTable {
		t.Fatalf("task spec = %+v", spec)
	}
	if len(result.Schema.Cols) != 2 || result.Schema.IsCountStar {
		t.Fatalf("schema = %+v", result.Schema)
	}
}

func TestPlanPathRequestSingleFile(t *testing.T) {
	store := &fakeStore{stat: map[string]storage.ObjectInfo{"sample/part-0.parquet": {Key: "sample/part-0.parquet", Size: 5}}}
	planner := newTestPlanner(t, store, &fakeEngine{schema: testSchema()}, nil)

	result, err := planner.PlanRequest(context.Background(), recordservice.PlanRequestParams{
		RequestType: recordservice.RequestPath,
		Path:        &recordservice.PathRequest{URI: "/sample/part-0.parquet", Query: "select id from __PATH__ where id > 1"},
	})
	if err != nil {
		t.Fatalf("PlanRequest() error = %v", err)
	}
	if len(result.Tasks) != 1 {
		t.Fatalf("tasks = %d", len(result.Tasks))
	}
}

func TestPlanPathRequestErrors(t *testing.T) {
	planner := newTestPlanner(t, &fakeStore{}, &fakeEngine{schema: testSchema()}, nil)
	tests := []recordservice.PathRequest{
		{URI: "s3://other-bucket/sample"},
		{URI: "hdfs://nn/sample"},
		{URI: "/empty"},
		{URI: "/sample", Query: "select * from sample"},
	}
	for _, path := range tests {
		_, err := planner.PlanRequest(context.Background(), recordservice.PlanRequestParams{RequestType: recordservice.RequestPath, Path: &path})
		assertCode(t, err, recordservice.ErrCodeInvalidRequest)
	}
}

func TestPlanSQLRequestUsesReferencedTables(t *testing.T) {
	store := &fakeStore{objects: []storage.ObjectInfo{{Key: "warehouse/sample/a.parquet", Size: 1}}}
	engine := &fakeEngine{schema: recordservice.Schema{Cols: []recordservice.ColumnDesc{{Name: "count_star()", Type: recordservice.Type{ID: recordservice.TypeBigInt}}}}}
	planner := newTestPlanner(t, store, engine, map[string]string{"sample": "warehouse/sample", "samples_old": "warehouse/old"})

	result, err := planner.PlanRequest(context.Background(), recordservice.PlanRequestParams{
		RequestType: recordservice.RequestSQL,
		SQLStmt:     "SELECT count(*) FROM sample",
	})
	if err != nil {
		t.Fatalf("PlanRequest() error = %v", err)
	}
	if len(result.Tasks) != 1 {
		t.Fatalf("tasks = %d", len(result.Tasks))
	}
	if !result.Schema.IsCountStar {
		t.Fatal("IsCountStar = false for count(*) query")
	}
	if store.lastPrefix != "warehouse/sample" {
		t.Fatalf("listed prefix = %q", store.lastPrefix)
	}
	spec, err := decodeTask(result.Tasks[0].Payload)
	if err != nil {
		t.Fatalf("decodeTask() error = %v", err)
	}
	if len(spec.Files) != 1 || spec.Files[0].TableName != "sample" {
		t.Fatalf("files = %+v", spec.Files)
	}
}

func TestPlanSQLRequestUnknownTable(t *testing.T) {
	planner := newTestPlanner(t, &fakeStore{}, &fakeEngine{}, map[string]string{"sample": "warehouse/sample"})
	_, err := planner.GetSchema(context.Background(), recordservice.PlanRequestParams{
		RequestType: recordservice.RequestSQL,
		SQLStmt:     "SELECT * FROM other",
	})
	assertCode(t, err, recordservice.ErrCodeInvalidRequest)
}

func TestPlanDescribeFailureIsInvalidRequest(t *testing.T) {
	store := &fakeStore{objects: []storage.ObjectInfo{{Key: "sample/a.parquet"}}}
	planner := newTestPlanner(t, store, &fakeEngine{describeErr: errors.New("syntax error")}, nil)
	_, err := planner.PlanRequest(context.Background(), recordservice.PlanRequestParams{
		RequestType: recordservice.RequestPath,
		Path:        &recordservice.PathRequest{URI: "/sample", Query: "SELEC * FROM __PATH__"},
	})
	assertCode(t, err, recordservice.ErrCodeInvalidRequest)
}

func TestDelegationTokens(t *testing.T) {
	tokens := NewMemoryTokenStore()
	planner, err := NewPlanner(PlannerConfig{
		Store:  &fakeStore{},
		Engine: &fakeEngine{},
		Hosts:  []recordservice.NetworkAddress{{Hostname: "w1", Port: 1}},
		Tokens: tokens,
	})
	if err != nil {
		t.Fatalf("NewPlanner() error = %v", err)
	}
	ctx := context.Background()

	token, err := planner.GetDelegationToken(ctx, "alice", "yarn")
	if err != nil {
		t.Fatalf("GetDelegationToken() error = %v", err)
	}
	if err := planner.RenewDelegationToken(ctx, token); err != nil {
		t.Fatalf("RenewDelegationToken() error = %v", err)
	}
	if err := planner.CancelDelegationToken(ctx, token); err != nil {
		t.Fatalf("CancelDelegationToken() error = %v", err)
	}
	assertCode(t, planner.RenewDelegationToken(ctx, token), recordservice.ErrCodeAuthentication)
	_, err = planner.GetDelegationToken(ctx, "", "")
	assertCode(t, err, recordservice.ErrCodeAuthentication)
}

func TestMemoryTokenStoreRejectsExpiredRenewal(t *testing.T) {
	store := NewMemoryTokenStore()
	now := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	token, err := store.Issue(context.Background(), "alice", "", now.Add(time.Minute))
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	now = now.Add(2 * time.Minute)
	if err := store.Renew(context.Background(), token, now.Add(time.Hour)); !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("Renew() error = %v, want ErrTokenNotFound", err)
	}
}

func TestWorkerExecFetchClose(t *testing.T) {
	engine := &fakeEngine{schema: testSchema(), batches: []recordservice.Batch{
		{NumRows: 1, Columns: []recordservice.ColumnData{{Ints: []int64{1}}, {Bytes: [][]byte{[]byte("a")}}}},
		{NumRows: 0, Done: true},
	}}
	worker := newTestWorker(t, engine, 2)
	ctx := context.Background()

	result, err := worker.ExecTask(ctx, recordservice.ExecTaskParams{Task: testTask(t), FetchSize: 7, Limit: 50})
	if err != nil {
		t.Fatalf("ExecTask() error = %v", err)
	}
	if engine.lastRequest.RowLimit != 50 {
		t.Fatalf("RowLimit = %d", engine.lastRequest.RowLimit)
	}
	batch, err := worker.Fetch(ctx, result.Handle)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if batch.NumRows != 1 || engine.cursor.lastMaxRows != 7 {
		t.Fatalf("rows/maxRows = %d/%d", batch.NumRows, engine.cursor.lastMaxRows)
	}
	if err := worker.CloseTask(ctx, result.Handle); err != nil {
		t.Fatalf("CloseTask() error = %v", err)
	}
	if !engine.cursor.closed {
		t.Fatal("cursor not closed")
	}
	_, err = worker.Fetch(ctx, result.Handle)
	assertCode(t, err, recordservice.ErrCodeInvalidHandle)
	if err := worker.CloseTask(ctx, result.Handle); err != nil {
		t.Fatalf("second CloseTask() error = %v", err)
	}
}

func TestWorkerReportsBusyAtMaxSessions(t *testing.T) {
	engine := &fakeEngine{schema: testSchema()}
	worker := newTestWorker(t, engine, 1)
	ctx := context.Background()

	first, err := worker.ExecTask(ctx, recordservice.ExecTaskParams{Task: testTask(t)})
	if err != nil {
		t.Fatalf("ExecTask() error = %v", err)
	}
	_, err = worker.ExecTask(ctx, recordservice.ExecTaskParams{Task: testTask(t)})
	if !recordservice.IsBusy(err) {
		t.Fatalf("ExecTask() error = %v, want SERVICE_BUSY", err)
	}
	if err := worker.CloseTask(ctx, first.Handle); err != nil {
		t.Fatalf("CloseTask() error = %v", err)
	}
	if _, err := worker.ExecTask(ctx, recordservice.ExecTaskParams{Task: testTask(t)}); err != nil {
		t.Fatalf("ExecTask() after close error = %v", err)
	}
	if err := worker.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestWorkerExpiresIdleSessions(t *testing.T) {
	engine := &fakeEngine{schema: testSchema()}
	worker := newTestWorker(t, engine, 2)
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	worker.now = func() time.Time { return clock }
	ctx := context.Background()

	abandoned, err := worker.ExecTask(ctx, recordservice.ExecTaskParams{Task: testTask(t)})
	if err != nil {
		t.Fatalf("ExecTask() error = %v", err)
	}
	abandonedCursor := engine.cursor
	active, err := worker.ExecTask(ctx, recordservice.ExecTaskParams{Task: testTask(t)})
	if err != nil {
		t.Fatalf("ExecTask() error = %v", err)
	}
	if _, err := worker.ExecTask(ctx, recordservice.ExecTaskParams{Task: testTask(t)}); !recordservice.IsBusy(err) {
		t.Fatalf("ExecTask() error = %v, want SERVICE_BUSY", err)
	}

	clock = clock.Add(6 * time.Minute)
	if _, err := worker.Fetch(ctx, active.Handle); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if n := worker.ExpireIdle(ctx); n != 0 {
		t.Fatalf("ExpireIdle() = %d before the timeout", n)
	}

	clock = clock.Add(6 * time.Minute)
	if n := worker.ExpireIdle(ctx); n != 1 {
		t.Fatalf("ExpireIdle() = %d, want 1", n)
	}
	if !abandonedCursor.closed {
		t.Fatal("expired cursor not closed")
	}
	_, err = worker.Fetch(ctx, abandoned.Handle)
	assertCode(t, err, recordservice.ErrCodeInvalidHandle)
	if _, err := worker.Fetch(ctx, active.Handle); err != nil {
		t.Fatalf("Fetch() on the active session error = %v", err)
	}
	if _, err := worker.ExecTask(ctx, recordservice.ExecTaskParams{Task: testTask(t)}); err != nil {
		t.Fatalf("ExecTask() after expiry error = %v", err)
	}
	if err := worker.CloseTask(ctx, abandoned.Handle); err != nil {
		t.Fatalf("CloseTask() on an expired handle error = %v", err)
	}
}

func TestWorkerRunStopsWithContext(t *testing.T) {
	worker := newTestWorker(t, &fakeEngine{}, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := worker.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
}

func TestWorkerRejectsInvalidTask(t *testing.T) {
	worker := newTestWorker(t, &fakeEngine{}, 1)
	_, err := worker.ExecTask(context.Background(), recordservice.ExecTaskParams{Task: []byte("not json")})
	assertCode(t, err, recordservice.ErrCodeInvalidTask)
}

func TestWorkerOpenFailureReleasesSession(t *testing.T) {
	engine := &fakeEngine{openErr: errors.New("boom")}
	worker := newTestWorker(t, engine, 1)
	_, err := worker.ExecTask(context.Background(), recordservice.ExecTaskParams{Task: testTask(t)})
	assertCode(t, err, recordservice.ErrCodeInternal)

	engine.openErr = nil
	engine.schema = testSchema()
	if _, err := worker.ExecTask(context.Background(), recordservice.ExecTaskParams{Task: testTask(t)}); err != nil {
		t.Fatalf("ExecTask() error = %v", err)
	}
}

func TestParseTablesAndHosts(t *testing.T) {
	tables, err := ParseTables("Sample=warehouse/sample/, other = data/other")
	if err != nil {
		t.Fatalf("ParseTables() error = %v", err)
	}
	if tables["sample"] != "warehouse/sample" || tables["other"] != "data/other" {
		t.Fatalf("tables = %v", tables)
	}
	for _, raw := range []string{"noprefix", "a=x,a=y", "__PATH__=x"} {
		if _, err := ParseTables(raw); err == nil {
			t.Fatalf("ParseTables(%q) expected error", raw)
		}
	}

	hosts, err := ParseHosts("w1:12050, w2:12051")
	if err != nil {
		t.Fatalf("ParseHosts() error = %v", err)
	}
	if len(hosts) != 2 || hosts[1].Hostname != "w2" || hosts[1].Port != 12051 {
		t.Fatalf("hosts = %+v", hosts)
	}
	for _, raw := range []string{"", "w1", "w1:0"} {
		if _, err := ParseHosts(raw); err == nil {
			t.Fatalf("ParseHosts(%q) expected error", raw)
		}
	}
}

func newTestPlanner(t *testing.T, store storage.ObjectStore, engine query.Engine, tables map[string]string) *Planner {
	t.Helper()
	planner, err := NewPlanner(PlannerConfig{
		Store:  store,
		Bucket: "recordmesh",
		Engine: engine,
		Tables: tables,
		Hosts: []recordservice.NetworkAddress{
			{Hostname: "w1", Port: 12050},
			{Hostname: "w2", Port: 12050},
		},
	})
	if err != nil {
		t.Fatalf("NewPlanner() error = %v", err)
	}
	return planner
}

func newTestWorker(t *testing.T, engine query.Engine, maxSessions int) *Worker {
	t.Helper()
	worker, err := NewWorker(WorkerConfig{Engine: engine, MaxSessions: maxSessions})
	if err != nil {
		t.Fatalf("NewWorker() error = %v", err)
	}
	return worker
}

func testTask(t *testing.T) []byte {
	t.Helper()
	payload, err := encodeTask(taskSpec{SQL: "SELECT * FROM __PATH__", Files: []query.TableFile{{TableName: PathTable, ObjectPath: "sample/a.parquet"}}})
	if err != nil {
		t.Fatalf("encodeTask() error = %v", err)
	}
	return payload
}

func testSchema() recordservice.Schema {
	return recordservice.Schema{Cols: []recordservice.ColumnDesc{
		{Name: "id", Type: recordservice.Type{ID: recordservice.TypeBigInt}},
		{Name: "name", Type: recordservice.Type{ID: recordservice.TypeString}},
	}}
}

func assertCode(t *testing.T, err error, want recordservice.ErrorCode) {
	t.Helper()
	var se *recordservice.ServiceError
	if !errors.As(err, &se) {
		t.Fatalf("error = %v, want *ServiceError with %s", err, want)
	}
	if se.Code != want {
		t.Fatalf("code = %s, want %s (%v)", se.Code, want, err)
	}
}

type fakeStore struct {
	objects    []storage.ObjectInfo
	stat       map[string]storage.ObjectInfo
	lastPrefix string
}

func (f *fakeStore) List(_ context.Context, prefix string) ([]storage.ObjectInfo, error) {
	f.lastPrefix = prefix
	var out []storage.ObjectInfo
	for _, obj := range f.objects {
		if prefix == "" || strings.HasPrefix(obj.Key, prefix+"/") {
			out = append(out, obj)
		}
	}
	return out, nil
}

func (f *fakeStore) Get(context.Context, string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}

func (f *fakeStore) Stat(_ context.Context, key string) (storage.ObjectInfo, error) {
	info, ok := f.stat[key]
	if !ok {
		return storage.ObjectInfo{}, storage.ErrObjectNotFound
	}
	return info, nil
}

type fakeEngine struct {
	schema      recordservice.Schema
	describeErr error
	openErr     error
	batches     []recordservice.Batch
	lastRequest query.Request
	cursor      *fakeCursor
}

func (f *fakeEngine) Describe(_ context.Context, request query.Request) (recordservice.Schema, error) {
	f.lastRequest = request
	return f.schema, f.describeErr
}

func (f *fakeEngine) Open(_ context.Context, request query.Request) (query.Cursor, error) {
	f.lastRequest = request
	if f.openErr != nil {
		return nil, f.openErr
	}
	f.cursor = &fakeCursor{schema: f.schema, batches: f.batches}
	return f.cursor, nil
}

type fakeCursor struct {
	schema      recordservice.Schema
	batches     []recordservice.Batch
	lastMaxRows int
	closed      bool
}

func (c *fakeCursor) Schema() recordservice.Schema { return c.schema }

func (c *fakeCursor) Next(_ context.Context, maxRows int) (recordservice.Batch, error) {
	c.lastMaxRows = maxRows
	if len(c.batches) == 0 {
		return recordservice.Batch{Done: true}, nil
	}
	batch := c.batches[0]
	c.batches = c.batches[1:]
	return batch, nil
}

func (c *fakeCursor) Close() error {
	c.closed = true
	return nil
}
