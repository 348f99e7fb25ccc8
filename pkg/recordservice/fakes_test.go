package recordservice

import (
	"context"
	"errors"
	"time"
)

// fakePlannerConn replays errs in order, one per PlanRequest or GetSchema
// call, then succeeds.
type fakePlannerConn struct {
	versionErr error
	errs       []error
	result     PlanResult
	calls      int
	lastParams PlanRequestParams
	tokenErr   error
	closed     bool
}

func (f *fakePlannerConn) GetProtocolVersion(context.Context) (ProtocolVersion, error) {
	if f.versionErr != nil {
		return "", f.versionErr
	}
	return ProtocolV1, nil
}

func (f *fakePlannerConn) next() error {
	f.calls++
	if len(f.errs) == 0 {
		return nil
	}
	err := f.errs[0]
	f.errs = f.errs[1:]
	return err
}

func (f *fakePlannerConn) PlanRequest(_ context.Context, params PlanRequestParams) (PlanResult, error) {
	f.lastParams = params
	if err := f.next(); err != nil {
		return PlanResult{}, err
	}
	return f.result, nil
}

func (f *fakePlannerConn) GetSchema(_ context.Context, params PlanRequestParams) (Schema, error) {
	f.lastParams = params
	if err := f.next(); err != nil {
		return Schema{}, err
	}
	return f.result.Schema, nil
}

func (f *fakePlannerConn) GetDelegationToken(_ context.Context, user, renewer string) (DelegationToken, error) {
	if f.tokenErr != nil {
		return nil, f.tokenErr
	}
	return DelegationToken(user + "/" + renewer), nil
}

func (f *fakePlannerConn) CancelDelegationToken(context.Context, DelegationToken) error {
	return f.tokenErr
}

func (f *fakePlannerConn) RenewDelegationToken(context.Context, DelegationToken) error {
	return f.tokenErr
}

func (f *fakePlannerConn) Close() error {
	f.closed = true
	return nil
}

// fakePlannerDialer hands out conns in order; dialing past the end fails.
type fakePlannerDialer struct {
	conns []*fakePlannerConn
	dials int
}

var errDialRefused = errors.New("connection refused")

func (d *fakePlannerDialer) DialPlanner(context.Context, Endpoint) (PlannerConn, error) {
	d.dials++
	if len(d.conns) == 0 {
		return nil, errDialRefused
	}
	conn := d.conns[0]
	d.conns = d.conns[1:]
	return conn, nil
}

type fakeWorkerConn struct {
	schema      Schema
	batches     []Batch
	execErr     error
	fetchErr    error
	lastExec    ExecTaskParams
	fetches     int
	closedTasks []string
	closed      bool
}

func (f *fakeWorkerConn) GetProtocolVersion(context.Context) (ProtocolVersion, error) {
	return ProtocolV1, nil
}

func (f *fakeWorkerConn) ExecTask(_ context.Context, params ExecTaskParams) (ExecTaskResult, error) {
	f.lastExec = params
	if f.execErr != nil {
		return ExecTaskResult{}, f.execErr
	}
	return ExecTaskResult{Handle: "h1", Schema: f.schema}, nil
}

func (f *fakeWorkerConn) Fetch(context.Context, string) (Batch, error) {
	f.fetches++
	if f.fetchErr != nil {
		return Batch{}, f.fetchErr
	}
	if len(f.batches) == 0 {
		return Batch{Done: true}, nil
	}
	b := f.batches[0]
	f.batches = f.batches[1:]
	return b, nil
}

func (f *fakeWorkerConn) CloseTask(_ context.Context, handle string) error {
	f.closedTasks = append(f.closedTasks, handle)
	return nil
}

func (f *fakeWorkerConn) Close() error {
	f.closed = true
	return nil
}

type fakeWorkerDialer struct {
	conn  *fakeWorkerConn
	addrs []NetworkAddress
}

func (d *fakeWorkerDialer) DialWorker(_ context.Context, addr NetworkAddress) (WorkerConn, error) {
	d.addrs = append(d.addrs, addr)
	if d.conn == nil {
		return nil, errDialRefused
	}
	return d.conn, nil
}

func connectTestPlanner(dialer *fakePlannerDialer) (*PlannerClient, *int, error) {
	c, err := ConnectPlanner(context.Background(), PlannerOptions{
		Endpoint: Endpoint{Hostname: "planner", Port: 12050},
		Dialer:   dialer,
		User:     "alice",
	})
	if err != nil {
		return nil, nil, err
	}
	sleeps := 0
	c.sleep = func(context.Context, time.Duration) error {
		sleeps++
		return nil
	}
	return c, &sleeps, nil
}

var longStringSchema = Schema{Cols: []ColumnDesc{
	{Name: "id", Type: Type{ID: TypeBigInt}},
	{Name: "name", Type: Type{ID: TypeString}},
}}

func longStringBatch(done bool, ids ...int64) Batch {
	b := Batch{NumRows: len(ids), Done: done, Columns: []ColumnData{{Ints: []int64{}}, {Bytes: [][]byte{}}}}
	for _, id := range ids {
		b.Columns[0].Ints = append(b.Columns[0].Ints, id)
		b.Columns[1].Bytes = append(b.Columns[1].Bytes, []byte{byte('a' + id)})
	}
	return b
}
