package recordservice

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
)

type WorkerOptions struct {
	Address NetworkAddress
	Dialer  WorkerDialer
	// FetchSize is the number of rows the worker should return per batch.
	// Zero leaves the choice to the worker.
	FetchSize int
	// Limit caps the number of records returned per task. Zero means no
	// limit.
	Limit int64
	// MemLimit is a hint, in bytes, for the worker's memory budget.
	MemLimit int64
	Logger   *slog.Logger
}

// WorkerClient owns one connection to a worker and the Records it returns.
// It is not safe for concurrent use; use one client per task to fetch in
// parallel.
type WorkerClient struct {
	opts    WorkerOptions
	logger  *slog.Logger
	conn    WorkerConn
	version ProtocolVersion
	open    map[*Records]struct{}
	closed  bool
}

func ConnectWorker(ctx context.Context, opts WorkerOptions) (*WorkerClient, error) {
	if opts.Dialer == nil {
		return nil, &UsageError{Op: "connect worker", Err: errors.New("dialer is required")}
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger := opts.Logger.With(slog.String("worker", opts.Address.String()))

	conn, err := opts.Dialer.DialWorker(ctx, opts.Address)
	if err != nil {
		return nil, &ConnectionError{
			Msg:   fmt.Sprintf("could not connect to worker service at %s", opts.Address),
			Cause: err,
		}
	}
	version, err := conn.GetProtocolVersion(ctx)
	if err != nil {
		_ = conn.Close()
		logger.Warn("worker_handshake_failed", slog.Any("error", err))
		err = classifyHandshake(err)
		var se *ServiceError
		if errors.As(err, &se) {
			return nil, err
		}
		return nil, &ConnectionError{
			Msg:   fmt.Sprintf("could not get service protocol version; the service at %s is likely not running the worker", opts.Address),
			Cause: err,
		}
	}
	logger.Debug("worker_connected", slog.String("protocol_version", string(version)))
	return &WorkerClient{
		opts:    opts,
		logger:  logger,
		conn:    conn,
		version: version,
		open:    make(map[*Records]struct{}),
	}, nil
}

// ConnectTaskWorker connects to the replica of task chosen by policy. A nil
// policy picks a replica at random.
func ConnectTaskWorker(ctx context.Context, task Task, policy ReplicaPolicy, opts WorkerOptions) (*WorkerClient, error) {
	if policy == nil {
		policy = NewRandomReplica()
	}
	addr, err := policy.Choose(task)
	if err != nil {
		return nil, err
	}
	opts.Address = addr
	return ConnectWorker(ctx, opts)
}

func (c *WorkerClient) ProtocolVersion() (ProtocolVersion, error) {
	if c.closed {
		return "", &UsageError{Op: "protocol version", Err: ErrNotConnected}
	}
	return c.version, nil
}

// ExecAndFetch starts task on the worker and returns a cursor over its
// records. The cursor must be closed; closing the client closes it too.
// ctx bounds every fetch issued by the cursor.
func (c *WorkerClient) ExecAndFetch(ctx context.Context, task Task) (*Records, error) {
	if c.closed {
		return nil, &UsageError{Op: "exec task", Err: ErrNotConnected}
	}
	result, err := c.conn.ExecTask(ctx, ExecTaskParams{
		ClientVersion: ProtocolV1,
		Task:          task.Payload,
		FetchSize:     c.opts.FetchSize,
		Limit:         c.opts.Limit,
		MemLimit:      c.opts.MemLimit,
	})
	if err != nil {
		return nil, workerError(err, "could not execute task")
	}
	for i, col := range result.Schema.Cols {
		if !col.Type.ID.Valid() {
			_ = c.conn.CloseTask(context.WithoutCancel(ctx), result.Handle)
			return nil, &DecodingError{
				Column: i,
				Msg:    fmt.Sprintf("service returned unsupported type %s for %q", col.Type.ID, col.Name),
			}
		}
	}
	c.logger.Debug("task_started", slog.String("task_id", task.ID), slog.String("handle", result.Handle))

	records := &Records{
		ctx:    ctx,
		conn:   c.conn,
		handle: result.Handle,
		schema: result.Schema,
		limit:  c.opts.Limit,
		logger: c.logger,
		row:    -1,
	}
	c.open[records] = struct{}{}
	records.onClose = func(r *Records) { delete(c.open, r) }
	return records, nil
}

// Close closes every open Records and the connection. It is safe to call
// more than once.
func (c *WorkerClient) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	var errs []error
	for records := range c.open {
		if err := records.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.conn.Close(); err != nil {
		errs = append(errs, err)
	}
	c.logger.Debug("worker_connection_closed")
	return errors.Join(errs...)
}

func workerError(err error, msg string) error {
	switch classify(err) {
	case outcomeServiceError, outcomeBusy, outcomeCancelled:
		return err
	default:
		return &ConnectionError{Msg: msg, Cause: err}
	}
}
