package recordservice

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/recordmesh/recordmesh/internal/observability"
)

type RecordsStats struct {
	Records  int64
	Batches  int64
	Progress float32
}

// Records is a lazy, finite cursor over the results of one task. Next may
// block while the next batch is fetched. Records must be closed, which is
// legal at any point, including before the cursor is exhausted.
type Records struct {
	ctx     context.Context
	conn    WorkerConn
	handle  string
	schema  Schema
	limit   int64
	logger  *slog.Logger
	onClose func(*Records)

	batch  Batch
	row    int
	done   bool
	closed bool
	err    error
	stats  RecordsStats
}

func (r *Records) Schema() Schema { return r.schema }

// Next advances to the next record, fetching a new batch when the current
// one is used up. It returns false when the task has no more records, when
// the cursor is closed or on error; check Err to tell them apart.
func (r *Records) Next() bool {
	if r.closed || r.err != nil {
		return false
	}
	if r.limit > 0 && r.stats.Records >= r.limit {
		return false
	}
	for r.row+1 >= r.batch.NumRows {
		if r.done {
			return false
		}
		if !r.fetch() {
			return false
		}
	}
	r.row++
	r.stats.Records++
	return true
}

// Record returns the current row. The returned view is only valid until the
// next call to Next or Close.
func (r *Records) Record() Record {
	if r.closed || r.row < 0 || r.row >= r.batch.NumRows {
		return Record{}
	}
	return Record{schema: &r.schema, batch: &r.batch, row: r.row}
}

func (r *Records) Err() error { return r.err }

func (r *Records) Stats() RecordsStats { return r.stats }

// Close releases the task on the worker and the cursor's buffers. It is safe
// to call more than once.
func (r *Records) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.batch = Batch{}
	r.row = -1
	if r.onClose != nil {
		r.onClose(r)
	}
	if err := r.conn.CloseTask(context.WithoutCancel(r.ctx), r.handle); err != nil {
		r.logger.Warn("task_close_failed", slog.String("handle", r.handle), slog.Any("error", err))
		return workerError(err, "could not close task")
	}
	r.logger.Debug("task_closed",
		slog.String("handle", r.handle),
		slog.Int64("records", r.stats.Records),
		slog.Int64("batches", r.stats.Batches),
	)
	return nil
}

func (r *Records) fetch() bool {
	batch, err := r.conn.Fetch(r.ctx, r.handle)
	if err != nil {
		r.err = workerError(err, "could not fetch records")
		return false
	}
	if err := batch.Validate(r.schema); err != nil {
		r.err = &DecodingError{Column: -1, Msg: fmt.Sprintf("invalid batch: %v", err)}
		return false
	}
	r.batch = batch
	r.row = -1
	r.done = batch.Done
	r.stats.Batches++
	r.stats.Progress = batch.Progress
	observability.ObserveWorkerBatch(batch.NumRows)
	return true
}
