package recordservice

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
)

type ParallelOptions struct {
	// Parallelism bounds the number of tasks fetched at once. Values below
	// one fetch sequentially.
	Parallelism int
	Policy      ReplicaPolicy
	Worker      WorkerOptions
}

// ForEachTask executes every task on its own WorkerClient and calls fn with
// the task's records. fn must not retain records after it returns. The first
// error cancels the remaining tasks and is returned.
func ForEachTask(ctx context.Context, tasks []Task, opts ParallelOptions, fn func(ctx context.Context, task Task, records *Records) error) error {
	if opts.Parallelism < 1 {
		opts.Parallelism = 1
	}
	policy := opts.Policy
	if policy == nil {
		policy = NewRandomReplica()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Parallelism)
	for i := range tasks {
		task := tasks[i]
		g.Go(func() error {
			if err := runTask(gctx, task, policy, opts.Worker, fn); err != nil {
				return fmt.Errorf("task %s: %w", task.ID, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func runTask(ctx context.Context, task Task, policy ReplicaPolicy, opts WorkerOptions, fn func(context.Context, Task, *Records) error) (err error) {
	worker, err := ConnectTaskWorker(ctx, task, policy, opts)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, worker.Close()) }()

	records, err := worker.ExecAndFetch(ctx, task)
	if err != nil {
		return err
	}
	if err := fn(ctx, task, records); err != nil {
		return err
	}
	return records.Err()
}
