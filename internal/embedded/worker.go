package embedded

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/recordmesh/recordmesh/internal/observability"
	"github.com/recordmesh/recordmesh/internal/query"
	"github.com/recordmesh/recordmesh/pkg/recordservice"
)

const (
	defaultMaxSessions = 16
	defaultBatchSize   = 1024
	defaultIdleTimeout = 10 * time.Minute
)

type WorkerConfig struct {
	Engine query.Engine
	// MaxSessions bounds concurrently open tasks; ExecTask beyond it reports
	// SERVICE_BUSY.
	MaxSessions int
	// BatchSize is used when a client does not ask for a fetch size.
	BatchSize int
	// IdleTimeout is how long a session may go without a fetch before
	// ExpireIdle closes it and frees its slot.
	IdleTimeout time.Duration
	Logger      *slog.Logger
}

type Worker struct {
	cfg    WorkerConfig
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
	reserved int
}

type session struct {
	mu        sync.Mutex
	cursor    query.Cursor
	cancel    context.CancelFunc
	fetchSize int
	lastUsed  time.Time // guarded by Worker.mu
}

func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("query engine is required")
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = defaultMaxSessions
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Worker{cfg: cfg, logger: logger, now: time.Now, sessions: map[string]*session{}}, nil
}

func (w *Worker) GetProtocolVersion(context.Context) (recordservice.ProtocolVersion, error) {
	return recordservice.ProtocolV1, nil
}

// ExecTask opens the task's query. The session outlives ctx and ends with
// CloseTask.
func (w *Worker) ExecTask(ctx context.Context, params recordservice.ExecTaskParams) (recordservice.ExecTaskResult, error) {
	spec, err := decodeTask(params.Task)
	if err != nil {
		return recordservice.ExecTaskResult{}, &recordservice.ServiceError{
			Code:    recordservice.ErrCodeInvalidTask,
			Message: "could not decode task",
			Detail:  err.Error(),
		}
	}
	if !w.reserve() {
		return recordservice.ExecTaskResult{}, &recordservice.ServiceError{
			Code:    recordservice.ErrCodeServiceBusy,
			Message: "worker has too many open tasks",
			Detail:  fmt.Sprintf("max sessions %d", w.cfg.MaxSessions),
		}
	}

	sessionCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	cursor, err := w.cfg.Engine.Open(sessionCtx, spec.request(params.Limit))
	if err != nil {
		cancel()
		w.release()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return recordservice.ExecTaskResult{}, ctxErr
		}
		return recordservice.ExecTaskResult{}, &recordservice.ServiceError{
			Code:    recordservice.ErrCodeInternal,
			Message: "could not execute task",
			Detail:  err.Error(),
		}
	}

	fetchSize := params.FetchSize
	if fetchSize <= 0 {
		fetchSize = w.cfg.BatchSize
	}
	handle := uuid.NewString()
	w.mu.Lock()
	w.sessions[handle] = &session{cursor: cursor, cancel: cancel, fetchSize: fetchSize, lastUsed: w.now()}
	active := len(w.sessions)
	w.mu.Unlock()
	observability.SetWorkerSessions(active)

	w.logger.InfoContext(ctx, "task_opened",
		slog.String("handle", handle),
		slog.Int("files", len(spec.Files)),
		slog.Int("fetch_size", fetchSize),
		slog.Int64("limit", params.Limit),
	)
	return recordservice.ExecTaskResult{Handle: handle, Schema: cursor.Schema()}, nil
}

func (w *Worker) Fetch(ctx context.Context, handle string) (recordservice.Batch, error) {
	s, err := w.session(handle)
	if err != nil {
		return recordservice.Batch{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	batch, err := s.cursor.Next(ctx, s.fetchSize)
	w.touch(s)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return recordservice.Batch{}, &recordservice.ServiceError{Code: recordservice.ErrCodeCancelled, Message: "fetch cancelled", Detail: handle}
		}
		return recordservice.Batch{}, &recordservice.ServiceError{Code: recordservice.ErrCodeInternal, Message: "could not fetch records", Detail: err.Error()}
	}
	return batch, nil
}

// CloseTask releases the session. Closing an unknown handle is a no-op.
func (w *Worker) CloseTask(ctx context.Context, handle string) error {
	w.mu.Lock()
	s, ok := w.sessions[handle]
	if ok {
		delete(w.sessions, handle)
		w.reserved--
	}
	active := len(w.sessions)
	w.mu.Unlock()
	if !ok {
		return nil
	}
	observability.SetWorkerSessions(active)
	w.logger.InfoContext(ctx, "task_closed", slog.String("handle", handle))
	return closeSession(s)
}

// Run closes idle sessions every half IdleTimeout until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.IdleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		w.ExpireIdle(ctx)
	}
}

// ExpireIdle closes the sessions that have not been fetched from for longer
// than IdleTimeout and returns how many it closed. Later calls with their
// handles report INVALID_HANDLE.
func (w *Worker) ExpireIdle(ctx context.Context) int {
	cutoff := w.now().Add(-w.cfg.IdleTimeout)
	w.mu.Lock()
	expired := map[string]*session{}
	for handle, s := range w.sessions {
		if s.lastUsed.Before(cutoff) {
			expired[handle] = s
			delete(w.sessions, handle)
		}
	}
	w.reserved -= len(expired)
	active := len(w.sessions)
	w.mu.Unlock()
	if len(expired) == 0 {
		return 0
	}
	observability.SetWorkerSessions(active)

	for handle, s := range expired {
		if err := closeSession(s); err != nil {
			w.logger.WarnContext(ctx, "task_expire_failed", slog.String("handle", handle), slog.Any("error", err))
			continue
		}
		w.logger.InfoContext(ctx, "task_expired", slog.String("handle", handle))
	}
	return len(expired)
}

// Close ends every open session.
func (w *Worker) Close() error {
	w.mu.Lock()
	sessions := w.sessions
	w.sessions = map[string]*session{}
	w.reserved = 0
	w.mu.Unlock()
	observability.SetWorkerSessions(0)

	var errs []error
	for _, s := range sessions {
		errs = append(errs, closeSession(s))
	}
	return errors.Join(errs...)
}

func (w *Worker) session(handle string) (*session, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	s, ok := w.sessions[handle]
	if !ok {
		return nil, &recordservice.ServiceError{Code: recordservice.ErrCodeInvalidHandle, Message: "unknown task handle", Detail: handle}
	}
	s.lastUsed = w.now()
	return s, nil
}

func (w *Worker) touch(s *session) {
	w.mu.Lock()
	s.lastUsed = w.now()
	w.mu.Unlock()
}

func (w *Worker) reserve() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.reserved >= w.cfg.MaxSessions {
		return false
	}
	w.reserved++
	return true
}

func (w *Worker) release() {
	w.mu.Lock()
	w.reserved--
	w.mu.Unlock()
}

func closeSession(s *session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancel()
	return s.cursor.Close()
}
