package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/recordmesh/recordmesh/internal/config"
	"github.com/recordmesh/recordmesh/internal/observability"
	"github.com/recordmesh/recordmesh/pkg/recordservice"
	"github.com/recordmesh/recordmesh/pkg/recordservice/httprpc"
)

type ReadinessCheck func(ctx context.Context) error

// PlannerService is the server side of a planner connection.
type PlannerService interface {
	GetProtocolVersion(ctx context.Context) (recordservice.ProtocolVersion, error)
	PlanRequest(ctx context.Context, params recordservice.PlanRequestParams) (recordservice.PlanResult, error)
	GetSchema(ctx context.Context, params recordservice.PlanRequestParams) (recordservice.Schema, error)
	GetDelegationToken(ctx context.Context, user, renewer string) (recordservice.DelegationToken, error)
	CancelDelegationToken(ctx context.Context, token recordservice.DelegationToken) error
	RenewDelegationToken(ctx context.Context, token recordservice.DelegationToken) error
}

// WorkerService is the server side of a worker connection.
type WorkerService interface {
	GetProtocolVersion(ctx context.Context) (recordservice.ProtocolVersion, error)
	ExecTask(ctx context.Context, params recordservice.ExecTaskParams) (recordservice.ExecTaskResult, error)
	Fetch(ctx context.Context, handle string) (recordservice.Batch, error)
	CloseTask(ctx context.Context, handle string) error
}

type Dependencies struct {
	Logger            *slog.Logger
	Readiness         ReadinessCheck
	AuthMiddleware    func(http.Handler) http.Handler
	DependencyTimeout time.Duration
	Planner           PlannerService
	Worker            WorkerService
}

func NewHandler(cfg config.Config, deps Dependencies) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": cfg.Service.Name})
	})

	mux.HandleFunc("GET /v1/ready", func(w http.ResponseWriter, r *http.Request) {
		if deps.Readiness == nil {
			writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
			return
		}
		timeout := deps.DependencyTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		if err := deps.Readiness(ctx); err != nil {
			writeServiceError(r.Context(), w, &recordservice.ServiceError{
				Code:    recordservice.ErrCodeServiceBusy,
				Message: "service not ready",
				Detail:  err.Error(),
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	})

	mux.Handle("GET /metrics", promhttp.Handler())

	protected := http.NewServeMux()
	if deps.Planner != nil {
		registerPlanner(protected, deps.Planner)
	}
	if deps.Worker != nil {
		registerWorker(protected, deps.Worker)
	}

	var protectedHandler http.Handler = protected
	if cfg.Auth.Required {
		if deps.AuthMiddleware == nil {
			if deps.Logger != nil {
				deps.Logger.Error("auth required but auth middleware missing")
			}
			protectedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeServiceError(r.Context(), w, &recordservice.ServiceError{
					Code:    recordservice.ErrCodeInternal,
					Message: "auth middleware is required by configuration",
				})
			})
		} else {
			protectedHandler = deps.AuthMiddleware(protectedHandler)
		}
	}
	mux.Handle(httprpc.PlannerPrefix, protectedHandler)
	mux.Handle(httprpc.WorkerPrefix, protectedHandler)

	middlewares := []func(http.Handler) http.Handler{
		observability.TraceMiddleware,
		observability.MetricsMiddleware,
	}
	if deps.Logger != nil {
		middlewares = append(middlewares, observability.LoggingMiddleware(deps.Logger))
	}
	return chain(mux, middlewares...)
}

func CheckObjectStoreConfig(cfg config.Config) ReadinessCheck {
	return func(_ context.Context) error {
		if cfg.ObjectStore.Endpoint == "" {
			return errors.New("object store endpoint is not configured")
		}
		if cfg.ObjectStore.Bucket == "" {
			return errors.New("object store bucket is not configured")
		}
		return nil
	}
}

func CombineReadinessChecks(checks ...ReadinessCheck) ReadinessCheck {
	filtered := make([]ReadinessCheck, 0, len(checks))
	for _, check := range checks {
		if check != nil {
			filtered = append(filtered, check)
		}
	}
	return func(ctx context.Context) error {
		for _, check := range filtered {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

func chain(base http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	wrapped := base
	for i := len(middlewares) - 1; i >= 0; i-- {
		wrapped = middlewares[i](wrapped)
	}
	return wrapped
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", httprpc.ContentTypeJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError reports err in the RPC error envelope. Errors that are not
// service errors become INTERNAL_ERROR.
func writeError(ctx context.Context, w http.ResponseWriter, err error) {
	var se *recordservice.ServiceError
	if !errors.As(err, &se) {
		code := recordservice.ErrCodeInternal
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			code = recordservice.ErrCodeCancelled
		}
		se = &recordservice.ServiceError{Code: code, Message: err.Error()}
	}
	writeServiceError(ctx, w, se)
}

func writeServiceError(ctx context.Context, w http.ResponseWriter, se *recordservice.ServiceError) {
	writeJSON(w, statusFor(se.Code), httprpc.ErrorResponse{
		Error:   *se,
		TraceID: observability.TraceIDFromContext(ctx),
	})
}

func statusFor(code recordservice.ErrorCode) int {
	switch code {
	case recordservice.ErrCodeInvalidRequest, recordservice.ErrCodeInvalidTask, recordservice.ErrCodeInvalidHandle:
		return http.StatusBadRequest
	case recordservice.ErrCodeAuthentication:
		return http.StatusUnauthorized
	case recordservice.ErrCodeServiceBusy:
		return http.StatusServiceUnavailable
	case recordservice.ErrCodeCancelled:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
