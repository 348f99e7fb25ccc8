package recordservice

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/user"
	"time"

	"github.com/recordmesh/recordmesh/internal/observability"
)

const (
	DefaultMaxAttempts = 3
	DefaultRetrySleep  = time.Second
)

type PlannerOptions struct {
	Endpoint Endpoint
	Dialer   PlannerDialer
	// MaxAttempts bounds the RPC attempts of PlanRequest and GetSchema.
	MaxAttempts int
	// RetrySleep is the fixed pause before a retry or a reconnect.
	RetrySleep time.Duration
	// User is sent with plan and delegation token requests. Defaults to the
	// current OS user.
	User   string
	Logger *slog.Logger
}

func (o PlannerOptions) withDefaults() PlannerOptions {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.RetrySleep <= 0 {
		o.RetrySleep = DefaultRetrySleep
	}
	if o.User == "" {
		o.User = currentUser()
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return o
}

// PlannerClient owns one connection to a planner. It is not safe for
// concurrent use.
type PlannerClient struct {
	opts    PlannerOptions
	logger  *slog.Logger
	conn    PlannerConn
	version ProtocolVersion
	closed  bool
	sleep   func(ctx context.Context, d time.Duration) error
}

// ConnectPlanner opens a connection to the planner and fetches its protocol
// version. A planner that drops the connection during the handshake is
// reported as a SERVICE_BUSY *ServiceError so callers know to retry; any
// other handshake failure is a *ConnectionError.
func ConnectPlanner(ctx context.Context, opts PlannerOptions) (*PlannerClient, error) {
	if opts.Dialer == nil {
		return nil, &UsageError{Op: "connect planner", Err: errors.New("dialer is required")}
	}
	opts = opts.withDefaults()
	c := &PlannerClient{
		opts:   opts,
		logger: opts.Logger.With(slog.String("planner", opts.Endpoint.String())),
		sleep:  sleepContext,
	}
	conn, version, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	c.version = version
	c.logger.Debug("planner_connected", slog.String("protocol_version", string(version)))
	return c, nil
}

// PlanRequest connects to the planner described by opts, plans req and
// closes the connection.
func PlanRequest(ctx context.Context, opts PlannerOptions, req Request) (PlanResult, error) {
	c, err := ConnectPlanner(ctx, opts)
	if err != nil {
		return PlanResult{}, err
	}
	defer func() { _ = c.Close() }()
	return c.PlanRequest(ctx, req)
}

// GetSchema connects to the planner described by opts, fetches the schema
// of req and closes the connection.
func GetSchema(ctx context.Context, opts PlannerOptions, req Request) (Schema, error) {
	c, err := ConnectPlanner(ctx, opts)
	if err != nil {
		return Schema{}, err
	}
	defer func() { _ = c.Close() }()
	return c.GetSchema(ctx, req)
}

// ProtocolVersion returns the version negotiated at connect time.
func (c *PlannerClient) ProtocolVersion() (ProtocolVersion, error) {
	if err := c.validateConnected("protocol version"); err != nil {
		return "", err
	}
	return c.version, nil
}

// PlanRequest asks the planner for the tasks and schema of req. Busy
// responses and connection failures are retried; other service errors are
// returned as they are.
func (c *PlannerClient) PlanRequest(ctx context.Context, req Request) (PlanResult, error) {
	if err := c.validateRequest("plan request", req); err != nil {
		return PlanResult{}, err
	}
	params := req.params(ProtocolV1)
	params.User = c.opts.User

	var result PlanResult
	err := c.retry(ctx, "PlanRequest", req, func(ctx context.Context, conn PlannerConn) error {
		planned, err := conn.PlanRequest(ctx, params)
		if err != nil {
			return err
		}
		result = planned
		return nil
	})
	if err != nil {
		return PlanResult{}, err
	}
	if err := validatePlan(result); err != nil {
		return PlanResult{}, err
	}
	c.logger.Debug("plan_request_done", slog.Int("tasks", len(result.Tasks)))
	return result, nil
}

// GetSchema asks the planner for the result schema of req without planning
// tasks. It retries like PlanRequest.
func (c *PlannerClient) GetSchema(ctx context.Context, req Request) (Schema, error) {
	if err := c.validateRequest("get schema", req); err != nil {
		return Schema{}, err
	}
	params := req.params(ProtocolV1)
	params.User = c.opts.User

	var schema Schema
	err := c.retry(ctx, "GetSchema", req, func(ctx context.Context, conn PlannerConn) error {
		s, err := conn.GetSchema(ctx, params)
		if err != nil {
			return err
		}
		schema = s
		return nil
	})
	if err != nil {
		return Schema{}, err
	}
	return schema, nil
}

// GetDelegationToken returns a token for the client's user that renewer
// may renew.
func (c *PlannerClient) GetDelegationToken(ctx context.Context, renewer string) (DelegationToken, error) {
	conn, err := c.tokenConn(ctx, "get delegation token")
	if err != nil {
		return nil, err
	}
	token, err := conn.GetDelegationToken(ctx, c.opts.User, renewer)
	if err != nil {
		return nil, c.tokenError(err, "could not get delegation token")
	}
	return token, nil
}

func (c *PlannerClient) CancelDelegationToken(ctx context.Context, token DelegationToken) error {
	conn, err := c.tokenConn(ctx, "cancel delegation token")
	if err != nil {
		return err
	}
	if err := conn.CancelDelegationToken(ctx, token); err != nil {
		return c.tokenError(err, "could not cancel delegation token")
	}
	return nil
}

func (c *PlannerClient) RenewDelegationToken(ctx context.Context, token DelegationToken) error {
	conn, err := c.tokenConn(ctx, "renew delegation token")
	if err != nil {
		return err
	}
	if err := conn.RenewDelegationToken(ctx, token); err != nil {
		return c.tokenError(err, "could not renew delegation token")
	}
	return nil
}

// Close releases the connection. It is safe to call more than once; every
// other operation fails with ErrNotConnected afterwards.
func (c *PlannerClient) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.logger.Info("planner_connection_closing")
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// retry runs call up to MaxAttempts times. Busy responses sleep and retry
// on the same connection, connection failures mark it broken so the next
// attempt reconnects first. A failed reconnect skips the attempt without
// issuing the RPC.
func (c *PlannerClient) retry(ctx context.Context, method string, req Request, call func(context.Context, PlannerConn) error) error {
	var firstErr, reconnectErr error
	connected := c.conn != nil
	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		if !connected {
			if err := c.waitAndReconnect(ctx); err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return ctxErr
				}
				reconnectErr = err
				continue
			}
			connected = true
		}

		c.logger.Info("planner_call_attempt",
			slog.String("method", method),
			slog.String("request", req.String()),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", c.opts.MaxAttempts),
		)
		start := time.Now()
		err := call(ctx, c.conn)
		result := classify(err)
		observability.ObservePlannerCall(method, result.String(), time.Since(start))

		switch result {
		case outcomeOK:
			return nil
		case outcomeServiceError, outcomeCancelled:
			return err
		case outcomeBusy:
			if firstErr == nil {
				firstErr = err
			}
			c.logger.Warn("planner_call_failed",
				slog.String("method", method),
				slog.Int("attempt", attempt),
				slog.String("reason", result.String()),
				slog.Any("error", err),
			)
			observability.IncPlannerRetry(method, result.String())
			if attempt < c.opts.MaxAttempts {
				if err := c.sleepForRetry(ctx); err != nil {
					return err
				}
			}
		case outcomeBroken:
			if firstErr == nil {
				firstErr = err
			}
			connected = false
			c.logger.Warn("planner_call_failed",
				slog.String("method", method),
				slog.Int("attempt", attempt),
				slog.String("reason", result.String()),
				slog.Any("error", err),
			)
			observability.IncPlannerRetry(method, result.String())
		}
	}

	if firstErr == nil {
		firstErr = reconnectErr
	}
	var se *ServiceError
	if errors.As(firstErr, &se) {
		return firstErr
	}
	c.logger.Warn("planner_unreachable", slog.String("method", method), slog.Any("error", firstErr))
	return &ConnectionError{Msg: "could not reach service", Cause: firstErr}
}

// waitAndReconnect sleeps for the retry interval and then replaces the
// broken connection with a new one, repeating the version handshake.
func (c *PlannerClient) waitAndReconnect(ctx context.Context) error {
	if err := c.sleepForRetry(ctx); err != nil {
		return err
	}
	return c.reconnect(ctx)
}

func (c *PlannerClient) reconnect(ctx context.Context) error {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	conn, version, err := c.dial(ctx)
	if err != nil {
		observability.IncPlannerReconnect(false)
		c.logger.Warn("planner_reconnect_failed", slog.Any("error", err))
		return err
	}
	observability.IncPlannerReconnect(true)
	if version != c.version {
		c.logger.Warn("planner_version_changed",
			slog.String("connected_version", string(c.version)),
			slog.String("reconnected_version", string(version)),
		)
	}
	c.conn = conn
	return nil
}

func (c *PlannerClient) dial(ctx context.Context) (PlannerConn, ProtocolVersion, error) {
	endpoint := c.opts.Endpoint
	conn, err := c.opts.Dialer.DialPlanner(ctx, endpoint)
	if err != nil {
		c.logger.Warn("planner_dial_failed", slog.Any("error", err))
		return nil, "", &ConnectionError{
			Msg:   fmt.Sprintf("could not connect to planner service at %s", endpoint),
			Cause: err,
		}
	}
	version, err := conn.GetProtocolVersion(ctx)
	if err != nil {
		_ = conn.Close()
		c.logger.Warn("planner_handshake_failed", slog.Any("error", err))
		err = classifyHandshake(err)
		var se *ServiceError
		if errors.As(err, &se) {
			return nil, "", err
		}
		return nil, "", &ConnectionError{
			Msg:   fmt.Sprintf("could not get service protocol version; the service at %s is likely not running the planner", endpoint),
			Cause: err,
		}
	}
	return conn, version, nil
}

// tokenConn returns the live connection for a token call, reopening it
// once without delay if an earlier call left it broken.
func (c *PlannerClient) tokenConn(ctx context.Context, op string) (PlannerConn, error) {
	if err := c.validateConnected(op); err != nil {
		return nil, err
	}
	if c.conn == nil {
		if err := c.reconnect(ctx); err != nil {
			return nil, err
		}
	}
	return c.conn, nil
}

func (c *PlannerClient) tokenError(err error, msg string) error {
	var se *ServiceError
	if errors.As(err, &se) {
		return err
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	return &ConnectionError{Msg: msg, Cause: err}
}

func (c *PlannerClient) sleepForRetry(ctx context.Context) error {
	c.logger.Info("retry_sleep", slog.Duration("duration", c.opts.RetrySleep))
	return c.sleep(ctx, c.opts.RetrySleep)
}

func (c *PlannerClient) validateConnected(op string) error {
	if c.closed {
		return &UsageError{Op: op, Err: ErrNotConnected}
	}
	return nil
}

func (c *PlannerClient) validateRequest(op string, req Request) error {
	if err := c.validateConnected(op); err != nil {
		return err
	}
	if req.IsZero() {
		return &UsageError{Op: op, Err: errors.New("request is empty")}
	}
	return nil
}

// validatePlan rejects tasks without replicas: they point at an
// inconsistency between planner and replica catalog, not a transient error.
func validatePlan(result PlanResult) error {
	for i, task := range result.Tasks {
		if len(task.Hosts) == 0 {
			return &ServiceError{
				Code:    ErrCodeInvalidTask,
				Message: "planner returned a task without hosts",
				Detail:  fmt.Sprintf("task %d (%s)", i, task.ID),
			}
		}
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return os.Getenv("USER")
}
