package httprpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/recordmesh/recordmesh/internal/observability"
	"github.com/recordmesh/recordmesh/pkg/recordservice"
)

var errConnClosed = errors.New("connection closed")

type Options struct {
	// Scheme is "http" (default) or "https".
	Scheme  string
	Timeout time.Duration
	// HTTPClient overrides the client built from Timeout.
	HTTPClient *http.Client
	// APIKey, when set, is sent with every request.
	APIKey string
	Logger *slog.Logger
}

// Dialer opens planner and worker connections over HTTP. Dialing does no
// I/O; the first request on a connection is the protocol handshake.
type Dialer struct {
	scheme string
	apiKey string
	client *http.Client
}

func NewDialer(opts Options) *Dialer {
	scheme := strings.ToLower(strings.TrimSpace(opts.Scheme))
	if scheme == "" {
		scheme = "http"
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{
			Timeout:   opts.Timeout,
			Transport: &observability.ClientTransport{Logger: opts.Logger},
		}
	}
	return &Dialer{scheme: scheme, apiKey: strings.TrimSpace(opts.APIKey), client: client}
}

func (d *Dialer) DialPlanner(_ context.Context, endpoint recordservice.Endpoint) (recordservice.PlannerConn, error) {
	base, err := d.baseURL(endpoint.Address())
	if err != nil {
		return nil, err
	}
	return &plannerConn{rpc: rpc{client: d.client, apiKey: d.apiKey, url: base + PlannerPrefix}}, nil
}

func (d *Dialer) DialWorker(_ context.Context, addr recordservice.NetworkAddress) (recordservice.WorkerConn, error) {
	base, err := d.baseURL(addr)
	if err != nil {
		return nil, err
	}
	return &workerConn{
		rpc:     rpc{client: d.client, apiKey: d.apiKey, url: base + WorkerPrefix},
		schemas: map[string]recordservice.Schema{},
	}, nil
}

func (d *Dialer) baseURL(addr recordservice.NetworkAddress) (string, error) {
	if strings.TrimSpace(addr.Hostname) == "" {
		return "", fmt.Errorf("hostname is required")
	}
	if addr.Port <= 0 || addr.Port > 65535 {
		return "", fmt.Errorf("invalid port %d", addr.Port)
	}
	return d.scheme + "://" + addr.String(), nil
}

type rpc struct {
	client *http.Client
	apiKey string
	url    string

	mu     sync.Mutex
	closed bool
}

func (c *rpc) close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *rpc) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// do posts in to method and returns the successful response. Callers must
// close the body.
func (c *rpc) do(ctx context.Context, method string, in any) (*http.Response, error) {
	if c.isClosed() {
		return nil, &recordservice.TransportError{Op: method, Err: errConnClosed}
	}
	payload, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+method, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", ContentTypeJSON)
	req.Header.Set(HeaderRequestID, uuid.NewString())
	if c.apiKey != "" {
		req.Header.Set(HeaderAPIKey, c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, transportError(method, err)
	}
	if resp.StatusCode == http.StatusOK {
		return resp, nil
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(method, err)
	}
	var envelope ErrorResponse
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.Error.Code == "" {
		return nil, &recordservice.TransportError{
			Op:  method,
			Err: fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
		}
	}
	se := envelope.Error
	return nil, &se
}

func (c *rpc) call(ctx context.Context, method string, in, out any) error {
	resp, err := c.do(ctx, method, in)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return transportError(method, err)
	}
	return nil
}

func transportError(op string, err error) error {
	return &recordservice.TransportError{
		Op:  op,
		EOF: errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF),
		Err: err,
	}
}

func getProtocolVersion(ctx context.Context, c *rpc) (recordservice.ProtocolVersion, error) {
	var out VersionResponse
	if err := c.call(ctx, MethodGetProtocolVersion, struct{}{}, &out); err != nil {
		return "", err
	}
	return out.Version, nil
}

type plannerConn struct {
	rpc rpc
}

func (p *plannerConn) GetProtocolVersion(ctx context.Context) (recordservice.ProtocolVersion, error) {
	return getProtocolVersion(ctx, &p.rpc)
}

func (p *plannerConn) PlanRequest(ctx context.Context, params recordservice.PlanRequestParams) (recordservice.PlanResult, error) {
	var out recordservice.PlanResult
	if err := p.rpc.call(ctx, MethodPlanRequest, params, &out); err != nil {
		return recordservice.PlanResult{}, err
	}
	return out, nil
}

func (p *plannerConn) GetSchema(ctx context.Context, params recordservice.PlanRequestParams) (recordservice.Schema, error) {
	var out SchemaResponse
	if err := p.rpc.call(ctx, MethodGetSchema, params, &out); err != nil {
		return recordservice.Schema{}, err
	}
	return out.Schema, nil
}

func (p *plannerConn) GetDelegationToken(ctx context.Context, user, renewer string) (recordservice.DelegationToken, error) {
	var out TokenMessage
	if err := p.rpc.call(ctx, MethodGetDelegationToken, DelegationTokenRequest{User: user, Renewer: renewer}, &out); err != nil {
		return nil, err
	}
	return out.Token, nil
}

func (p *plannerConn) CancelDelegationToken(ctx context.Context, token recordservice.DelegationToken) error {
	return p.rpc.call(ctx, MethodCancelDelegationToken, TokenMessage{Token: token}, nil)
}

func (p *plannerConn) RenewDelegationToken(ctx context.Context, token recordservice.DelegationToken) error {
	return p.rpc.call(ctx, MethodRenewDelegationToken, TokenMessage{Token: token}, nil)
}

func (p *plannerConn) Close() error {
	p.rpc.close()
	return nil
}

// workerConn remembers the schema of each open task so fetched batches can
// be typed.
type workerConn struct {
	rpc rpc

	mu      sync.Mutex
	schemas map[string]recordservice.Schema
}

func (w *workerConn) GetProtocolVersion(ctx context.Context) (recordservice.ProtocolVersion, error) {
	return getProtocolVersion(ctx, &w.rpc)
}

func (w *workerConn) ExecTask(ctx context.Context, params recordservice.ExecTaskParams) (recordservice.ExecTaskResult, error) {
	var out recordservice.ExecTaskResult
	if err := w.rpc.call(ctx, MethodExecTask, params, &out); err != nil {
		return recordservice.ExecTaskResult{}, err
	}
	w.mu.Lock()
	w.schemas[out.Handle] = out.Schema
	w.mu.Unlock()
	return out, nil
}

func (w *workerConn) Fetch(ctx context.Context, handle string) (recordservice.Batch, error) {
	w.mu.Lock()
	schema, ok := w.schemas[handle]
	w.mu.Unlock()
	if !ok {
		return recordservice.Batch{}, &recordservice.ServiceError{
			Code:    recordservice.ErrCodeInvalidHandle,
			Message: "unknown task handle",
			Detail:  handle,
		}
	}

	resp, err := w.rpc.do(ctx, MethodFetch, HandleRequest{Handle: handle})
	if err != nil {
		return recordservice.Batch{}, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return recordservice.Batch{}, ctxErr
		}
		return recordservice.Batch{}, transportError(MethodFetch, err)
	}

	rows, err := strconv.Atoi(resp.Header.Get(HeaderBatchRows))
	if err != nil {
		return recordservice.Batch{}, &recordservice.TransportError{Op: MethodFetch, Err: fmt.Errorf("invalid %s header: %w", HeaderBatchRows, err)}
	}
	batch, err := DecodeBatch(data, schema)
	if err != nil {
		return recordservice.Batch{}, &recordservice.TransportError{Op: MethodFetch, Err: err}
	}
	if batch.NumRows != rows {
		return recordservice.Batch{}, &recordservice.TransportError{
			Op:  MethodFetch,
			Err: fmt.Errorf("batch has %d rows, header declares %d", batch.NumRows, rows),
		}
	}
	batch.Done = resp.Header.Get(HeaderBatchDone) == "true"
	if progress, err := strconv.ParseFloat(resp.Header.Get(HeaderBatchProgress), 32); err == nil {
		batch.Progress = float32(progress)
	}
	return batch, nil
}

func (w *workerConn) CloseTask(ctx context.Context, handle string) error {
	w.mu.Lock()
	delete(w.schemas, handle)
	w.mu.Unlock()
	return w.rpc.call(ctx, MethodCloseTask, HandleRequest{Handle: handle}, nil)
}

func (w *workerConn) Close() error {
	w.rpc.close()
	return nil
}
