package httprpc

import (
	"github.com/recordmesh/recordmesh/pkg/recordservice"
)

// RPC paths. Every call is a POST with a JSON body.
const (
	PlannerPrefix = "/v1/planner/"
	WorkerPrefix  = "/v1/worker/"

	MethodGetProtocolVersion    = "GetProtocolVersion"
	MethodPlanRequest           = "PlanRequest"
	MethodGetSchema             = "GetSchema"
	MethodGetDelegationToken    = "GetDelegationToken"
	MethodCancelDelegationToken = "CancelDelegationToken"
	MethodRenewDelegationToken  = "RenewDelegationToken"
	MethodExecTask              = "ExecTask"
	MethodFetch                 = "Fetch"
	MethodCloseTask             = "CloseTask"
)

// Fetch responses carry the batch as a parquet file and its framing in
// headers. A batch with no rows has an empty body.
const (
	HeaderAPIKey        = "X-API-Key"
	HeaderRequestID     = "X-Request-ID"
	HeaderBatchRows     = "X-Batch-Rows"
	HeaderBatchDone     = "X-Batch-Done"
	HeaderBatchProgress = "X-Batch-Progress"

	ContentTypeJSON    = "application/json"
	ContentTypeParquet = "application/vnd.apache.parquet"
)

type VersionResponse struct {
	Version recordservice.ProtocolVersion `json:"version"`
}

type SchemaResponse struct {
	Schema recordservice.Schema `json:"schema"`
}

type DelegationTokenRequest struct {
	User    string `json:"user"`
	Renewer string `json:"renewer,omitempty"`
}

type TokenMessage struct {
	Token recordservice.DelegationToken `json:"token"`
}

type HandleRequest struct {
	Handle string `json:"handle"`
}

// ErrorResponse is the body of every non-200 reply.
type ErrorResponse struct {
	Error   recordservice.ServiceError `json:"error"`
	TraceID string                     `json:"trace_id,omitempty"`
}
