package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/recordmesh/recordmesh/internal/auth"
	"github.com/recordmesh/recordmesh/pkg/recordservice"
	"github.com/recordmesh/recordmesh/pkg/recordservice/httprpc"
)

const maxRequestBytes = 4 << 20

func registerPlanner(mux *http.ServeMux, planner PlannerService) {
	route := func(method string, h http.HandlerFunc) {
		mux.HandleFunc("POST "+httprpc.PlannerPrefix+method, h)
	}

	route(httprpc.MethodGetProtocolVersion, func(w http.ResponseWriter, r *http.Request) {
		version, err := planner.GetProtocolVersion(r.Context())
		if err != nil {
			writeError(r.Context(), w, err)
			return
		}
		writeJSON(w, http.StatusOK, httprpc.VersionResponse{Version: version})
	})
	route(httprpc.MethodPlanRequest, func(w http.ResponseWriter, r *http.Request) {
		var params recordservice.PlanRequestParams
		if !decodeRequest(w, r, &params) {
			return
		}
		params.User = callerOr(r, params.User)
		result, err := planner.PlanRequest(r.Context(), params)
		if err != nil {
			writeError(r.Context(), w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	})
	route(httprpc.MethodGetSchema, func(w http.ResponseWriter, r *http.Request) {
		var params recordservice.PlanRequestParams
		if !decodeRequest(w, r, &params) {
			return
		}
		params.User = callerOr(r, params.User)
		schema, err := planner.GetSchema(r.Context(), params)
		if err != nil {
			writeError(r.Context(), w, err)
			return
		}
		writeJSON(w, http.StatusOK, httprpc.SchemaResponse{Schema: schema})
	})
	route(httprpc.MethodGetDelegationToken, func(w http.ResponseWriter, r *http.Request) {
		var request httprpc.DelegationTokenRequest
		if !decodeRequest(w, r, &request) {
			return
		}
		token, err := planner.GetDelegationToken(r.Context(), callerOr(r, request.User), request.Renewer)
		if err != nil {
			writeError(r.Context(), w, err)
			return
		}
		writeJSON(w, http.StatusOK, httprpc.TokenMessage{Token: token})
	})
	route(httprpc.MethodCancelDelegationToken, func(w http.ResponseWriter, r *http.Request) {
		var request httprpc.TokenMessage
		if !decodeRequest(w, r, &request) {
			return
		}
		if err := planner.CancelDelegationToken(r.Context(), request.Token); err != nil {
			writeError(r.Context(), w, err)
			return
		}
		writeJSON(w, http.StatusOK, struct{}{})
	})
	route(httprpc.MethodRenewDelegationToken, func(w http.ResponseWriter, r *http.Request) {
		var request httprpc.TokenMessage
		if !decodeRequest(w, r, &request) {
			return
		}
		if err := planner.RenewDelegationToken(r.Context(), request.Token); err != nil {
			writeError(r.Context(), w, err)
			return
		}
		writeJSON(w, http.StatusOK, struct{}{})
	})
}

func registerWorker(mux *http.ServeMux, worker WorkerService) {
	route := func(method string, h http.HandlerFunc) {
		mux.HandleFunc("POST "+httprpc.WorkerPrefix+method, h)
	}

	route(httprpc.MethodGetProtocolVersion, func(w http.ResponseWriter, r *http.Request) {
		version, err := worker.GetProtocolVersion(r.Context())
		if err != nil {
			writeError(r.Context(), w, err)
			return
		}
		writeJSON(w, http.StatusOK, httprpc.VersionResponse{Version: version})
	})
	route(httprpc.MethodExecTask, func(w http.ResponseWriter, r *http.Request) {
		var params recordservice.ExecTaskParams
		if !decodeRequest(w, r, &params) {
			return
		}
		result, err := worker.ExecTask(r.Context(), params)
		if err != nil {
			writeError(r.Context(), w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	})
	route(httprpc.MethodFetch, func(w http.ResponseWriter, r *http.Request) {
		var request httprpc.HandleRequest
		if !decodeRequest(w, r, &request) {
			return
		}
		batch, err := worker.Fetch(r.Context(), request.Handle)
		if err != nil {
			writeError(r.Context(), w, err)
			return
		}
		body, err := httprpc.EncodeBatch(batch)
		if err != nil {
			writeError(r.Context(), w, fmt.Errorf("encode batch: %w", err))
			return
		}
		w.Header().Set("Content-Type", httprpc.ContentTypeParquet)
		w.Header().Set(httprpc.HeaderBatchRows, strconv.Itoa(batch.NumRows))
		w.Header().Set(httprpc.HeaderBatchDone, strconv.FormatBool(batch.Done))
		w.Header().Set(httprpc.HeaderBatchProgress, strconv.FormatFloat(float64(batch.Progress), 'f', -1, 32))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
	})
	route(httprpc.MethodCloseTask, func(w http.ResponseWriter, r *http.Request) {
		var request httprpc.HandleRequest
		if !decodeRequest(w, r, &request) {
			return
		}
		if err := worker.CloseTask(r.Context(), request.Handle); err != nil {
			writeError(r.Context(), w, err)
			return
		}
		writeJSON(w, http.StatusOK, struct{}{})
	})
}

func decodeRequest(w http.ResponseWriter, r *http.Request, out any) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		writeServiceError(r.Context(), w, &recordservice.ServiceError{
			Code:    recordservice.ErrCodeInvalidRequest,
			Message: "invalid request body",
			Detail:  err.Error(),
		})
		return false
	}
	return true
}

// callerOr returns the authenticated caller, if any, in place of the user
// named in the request body.
func callerOr(r *http.Request, user string) string {
	if identity, ok := auth.IdentityFromContext(r.Context()); ok && identity.User != "" {
		return identity.User
	}
	return user
}
