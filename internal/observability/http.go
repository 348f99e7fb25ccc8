package observability

import (
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const traceHeader = "X-Trace-ID"

func TraceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get(traceHeader)
		if traceID == "" {
			traceID = newTraceID()
		}
		ctx := ContextWithTraceID(r.Context(), traceID)
		w.Header().Set(traceHeader, traceID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func LoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(recorder, r)
			logger.InfoContext(r.Context(), "http_request",
				slog.String("trace_id", TraceIDFromContext(r.Context())),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("remote_addr", r.RemoteAddr),
				slog.Int("status", recorder.status),
				slog.String("duration", time.Since(start).String()),
				slog.Int("bytes", recorder.bytes),
			)
		})
	}
}

func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		status := strconv.Itoa(recorder.status)
		httpRequestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		httpRequestDurationSeconds.WithLabelValues(r.Method, r.URL.Path, status).Observe(time.Since(start).Seconds())
	})
}

// ClientTransport propagates the context trace id on outgoing requests and
// records RPC metrics. RPC paths have the form /v1/<service>/<method>.
type ClientTransport struct {
	Base   http.RoundTripper
	Logger *slog.Logger
}

func (t *ClientTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	traceID := TraceIDFromContext(req.Context())
	if traceID == "" {
		traceID = newTraceID()
	}
	req = req.Clone(req.Context())
	req.Header.Set(traceHeader, traceID)

	service, method := rpcName(req.URL.Path)
	start := time.Now()
	resp, err := base.RoundTrip(req)
	elapsed := time.Since(start)

	outcome := "transport_error"
	if err == nil {
		outcome = strconv.Itoa(resp.StatusCode)
	}
	rpcRequestsTotal.WithLabelValues(service, method, outcome).Inc()
	rpcDurationSeconds.WithLabelValues(service, method).Observe(elapsed.Seconds())
	if t.Logger != nil {
		t.Logger.DebugContext(req.Context(), "rpc_request",
			slog.String("trace_id", traceID),
			slog.String("service", service),
			slog.String("method", method),
			slog.String("host", req.URL.Host),
			slog.String("outcome", outcome),
			slog.String("duration", elapsed.String()),
		)
	}
	return resp, err
}

func rpcName(path string) (string, string) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) >= 3 && parts[0] == "v1" {
		return parts[1], parts[2]
	}
	return "unknown", path
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(body []byte) (int, error) {
	n, err := r.ResponseWriter.Write(body)
	r.bytes += n
	return n, err
}

func newTraceID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return strconv.FormatInt(time.Now().UnixNano(), 16)
	}
	return hex.EncodeToString(buf)
}
