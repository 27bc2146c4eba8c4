package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

const TraceHeader = "X-Trace-Id"

type traceKey struct{}

// TraceMiddleware reuses the caller's X-Trace-Id or starts a new one.
func TraceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get(TraceHeader)
		if traceID == "" {
			traceID = uuid.New().String()
		}
		w.Header().Set(TraceHeader, traceID)
		next.ServeHTTP(w, r.WithContext(WithTraceID(r.Context(), traceID)))
	})
}

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

func TraceIDFrom(ctx context.Context) string {
	if traceID, ok := ctx.Value(traceKey{}).(string); ok {
		return traceID
	}
	return ""
}

func GetTraceID(r *http.Request) string {
	return TraceIDFrom(r.Context())
}

// PropagateTraceID copies the trace id of ctx onto an outgoing request.
func PropagateTraceID(req *http.Request) {
	if traceID := TraceIDFrom(req.Context()); traceID != "" {
		req.Header.Set(TraceHeader, traceID)
	}
}
