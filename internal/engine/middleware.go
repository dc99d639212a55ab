package engine

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Тип для ключа в контексте (избегаем коллизий)
type ctxKey string

const traceIDKey ctxKey = "trace_id"

// TracingMiddleware открывает span запроса и прокидывает Trace-ID клиенту
func TracingMiddleware(next http.Handler) http.Handler {
	tracer := otel.Tracer("riskgate/http")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(attribute.String("http.method", r.Method)))
		defer span.End()

		// 1. Пытаемся достать ID из заголовка (если пришел от чекаута/прокси)
		traceID := r.Header.Get("X-Trace-ID")

		// 2. Если его нет, берем из span, а без экспортера генерируем свой
		if traceID == "" {
			if sc := span.SpanContext(); sc.HasTraceID() {
				traceID = sc.TraceID().String()
			} else {
				traceID = uuid.New().String()
			}
		}

		ctx = context.WithValue(ctx, traceIDKey, traceID)
		w.Header().Set("X-Trace-ID", traceID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// extractTraceID помогает безопасно достать ID в любом месте кода
func extractTraceID(ctx context.Context) string {
	if id, ok := ctx.Value(traceIDKey).(string); ok {
		return id
	}
	return "00000000-0000-0000-0000-000000000000" // Fallback
}
