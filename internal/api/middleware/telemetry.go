package middleware

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("zest-api")

// routeKeys maps URL parameters to the span attributes they become.
var routeKeys = map[string]string{
	"sessionId":  "zest.session.id",
	"runId":      "zest.run.id",
	"approvalId": "zest.approval.id",
	"workflow":   "zest.workflow",
}

// Telemetry returns OpenTelemetry tracing middleware. Spans are named after
// the matched route and tagged with the session, run, approval or workflow
// the request addresses.
func Telemetry(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

		attrs := []attribute.KeyValue{
			attribute.String("http.request.method", r.Method),
			attribute.String("url.path", r.URL.Path),
		}
		if id := chimw.GetReqID(r.Context()); id != "" {
			attrs = append(attrs, attribute.String("zest.request.id", id))
		}
		ctx, span := tracer.Start(ctx, r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(attrs...),
		)
		defer span.End()

		rw := newResponseWriter(w)
		next.ServeHTTP(rw, r.WithContext(ctx))

		// Routing has happened by now, so the pattern and params are known.
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				span.SetName(r.Method + " " + pattern)
				span.SetAttributes(attribute.String("http.route", pattern))
			}
			span.SetAttributes(routeAttributes(rctx)...)
		}
		span.SetAttributes(
			attribute.Int("http.response.status_code", rw.statusCode),
			attribute.Int("http.response_content_length", rw.bytes),
		)
		if rw.statusCode >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(rw.statusCode))
		}
	})
}

func routeAttributes(rctx *chi.Context) []attribute.KeyValue {
	var attrs []attribute.KeyValue
	for i, key := range rctx.URLParams.Keys {
		name, ok := routeKeys[key]
		if !ok || i >= len(rctx.URLParams.Values) {
			continue
		}
		attrs = append(attrs, attribute.String(name, rctx.URLParams.Values[i]))
	}
	return attrs
}
