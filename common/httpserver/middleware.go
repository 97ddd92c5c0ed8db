package httpserver

import (
	"context"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/YangYounghwa/asynkaf/common/logger"
)

// Middleware wraps an http.Handler.
type Middleware func(http.Handler) http.Handler

// Compose применяет middleware так, что первая оказывается внешней.
func Compose(mws ...Middleware) Middleware {
	return func(next http.Handler) http.Handler {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}
		return next
	}
}

// RecoverMiddleware перехватывает паники и возвращает 500.
func RecoverMiddleware(log *logger.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rcv := recover(); rcv != nil {
					log.Error("http: panic",
						zap.Any("error", rcv),
						zap.String("path", r.URL.Path),
						zap.String("request_id", RequestIDFrom(r.Context())),
						zap.ByteString("stack", debug.Stack()),
					)
					http.Error(w, "internal server error", http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// -----------------------------------------------------------------------------
// Request ID
// -----------------------------------------------------------------------------

type ctxKey struct{}

// RequestIDHeader - заголовок, который читается и отдаётся обратно.
const RequestIDHeader = "X-Request-ID"

// RequestIDMiddleware берёт X-Request-ID из запроса или генерирует новый.
func RequestIDMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(RequestIDHeader)
			if id == "" {
				id = uuid.NewString()
			}
			w.Header().Set(RequestIDHeader, id)
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
		})
	}
}

// RequestIDFrom returns the request id stored by RequestIDMiddleware.
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// -----------------------------------------------------------------------------
// Metrics
// -----------------------------------------------------------------------------

var httpMetrics = struct {
	Requests *prometheus.CounterVec
	Duration *prometheus.HistogramVec
}{
	Requests: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "asynkaf", Subsystem: "http", Name: "requests_total",
			Help: "Ops HTTP requests",
		},
		[]string{"path", "method", "code"},
	),
	Duration: promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "asynkaf", Subsystem: "http", Name: "request_duration_seconds",
			Help:    "Ops HTTP request duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path", "method"},
	),
}

// MetricsMiddleware считает запросы и их длительность.
func MetricsMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rw, r)

			httpMetrics.Requests.WithLabelValues(r.URL.Path, r.Method, strconv.Itoa(rw.status)).Inc()
			httpMetrics.Duration.WithLabelValues(r.URL.Path, r.Method).Observe(time.Since(start).Seconds())
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
