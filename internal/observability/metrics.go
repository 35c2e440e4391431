package observability

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

const namespace = "rental_chat"

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route template and status code.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latencies in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	grpcHandledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grpc_handled_total",
			Help:      "Unary gRPC calls completed, by service, method and status code.",
		},
		[]string{"grpc_service", "grpc_method", "grpc_code"},
	)

	wsConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_connections",
			Help:      "Open websocket connections.",
		},
	)
	wsEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_events_total",
			Help:      "Websocket lifecycle and inbound events. Unrecognised event names are folded into \"other\".",
		},
		[]string{"event"},
	)
	wsDroppedFramesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_dropped_frames_total",
			Help:      "Outbound frames dropped because the client send queue was full.",
		},
		[]string{"event"},
	)
	wsRateLimitedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_rate_limited_total",
			Help:      "Websocket connections closed for exceeding the inbound event budget.",
		},
	)

	messagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Persisted chat messages by kind.",
		},
		[]string{"kind"},
	)
	statusTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "message_status_transitions_total",
			Help:      "Messages advanced to a delivery status.",
		},
		[]string{"status"},
	)
	attachmentBytes = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "attachment_bytes",
			Help:      "Size of stored message attachments.",
			Buckets:   prometheus.ExponentialBuckets(4<<10, 4, 7),
		},
	)
	publishErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_publish_errors_total",
			Help:      "Failed event bus publishes by routing key.",
		},
		[]string{"routing_key"},
	)
)

// knownWSEvents bounds the label values of ws_events_total.
var knownWSEvents = map[string]bool{
	"ws_connect": true, "ws_disconnect": true, "ws_error": true,
	"join": true, "joinChat": true, "leaveChat": true, "typing": true,
	"messageDelivered": true, "addReaction": true,
}

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		grpcHandledTotal,
		wsConnections,
		wsEventsTotal,
		wsDroppedFramesTotal,
		wsRateLimitedTotal,
		messagesTotal,
		statusTransitionsTotal,
		attachmentBytes,
		publishErrorsTotal,
	)
}

func HTTPMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		httpRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		httpRequestDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}

func GRPCServerMetricsUnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		resp, err := handler(ctx, req)
		service, method := splitFullMethod(info.FullMethod)
		grpcHandledTotal.WithLabelValues(service, method, status.Code(err).String()).Inc()
		return resp, err
	}
}

// splitFullMethod turns "/pkg.Service/Method" into its two parts.
func splitFullMethod(fullMethod string) (string, string) {
	service, method, ok := strings.Cut(strings.TrimPrefix(fullMethod, "/"), "/")
	if !ok || service == "" || method == "" {
		return "unknown", "unknown"
	}
	return service, method
}

func WSConnected() {
	wsConnections.Inc()
}

func WSDisconnected() {
	wsConnections.Dec()
}

func IncWSEvent(event string) {
	if !knownWSEvents[event] {
		event = "other"
	}
	wsEventsTotal.WithLabelValues(event).Inc()
}

func IncWSDropped(event string) {
	wsDroppedFramesTotal.WithLabelValues(event).Inc()
}

func IncWSRateLimited() {
	wsRateLimitedTotal.Inc()
}

func IncMessageSent(kind string) {
	messagesTotal.WithLabelValues(kind).Inc()
}

// AddStatusTransitions counts n messages moved to status.
func AddStatusTransitions(status string, n int64) {
	if n <= 0 {
		return
	}
	statusTransitionsTotal.WithLabelValues(status).Add(float64(n))
}

func ObserveAttachment(size int64) {
	attachmentBytes.Observe(float64(size))
}

func IncPublishError(routingKey string) {
	publishErrorsTotal.WithLabelValues(routingKey).Inc()
}
