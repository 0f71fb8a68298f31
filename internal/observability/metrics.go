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

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_http_requests_total",
			Help: "Total number of HTTP requests processed by the realtime service.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "realtime_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
	grpcServerHandledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grpc_server_handled_total",
			Help: "Total number of gRPC requests handled by the server.",
		},
		[]string{"grpc_service", "grpc_method", "grpc_code"},
	)
	wsActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "realtime_ws_active_connections",
			Help: "Number of authenticated websocket connections.",
		},
	)
	wsEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_ws_events_total",
			Help: "Total number of websocket events by outcome.",
		},
		[]string{"event", "outcome"},
	)
	pipelineRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_pipeline_rejections_total",
			Help: "Inbound events rejected by the message pipeline.",
		},
		[]string{"reason"},
	)
	presenceOnlineUsers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "realtime_presence_online_users",
			Help: "Number of users with at least one open connection.",
		},
	)
	amqpPublishErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "realtime_amqp_publish_errors_total",
			Help: "Total number of AMQP publish errors.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		grpcServerHandledTotal,
		wsActiveConnections,
		wsEventsTotal,
		pipelineRejectionsTotal,
		presenceOnlineUsers,
		amqpPublishErrorsTotal,
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
		status := c.Writer.Status()

		httpRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

func GRPCServerMetricsUnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		resp, err := handler(ctx, req)
		statusInfo := status.Convert(err)
		service, method := splitFullMethod(info.FullMethod)
		grpcServerHandledTotal.WithLabelValues(service, method, statusInfo.Code().String()).Inc()
		return resp, err
	}
}

func splitFullMethod(fullMethod string) (string, string) {
	parts := strings.Split(fullMethod, "/")
	if len(parts) < 3 {
		return "unknown", "unknown"
	}
	return parts[1], parts[2]
}

func IncWSActive() {
	wsActiveConnections.Inc()
}

func DecWSActive() {
	wsActiveConnections.Dec()
}

// IncWSEvent counts one handled websocket event; outcome is "ok" or a rejection reason.
func IncWSEvent(event, outcome string) {
	wsEventsTotal.WithLabelValues(event, outcome).Inc()
}

func IncPipelineRejection(reason string) {
	pipelineRejectionsTotal.WithLabelValues(reason).Inc()
}

func SetPresenceOnline(n int) {
	presenceOnlineUsers.Set(float64(n))
}

func IncAMQPPublishError() {
	amqpPublishErrorsTotal.Inc()
}
