package metrics

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

// RedisHook records command counts and latencies of a go-redis client.
type RedisHook struct {
	Ops        *prometheus.CounterVec
	Duration   *prometheus.HistogramVec
	DialErrors prometheus.Counter
}

var _ redis.Hook = (*RedisHook)(nil)

// NewRedisHook creates and registers Redis client metrics on reg.
func NewRedisHook(reg prometheus.Registerer) *RedisHook {
	h := &RedisHook{
		Ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "redis",
			Name:      "operations_total",
			Help:      "Total Redis commands, by command and status.",
		}, []string{"command", "status"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "redis",
			Name:      "operation_duration_seconds",
			Help:      "Redis command latency in seconds.",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"command"}),
		DialErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "redis",
			Name:      "dial_errors_total",
			Help:      "Failed Redis connection attempts.",
		}),
	}
	reg.MustRegister(h.Ops, h.Duration, h.DialErrors)
	return h
}

func (h *RedisHook) DialHook(next redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := next(ctx, network, addr)
		if err != nil {
			h.DialErrors.Inc()
		}
		return conn, err
	}
}

func (h *RedisHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		start := time.Now()
		err := next(ctx, cmd)
		h.observe(cmd.Name(), err, start)
		return err
	}
}

func (h *RedisHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		start := time.Now()
		err := next(ctx, cmds)
		h.observe("pipeline", err, start)
		return err
	}
}

// observe counts redis.Nil and aborted transactions as successful round trips.
func (h *RedisHook) observe(command string, err error, start time.Time) {
	status := "success"
	if err != nil && !errors.Is(err, redis.Nil) && !errors.Is(err, redis.TxFailedErr) {
		status = "error"
	}
	h.Ops.WithLabelValues(command, status).Inc()
	h.Duration.WithLabelValues(command).Observe(time.Since(start).Seconds())
}
