package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cdpblock/internal/logger"
	"cdpblock/internal/rules"
)

// Recorder 拦截指标，使用独立的注册表
type Recorder struct {
	registry *prometheus.Registry

	Requests      *prometheus.CounterVec
	BlockedByRule *prometheus.CounterVec
	Claimed       prometheus.Counter
	Attached      prometheus.Gauge
	Failures      *prometheus.CounterVec
}

// New 创建指标收集器
func New() *Recorder {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Recorder{
		registry: reg,
		Requests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cdpblock_requests_total",
				Help: "Intercepted requests by disposition",
			},
			[]string{"decision"},
		),
		BlockedByRule: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cdpblock_blocked_total",
				Help: "Blocked requests by matched denylist pattern",
			},
			[]string{"pattern"},
		),
		Claimed: f.NewCounter(prometheus.CounterOpts{
			Name: "cdpblock_claimed_targets_total",
			Help: "Page targets claimed by the interceptor",
		}),
		Attached: f.NewGauge(prometheus.GaugeOpts{
			Name: "cdpblock_attached_targets",
			Help: "Page targets currently intercepted",
		}),
		Failures: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cdpblock_command_failures_total",
				Help: "Failed fulfill/continue commands",
			},
			[]string{"command"},
		),
	}
}

// ObserveDecision 记录一次判定
func (r *Recorder) ObserveDecision(d rules.Decision) {
	if r == nil {
		return
	}
	r.Requests.WithLabelValues(d.Action.String()).Inc()
	if d.Blocked() {
		r.BlockedByRule.WithLabelValues(d.Pattern).Inc()
	}
}

// ObserveFailure 记录一次 CDP 命令失败
func (r *Recorder) ObserveFailure(command string) {
	if r == nil {
		return
	}
	r.Failures.WithLabelValues(command).Inc()
}

// ObserveAttach 记录目标接管与释放
func (r *Recorder) ObserveAttach(claimed bool) {
	if r == nil {
		return
	}
	if claimed {
		r.Claimed.Inc()
		r.Attached.Inc()
		return
	}
	r.Attached.Dec()
}

// Handler 返回 /metrics 处理器
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Serve 在指定地址暴露指标，ctx 结束时关闭
func (r *Recorder) Serve(ctx context.Context, addr string, l logger.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	l.Info("指标服务已启动", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
