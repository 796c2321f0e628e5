// Package metrics 转发与扫描的 Prometheus 指标
package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"relay_bot/internal/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 转发路径
const (
	PathScan     = "scan"
	PathRealtime = "realtime"
)

var (
	once sync.Once

	// Forwards 按路径与结果统计的转发次数
	Forwards *prometheus.CounterVec
	// RateLimitWaits 限流等待次数
	RateLimitWaits prometheus.Counter
	// RateLimitSeconds 限流等待总时长
	RateLimitSeconds prometheus.Counter
	// Scans 按最终状态统计的规则扫描次数
	Scans *prometheus.CounterVec
	// ActiveScans 正在运行的扫描任务数
	ActiveScans prometheus.Gauge
	// ScanDuration 单条规则扫描耗时
	ScanDuration prometheus.Observer
)

// Init 注册指标（可重复调用）
func Init() {
	once.Do(func() {
		Forwards = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_forwards_total",
			Help: "Number of forward attempts by path and outcome",
		}, []string{"path", "outcome"})
		RateLimitWaits = promauto.NewCounter(prometheus.CounterOpts{
			Name: "relay_rate_limit_waits_total",
			Help: "Number of flood waits honoured before retrying a forward",
		})
		RateLimitSeconds = promauto.NewCounter(prometheus.CounterOpts{
			Name: "relay_rate_limit_wait_seconds_total",
			Help: "Total seconds slept because of flood waits",
		})
		Scans = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_scans_total",
			Help: "Number of finished rule scans by final state",
		}, []string{"state"})
		ActiveScans = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "relay_active_scans",
			Help: "Current number of running rule scans",
		})
		ScanDuration = promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_scan_duration_seconds",
			Help:    "Duration of a single rule scan",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		})
	})
}

// ObserveForward 记录一次转发结果
func ObserveForward(path, outcome string) {
	if Forwards != nil {
		Forwards.WithLabelValues(path, outcome).Inc()
	}
}

// ObserveRateLimit 记录一次限流等待
func ObserveRateLimit(wait time.Duration) {
	if RateLimitWaits != nil {
		RateLimitWaits.Inc()
	}
	if RateLimitSeconds != nil {
		RateLimitSeconds.Add(wait.Seconds())
	}
}

// ScanStarted 扫描开始
func ScanStarted() {
	if ActiveScans != nil {
		ActiveScans.Inc()
	}
}

// ScanFinished 扫描结束
func ScanFinished(state string, took time.Duration) {
	if ActiveScans != nil {
		ActiveScans.Dec()
	}
	if Scans != nil {
		Scans.WithLabelValues(state).Inc()
	}
	if ScanDuration != nil {
		ScanDuration.Observe(took.Seconds())
	}
}

// Server 指标 HTTP 服务
type Server struct {
	srv *http.Server
}

// NewServer 创建指标服务，addr 为空时返回 nil
func NewServer(addr string) *Server {
	if addr == "" {
		return nil
	}
	Init()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return &Server{srv: &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}}
}

// Run 阻塞运行直到 ctx 取消
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}

	errCh := make(chan error, 1)
	go func() {
		logger.L().Infof("Metrics server listening on %s", s.srv.Addr)
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}
