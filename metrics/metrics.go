// Package metrics provides Prometheus metrics for the execution router.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector Prometheus监控指标收集器。私有registry，测试可各建各的。
type Collector struct {
	registry *prometheus.Registry

	// 订单/管线指标
	ordersCreated     *prometheus.CounterVec
	statusTransitions *prometheus.CounterVec
	pipelineDuration  prometheus.Histogram
	terminalOrders    *prometheus.CounterVec

	// 路由/场所指标
	quoteLatency  *prometheus.HistogramVec
	quoteErrors   *prometheus.CounterVec
	quoteRetries  *prometheus.CounterVec
	swapsExecuted *prometheus.CounterVec
	venueHealthy  *prometheus.GaugeVec

	// 队列指标
	queueDepth    prometheus.Gauge
	queueRetries  prometheus.Counter
	deadLetters   prometheus.Counter
	jobsProcessed *prometheus.CounterVec

	// 状态推送指标
	wsClients    prometheus.Gauge
	broadcasts   prometheus.Counter
	droppedSends prometheus.Counter

	// 价格监控指标
	monitorTicks prometheus.Counter
	promotions   prometheus.Counter
	expirations  prometheus.Counter
}

// Config 监控配置
type Config struct {
	Namespace string
	Subsystem string
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Namespace: "router",
		Subsystem: "execution",
	}
}

// New 创建新的Collector实例
func New(cfg Config) *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	c := &Collector{
		registry: reg,

		ordersCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "orders_created_total",
			Help:      "创建订单总数",
		}, []string{"type"}),
		statusTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "status_transitions_total",
			Help:      "订单状态转换总数",
		}, []string{"status"}),
		pipelineDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "pipeline_duration_seconds",
			Help:      "processOrder 全程耗时（秒）",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
		}),
		terminalOrders: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "terminal_orders_total",
			Help:      "进入终态的订单总数",
		}, []string{"status"}),

		quoteLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "quote_latency_seconds",
			Help:      "单场所报价耗时（秒）",
			Buckets:   prometheus.DefBuckets,
		}, []string{"venue"}),
		quoteErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "quote_errors_total",
			Help:      "报价失败总数（重试耗尽）",
		}, []string{"venue"}),
		quoteRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "quote_retries_total",
			Help:      "报价重试次数",
		}, []string{"venue"}),
		swapsExecuted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "swaps_executed_total",
			Help:      "swap 执行总数",
		}, []string{"venue", "result"}),
		venueHealthy: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "venue_healthy",
			Help:      "场所健康状态(1=healthy,0=unhealthy)",
		}, []string{"venue"}),

		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "queue_depth",
			Help:      "执行队列当前深度",
		}),
		queueRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "queue_retries_total",
			Help:      "队列级重试次数",
		}),
		deadLetters: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "dead_letters_total",
			Help:      "滞留死信的任务总数",
		}),
		jobsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "jobs_processed_total",
			Help:      "worker 处理的任务总数",
		}, []string{"result"}),

		wsClients: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "ws_clients",
			Help:      "当前连接的推送客户端数",
		}),
		broadcasts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "broadcasts_total",
			Help:      "状态推送总数",
		}),
		droppedSends: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "dropped_sends_total",
			Help:      "因客户端缓冲满被丢弃的推送",
		}),

		monitorTicks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "monitor_ticks_total",
			Help:      "价格监控 tick 总数",
		}),
		promotions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "limit_promotions_total",
			Help:      "限价单促发进入管线的总数",
		}),
		expirations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "limit_expirations_total",
			Help:      "限价单过期总数",
		}),
	}

	return c
}

// Handler 返回可挂到 /metrics 的 HTTP handler。
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordOrderCreated 记录订单创建。
func (c *Collector) RecordOrderCreated(orderType string) {
	if c == nil {
		return
	}
	c.ordersCreated.WithLabelValues(orderType).Inc()
}

// RecordTransition 记录一次状态转换，终态额外计数。
func (c *Collector) RecordTransition(status string, terminal bool) {
	if c == nil {
		return
	}
	c.statusTransitions.WithLabelValues(status).Inc()
	if terminal {
		c.terminalOrders.WithLabelValues(status).Inc()
	}
}

// RecordPipelineDuration 记录 processOrder 耗时。
func (c *Collector) RecordPipelineDuration(seconds float64) {
	if c == nil {
		return
	}
	c.pipelineDuration.Observe(seconds)
}

// RecordQuote 记录一次场所报价结果。
func (c *Collector) RecordQuote(venue string, seconds float64, err bool) {
	if c == nil {
		return
	}
	c.quoteLatency.WithLabelValues(venue).Observe(seconds)
	if err {
		c.quoteErrors.WithLabelValues(venue).Inc()
	}
}

// RecordQuoteRetry 记录一次报价重试。
func (c *Collector) RecordQuoteRetry(venue string) {
	if c == nil {
		return
	}
	c.quoteRetries.WithLabelValues(venue).Inc()
}

// RecordSwap 记录 swap 执行结果。
func (c *Collector) RecordSwap(venue string, success bool) {
	if c == nil {
		return
	}
	result := "success"
	if !success {
		result = "failure"
	}
	c.swapsExecuted.WithLabelValues(venue, result).Inc()
}

// SetVenueHealth 更新场所健康 gauge。
func (c *Collector) SetVenueHealth(venue string, healthy bool) {
	if c == nil {
		return
	}
	v := 0.0
	if healthy {
		v = 1.0
	}
	c.venueHealthy.WithLabelValues(venue).Set(v)
}

// SetQueueDepth 更新队列深度。
func (c *Collector) SetQueueDepth(n int) {
	if c == nil {
		return
	}
	c.queueDepth.Set(float64(n))
}

// RecordQueueRetry 记录队列级重试。
func (c *Collector) RecordQueueRetry() {
	if c == nil {
		return
	}
	c.queueRetries.Inc()
}

// RecordDeadLetter 记录死信。
func (c *Collector) RecordDeadLetter() {
	if c == nil {
		return
	}
	c.deadLetters.Inc()
}

// RecordJob 记录任务处理结果。
func (c *Collector) RecordJob(result string) {
	if c == nil {
		return
	}
	c.jobsProcessed.WithLabelValues(result).Inc()
}

// SetWSClients 更新推送客户端数。
func (c *Collector) SetWSClients(n int) {
	if c == nil {
		return
	}
	c.wsClients.Set(float64(n))
}

// RecordBroadcast 记录一次推送；dropped 表示有客户端缓冲满被跳过。
func (c *Collector) RecordBroadcast(dropped int) {
	if c == nil {
		return
	}
	c.broadcasts.Inc()
	if dropped > 0 {
		c.droppedSends.Add(float64(dropped))
	}
}

// RecordMonitorTick 记录一次监控 tick。
func (c *Collector) RecordMonitorTick() {
	if c == nil {
		return
	}
	c.monitorTicks.Inc()
}

// RecordPromotion 记录一次限价单促发。
func (c *Collector) RecordPromotion() {
	if c == nil {
		return
	}
	c.promotions.Inc()
}

// RecordExpiration 记录一次限价单过期。
func (c *Collector) RecordExpiration() {
	if c == nil {
		return
	}
	c.expirations.Inc()
}
