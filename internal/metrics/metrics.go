// ============================================================================
// Stagecoach Metrics - Prometheus 監控指標
// ============================================================================
//
// 指標分類:
//
//   1. 進度 (Counter/Gauge):
//      - stagecoach_advances_total{pipeline,outcome}: advance 結果（accepted/duplicate/rejected 原因）
//      - stagecoach_jobs_active{pipeline}: 尚未結束的 job 數
//      - stagecoach_jobs_terminal_total{pipeline,result}: 完成或失敗的 job
//
//   2. Callback token:
//      - stagecoach_tokens_{issued,redeemed,expired}_total
//      - stagecoach_tokens_rejected_total{reason}
//      - stagecoach_tokens_pending
//      - stagecoach_callback_latency_seconds: 發出到兌換的時間
//
//   3. 路由與發佈:
//      - stagecoach_route_decisions_total{branch}
//      - stagecoach_publish_failures_total
//
//   4. 執行與恢復:
//      - stagecoach_stage_duration_seconds{pipeline,stage}
//      - stagecoach_recovery_time_seconds
//      - stagecoach_snapshots_total{result}
//
// HTTP 端點: /metrics（serve 命令或 api router）
//
// ============================================================================

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "stagecoach"

// Collector Prometheus 指標收集器
type Collector struct {
	advances      *prometheus.CounterVec
	jobsActive    *prometheus.GaugeVec
	jobsTerminal  *prometheus.CounterVec
	tokensIssued  prometheus.Counter
	tokensRedeem  prometheus.Counter
	tokensReject  *prometheus.CounterVec
	tokensExpired prometheus.Counter
	tokensPending prometheus.Gauge
	callbackLat   prometheus.Histogram
	routes        *prometheus.CounterVec
	publishFails  prometheus.Counter
	stageDuration *prometheus.HistogramVec
	recoveryTime  prometheus.Gauge
	snapshots     *prometheus.CounterVec
}

// NewCollector 創建並註冊指標。reg 為 nil 時使用 prometheus.DefaultRegisterer。
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		advances: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "advances_total",
			Help: "Progress advances by pipeline and outcome",
		}, []string{"pipeline", "outcome"}),
		jobsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "jobs_active",
			Help: "Jobs that have not reached a terminal stage",
		}, []string{"pipeline"}),
		jobsTerminal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "jobs_terminal_total",
			Help: "Jobs that reached a terminal stage",
		}, []string{"pipeline", "result"}),
		tokensIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "tokens_issued_total",
			Help: "Callback tokens issued",
		}),
		tokensRedeem: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "tokens_redeemed_total",
			Help: "Callback tokens redeemed",
		}),
		tokensReject: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "tokens_rejected_total",
			Help: "Rejected redemptions by reason",
		}, []string{"reason"}),
		tokensExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "tokens_expired_total",
			Help: "Callback tokens that expired unredeemed",
		}),
		tokensPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "tokens_pending",
			Help: "Callback tokens awaiting redemption",
		}),
		callbackLat: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "callback_latency_seconds",
			Help:    "Time from token issue to redemption",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		}),
		routes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "route_decisions_total",
			Help: "Router decisions by branch",
		}, []string{"branch"}),
		publishFails: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "publish_failures_total",
			Help: "Failed event bus publishes",
		}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "stage_duration_seconds",
			Help:    "Stage executor latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"pipeline", "stage"}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "recovery_time_seconds",
			Help: "Time taken by the last snapshot load and WAL replay",
		}),
		snapshots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "snapshots_total",
			Help: "Snapshot attempts by result",
		}, []string{"result"}),
	}

	reg.MustRegister(
		c.advances, c.jobsActive, c.jobsTerminal,
		c.tokensIssued, c.tokensRedeem, c.tokensReject, c.tokensExpired, c.tokensPending, c.callbackLat,
		c.routes, c.publishFails, c.stageDuration, c.recoveryTime, c.snapshots,
	)
	return c
}

// RecordAdvance 記錄一次 advance 結果。outcome 為 "accepted"、"duplicate" 或拒絕原因。
func (c *Collector) RecordAdvance(pipeline, outcome string) {
	c.advances.WithLabelValues(pipeline, outcome).Inc()
}

// RecordTerminal 記錄 job 結束（result 為 "completed" 或 "failed"）
func (c *Collector) RecordTerminal(pipeline, result string) {
	c.jobsTerminal.WithLabelValues(pipeline, result).Inc()
}

// SetActiveJobs 更新尚未結束的 job 數
func (c *Collector) SetActiveJobs(pipeline string, n int) {
	c.jobsActive.WithLabelValues(pipeline).Set(float64(n))
}

func (c *Collector) RecordTokenIssued() {
	c.tokensIssued.Inc()
	c.tokensPending.Inc()
}

// RecordTokenRedeemed 記錄兌換成功與發出到兌換的延遲
func (c *Collector) RecordTokenRedeemed(latency time.Duration) {
	c.tokensRedeem.Inc()
	c.tokensPending.Dec()
	c.callbackLat.Observe(latency.Seconds())
}

func (c *Collector) RecordTokenRejected(reason string) {
	c.tokensReject.WithLabelValues(reason).Inc()
}

func (c *Collector) RecordTokenExpired() {
	c.tokensExpired.Inc()
	c.tokensPending.Dec()
}

// SetPendingTokens 恢復後校正 pending 數
func (c *Collector) SetPendingTokens(n int) {
	c.tokensPending.Set(float64(n))
}

func (c *Collector) RecordRoute(branch string) {
	c.routes.WithLabelValues(branch).Inc()
}

func (c *Collector) RecordPublishFailure() {
	c.publishFails.Inc()
}

func (c *Collector) ObserveStage(pipeline, stage string, d time.Duration) {
	c.stageDuration.WithLabelValues(pipeline, stage).Observe(d.Seconds())
}

// SetRecoveryTime 設置恢復時間
func (c *Collector) SetRecoveryTime(d time.Duration) {
	c.recoveryTime.Set(d.Seconds())
}

// RecordSnapshot 記錄快照結果
func (c *Collector) RecordSnapshot(err error) {
	if err != nil {
		c.snapshots.WithLabelValues("error").Inc()
		return
	}
	c.snapshots.WithLabelValues("ok").Inc()
}

// Handler 回傳 /metrics handler。g 為 nil 時使用 prometheus.DefaultGatherer。
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
