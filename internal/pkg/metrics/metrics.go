package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PipelineRunsTotal 按结果统计每个租户的流水线执行次数。
var PipelineRunsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "goofish_pipeline_runs_total",
		Help: "Total pipeline executions by status (success/auth_failed/error).",
	},
	[]string{"status"},
)

// PipelineItemsTotal 按阶段与结果统计商品处理量。
var PipelineItemsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "goofish_pipeline_items_total",
		Help: "Items processed by stage and outcome.",
	},
	[]string{"stage", "outcome"},
)

// PipelineRunDuration 单次流水线执行耗时。
var PipelineRunDuration = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "goofish_pipeline_run_duration_seconds",
		Help:    "Duration of a full pipeline run.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	},
)

// IngestQueueDepth 图片下载队列当前深度。
var IngestQueueDepth = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "goofish_ingest_queue_depth",
		Help: "Pending image URLs in the ingest queue.",
	},
)

// IngestImagesTotal 图片下载结果统计。
var IngestImagesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "goofish_ingest_images_total",
		Help: "Image fetch outcomes (stored/skipped/failed).",
	},
	[]string{"outcome"},
)

// ScheduledJobs 当前注册的定时任务数。
var ScheduledJobs = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "goofish_scheduled_jobs",
		Help: "Currently registered per-tenant recurring jobs.",
	},
)

// RunningEngines 当前运行中的会话自动化实例数。
var RunningEngines = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "goofish_im_engines_running",
		Help: "Running conversation automation engines.",
	},
)

// IMTasksTotal IM 任务执行统计。
var IMTasksTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "goofish_im_tasks_total",
		Help: "IM tasks processed by type.",
	},
	[]string{"type"},
)

// RateLimitWaitDuration 源站限流等待耗时。
var RateLimitWaitDuration = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "goofish_ratelimit_wait_seconds",
		Help:    "Time spent waiting for the source rate limiter.",
		Buckets: prometheus.DefBuckets,
	},
)

// RateLimitTimeoutTotal 限流等待超时次数。
var RateLimitTimeoutTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "goofish_ratelimit_timeouts_total",
		Help: "Rate limit waits aborted by context cancellation.",
	},
)
