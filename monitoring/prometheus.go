package monitoring

import (
	"net/http"
	"sync"
	"time"

	"github.com/mezonai/blockswarm/logx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type AnnounceResult string

var (
	AnnounceOK     AnnounceResult = "ok"
	AnnounceFailed AnnounceResult = "failed"
)

type serverPromMetrics struct {
	serverUpUnixSeconds prometheus.Gauge
	hostState           *prometheus.GaugeVec
	servedBlocks        prometheus.Gauge
	announcements       *prometheus.CounterVec
	rehostCount         prometheus.Counter
	hostCreateFailures  prometheus.Counter
	cacheCapacityBytes  prometheus.Gauge
	cacheUsedBytes      prometheus.Gauge
	cacheWaitSeconds    prometheus.Histogram
	cacheTimeouts       prometheus.Counter
	handledRequests     *prometheus.CounterVec
	panicCount          prometheus.Counter
}

func newServerPromMetrics() *serverPromMetrics {
	return &serverPromMetrics{
		serverUpUnixSeconds: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "blockswarm_server_up_timestamp_unix_seconds",
				Help: "Unix timestamp of the server start",
			},
		),
		hostState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "blockswarm_host_state",
				Help: "1 for the lifecycle state the active module host is in, 0 otherwise",
			},
			[]string{"state"},
		),
		servedBlocks: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "blockswarm_served_blocks",
				Help: "Number of blocks the active module host serves",
			},
		),
		announcements: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blockswarm_announcements_total",
				Help: "Presence writes to the registry by announced state and result",
			},
			[]string{"state", "result"},
		),
		rehostCount: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "blockswarm_rehost_total",
				Help: "Number of times the server released its blocks because the swarm was imbalanced",
			},
		),
		hostCreateFailures: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "blockswarm_host_create_failures_total",
				Help: "Number of module host constructions that failed",
			},
		),
		cacheCapacityBytes: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "blockswarm_cache_capacity_bytes",
				Help: "Capacity of the shared attention cache pool",
			},
		),
		cacheUsedBytes: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "blockswarm_cache_used_bytes",
				Help: "Bytes of the attention cache pool held by live sessions",
			},
		),
		cacheWaitSeconds: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "blockswarm_cache_wait_seconds",
				Help:    "Time a session waited for cache capacity",
				Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
			},
		),
		cacheTimeouts: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "blockswarm_cache_allocation_timeouts_total",
				Help: "Cache allocations that gave up after their timeout",
			},
		),
		handledRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blockswarm_handled_requests_total",
				Help: "Requests served by connection handlers by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		panicCount: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "blockswarm_panic_total",
				Help: "Recovered panics in background goroutines",
			},
		),
	}
}

var (
	serverMetrics *serverPromMetrics
	initOnce      sync.Once
)

var hostStates = []string{"constructing", "joining", "serving", "offline", "terminated"}

// InitMetrics registers the server metrics once; later calls are no-ops.
func InitMetrics() {
	initOnce.Do(func() {
		serverMetrics = newServerPromMetrics()
		serverMetrics.serverUpUnixSeconds.SetToCurrentTime()
	})
}

func metrics() *serverPromMetrics {
	InitMetrics()
	return serverMetrics
}

// Handler serves the default prometheus registry.
func Handler() http.Handler {
	logx.Info("MONITORING", "Registering prometheus metrics")
	return promhttp.Handler()
}

func SetHostState(state string) {
	m := metrics()
	for _, s := range hostStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.hostState.With(prometheus.Labels{"state": s}).Set(v)
	}
}

func SetServedBlocks(n int) {
	metrics().servedBlocks.Set(float64(n))
}

func RecordAnnouncement(state string, result AnnounceResult) {
	metrics().announcements.With(prometheus.Labels{
		"state":  state,
		"result": string(result),
	}).Inc()
}

func IncreaseRehostCount() {
	metrics().rehostCount.Inc()
}

func IncreaseHostCreateFailures() {
	metrics().hostCreateFailures.Inc()
}

func SetCacheCapacity(bytes int64) {
	metrics().cacheCapacityBytes.Set(float64(bytes))
}

func SetCacheUsed(bytes int64) {
	metrics().cacheUsedBytes.Set(float64(bytes))
}

func RecordCacheWait(d time.Duration) {
	metrics().cacheWaitSeconds.Observe(d.Seconds())
}

func IncreaseCacheTimeouts() {
	metrics().cacheTimeouts.Inc()
}

func RecordHandledRequest(kind, outcome string) {
	metrics().handledRequests.With(prometheus.Labels{
		"kind":    kind,
		"outcome": outcome,
	}).Inc()
}

func IncreasePanicCount() {
	metrics().panicCount.Inc()
}
