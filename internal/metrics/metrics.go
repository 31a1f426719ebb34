package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type ctxKey string

const accountLabelKey ctxKey = "metrics_account"

var (
	davRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calendula_dav_requests_total",
		Help: "Total number of DAV requests sent, by method and response status.",
	}, []string{"method", "status"})

	davRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "calendula_dav_request_duration_seconds",
		Help:    "Histogram of DAV request latencies.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})

	syncRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calendula_sync_runs_total",
		Help: "Total number of calendar sync runs, by outcome.",
	}, []string{"account", "outcome"})

	syncResetsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calendula_sync_resets_total",
		Help: "Total number of sync states rejected by the server and replaced by a full listing.",
	}, []string{"account"})

	storeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "calendula_store_latency_seconds",
		Help:    "Histogram of sync state store operation latencies.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "account"})
)

// WithAccount labels downstream observations with the account name.
func WithAccount(ctx context.Context, account string) context.Context {
	return context.WithValue(ctx, accountLabelKey, account)
}

// Handler exposes the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveDAVRequest records one DAV round trip. A zero status means no
// response was received.
func ObserveDAVRequest(method string, status int, start time.Time) {
	label := "error"
	if status != 0 {
		label = strconv.Itoa(status)
	}
	davRequestsTotal.WithLabelValues(method, label).Inc()
	davRequestDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
}

// ObserveSync records the outcome of one sync run ("ok", "reset" or "error").
func ObserveSync(ctx context.Context, outcome string) {
	account := accountFromContext(ctx)
	syncRunsTotal.WithLabelValues(account, outcome).Inc()
	if outcome == "reset" {
		syncResetsTotal.WithLabelValues(account).Inc()
	}
}

// ObserveStoreLatency records store latency for a given operation, associating it with the account when available.
func ObserveStoreLatency(ctx context.Context, operation string, start time.Time) {
	storeLatency.WithLabelValues(operation, accountFromContext(ctx)).Observe(time.Since(start).Seconds())
}

func accountFromContext(ctx context.Context) string {
	if account, ok := ctx.Value(accountLabelKey).(string); ok && account != "" {
		return account
	}
	return "unknown"
}
