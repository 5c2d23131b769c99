package dbsession

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

var (
	handlesOpened = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dbsession_handles_opened_total",
		Help: "Session handles opened for requests.",
	})

	handlesOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dbsession_handles_open",
		Help: "Session handles currently holding a pooled connection.",
	})

	handlesReleased = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbsession_handles_released_total",
			Help: "Session handles released, by result (ok|error).",
		},
		[]string{"result"},
	)

	handleLifetime = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "dbsession_handle_lifetime_seconds",
		Help:    "Time a session handle held its pooled connection.",
		Buckets: prometheus.DefBuckets,
	})

	commits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbsession_commits_total",
			Help: "Unit-of-work commits, by result (ok|error|empty).",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(handlesOpened, handlesOpen, handlesReleased, handleLifetime, commits)
}

// Observer is notified when a handle is opened and released. Implementations
// must be safe for concurrent use.
type Observer interface {
	HandleOpened(ctx context.Context, h *Handle)
	HandleReleased(ctx context.Context, h *Handle, held time.Duration, err error)
}

// metricsObserver records Prometheus metrics and emits debug logs through
// the request logger carried by ctx.
type metricsObserver struct{}

func (metricsObserver) HandleOpened(ctx context.Context, h *Handle) {
	handlesOpened.Inc()
	handlesOpen.Inc()
	zerolog.Ctx(ctx).Debug().Str("handle", h.ID()).Msg("db handle opened")
}

func (metricsObserver) HandleReleased(ctx context.Context, h *Handle, held time.Duration, err error) {
	handlesOpen.Dec()
	handleLifetime.Observe(held.Seconds())
	ev := zerolog.Ctx(ctx).Debug()
	result := "ok"
	if err != nil {
		result = "error"
		ev = zerolog.Ctx(ctx).Warn().Err(err)
	}
	handlesReleased.WithLabelValues(result).Inc()
	ev.Str("handle", h.ID()).Dur("held", held).Msg("db handle released")
}

// DefaultObserver returns the observer used when none is configured.
func DefaultObserver() Observer { return metricsObserver{} }
