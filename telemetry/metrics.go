// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Post results recorded in PostsTotal.
const (
	ResultOK          = "ok"
	ResultError       = "error"
	ResultUnsupported = "unsupported"
)

var (
	once sync.Once

	// Counters
	EventsReceived   *prometheus.CounterVec // kind
	PostsTotal       *prometheus.CounterVec // platform, kind, result
	WebhookRejected  *prometheus.CounterVec // reason
	RelayedMessages  prometheus.Counter
	TimedMessagesOut prometheus.Counter
	ChatReconnects   prometheus.Counter

	// Histograms (seconds)
	PostDuration *prometheus.HistogramVec // platform

	// Gauges
	StreamLiveGauge     prometheus.Gauge     // 1=live,0=offline
	CircuitBreakerState *prometheus.GaugeVec // name; 0=closed,1=half-open,2=open
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		EventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{Name: "beastie_events_received_total", Help: "Inbound events handled by the orchestrator"}, []string{"kind"})
		PostsTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "beastie_posts_total", Help: "Outbound platform posts by result"}, []string{"platform", "kind", "result"})
		WebhookRejected = promauto.NewCounterVec(prometheus.CounterOpts{Name: "beastie_webhook_rejected_total", Help: "EventSub callbacks rejected before decoding"}, []string{"reason"})
		RelayedMessages = promauto.NewCounter(prometheus.CounterOpts{Name: "beastie_discord_relayed_total", Help: "Discord feed messages relayed to Twitter"})
		TimedMessagesOut = promauto.NewCounter(prometheus.CounterOpts{Name: "beastie_timed_messages_total", Help: "Timed chat messages posted while live"})
		ChatReconnects = promauto.NewCounter(prometheus.CounterOpts{Name: "beastie_chat_reconnects_total", Help: "Twitch chat sessions redialled after a drop"})
		PostDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{Name: "beastie_post_duration_seconds", Help: "Outbound post duration seconds", Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10}}, []string{"platform"})
		StreamLiveGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "beastie_stream_live", Help: "Broadcaster live=1 offline=0"})
		CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "beastie_circuit_breaker_state", Help: "Circuit breaker state: 0=closed 1=half-open 2=open"}, []string{"name"})
	})
}

// RecordEvent counts an inbound event of the given kind.
func RecordEvent(kind string) {
	if EventsReceived != nil {
		EventsReceived.WithLabelValues(kind).Inc()
	}
}

// RecordPost counts one outbound post and observes its duration.
func RecordPost(platform, kind, result string, d time.Duration) {
	if PostsTotal != nil {
		PostsTotal.WithLabelValues(platform, kind, result).Inc()
	}
	if PostDuration != nil {
		PostDuration.WithLabelValues(platform).Observe(d.Seconds())
	}
}

// RecordWebhookRejected counts a rejected webhook delivery.
func RecordWebhookRejected(reason string) {
	if WebhookRejected != nil {
		WebhookRejected.WithLabelValues(reason).Inc()
	}
}

// SetStreamLive sets the live gauge to 1 if live else 0.
func SetStreamLive(live bool) {
	if StreamLiveGauge == nil {
		return
	}
	if live {
		StreamLiveGauge.Set(1)
	} else {
		StreamLiveGauge.Set(0)
	}
}

// SetBreakerState records the state of the named circuit breaker.
func SetBreakerState(name string, state float64) {
	if CircuitBreakerState != nil {
		CircuitBreakerState.WithLabelValues(name).Set(state)
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
