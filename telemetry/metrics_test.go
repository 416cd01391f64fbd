package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func TestMetricsInitialized(t *testing.T) {
	Init()
	Init()

	if EventsReceived == nil || PostsTotal == nil || WebhookRejected == nil {
		t.Fatal("counter vectors not initialized")
	}
	if PostDuration == nil {
		t.Error("PostDuration histogram not initialized")
	}
	if StreamLiveGauge == nil {
		t.Error("StreamLiveGauge not initialized")
	}
	if CircuitBreakerState == nil {
		t.Error("CircuitBreakerState not initialized")
	}
	if TimedMessagesOut == nil || ChatReconnects == nil {
		t.Error("chat counters not initialized")
	}
}

func TestSetBreakerState(t *testing.T) {
	Init()
	SetBreakerState("test-breaker", 2)
	if got := testutil.ToFloat64(CircuitBreakerState.WithLabelValues("test-breaker")); got != 2 {
		t.Errorf("breaker state = %v, want 2", got)
	}
}

func TestRecordPost(t *testing.T) {
	Init()

	tests := []struct {
		platform string
		kind     string
		result   string
	}{
		{"twitter", "twitter_live", ResultOK},
		{"discord", "discord_live", ResultError},
		{"twitch", "end_of_stream", ResultOK},
	}

	for _, tt := range tests {
		t.Run(tt.platform, func(t *testing.T) {
			c := PostsTotal.WithLabelValues(tt.platform, tt.kind, tt.result)
			before := testutil.ToFloat64(c)
			RecordPost(tt.platform, tt.kind, tt.result, 50*time.Millisecond)
			if got := testutil.ToFloat64(c); got != before+1 {
				t.Errorf("posts_total = %v, want %v", got, before+1)
			}
		})
	}
}

func TestRecordEventAndRejection(t *testing.T) {
	Init()

	before := testutil.ToFloat64(EventsReceived.WithLabelValues("users follows"))
	RecordEvent("users follows")
	if got := testutil.ToFloat64(EventsReceived.WithLabelValues("users follows")); got != before+1 {
		t.Errorf("events_received = %v, want %v", got, before+1)
	}

	before = testutil.ToFloat64(WebhookRejected.WithLabelValues("signature"))
	RecordWebhookRejected("signature")
	if got := testutil.ToFloat64(WebhookRejected.WithLabelValues("signature")); got != before+1 {
		t.Errorf("webhook_rejected = %v, want %v", got, before+1)
	}
}

func TestSetStreamLive(t *testing.T) {
	Init()

	SetStreamLive(true)
	if got := testutil.ToFloat64(StreamLiveGauge); got != 1 {
		t.Errorf("live gauge = %v, want 1", got)
	}
	SetStreamLive(false)
	if got := testutil.ToFloat64(StreamLiveGauge); got != 0 {
		t.Errorf("live gauge = %v, want 0", got)
	}
}

func TestTimeFuncRecordsObservation(t *testing.T) {
	testHistogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "test_duration_seconds",
		Help:    "Test duration",
		Buckets: prometheus.DefBuckets,
	})

	executed := false
	duration := TimeFunc(testHistogram, func() {
		time.Sleep(10 * time.Millisecond)
		executed = true
	})

	if !executed {
		t.Error("TimeFunc did not execute provided function")
	}
	if duration < 10*time.Millisecond {
		t.Errorf("TimeFunc duration = %v, want >= 10ms", duration)
	}

	metric := &dto.Metric{}
	if err := testHistogram.Write(metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	if metric.Histogram == nil || metric.Histogram.GetSampleCount() == 0 {
		t.Error("TimeFunc did not record observation in histogram")
	}
}

func TestCorrelation(t *testing.T) {
	ctx := context.Background()
	if got := GetCorrelation(ctx); got != "" {
		t.Errorf("GetCorrelation(empty) = %q", got)
	}
	ctx = WithCorrelation(ctx, "abc-123")
	if got := GetCorrelation(ctx); got != "abc-123" {
		t.Errorf("GetCorrelation = %q, want abc-123", got)
	}
	if LoggerWithCorr(ctx) == nil {
		t.Error("LoggerWithCorr returned nil")
	}
}
