package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "default", mutate: func(*Config) {}},
		{name: "development", mutate: func(c *Config) { *c = *DevelopmentConfig() }},
		{name: "empty service name", mutate: func(c *Config) { c.ServiceName = "" }, wantErr: true},
		{name: "bad level", mutate: func(c *Config) { c.Logging.Level = "loud" }, wantErr: true},
		{name: "bad format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: true},
		{name: "bad exporter", mutate: func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "jaeger"
		}, wantErr: true},
		{name: "bad sampling", mutate: func(c *Config) { c.Tracing.SamplingRate = 2 }, wantErr: true},
		{name: "zero async buffer", mutate: func(c *Config) { c.Events.BufferSize = 0 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(LoggingConfig{Level: "debug", Format: "json"}, &buf)

	logger.NewComponentLogger("orchestrator").
		WithFeatureID("F1").
		WithWorkstreamID("A").
		WithBackend("T0", "anthropic/opus").
		Info("dispatched")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "orchestrator", entry["component"])
	assert.Equal(t, "F1", entry["feature_id"])
	assert.Equal(t, "A", entry["workstream_id"])
	assert.Equal(t, "T0", entry["tier"])
	assert.Equal(t, "anthropic/opus", entry["backend"])
	assert.Equal(t, "dispatched", entry["message"])
}

func TestLoggerLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(LoggingConfig{Level: "warn", Format: "json"}, &buf)

	logger.Info("dropped")
	assert.Zero(t, buf.Len())

	logger.Warn("kept")
	assert.Contains(t, buf.String(), "kept")
}

func TestFromContextDefaultsToNop(t *testing.T) {
	logger := FromContext(context.Background())
	require.NotNil(t, logger)
	logger.Info("goes nowhere")

	own := NewNopLogger()
	assert.Same(t, own, FromContext(own.WithContext(context.Background())))
}

func TestMetricsRecord(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: true, Namespace: "sdp"})
	require.NoError(t, err)

	m.RecordFeatureStarted()
	m.RecordAttempt("T0", "b1", false, time.Second)
	m.RecordAttempt("T0", "b1", true, time.Second)
	m.RecordEscalation("T1")
	m.RecordRouterSelection("T0", "b1")
	m.RecordCheckpointSave(nil)
	m.RecordCheckpointSave(errors.New("disk full"))
	m.RecordFeatureFinished("completed", time.Minute)

	assert.Equal(t, 1.0, value(t, m.featuresStarted))
	assert.Equal(t, 1.0, value(t, m.attempts.WithLabelValues("T0", "b1", "failure")))
	assert.Equal(t, 1.0, value(t, m.attempts.WithLabelValues("T0", "b1", "success")))
	assert.Equal(t, 1.0, value(t, m.escalations.WithLabelValues("T1")))
	assert.Equal(t, 1.0, value(t, m.checkpointSaves.WithLabelValues("failure")))
	assert.Equal(t, 0.0, value(t, m.activeFeatures))
}

func value(t *testing.T, c prometheus.Metric) float64 {
	t.Helper()
	var metric dto.Metric
	require.NoError(t, c.Write(&metric))
	if metric.Counter != nil {
		return metric.GetCounter().GetValue()
	}
	return metric.GetGauge().GetValue()
}

func TestNopMetricsIsSafe(t *testing.T) {
	m := NewNopMetrics()
	m.RecordFeatureStarted()
	m.RecordAttempt("T0", "b1", true, time.Second)
	m.RecordEscalation("T0")
	m.RecordCheckpointSave(nil)
	m.RecordError("")
	m.BuildStarted()
	m.BuildFinished()
	assert.Nil(t, m.Registry())
	assert.NoError(t, m.StartMetricsServer(context.Background()))
}

func TestEventPublisherAsyncPreservesOrder(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, EnableAsync: true, BufferSize: 64})
	require.NoError(t, err)

	var mu sync.Mutex
	var got []string
	ep.Subscribe(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e.WorkstreamID)
	}, FilterByFeatureID("F1"))

	for _, id := range []string{"A", "B", "C"} {
		require.NoError(t, ep.PublishWorkstreamCompleted("F1", id, 1))
	}
	require.NoError(t, ep.PublishWorkstreamCompleted("F2", "Z", 1))

	require.NoError(t, ep.Shutdown(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"A", "B", "C"}, got)

	assert.Error(t, ep.PublishWorkstreamCompleted("F1", "D", 1))
}

func TestEventPublisherAssignsIDs(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true})
	require.NoError(t, err)

	var event Event
	ep.Subscribe(func(e Event) { event = e }, nil)

	require.NoError(t, ep.PublishWorkstreamEscalated("F1", "X", "T0", 4, "esc-1"))

	assert.NotEmpty(t, event.ID)
	assert.False(t, event.Timestamp.IsZero())
	assert.Equal(t, eventSource, event.Source)
	assert.Equal(t, EventLevelError, event.Level)
	assert.Equal(t, 4, event.Data["attempt_count"])
}

func TestEventFilters(t *testing.T) {
	warn := Event{Level: EventLevelWarning, Type: EventTypeAttemptFailed}
	info := Event{Level: EventLevelInfo, Type: EventTypeWorkstreamStarted}

	byLevel := FilterByLevel(EventLevelWarning)
	assert.True(t, byLevel(warn))
	assert.False(t, byLevel(info))

	byType := FilterByType(EventTypeWorkstreamStarted)
	assert.False(t, byType(warn))
	assert.True(t, byType(info))
}

func TestNoopTelemetry(t *testing.T) {
	tel := Noop()
	_, span := tel.Tracer.StartFeatureSpan(context.Background(), "F1")
	RecordSuccess(span)
	span.End()

	assert.False(t, span.IsRecording())
	assert.NoError(t, tel.Events.PublishFeatureStarted("F1", 2, false))
	assert.NoError(t, tel.Shutdown(context.Background()))
}
