package orchestrator

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawinfra/autoheal/internal/config"
	"github.com/clawinfra/autoheal/internal/healing"
	"github.com/clawinfra/autoheal/internal/learning"
	"github.com/clawinfra/autoheal/internal/retention"
)

func sampleReport(cycle int64) Report {
	next := testNow.Add(2 * time.Hour)
	return Report{
		ID:         "r-1",
		Cycle:      cycle,
		StartedAt:  testNow,
		FinishedAt: testNow.Add(1500 * time.Millisecond),
		DurationMs: 1500,
		Modules: []ModuleSummary{
			{Name: "fetch", Success: true, DurationMs: 1200, Attempts: 1},
			{Name: "index", Success: false, ExitCode: 1, DurationMs: 300, Attempts: 1},
		},
		ModuleFailures: 1,
		Detections:     3,
		Remediations:   RemediationSummary{Applied: 2, Skipped: 1},
		Predictions:    learning.Predictions{NextFailure: &next, OptimalTiming: []int{2, 3}},
		Cleanup:        retention.CleanupStats{FilesDeleted: 4, TotalSizeFreedBytes: 2048},
		HealthScore:    0.75,
	}
}

func TestFileSink(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "reports")
	sink := NewFileSink(dir)

	require.NoError(t, sink.Publish(context.Background(), sampleReport(1)))
	require.NoError(t, sink.Publish(context.Background(), sampleReport(2)))

	latest, err := LatestReport(dir)
	require.NoError(t, err)
	assert.Equal(t, int64(2), latest.Cycle)
	assert.Equal(t, 0.75, latest.HealthScore)
	require.NotNil(t, latest.Predictions.NextFailure)
	assert.True(t, latest.Predictions.NextFailure.Equal(testNow.Add(2*time.Hour)))

	f, err := os.Open(filepath.Join(dir, "cycles.jsonl"))
	require.NoError(t, err)
	defer f.Close()

	var cycles []int64
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r Report
		require.NoError(t, json.Unmarshal(sc.Bytes(), &r))
		cycles = append(cycles, r.Cycle)
	}
	assert.Equal(t, []int64{1, 2}, cycles)
}

func TestLatestReportMissing(t *testing.T) {
	_, err := LatestReport(t.TempDir())
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestRemediationSummaryCounts(t *testing.T) {
	var s RemediationSummary
	for _, st := range []healing.Status{
		healing.StatusApplied, healing.StatusApplied, healing.StatusFailed,
		healing.StatusSkipped, healing.StatusRejected,
	} {
		s.add(healing.Outcome{Record: healing.Record{Status: st}})
	}
	assert.Equal(t, 2, s.Applied)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 1, s.Skipped)
	assert.Equal(t, 1, s.Rejected)
	assert.Len(t, s.Records, 5)
}

func TestMetricsSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics", "autoheal.prom")
	m := NewMetricsSink(path)

	require.NoError(t, m.Publish(context.Background(), sampleReport(7)))
	require.NoError(t, m.Publish(context.Background(), sampleReport(8)))

	assert.Equal(t, 8.0, testutil.ToFloat64(m.cycles))
	assert.Equal(t, 1.5, testutil.ToFloat64(m.cycleDuration))
	assert.Equal(t, 0.75, testutil.ToFloat64(m.health))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.moduleSuccess.WithLabelValues("fetch")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.moduleSuccess.WithLabelValues("index")))
	assert.Equal(t, 6.0, testutil.ToFloat64(m.detections))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.remediations.WithLabelValues("applied")))
	assert.Equal(t, 2048.0, testutil.ToFloat64(m.bytesFreed))
	assert.Equal(t, float64(testNow.Add(2*time.Hour).Unix()), testutil.ToFloat64(m.nextFailure))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "autoheal_health_score 0.75")
	assert.Contains(t, string(data), `autoheal_module_success{module="index"} 0`)
}

func TestMetricsSinkClearsUnknownPrediction(t *testing.T) {
	m := NewMetricsSink(filepath.Join(t.TempDir(), "metrics.prom"))
	rep := sampleReport(1)
	require.NoError(t, m.Publish(context.Background(), rep))

	rep.Predictions.NextFailure = nil
	require.NoError(t, m.Publish(context.Background(), rep))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.nextFailure))
}

type mockToken struct {
	err     error
	timeout bool
}

func (m *mockToken) Wait() bool                     { return true }
func (m *mockToken) WaitTimeout(time.Duration) bool { return !m.timeout }
func (m *mockToken) Error() error                   { return m.err }

func (m *mockToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type mockClient struct {
	connectToken *mockToken
	publishToken *mockToken
	connected    bool
	topic        string
	qos          byte
	payload      []byte
	disconnects  int
}

func (m *mockClient) Connect() mqtt.Token {
	if m.connectToken != nil {
		return m.connectToken
	}
	m.connected = true
	return &mockToken{}
}

func (m *mockClient) Disconnect(uint) {
	m.disconnects++
	m.connected = false
}

func (m *mockClient) Publish(topic string, qos byte, _ bool, payload interface{}) mqtt.Token {
	m.topic, m.qos = topic, qos
	m.payload, _ = payload.([]byte)
	if m.publishToken != nil {
		return m.publishToken
	}
	return &mockToken{}
}

func (m *mockClient) IsConnected() bool { return m.connected }

func mqttConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Enabled:  true,
		Broker:   "tcp://localhost:1883",
		ClientID: "autoheal-test",
		Topic:    "autoheal/reports",
		QoS:      1,
	}
}

func TestMQTTSinkPublish(t *testing.T) {
	client := &mockClient{}
	var gotOpts *mqtt.ClientOptions
	sink := NewMQTTSinkWithClient(mqttConfig(), testLogger(), func(opts *mqtt.ClientOptions) MQTTClient {
		gotOpts = opts
		return client
	})

	require.NoError(t, sink.Connect(context.Background()))
	require.NotNil(t, gotOpts)
	assert.Equal(t, "autoheal-test", gotOpts.ClientID)

	require.NoError(t, sink.Publish(context.Background(), sampleReport(5)))
	assert.Equal(t, "autoheal/reports", client.topic)
	assert.Equal(t, byte(1), client.qos)

	var r Report
	require.NoError(t, json.Unmarshal(client.payload, &r))
	assert.Equal(t, int64(5), r.Cycle)

	sink.Close()
	assert.Equal(t, 1, client.disconnects)
}

func TestMQTTSinkErrors(t *testing.T) {
	t.Run("publish before connect", func(t *testing.T) {
		sink := NewMQTTSinkWithClient(mqttConfig(), testLogger(), nil)
		assert.Error(t, sink.Publish(context.Background(), sampleReport(1)))
	})

	t.Run("connect timeout", func(t *testing.T) {
		client := &mockClient{connectToken: &mockToken{timeout: true}}
		sink := NewMQTTSinkWithClient(mqttConfig(), testLogger(), func(*mqtt.ClientOptions) MQTTClient { return client })
		err := sink.Connect(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "timeout")
	})

	t.Run("connect refused", func(t *testing.T) {
		client := &mockClient{connectToken: &mockToken{err: errors.New("not authorized")}}
		sink := NewMQTTSinkWithClient(mqttConfig(), testLogger(), func(*mqtt.ClientOptions) MQTTClient { return client })
		err := sink.Connect(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not authorized")
	})

	t.Run("publish failure", func(t *testing.T) {
		client := &mockClient{publishToken: &mockToken{err: errors.New("broker gone")}}
		sink := NewMQTTSinkWithClient(mqttConfig(), testLogger(), func(*mqtt.ClientOptions) MQTTClient { return client })
		require.NoError(t, sink.Connect(context.Background()))
		err := sink.Publish(context.Background(), sampleReport(1))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "broker gone")
	})
}

func TestHealthScore(t *testing.T) {
	assert.Equal(t, 1.0, HealthScore(nil, testNow))

	points := []learning.DataPoint{
		{Timestamp: testNow, Success: true},
		{Timestamp: testNow, Success: false},
	}
	assert.InDelta(t, 0.5, HealthScore(points, testNow), 1e-9)

	// A failure three hours old weighs a quarter of a fresh success.
	points = []learning.DataPoint{
		{Timestamp: testNow.Add(-3 * time.Hour), Success: false},
		{Timestamp: testNow, Success: true},
	}
	assert.InDelta(t, 1/1.25, HealthScore(points, testNow), 1e-9)
}
