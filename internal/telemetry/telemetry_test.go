package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/CodeMonkeyCybersecurity/webprobe/internal/config"
	"github.com/CodeMonkeyCybersecurity/webprobe/pkg/types"
)

func TestDisabledTelemetryIsNoop(t *testing.T) {
	tel, err := New(context.Background(), config.TelemetryConfig{Enabled: false})
	require.NoError(t, err)
	assert.IsType(t, noopTelemetry{}, tel)

	tel.RecordScan(types.ScanStatusCompleted, 1.5)
	tel.RecordFinding(types.SeverityHigh)
	tel.RecordTask("nuclei", types.TaskStatusFailed, 0.2)
	tel.RecordWorkerMetrics(&types.WorkerStatus{ID: "w1", Status: "active"})
	assert.NoError(t, tel.Close())
}

func TestUnsupportedExporter(t *testing.T) {
	_, err := New(context.Background(), config.TelemetryConfig{Enabled: true, ServiceName: "webprobe", ExporterType: "zipkin"})
	assert.ErrorContains(t, err, "unsupported exporter type")
}

func TestInstrumentsRecord(t *testing.T) {
	tel, err := newInstruments(noop.NewMeterProvider().Meter("test"))
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		tel.RecordScan(types.ScanStatusStopped, 3)
		tel.RecordFinding(types.SeverityLow)
		tel.RecordTask("httpx", types.TaskStatusCompleted, 1)
		tel.RecordWorkerMetrics(&types.WorkerStatus{ID: "w1", Status: "active"})
		tel.RecordWorkerMetrics(&types.WorkerStatus{ID: "w1", Status: "stopped"})
	})
	assert.NoError(t, tel.Close())
}
