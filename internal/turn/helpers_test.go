package turn

import (
	"testing"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/lumora-ai/chorus/internal/observe"
)

// testMetrics builds an isolated Metrics instance backed by a no-op meter.
func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	return m
}
