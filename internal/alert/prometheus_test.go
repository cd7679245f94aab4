package alert

import (
	"testing"

	"xray-guard/internal/client"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryExposesWatchdogMetrics(t *testing.T) {
	metrics := client.NewPrometheusMetrics()
	metrics.RecordEventIngested("access_log")
	metrics.RecordDecision("warn")
	metrics.RecordBucketSealed()
	metrics.SetActiveWindowKeys(3)

	registry := CreateCustomRegistry()
	require.NoError(t, RegisterCustomMetrics(registry, metrics))

	families, err := registry.Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}

	for _, expected := range []string{
		"watchdog_events_ingested_total",
		"watchdog_decisions_total",
		"watchdog_buckets_sealed_total",
		"watchdog_active_window_keys",
		"go_goroutines",
	} {
		assert.True(t, names[expected], "registry should expose %s", expected)
	}
}

func TestExportersUseIndependentRegistries(t *testing.T) {
	first, err := NewPrometheusExporter("0", client.NewPrometheusMetrics(), testLogger())
	require.NoError(t, err)
	second, err := NewPrometheusExporter("0", client.NewPrometheusMetrics(), testLogger())
	require.NoError(t, err)

	assert.NotNil(t, first.GetMetrics())
	assert.NotNil(t, second.GetMetrics())
}
