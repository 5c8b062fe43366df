package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gatheredLabels(t *testing.T, m *LocalMetrics, name string) map[string]string {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		require.NotEmpty(t, family.GetMetric())
		labels := make(map[string]string)
		for _, pair := range family.GetMetric()[0].GetLabel() {
			labels[pair.GetName()] = pair.GetValue()
		}
		return labels
	}
	require.Failf(t, "metric not registered", "%s", name)
	return nil
}

func TestLocalMetrics_NamespaceTag(t *testing.T) {
	cfg := configForTest(t)
	cfg.Metrics.Namespace = "eu-west"
	m := metricsForTest(t, cfg)

	m.CountUpstreamRestart(1)
	labels := gatheredLabels(t, m, "console_upstream_restarts")
	assert.Equal(t, "eu-west", labels["namespace"])
	assert.Equal(t, cfg.Name, labels["node_name"])
}

func TestLocalMetrics_NoNamespaceTag(t *testing.T) {
	cfg := configForTest(t)
	m := metricsForTest(t, cfg)

	m.CountUpstreamRestart(1)
	assert.NotContains(t, gatheredLabels(t, m, "console_upstream_restarts"), "namespace")
}
