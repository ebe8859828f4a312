package dnvme

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusCollector(t *testing.T) {
	m := NewMetrics()
	m.RecordSubmit(true, 4096, 2_000, true)
	m.RecordSubmit(false, 512, 50_000, true)
	m.RecordReap(2, true)

	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(NewPrometheusCollector(m, "/dev/nvme0")))

	families, err := reg.Gather()
	require.NoError(t, err)

	byName := map[string]float64{}
	for _, f := range families {
		for _, metric := range f.GetMetric() {
			switch {
			case metric.GetCounter() != nil:
				byName[f.GetName()] = metric.GetCounter().GetValue()
			case metric.GetHistogram() != nil:
				byName[f.GetName()] = float64(metric.GetHistogram().GetSampleCount())
			}
			assert.Equal(t, "device", metric.GetLabel()[0].GetName())
		}
	}

	assert.Equal(t, 1.0, byName["dnvme_admin_commands_total"])
	assert.Equal(t, 1.0, byName["dnvme_io_commands_total"])
	assert.Equal(t, 2.0, byName["dnvme_entries_reaped_total"])
	assert.Equal(t, 2.0, byName["dnvme_send_latency_seconds"])
}

func TestWriteMetricsTextfile(t *testing.T) {
	m := NewMetrics()
	m.RecordQueue(true)

	path := filepath.Join(t.TempDir(), "dnvme.prom")
	require.NoError(t, WriteMetricsTextfile(path, m, "sim"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)
	assert.True(t, strings.Contains(text, `dnvme_queues_created_total{device="sim"} 1`), text)
	assert.Contains(t, text, "dnvme_send_latency_seconds_bucket")
}
