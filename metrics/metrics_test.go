package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.CapturedBytes.WithLabelValues("down").Add(1500)
	m.CapturedFrames.Inc()
	m.StoreErrors.WithLabelValues("end_session").Inc()

	families, err := reg.Gather()
	require.NoError(t, err)

	names := map[string]bool{}
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	assert.True(t, names["trafficmon_captured_bytes_total"])
	assert.True(t, names["trafficmon_captured_frames_total"])
	assert.True(t, names["trafficmon_store_errors_total"])
	assert.Equal(t, 1500.0, testutil.ToFloat64(m.CapturedBytes.WithLabelValues("down")))
}

func TestNopDoesNotPanicOnDoubleConstruction(t *testing.T) {
	a := Nop()
	b := Nop()
	a.RecordsSaved.Inc()
	b.RecordsSaved.Add(2)
	assert.Equal(t, 1.0, testutil.ToFloat64(a.RecordsSaved))
	assert.Equal(t, 2.0, testutil.ToFloat64(b.RecordsSaved))
}
