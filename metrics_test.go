package clinicsync

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewPrometheusRecorder(reg)

	r.SetConnectionState(StateError)
	r.SetConnectionState(StateConnected)
	r.IncReconnectAttempt(triggerRetry)
	r.IncReconnectAttempt(triggerRetry)
	r.IncReconnectAttempt(triggerManual)
	r.IncRefresh("poll", true)
	r.IncRefresh("poll", false)
	r.IncEventApplied(ChangeInsert, false)
	r.IncMutation("create", true)
	r.IncStaleDropped()
	r.SetRecordCount(7)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.state.WithLabelValues(string(StateConnected))))
	assert.Equal(t, 0.0, testutil.ToFloat64(r.state.WithLabelValues(string(StateError))))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.reconnects.WithLabelValues(triggerRetry)))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.refreshes.WithLabelValues("poll", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.events.WithLabelValues("insert", "false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.mutations.WithLabelValues("create", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.staleDropped))
	assert.Equal(t, 7.0, testutil.ToFloat64(r.records))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "clinicsync_reconnect_attempts_total")
	assert.Contains(t, names, "clinicsync_stale_callbacks_dropped_total")
}

func TestPrometheusRecorder_NilSafe(t *testing.T) {
	var r *PrometheusRecorder
	assert.NotPanics(t, func() {
		r.SetConnectionState(StateFailed)
		r.IncReconnectAttempt(triggerWatchdog)
		r.IncStaleDropped()
		r.SetRecordCount(1)
	})
}
