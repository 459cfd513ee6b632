package clinicsync

import (
	"sync"

	prom "github.com/prometheus/client_golang/prometheus"
)

// Recorder receives engine observability hooks. Implementations must be
// safe for concurrent use.
type Recorder interface {
	SetConnectionState(state ConnectionState)
	IncReconnectAttempt(trigger string) // retry|watchdog|manual
	IncRefresh(source string, ok bool)  // initial|poll|manual
	IncEventApplied(change ChangeType, applied bool)
	IncMutation(op string, ok bool)
	IncStaleDropped()
	SetRecordCount(n int)
}

// NoopRecorder is the default when metrics are not configured.
type NoopRecorder struct{}

func (NoopRecorder) SetConnectionState(ConnectionState)  {}
func (NoopRecorder) IncReconnectAttempt(string)          {}
func (NoopRecorder) IncRefresh(string, bool)             {}
func (NoopRecorder) IncEventApplied(ChangeType, bool)    {}
func (NoopRecorder) IncMutation(string, bool)            {}
func (NoopRecorder) IncStaleDropped()                    {}
func (NoopRecorder) SetRecordCount(int)                  {}

var allStates = []ConnectionState{StateConnecting, StateConnected, StateError, StateDisconnected, StateFailed}

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	once         sync.Once
	state        *prom.GaugeVec
	reconnects   *prom.CounterVec
	refreshes    *prom.CounterVec
	events       *prom.CounterVec
	mutations    *prom.CounterVec
	staleDropped prom.Counter
	records      prom.Gauge
}

// NewPrometheusRecorder constructs and registers the engine metrics.
func NewPrometheusRecorder(reg prom.Registerer) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{}
	pr.once.Do(func() {
		pr.state = prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: "clinicsync",
			Name:      "connection_state",
			Help:      "1 for the current push connection state, 0 otherwise",
		}, []string{"state"})
		pr.reconnects = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "clinicsync",
			Name:      "reconnect_attempts_total",
			Help:      "Push channel reconnect attempts by trigger",
		}, []string{"trigger"})
		pr.refreshes = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "clinicsync",
			Name:      "refreshes_total",
			Help:      "Full collection refreshes by source and result",
		}, []string{"source", "result"})
		pr.events = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "clinicsync",
			Name:      "events_total",
			Help:      "Remote change events by type and whether they changed the collection",
		}, []string{"change", "applied"})
		pr.mutations = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "clinicsync",
			Name:      "mutations_total",
			Help:      "Local mutations by operation and result",
		}, []string{"op", "result"})
		pr.staleDropped = prom.NewCounter(prom.CounterOpts{
			Namespace: "clinicsync",
			Name:      "stale_callbacks_dropped_total",
			Help:      "Channel callbacks discarded because their subscription was superseded",
		})
		pr.records = prom.NewGauge(prom.GaugeOpts{
			Namespace: "clinicsync",
			Name:      "records",
			Help:      "Records held in the local collection",
		})
		reg.MustRegister(pr.state, pr.reconnects, pr.refreshes, pr.events, pr.mutations, pr.staleDropped, pr.records)
	})
	return pr
}

func resultLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "failed"
}

func (p *PrometheusRecorder) SetConnectionState(state ConnectionState) {
	if p == nil || p.state == nil {
		return
	}
	for _, s := range allStates {
		v := 0.0
		if s == state {
			v = 1
		}
		p.state.WithLabelValues(string(s)).Set(v)
	}
}

func (p *PrometheusRecorder) IncReconnectAttempt(trigger string) {
	if p == nil || p.reconnects == nil {
		return
	}
	p.reconnects.WithLabelValues(trigger).Inc()
}

func (p *PrometheusRecorder) IncRefresh(source string, ok bool) {
	if p == nil || p.refreshes == nil {
		return
	}
	p.refreshes.WithLabelValues(source, resultLabel(ok)).Inc()
}

func (p *PrometheusRecorder) IncEventApplied(change ChangeType, applied bool) {
	if p == nil || p.events == nil {
		return
	}
	label := "false"
	if applied {
		label = "true"
	}
	p.events.WithLabelValues(string(change), label).Inc()
}

func (p *PrometheusRecorder) IncMutation(op string, ok bool) {
	if p == nil || p.mutations == nil {
		return
	}
	p.mutations.WithLabelValues(op, resultLabel(ok)).Inc()
}

func (p *PrometheusRecorder) IncStaleDropped() {
	if p == nil || p.staleDropped == nil {
		return
	}
	p.staleDropped.Inc()
}

func (p *PrometheusRecorder) SetRecordCount(n int) {
	if p == nil || p.records == nil {
		return
	}
	p.records.Set(float64(n))
}
