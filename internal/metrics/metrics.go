package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "diagramsync"

// Metrics holds the service collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	roomsActive       prometheus.Gauge
	connectionsActive prometheus.Gauge
	patches           *prometheus.CounterVec
	snapshotSaves     *prometheus.CounterVec
	joinDenied        *prometheus.CounterVec
}

// New creates the collectors and registers them on reg when it is non-nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		roomsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rooms_active",
			Help:      "Number of documents with an in-memory room",
		}),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of open realtime connections",
		}),
		patches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "patches_total",
			Help:      "Patches accepted for relay, by patch type",
		}, []string{"type"}),
		snapshotSaves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_saves_total",
			Help:      "Debounced snapshot writes, by result",
		}, []string{"result"}),
		joinDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "join_denied_total",
			Help:      "Rejected joins, by reason",
		}, []string{"reason"}),
	}
	if reg != nil {
		reg.MustRegister(m.roomsActive, m.connectionsActive, m.patches, m.snapshotSaves, m.joinDenied)
	}
	return m
}

func (m *Metrics) RoomOpened() {
	if m != nil {
		m.roomsActive.Inc()
	}
}

func (m *Metrics) RoomClosed() {
	if m != nil {
		m.roomsActive.Dec()
	}
}

func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.connectionsActive.Inc()
	}
}

func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.connectionsActive.Dec()
	}
}

func (m *Metrics) PatchRelayed(patchType string) {
	if m == nil {
		return
	}
	if patchType == "" {
		patchType = "unknown"
	}
	m.patches.WithLabelValues(patchType).Inc()
}

func (m *Metrics) SnapshotSaved(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.snapshotSaves.WithLabelValues(result).Inc()
}

func (m *Metrics) JoinDenied(reason string) {
	if m != nil {
		m.joinDenied.WithLabelValues(reason).Inc()
	}
}
