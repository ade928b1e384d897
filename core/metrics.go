package core

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the prometheus collectors the Node façade updates as it
// runs. Construction is cheap and side-effect-free; Register wires them
// into a registry (normally prometheus.DefaultRegisterer, done once in
// cmd/corenet).
type Metrics struct {
	PeerCount       prometheus.Gauge
	ConnectAttempts prometheus.Counter
	FramesIn        prometheus.Counter
	FramesOut       prometheus.Counter
	Disconnects     *prometheus.CounterVec
	TasksAssigned   prometheus.Counter
	TasksTimedOut   prometheus.Counter
	BroadcastDrops  prometheus.Counter
}

// NewMetrics builds the Metrics collector set under the "corenet" namespace.
func NewMetrics() *Metrics {
	return &Metrics{
		PeerCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "corenet",
			Name:      "peer_count",
			Help:      "Number of currently connected and authenticated peers.",
		}),
		ConnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "corenet",
			Name:      "connect_attempts_total",
			Help:      "Total outbound dial attempts.",
		}),
		FramesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "corenet",
			Name:      "frames_in_total",
			Help:      "Total frames successfully decoded from peers.",
		}),
		FramesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "corenet",
			Name:      "frames_out_total",
			Help:      "Total frames written to peers.",
		}),
		Disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "corenet",
			Name:      "disconnects_total",
			Help:      "Total disconnects, labeled by reason.",
		}, []string{"reason"}),
		TasksAssigned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "corenet",
			Name:      "tasks_assigned_total",
			Help:      "Total scheduler tasks assigned to a peer.",
		}),
		TasksTimedOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "corenet",
			Name:      "tasks_timed_out_total",
			Help:      "Total scheduler tasks that timed out.",
		}),
		BroadcastDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "corenet",
			Name:      "broadcast_drops_total",
			Help:      "Total broadcast sends skipped due to a choking peer.",
		}),
	}
}

// Register adds every collector to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.PeerCount, m.ConnectAttempts, m.FramesIn, m.FramesOut,
		m.Disconnects, m.TasksAssigned, m.TasksTimedOut, m.BroadcastDrops,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
