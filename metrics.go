package brainmessenger

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the SDK's Prometheus collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	SessionRefreshes   *prometheus.CounterVec
	SessionTransitions *prometheus.CounterVec
	ProfileWrites      *prometheus.CounterVec
	ProfileWriteTime   *prometheus.HistogramVec
	ProfileReloads     prometheus.Counter
	OutboxMessages     *prometheus.CounterVec
	OutboxDepth        prometheus.Gauge
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SessionRefreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "brain_session_refreshes_total",
				Help: "Total number of token refresh calls.",
			},
			[]string{"result"},
		),
		SessionTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "brain_session_transitions_total",
				Help: "Total number of session state transitions.",
			},
			[]string{"state"},
		),
		ProfileWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "brain_profile_writes_total",
				Help: "Total number of debounced profile writes.",
			},
			[]string{"field", "result"},
		),
		ProfileWriteTime: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "brain_profile_write_duration_seconds",
				Help:    "Duration of profile writes including retries.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"field"},
		),
		ProfileReloads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "brain_profile_reloads_total",
			Help: "Total number of profile reloads triggered by change notifications.",
		}),
		OutboxMessages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "brain_outbox_messages_total",
				Help: "Total number of queued messages by outcome.",
			},
			[]string{"result"},
		),
		OutboxDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "brain_outbox_depth",
			Help: "Number of messages waiting in the offline queue.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.SessionRefreshes,
			m.SessionTransitions,
			m.ProfileWrites,
			m.ProfileWriteTime,
			m.ProfileReloads,
			m.OutboxMessages,
			m.OutboxDepth,
		)
	}
	return m
}

func (m *Metrics) refresh(result string) {
	if m != nil {
		m.SessionRefreshes.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) transition(state SessionState) {
	if m != nil {
		m.SessionTransitions.WithLabelValues(string(state)).Inc()
	}
}

func (m *Metrics) profileWrite(f Field, result string, seconds float64) {
	if m != nil {
		m.ProfileWrites.WithLabelValues(string(f), result).Inc()
		m.ProfileWriteTime.WithLabelValues(string(f)).Observe(seconds)
	}
}

func (m *Metrics) reload() {
	if m != nil {
		m.ProfileReloads.Inc()
	}
}

func (m *Metrics) outbox(result string, depth int) {
	if m != nil {
		if result != "" {
			m.OutboxMessages.WithLabelValues(result).Inc()
		}
		m.OutboxDepth.Set(float64(depth))
	}
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
