package api

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jmcleod/backoffice/guard"
	"github.com/jmcleod/backoffice/internal/clock"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	AlertLoginFailureSpike   AlertType = "login_failure_spike"
	AlertSignOutFailureSpike AlertType = "signout_failure_spike"
)

// AlertEvent describes an anomaly that triggered an alert.
type AlertEvent struct {
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Count     int       `json:"count"`
	Threshold int       `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertFunc is the callback invoked when an anomaly is detected.
type AlertFunc func(AlertEvent)

const (
	defaultLoginFailureWindow      = 1 * time.Minute
	defaultLoginFailureThreshold   = 50
	defaultSignOutFailureWindow    = 5 * time.Minute
	defaultSignOutFailureThreshold = 10
)

// slidingWindow counts events in the trailing window and fires once the
// threshold is reached.
type slidingWindow struct {
	alert     AlertType
	message   string
	window    time.Duration
	threshold int
	times     []time.Time
}

// alertCollector tracks sliding window counters for anomaly detection.
type alertCollector struct {
	mu              sync.Mutex
	clock           clock.Clock
	loginFailures   slidingWindow
	signOutFailures slidingWindow
	alertFn         AlertFunc
}

func newAlertCollector(alertFn AlertFunc) *alertCollector {
	c := &alertCollector{clock: clock.Real(), alertFn: alertFn}
	c.loginFailures = slidingWindow{
		alert:     AlertLoginFailureSpike,
		message:   "login failure rate exceeds threshold",
		window:    defaultLoginFailureWindow,
		threshold: defaultLoginFailureThreshold,
	}
	c.signOutFailures = slidingWindow{
		alert:     AlertSignOutFailureSpike,
		message:   "remote sign-out failures exceed threshold",
		window:    defaultSignOutFailureWindow,
		threshold: defaultSignOutFailureThreshold,
	}
	return c
}

// recordEvent inspects an audit event and updates the relevant counters.
func (m *alertCollector) recordEvent(event AuditEvent) {
	if m == nil || m.alertFn == nil {
		return
	}
	switch event {
	case AuditLoginFailure:
		m.record(&m.loginFailures)
	case AuditSignOutFailed:
		m.record(&m.signOutFailures)
	}
}

func (m *alertCollector) record(w *slidingWindow) {
	m.mu.Lock()
	now := m.clock.Now()
	w.times = trimWindow(append(w.times, now), now, w.window)
	var fire *AlertEvent
	if len(w.times) >= w.threshold {
		fire = &AlertEvent{
			Type:      w.alert,
			Message:   w.message,
			Count:     len(w.times),
			Threshold: w.threshold,
			Timestamp: now,
		}
		// One alert per spike.
		w.times = w.times[:0]
	}
	m.mu.Unlock()

	if fire != nil {
		m.alertFn(*fire)
	}
}

// trimWindow removes entries older than (now - window) from the sorted slice.
func trimWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	start := 0
	for start < len(times) && times[start].Before(cutoff) {
		start++
	}
	return times[start:]
}

// promMetrics holds the Prometheus collectors exported at /metrics.
type promMetrics struct {
	registry *prometheus.Registry

	transitions *prometheus.CounterVec
	events      *prometheus.CounterVec
	logins      *prometheus.CounterVec
}

func (m *promMetrics) init(activeSessions func() int) {
	if m.registry == nil {
		m.registry = prometheus.NewRegistry()
	}
	m.transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "backoffice",
		Subsystem: "guard",
		Name:      "transitions_total",
		Help:      "Session guard phase transitions.",
	}, []string{"from", "to"})
	m.events = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "backoffice",
		Name:      "audit_events_total",
		Help:      "Audit events by type.",
	}, []string{"event"})
	m.logins = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "backoffice",
		Name:      "login_attempts_total",
		Help:      "Login attempts by result.",
	}, []string{"result"})
	active := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "backoffice",
		Name:      "active_sessions",
		Help:      "Sessions currently tracked by the server.",
	}, func() float64 { return float64(activeSessions()) })

	m.registry.MustRegister(m.transitions, m.events, m.logins, active)
}

func (m *promMetrics) observeTransition(from, to guard.Phase) {
	m.transitions.WithLabelValues(from.String(), to.String()).Inc()
}

func (m *promMetrics) observeEvent(event AuditEvent) {
	m.events.WithLabelValues(string(event)).Inc()
	switch event {
	case AuditLoginSuccess:
		m.logins.WithLabelValues("success").Inc()
	case AuditLoginFailure:
		m.logins.WithLabelValues("failure").Inc()
	case AuditLoginRateLimited:
		m.logins.WithLabelValues("rate_limited").Inc()
	}
}
