package telemetry

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "twofactor"

// Metrics holds the second factor counters. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Verifications  *prometheus.CounterVec
	Lockouts       prometheus.Counter
	EmailsSent     *prometheus.CounterVec
	CleanupDeleted prometheus.Counter
	Migrated       prometheus.Counter
}

// NewMetrics registers the collectors with reg, reusing collectors that are already registered.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	verifications, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "verifications_total",
		Help:      "Second factor verification attempts partitioned by method and result.",
	}, []string{"method", "result"}))
	if err != nil {
		return nil, err
	}

	lockouts, err := register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "ip_lockouts_total",
		Help:      "Number of failures that placed a source address into lockout.",
	}))
	if err != nil {
		return nil, err
	}

	emails, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "emails_sent_total",
		Help:      "One-time code emails partitioned by purpose and outcome.",
	}, []string{"purpose", "outcome"}))
	if err != nil {
		return nil, err
	}

	cleanup, err := register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "expired_sessions_deleted_total",
		Help:      "Expired pending logins removed by the cleanup job.",
	}))
	if err != nil {
		return nil, err
	}

	migrated, err := register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "legacy_secrets_migrated_total",
		Help:      "Legacy secrets converted into auth records.",
	}))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		Verifications:  verifications,
		Lockouts:       lockouts,
		EmailsSent:     emails,
		CleanupDeleted: cleanup,
		Migrated:       migrated,
	}, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, collector C) (C, error) {
	if err := reg.Register(collector); err != nil {
		already, ok := err.(prometheus.AlreadyRegisteredError)
		if !ok {
			return collector, fmt.Errorf("register collector: %w", err)
		}
		existing, ok := already.ExistingCollector.(C)
		if !ok {
			return collector, fmt.Errorf("existing collector has unexpected type %T", already.ExistingCollector)
		}
		return existing, nil
	}
	return collector, nil
}

// ObserveVerification counts one verification attempt.
func (m *Metrics) ObserveVerification(method, result string) {
	if m == nil {
		return
	}
	m.Verifications.WithLabelValues(method, result).Inc()
}

// ObserveLockout counts one lockout.
func (m *Metrics) ObserveLockout() {
	if m == nil {
		return
	}
	m.Lockouts.Inc()
}

// ObserveEmail counts one email delivery attempt.
func (m *Metrics) ObserveEmail(purpose, outcome string) {
	if m == nil {
		return
	}
	m.EmailsSent.WithLabelValues(purpose, outcome).Inc()
}

// ObserveCleanup adds the number of expired sessions removed.
func (m *Metrics) ObserveCleanup(deleted int64) {
	if m == nil || deleted <= 0 {
		return
	}
	m.CleanupDeleted.Add(float64(deleted))
}

// ObserveMigration adds the number of legacy secrets migrated.
func (m *Metrics) ObserveMigration(migrated int64) {
	if m == nil || migrated <= 0 {
		return
	}
	m.Migrated.Add(float64(migrated))
}
