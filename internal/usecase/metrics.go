package usecase

// MetricsRecorder receives second factor outcomes. *telemetry.Metrics implements it.
type MetricsRecorder interface {
	ObserveVerification(method, result string)
	ObserveLockout()
	ObserveEmail(purpose, outcome string)
	ObserveCleanup(deleted int64)
	ObserveMigration(migrated int64)
}

type noopMetrics struct{}

func (noopMetrics) ObserveVerification(string, string) {}
func (noopMetrics) ObserveLockout()                    {}
func (noopMetrics) ObserveEmail(string, string)        {}
func (noopMetrics) ObserveCleanup(int64)               {}
func (noopMetrics) ObserveMigration(int64)             {}

func metricsOrNoop(m MetricsRecorder) MetricsRecorder {
	if m == nil {
		return noopMetrics{}
	}
	return m
}
