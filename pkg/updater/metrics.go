package updater

import "time"

// MetricsRecorder observes update sessions.
type MetricsRecorder interface {
	SessionStarted(kind SessionKind)
	SessionDropped(kind SessionKind)
	SessionFinished(kind SessionKind, outcome string, duration time.Duration)
	ArchiveDownloaded(bytes int)
}

// NoOpMetricsRecorder discards everything.
type NoOpMetricsRecorder struct{}

func (NoOpMetricsRecorder) SessionStarted(SessionKind) {}
func (NoOpMetricsRecorder) SessionDropped(SessionKind) {}
func (NoOpMetricsRecorder) SessionFinished(SessionKind, string, time.Duration) {}
func (NoOpMetricsRecorder) ArchiveDownloaded(int) {}
