package pebblestore

import (
	"time"

	"github.com/rzbill/regflow/pkg/log"
)

// MetricsHook observes storage latencies and sizes.
type MetricsHook interface {
	ObserveWrite(elapsed time.Duration, bytes int)
	ObserveRead(elapsed time.Duration, bytes int)
	ObserveBatchCommit(elapsed time.Duration, numOps int, bytes int)
}

// NoopMetrics is used when no metrics hook is provided.
type NoopMetrics struct{}

func (NoopMetrics) ObserveWrite(time.Duration, int)            {}
func (NoopMetrics) ObserveRead(time.Duration, int)             {}
func (NoopMetrics) ObserveBatchCommit(time.Duration, int, int) {}

// SlowOpLogger warns about writes and commits slower than Threshold.
type SlowOpLogger struct {
	Logger    log.Logger
	Threshold time.Duration
}

func (m SlowOpLogger) ObserveWrite(elapsed time.Duration, bytes int) {
	if elapsed < m.Threshold {
		return
	}
	m.Logger.Warn("slow write", log.Dur("elapsed", elapsed), log.Int("bytes", bytes))
}

func (SlowOpLogger) ObserveRead(time.Duration, int) {}

func (m SlowOpLogger) ObserveBatchCommit(elapsed time.Duration, numOps int, bytes int) {
	if elapsed < m.Threshold {
		return
	}
	m.Logger.Warn("slow batch commit",
		log.Dur("elapsed", elapsed),
		log.Int("ops", numOps),
		log.Int("bytes", bytes))
}
