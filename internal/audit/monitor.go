package audit

import (
	"context"
	"time"

	"github.com/ledgerline/reconauth/internal/logger"
)

// Monitor periodically turns the Counter tally into a metrics_snapshot event
// and raises a security_alert when failures in one interval reach the threshold.
type Monitor struct {
	counter   *Counter
	sink      Sink
	interval  time.Duration
	threshold int
	log       *logger.Logger
}

// NewMonitor creates a Monitor. A threshold of zero disables alerts.
func NewMonitor(counter *Counter, sink Sink, interval time.Duration, threshold int, log *logger.Logger) *Monitor {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Monitor{
		counter:   counter,
		sink:      sink,
		interval:  interval,
		threshold: threshold,
		log:       log.WithComponent("monitor"),
	}
}

// Run ticks until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.log.Info().Dur("interval", m.interval).Msg("monitor started")
	for {
		select {
		case <-ctx.Done():
			m.log.Info().Msg("monitor stopped")
			return
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick emits one snapshot, and an alert if warranted.
func (m *Monitor) Tick(ctx context.Context) Snapshot {
	snap := m.counter.Swap()

	m.sink.Emit(ctx, NewEvent(EventMetricsSnapshot, OutcomeInfo).
		With("since", snap.Since).
		With("until", snap.Until).
		With("events", snap.Events).
		With("failures", snap.Failures).
		With("successes", snap.Successes).
		With("challenges", snap.Challenges))

	if m.threshold > 0 && snap.Failures >= uint64(m.threshold) {
		m.log.Warn().Uint64("failures", snap.Failures).Int("threshold", m.threshold).Msg("authentication failure spike")
		m.sink.Emit(ctx, NewEvent(EventSecurityAlert, OutcomeInfo).
			With("failures", snap.Failures).
			With("threshold", m.threshold).
			With("reasons", snap.Reasons))
	}
	return snap
}
