package audit

import (
	"context"
	"sync"
	"time"
)

// Snapshot is the tally of events over one interval.
type Snapshot struct {
	Since      time.Time         `json:"since"`
	Until      time.Time         `json:"until"`
	Events     map[string]uint64 `json:"events"`
	Failures   uint64            `json:"failures"`
	Successes  uint64            `json:"successes"`
	Challenges uint64            `json:"challenges"`
	// Reasons counts failures by reason.
	Reasons map[string]uint64 `json:"reasons"`
}

// Counter tallies events in memory. Monitor events are not counted.
type Counter struct {
	mu  sync.Mutex
	cur Snapshot
	now func() time.Time
}

// NewCounter creates an empty Counter.
func NewCounter() *Counter {
	c := &Counter{now: time.Now}
	c.cur = c.fresh(c.now())
	return c
}

func (c *Counter) fresh(since time.Time) Snapshot {
	return Snapshot{
		Since:   since,
		Events:  make(map[string]uint64),
		Reasons: make(map[string]uint64),
	}
}

func (c *Counter) Emit(_ context.Context, e Event) {
	if e.Type == EventMetricsSnapshot || e.Type == EventSecurityAlert {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.cur.Events[string(e.Type)+"."+string(e.Outcome)]++
	switch e.Outcome {
	case OutcomeSuccess:
		c.cur.Successes++
	case OutcomeFailure:
		c.cur.Failures++
		if e.Reason != "" {
			c.cur.Reasons[e.Reason]++
		}
	case OutcomeChallenge:
		c.cur.Challenges++
	}
}

// Swap returns the current tally and starts a new interval.
func (c *Counter) Swap() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	out := c.cur
	out.Until = now
	c.cur = c.fresh(now)
	return out
}
