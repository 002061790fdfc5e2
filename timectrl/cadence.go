package timectrl

import "time"

// Cadence tracks the fixed-rate schedule of one ticking region: each tick is
// due exactly one period after the previous tick's scheduled start, so a slow
// tick shortens the following sleep instead of shifting the whole schedule.
//
// A Cadence is not safe for concurrent use; it belongs to whichever worker
// currently holds the region's tick token.
type Cadence struct {
	period     time.Duration
	maxCatchup int

	next    time.Time
	started bool
	last    time.Duration
}

// NewCadence creates a schedule with the given period. When the worker falls
// more than maxCatchup periods behind, the schedule is reset to now instead
// of bursting through the backlog. maxCatchup <= 0 disables catch-up.
func NewCadence(period time.Duration, maxCatchup int) *Cadence {
	if period <= 0 {
		panic("timectrl.NewCadence: period must be > 0")
	}
	return &Cadence{period: period, maxCatchup: maxCatchup}
}

// Period returns the configured tick period.
func (c *Cadence) Period() time.Duration { return c.period }

// Started reports whether a first deadline has been set.
func (c *Cadence) Started() bool { return c.started }

// Next returns the scheduled start of the next tick. An unstarted cadence
// schedules the first tick one period after now.
func (c *Cadence) Next(now time.Time) time.Time {
	if !c.started {
		c.next = now.Add(c.period)
		c.started = true
	}
	return c.next
}

// Until returns how long to sleep until the next tick is due.
func (c *Cadence) Until(now time.Time) time.Duration {
	d := c.Next(now).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Begin records that the due tick started at now and advances the schedule
// by one period. It returns how many periods were skipped because the
// worker was too far behind.
func (c *Cadence) Begin(now time.Time) int {
	scheduled := c.Next(now)
	c.last = now.Sub(scheduled)
	c.next = scheduled.Add(c.period)

	behind := now.Sub(c.next)
	if c.maxCatchup <= 0 || behind <= time.Duration(c.maxCatchup)*c.period {
		return 0
	}
	skipped := int(behind / c.period)
	c.next = now.Add(c.period)
	return skipped
}

// Lateness returns how late the most recently begun tick started.
func (c *Cadence) Lateness() time.Duration { return c.last }

// CopyFrom makes c continue o's schedule. Split targets inherit the source
// schedule so no region ticks early after a split.
func (c *Cadence) CopyFrom(o *Cadence) {
	if o == nil || !o.started {
		return
	}
	c.next = o.next
	c.started = true
	c.last = o.last
}

// MergeFrom keeps the later of the two deadlines so a merged region never
// ticks faster than either of its parts.
func (c *Cadence) MergeFrom(o *Cadence) {
	if o == nil || !o.started {
		return
	}
	if !c.started || o.next.After(c.next) {
		c.next = o.next
		c.started = true
	}
}
