// Package timestamp handles document timestamps.
//
// A document timestamp is an int64 count of microseconds since the Unix
// epoch, UTC. Zero means "not set". Stores compare timestamps to decide which
// write is latest, so a Clock never hands out the same value twice.
package timestamp

import (
	"time"
)

// Now returns the current time in microseconds.
func Now() int64 {
	return time.Now().UnixMicro()
}

// FromTime converts t to microseconds. The zero time maps to 0.
func FromTime(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMicro()
}

// ToTime converts microseconds to a UTC time. 0 maps to the zero time.
func ToTime(us int64) time.Time {
	if us == 0 {
		return time.Time{}
	}
	return time.UnixMicro(us).UTC()
}

// Format renders us as RFC3339 with microseconds, or "" for 0.
func Format(us int64) string {
	if us == 0 {
		return ""
	}
	return ToTime(us).Format("2006-01-02T15:04:05.000000Z07:00")
}

// Millis converts microseconds to milliseconds.
func Millis(us int64) int64 {
	return us / int64(time.Millisecond/time.Microsecond)
}

// Clock hands out strictly increasing timestamps from a wall clock. When the
// wall clock stalls or steps back, Next continues from the last value plus
// one. A Clock is not safe for concurrent use; stores call it under their
// own lock.
type Clock struct {
	now  func() time.Time
	last int64
}

// NewClock returns a Clock reading now, or time.Now when now is nil.
func NewClock(now func() time.Time) *Clock {
	if now == nil {
		now = time.Now
	}
	return &Clock{now: now}
}

// Next returns a timestamp greater than every one returned or observed so far.
func (c *Clock) Next() int64 {
	ts := c.now().UnixMicro()
	if ts <= c.last {
		ts = c.last + 1
	}
	c.last = ts
	return ts
}

// Peek returns what Next would return, without advancing the clock.
func (c *Clock) Peek() int64 {
	ts := c.now().UnixMicro()
	if ts <= c.last {
		ts = c.last + 1
	}
	return ts
}

// Commit records ts as handed out. Use it with Peek when the value only
// counts once a write has succeeded.
func (c *Clock) Commit(ts int64) {
	c.Observe(ts)
}

// Observe moves the clock past a timestamp produced elsewhere.
func (c *Clock) Observe(ts int64) {
	if ts > c.last {
		c.last = ts
	}
}

// Last returns the highest timestamp handed out or observed.
func (c *Clock) Last() int64 {
	return c.last
}
