package timestamp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConversions(t *testing.T) {
	ref := time.Date(2024, 3, 1, 12, 30, 0, 123456000, time.UTC)
	us := FromTime(ref)

	assert.Equal(t, ref, ToTime(us))
	assert.Equal(t, "2024-03-01T12:30:00.123456Z", Format(us))
	assert.Equal(t, ref.UnixMilli(), Millis(us))

	assert.Zero(t, FromTime(time.Time{}))
	assert.True(t, ToTime(0).IsZero())
	assert.Empty(t, Format(0))
}

func TestNow(t *testing.T) {
	before := time.Now().UnixMicro()
	now := Now()
	assert.GreaterOrEqual(t, now, before)
	assert.WithinDuration(t, time.Now(), ToTime(now), time.Second)
}

func TestClock_StrictlyIncreasing(t *testing.T) {
	frozen := time.UnixMicro(1_000)
	c := NewClock(func() time.Time { return frozen })

	assert.Equal(t, int64(1_000), c.Next())
	assert.Equal(t, int64(1_001), c.Next())
	assert.Equal(t, int64(1_002), c.Next())
	assert.Equal(t, int64(1_002), c.Last())
}

func TestClock_StepsBack(t *testing.T) {
	now := time.UnixMicro(5_000)
	c := NewClock(func() time.Time { return now })

	assert.Equal(t, int64(5_000), c.Next())
	now = time.UnixMicro(4_000)
	assert.Equal(t, int64(5_001), c.Next())
	now = time.UnixMicro(9_000)
	assert.Equal(t, int64(9_000), c.Next())
}

func TestClock_Observe(t *testing.T) {
	c := NewClock(func() time.Time { return time.UnixMicro(100) })

	c.Observe(500)
	assert.Equal(t, int64(501), c.Next())

	c.Observe(200)
	assert.Equal(t, int64(501), c.Last())
}

func TestClock_PeekCommit(t *testing.T) {
	c := NewClock(func() time.Time { return time.UnixMicro(100) })

	ts := c.Peek()
	assert.Equal(t, int64(100), ts)
	assert.Equal(t, int64(100), c.Peek())
	assert.Zero(t, c.Last())

	c.Commit(ts)
	assert.Equal(t, int64(101), c.Peek())
}

func TestNewClock_DefaultsToWallClock(t *testing.T) {
	c := NewClock(nil)
	assert.WithinDuration(t, time.Now(), ToTime(c.Next()), time.Second)
}
