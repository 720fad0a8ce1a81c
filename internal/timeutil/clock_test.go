package timeutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRealClock(t *testing.T) {
	clock := RealClock{}
	before := time.Now()
	now := clock.Now()
	assert.False(t, now.Before(before))

	past := time.Now().Add(-time.Second)
	assert.GreaterOrEqual(t, clock.Since(past), time.Second)

	start := time.Now()
	clock.Sleep(5 * time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(start), 5*time.Millisecond)
}

func TestMockClock(t *testing.T) {
	start := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := NewMockClock(start)
	assert.Equal(t, start, clock.Now())

	clock.Advance(250 * time.Millisecond)
	assert.Equal(t, 250*time.Millisecond, clock.Since(start))

	clock.Sleep(time.Millisecond)
	clock.Sleep(2 * time.Millisecond)
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond}, clock.Sleeps())
	assert.Equal(t, 253*time.Millisecond, clock.Since(start))

	clock.Set(start.Add(-time.Hour))
	assert.Equal(t, -time.Hour, clock.Since(start))
}

func TestMockClockSatisfiesClock(t *testing.T) {
	var _ Clock = NewMockClock(time.Time{})
	var _ Clock = RealClock{}
}
