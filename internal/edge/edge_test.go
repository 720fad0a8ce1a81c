package edge

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/robobase/internal/linesensor"
	"github.com/banshee-data/robobase/internal/mixer"
	"github.com/banshee-data/robobase/internal/pid"
	"github.com/banshee-data/robobase/internal/versioned"
)

type fakeLimiter struct{ atomic.Bool }

func (f *fakeLimiter) Limited() bool { return f.Load() }

type fixture struct {
	edge  versioned.Cell[linesensor.Edge]
	mixer *mixer.Mixer
	motor *fakeLimiter
	ctl   *Controller
}

func newFixture(cfg pid.Config) *fixture {
	f := &fixture{mixer: mixer.New(0.243), motor: &fakeLimiter{}}
	f.ctl = New(&f.edge, f.mixer, f.motor, Options{PID: cfg, MaxTurnRate: 7})
	return f
}

func measurement(left, right float64) linesensor.Edge {
	return linesensor.Edge{Valid: true, Left: left, Right: right, Width: left - right}
}

func TestInactiveOutsideEdgeMode(t *testing.T) {
	f := newFixture(pid.Config{SampleTime: 0.008, Kp: 40})
	f.mixer.SetTurnRate(0.3)
	assert.Zero(t, f.ctl.Update(measurement(0.05, 0.01)))
	assert.Equal(t, uint64(0), f.ctl.Out.Seq())
	assert.Equal(t, 0.3, f.mixer.HeadingReference().TurnRate, "turn-rate mode is untouched")
}

func TestSignConvention(t *testing.T) {
	f := newFixture(pid.Config{SampleTime: 0.008, Kp: 40})
	f.mixer.SetEdgeMode(true, 0)

	u := f.ctl.Update(measurement(0.05, 0.01))
	assert.InDelta(t, 2.0, u, 1e-12, "edge to the left turns left")
	assert.InDelta(t, 2.0, f.mixer.HeadingReference().TurnRate, 1e-12)

	f.mixer.SetEdgeMode(false, 0.02)
	u = f.ctl.Update(measurement(0.05, -0.01))
	assert.InDelta(t, -1.2, u, 1e-12, "right edge right of the offset turns right")
	assert.False(t, f.ctl.Out.Value().Limited)
}

func TestClampAndLimited(t *testing.T) {
	f := newFixture(pid.Config{SampleTime: 0.008, Kp: 40})
	f.mixer.SetEdgeMode(true, 0)
	u := f.ctl.Update(measurement(0.5, 0.4))
	assert.Equal(t, 7.0, u)
	assert.True(t, f.ctl.Out.Value().Limited)

	u = f.ctl.Update(measurement(-0.5, -0.6))
	assert.Equal(t, -7.0, u)

	f.motor.Store(true)
	f.ctl.Update(measurement(0.01, 0))
	assert.True(t, f.ctl.Out.Value().Limited, "motor saturation counts as limiting")
}

func TestNoLineGivesZero(t *testing.T) {
	f := newFixture(pid.Config{SampleTime: 0.008, Kp: 40})
	f.mixer.SetEdgeMode(true, 0)
	f.ctl.Update(measurement(0.05, 0.01))
	u := f.ctl.Update(linesensor.Edge{})
	assert.Zero(t, u)
	assert.Zero(t, f.mixer.HeadingReference().TurnRate)
	assert.False(t, f.ctl.Out.Value().Valid)
}

func TestLeavingEdgeModeResets(t *testing.T) {
	cfg := pid.Config{SampleTime: 0.008, Kp: 40, LeadTau: 0.3, LeadAlpha: 0.5}
	f := newFixture(cfg)
	f.mixer.SetEdgeMode(true, 0)
	first := f.ctl.Update(measurement(0.05, 0.01))
	f.ctl.Update(measurement(0.04, 0.00))

	f.mixer.SetHeading(1)
	assert.Zero(t, f.ctl.Update(measurement(0.04, 0.00)))
	out := f.ctl.Out.Value()
	assert.False(t, out.Active)
	assert.Zero(t, out.Output)
	seq := f.ctl.Out.Seq()
	f.ctl.Update(measurement(0.04, 0.00))
	assert.Equal(t, seq, f.ctl.Out.Seq(), "only the transition is published")

	// history was cleared: the same input gives the same first output
	f.mixer.SetEdgeMode(true, 0)
	assert.InDelta(t, first, f.ctl.Update(measurement(0.05, 0.01)), 1e-12)
}

func TestReselectingEdgeModeResets(t *testing.T) {
	cfg := pid.Config{SampleTime: 0.008, Kp: 40, LeadTau: 0.3, LeadAlpha: 0.5}
	f := newFixture(cfg)
	f.mixer.SetEdgeMode(true, 0)
	first := f.ctl.Update(measurement(0.05, 0.01))
	f.ctl.Update(measurement(0.04, 0.00))

	// left and re-entered between two measurements
	f.mixer.SetHeading(1)
	f.mixer.SetEdgeMode(true, 0)
	assert.InDelta(t, first, f.ctl.Update(measurement(0.05, 0.01)), 1e-12)
	assert.True(t, f.ctl.Out.Value().Active)

	// the same selection keeps its history
	second := f.ctl.Update(measurement(0.05, 0.01))
	assert.NotEqual(t, first, second)
}

func TestRunFollowsEdge(t *testing.T) {
	f := newFixture(pid.Config{SampleTime: 0.008, Kp: 10})
	f.mixer.SetEdgeMode(false, 0)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.ctl.Run(ctx, time.Millisecond) }()

	f.edge.Publish(measurement(0.05, -0.03))
	require.Eventually(t, func() bool { return f.ctl.Out.Seq() == 1 }, time.Second, time.Millisecond)
	assert.InDelta(t, -0.3, f.ctl.Out.Value().Output, 1e-12)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
