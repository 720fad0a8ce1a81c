// Package heading closes the loop from the odometry heading to the
// turn-rate used by the mixer.
package heading

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"github.com/banshee-data/robobase/internal/mixer"
	"github.com/banshee-data/robobase/internal/monitoring"
	"github.com/banshee-data/robobase/internal/odometry"
	"github.com/banshee-data/robobase/internal/pid"
	"github.com/banshee-data/robobase/internal/units"
	"github.com/banshee-data/robobase/internal/versioned"
)

// maxStep is the longest pose interval that is still controlled.
const maxStep = time.Second

// Options configures the heading loop. The PID error is always wrapped.
type Options struct {
	PID         pid.Config
	MaxTurnRate float64 // rad/s
}

// Mixer is the part of the mixer the heading loop reads and drives.
type Mixer interface {
	HeadingReference() mixer.HeadingReference
	SetTurnRateOutput(w float64)
}

// Limiter reports whether a downstream actuator is saturated.
type Limiter interface {
	Limited() bool
}

// Sample is published after every control step.
type Sample struct {
	Desired float64
	Heading float64
	Output  float64
	Limited bool
	Skipped bool
	At      time.Time
}

// Controller runs once per pose update.
type Controller struct {
	pose  *versioned.Cell[odometry.Pose]
	mixer Mixer
	motor Limiter
	pid   *pid.Controller
	max   float64

	Out versioned.Cell[Sample]

	seen    uint64
	lastAt  time.Time
	desired float64
	u       float64
	epoch   uint64
	limited atomic.Bool
}

// New creates the heading controller.
func New(pose *versioned.Cell[odometry.Pose], mx Mixer, motor Limiter, opts Options) *Controller {
	opts.PID.WrapError = true
	c := &Controller{
		pose:  pose,
		mixer: mx,
		motor: motor,
		pid:   pid.New(opts.PID),
		max:   opts.MaxTurnRate,
	}
	monitoring.Logf("[heading] %s max %.2f rad/s", c.pid, c.max)
	return c
}

// Limited reports whether the last output was clamped or the motors were
// saturated.
func (c *Controller) Limited() bool { return c.limited.Load() }

// Step runs the loop for a new pose, if any, and reports whether there was one.
func (c *Controller) Step() bool {
	p, ok := c.pose.Next(&c.seen)
	if !ok {
		return false
	}
	c.Update(p)
	return true
}

// Run calls Step every interval until ctx is done.
func (c *Controller) Run(ctx context.Context, interval time.Duration) error {
	return versioned.Poll(ctx, interval, c.Step)
}

// Update runs one control step for pose p and passes the turn-rate to the
// mixer. Steps with an interval of a second or more, or none at all, keep
// the previous output. A pose from a new frame epoch restarts the loop at
// the measured heading with the output at zero.
func (c *Controller) Update(p odometry.Pose) float64 {
	dt := p.At.Sub(c.lastAt)
	c.lastAt = p.At
	valid := dt > 0 && dt < maxStep

	if p.Epoch != c.epoch {
		c.epoch = p.Epoch
		c.desired = p.Heading
		c.u = 0
		c.pid.Reset()
		monitoring.Debugf("heading", "frame reset, holding %.4f", p.Heading)
	}
	ref := c.mixer.HeadingReference()
	if ref.UseTurnRate {
		if valid {
			c.desired = units.WrapAngle(c.desired + ref.TurnRate*dt.Seconds())
		}
	} else {
		c.desired = ref.Heading
	}

	if valid {
		u := c.pid.Update(c.desired, p.Heading, c.limited.Load())
		limited := math.Abs(u) > c.max || c.motor.Limited()
		c.u = math.Max(-c.max, math.Min(c.max, u))
		c.limited.Store(limited)
	} else {
		monitoring.Debugf("heading", "skipped step of %v", dt)
	}

	c.Out.Publish(Sample{
		Desired: c.desired,
		Heading: p.Heading,
		Output:  c.u,
		Limited: c.limited.Load(),
		Skipped: !valid,
		At:      p.At,
	})
	monitoring.Debugf("heading", "ref %.4f heading %.4f u %.4f limited %v",
		c.desired, p.Heading, c.u, c.limited.Load())
	c.mixer.SetTurnRateOutput(c.u)
	return c.u
}
