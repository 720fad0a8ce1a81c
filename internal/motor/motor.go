// Package motor runs one velocity loop per wheel and streams the resulting
// motor voltages to the micro-controller.
package motor

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/banshee-data/robobase/internal/monitoring"
	"github.com/banshee-data/robobase/internal/odometry"
	"github.com/banshee-data/robobase/internal/pid"
	"github.com/banshee-data/robobase/internal/versioned"
)

// maxStep is the longest pose interval that is still controlled.
const maxStep = time.Second

// Options configures both wheel loops.
type Options struct {
	PID        pid.Config
	MaxVoltage float64
}

// Sender writes unacknowledged commands to the device.
type Sender interface {
	SendDirect(payload string) error
}

// References supplies the wheel velocity references.
type References interface {
	WheelReference() [2]float64
}

// Sample is published after every control step.
type Sample struct {
	Reference [2]float64
	Measured  [2]float64
	Voltage   [2]float64
	Limited   bool
	Skipped   bool
	At        time.Time
}

// Controller runs once per pose update.
type Controller struct {
	pose *versioned.Cell[odometry.Pose]
	refs References
	link Sender
	pid  [2]*pid.Controller
	max  float64

	Out versioned.Cell[Sample]

	seen    uint64
	lastAt  time.Time
	u       [2]float64
	limited atomic.Bool
}

// New creates the motor controller. Both wheels use the same PID settings.
func New(pose *versioned.Cell[odometry.Pose], refs References, link Sender, opts Options) *Controller {
	c := &Controller{
		pose: pose,
		refs: refs,
		link: link,
		pid:  [2]*pid.Controller{pid.New(opts.PID), pid.New(opts.PID)},
		max:  opts.MaxVoltage,
	}
	monitoring.Logf("[motor] %s max %.1fV", c.pid[0], c.max)
	return c
}

// Limited reports whether the last voltages were scaled down.
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

// Update runs both wheel loops for pose p and sends the voltages. The
// interval is measured from the previous pose to this one; when it is a
// second or more, or negative, the previous voltages are sent again. A pose
// with the previous pose's time, as published by a frame reset, carries no
// new measurement and sends nothing.
func (c *Controller) Update(p odometry.Pose) [2]float64 {
	dt := p.At.Sub(c.lastAt)
	c.lastAt = p.At
	valid := dt > 0 && dt < maxStep

	ref := c.refs.WheelReference()
	if valid {
		limiting := c.limited.Load()
		var u [2]float64
		for i := range u {
			u[i] = c.pid[i].Update(ref[i], p.WheelVelocity[i], limiting)
		}
		u, limited := Saturate(u, c.max)
		c.u = u
		c.limited.Store(limited)
	}

	c.Out.Publish(Sample{
		Reference: ref,
		Measured:  p.WheelVelocity,
		Voltage:   c.u,
		Limited:   c.limited.Load(),
		Skipped:   !valid,
		At:        p.At,
	})
	if dt == 0 {
		return c.u
	}
	if err := c.link.SendDirect(Command(c.u)); err != nil {
		monitoring.Debugf("motor", "send: %v", err)
	}
	monitoring.Debugf("motor", "ref %.3f %.3f vel %.3f %.3f u %.2f %.2f limited %v",
		ref[0], ref[1], p.WheelVelocity[0], p.WheelVelocity[1], c.u[0], c.u[1], c.limited.Load())
	return c.u
}

// Stop sends zero voltage to both motors.
func (c *Controller) Stop() error {
	return c.link.SendDirect("motv 0 0")
}

// Saturate scales both voltages by the same factor when either exceeds
// limit, so the larger one ends at ±limit and their ratio is kept.
func Saturate(u [2]float64, limit float64) ([2]float64, bool) {
	big := math.Max(math.Abs(u[0]), math.Abs(u[1]))
	if big <= limit {
		return u, false
	}
	f := limit / big
	return [2]float64{u[0] * f, u[1] * f}, true
}

// Command formats the motor voltage command.
func Command(u [2]float64) string {
	return fmt.Sprintf("motv %.2f %.2f", u[0], u[1])
}
